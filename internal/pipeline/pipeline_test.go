package pipeline

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LambTheBamb/SpecterRealMonitor/internal/alerting"
	"github.com/LambTheBamb/SpecterRealMonitor/internal/config"
	"github.com/LambTheBamb/SpecterRealMonitor/internal/exporter"
	"github.com/LambTheBamb/SpecterRealMonitor/internal/models"
)

type memStore struct {
	mu   sync.Mutex
	recs []models.AlertRecord
}

func (m *memStore) Append(rec models.AlertRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, rec)
	return nil
}

func (m *memStore) Close() error { return nil }

func (m *memStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.recs)
}

func testConfig() *config.Config {
	abs := 100.0
	return &config.Config{
		AlertCooldown: time.Minute,
		BaselineDecay: 0.2,
		Metrics: []config.MetricSpec{{
			Name:              "machine_clears_count",
			Group:             "speculative",
			Source:            config.SourcePerf,
			Events:            []string{"machine_clears.count"},
			Mode:              config.ModeRate,
			SampleInterval:    time.Second,
			BaselineWindow:    5,
			AbsoluteThreshold: &abs,
			ZWarning:          3,
			ZCritical:         6,
		}},
	}
}

func newTestPipeline(t *testing.T) (*Pipeline, *exporter.Exporter, *alerting.Sink, *memStore) {
	t.Helper()
	cfg := testConfig()
	store := &memStore{}
	sink := alerting.NewSink(store, cfg.AlertCooldown, 16)
	t.Cleanup(sink.Close)
	exp := exporter.New(cfg.Metrics)
	return New(cfg, exp, sink, nil), exp, sink, store
}

func feed(p *Pipeline, ts time.Time, values ...float64) time.Time {
	for _, v := range values {
		p.Process(models.Sample{MetricName: "machine_clears_count", Timestamp: ts, Value: v})
		ts = ts.Add(time.Second)
	}
	return ts
}

func TestWarmupReachesActiveAtWindow(t *testing.T) {
	pipe, _, _, _ := newTestPipeline(t)
	ts := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)

	ts = feed(pipe, ts, 10, 10, 10, 10)
	snap, ok := pipe.Baseline("machine_clears_count")
	require.True(t, ok)
	assert.Equal(t, models.StateWarming, snap.State)

	feed(pipe, ts, 10)
	snap, _ = pipe.Baseline("machine_clears_count")
	assert.Equal(t, models.StateActive, snap.State)
	assert.Equal(t, int64(5), snap.SampleCount)
}

func TestAnomaliesDoNotPoisonBaseline(t *testing.T) {
	pipe, _, _, _ := newTestPipeline(t)
	ts := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)

	ts = feed(pipe, ts, 10, 10, 10, 10, 10, 10)
	pre, _ := pipe.Baseline("machine_clears_count")
	require.Equal(t, models.StateActive, pre.State)

	// A burst of absolute-threshold anomalies must leave the model alone.
	ts = feed(pipe, ts, 5000, 5000, 5000, 5000)
	mid, _ := pipe.Baseline("machine_clears_count")
	assert.Equal(t, pre, mid)

	// Returning to the normal stream reproduces the pre-anomaly baseline.
	feed(pipe, ts, 10, 10)
	post, _ := pipe.Baseline("machine_clears_count")
	assert.Equal(t, pre.Mean, post.Mean)
	assert.Equal(t, pre.StdDev, post.StdDev)
	assert.Equal(t, pre.SampleCount+2, post.SampleCount)
}

func TestAlertDeduplicationThroughPipeline(t *testing.T) {
	pipe, _, _, store := newTestPipeline(t)
	ts := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)

	ts = feed(pipe, ts, 10, 10, 10, 10, 10)

	// Two anomalies inside one cooldown window: one record.
	ts = feed(pipe, ts, 5000, 5000)
	// Third anomaly after expiry: a second record.
	feed(pipe, ts.Add(2*time.Minute), 5000)

	pipe.sink.Close()
	assert.Equal(t, 2, store.count())
}

func TestExporterSeesClassification(t *testing.T) {
	pipe, exp, _, _ := newTestPipeline(t)
	ts := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)

	ts = feed(pipe, ts, 10, 10, 10, 10, 10)
	ts = feed(pipe, ts, 5000)

	st, ok := exp.Status("machine_clears_count")
	require.True(t, ok)
	assert.Equal(t, models.SeverityCritical, st.Severity)
	assert.Equal(t, 5000.0, st.LastValue)

	feed(pipe, ts, 10)
	st, _ = exp.Status("machine_clears_count")
	assert.Equal(t, models.SeverityNone, st.Severity)
}

func TestUnavailableMetricStaysVisible(t *testing.T) {
	pipe, exp, _, _ := newTestPipeline(t)

	pipe.Fail("machine_clears_count", assert.AnError)

	st, ok := exp.Status("machine_clears_count")
	require.True(t, ok)
	assert.False(t, st.Available)
	assert.NotEmpty(t, st.LastError)
}

func TestResetBaseline(t *testing.T) {
	pipe, _, _, _ := newTestPipeline(t)
	ts := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)

	feed(pipe, ts, 10, 10, 10, 10, 10)
	require.NoError(t, pipe.ResetBaseline("machine_clears_count"))

	snap, _ := pipe.Baseline("machine_clears_count")
	assert.Equal(t, models.StateCold, snap.State)

	assert.Error(t, pipe.ResetBaseline("no_such_metric"))
}
