// Package exporter holds the externally observable per-metric state: a set of
// Prometheus gauges for scraping and a copy-on-read status map for the JSON
// API. Metrics with failing counters stay visible with an explicit
// unavailable state rather than disappearing.
package exporter

import (
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/LambTheBamb/SpecterRealMonitor/internal/config"
	"github.com/LambTheBamb/SpecterRealMonitor/internal/models"
)

var (
	lastValue = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "metric_last_value",
		Help: "Most recent sample value, by metric",
	}, []string{"metric"})

	baselineMean = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "metric_baseline_mean",
		Help: "Baseline mean, by metric",
	}, []string{"metric"})

	baselineStdDev = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "metric_baseline_stddev",
		Help: "Baseline standard deviation, by metric",
	}, []string{"metric"})

	baselineState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "metric_baseline_state",
		Help: "Baseline state, by metric (0=cold, 1=warming, 2=active)",
	}, []string{"metric"})

	severityGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "metric_severity",
		Help: "Active severity, by metric (0=none, 1=warning, 2=critical)",
	}, []string{"metric"})

	zScoreGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "metric_z_score",
		Help: "Z-score of the most recent sample, by metric",
	}, []string{"metric"})

	availableGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "metric_available",
		Help: "Whether the metric's counter is currently readable (1/0)",
	}, []string{"metric"})
)

type Exporter struct {
	mu     sync.RWMutex
	status map[string]models.MetricStatus
}

// New pre-registers every configured metric so the scrape endpoint reports
// all of them from the first response onward, even before a sample arrives.
func New(specs []config.MetricSpec) *Exporter {
	e := &Exporter{status: make(map[string]models.MetricStatus, len(specs))}
	for _, spec := range specs {
		e.status[spec.Name] = models.MetricStatus{
			Name:          spec.Name,
			Group:         spec.Group,
			Available:     true,
			BaselineState: models.StateCold,
			Severity:      models.SeverityNone,
		}
		lastValue.WithLabelValues(spec.Name).Set(0)
		baselineMean.WithLabelValues(spec.Name).Set(0)
		baselineStdDev.WithLabelValues(spec.Name).Set(0)
		baselineState.WithLabelValues(spec.Name).Set(models.StateCold.Code())
		severityGauge.WithLabelValues(spec.Name).Set(0)
		zScoreGauge.WithLabelValues(spec.Name).Set(0)
		availableGauge.WithLabelValues(spec.Name).Set(1)
	}
	return e
}

// ObserveSample records a classified sample and its baseline snapshot.
func (e *Exporter) ObserveSample(event models.AnomalyEvent) {
	name := event.MetricName

	e.mu.Lock()
	st := e.status[name]
	st.Name = name
	st.Available = true
	st.LastValue = event.Value
	st.LastSampleAt = event.Timestamp
	st.BaselineMean = event.Baseline.Mean
	st.BaselineStdDev = event.Baseline.StdDev
	st.BaselineState = event.Baseline.State
	st.SampleCount = event.Baseline.SampleCount
	st.Severity = event.Severity
	st.LastZScore = event.ZScore
	st.LastError = ""
	e.status[name] = st
	e.mu.Unlock()

	lastValue.WithLabelValues(name).Set(event.Value)
	baselineMean.WithLabelValues(name).Set(event.Baseline.Mean)
	baselineStdDev.WithLabelValues(name).Set(event.Baseline.StdDev)
	baselineState.WithLabelValues(name).Set(event.Baseline.State.Code())
	severityGauge.WithLabelValues(name).Set(event.Severity.Code())
	zScoreGauge.WithLabelValues(name).Set(event.ZScore)
	availableGauge.WithLabelValues(name).Set(1)
}

// ObserveUnavailable marks a metric's counter as unreadable. Its last known
// baseline figures stay in place.
func (e *Exporter) ObserveUnavailable(name string, readErr error) {
	e.mu.Lock()
	st := e.status[name]
	st.Name = name
	st.Available = false
	if readErr != nil {
		st.LastError = readErr.Error()
	}
	e.status[name] = st
	e.mu.Unlock()

	availableGauge.WithLabelValues(name).Set(0)
}

// Statuses returns a sorted snapshot of every metric's state.
func (e *Exporter) Statuses() []models.MetricStatus {
	e.mu.RLock()
	out := make([]models.MetricStatus, 0, len(e.status))
	for _, st := range e.status {
		out = append(out, st)
	}
	e.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Status returns one metric's state.
func (e *Exporter) Status(name string) (models.MetricStatus, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st, ok := e.status[name]
	return st, ok
}
