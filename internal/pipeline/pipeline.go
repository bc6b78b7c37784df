// Package pipeline wires one metric's samples through scoring, baseline
// maintenance, export, and the alert sink.
package pipeline

import (
	"fmt"
	"log"

	"github.com/LambTheBamb/SpecterRealMonitor/internal/alerting"
	"github.com/LambTheBamb/SpecterRealMonitor/internal/baseline"
	"github.com/LambTheBamb/SpecterRealMonitor/internal/cache"
	"github.com/LambTheBamb/SpecterRealMonitor/internal/config"
	"github.com/LambTheBamb/SpecterRealMonitor/internal/detector"
	"github.com/LambTheBamb/SpecterRealMonitor/internal/exporter"
	"github.com/LambTheBamb/SpecterRealMonitor/internal/models"
)

// Pipeline owns the per-metric state downstream of the sampler. Each metric's
// estimator has a single writer because the scheduler keeps at most one read
// in flight per metric; distinct metrics are processed concurrently.
type Pipeline struct {
	specs      map[string]config.MetricSpec
	estimators map[string]*baseline.Estimator
	scorer     *detector.Scorer
	exporter   *exporter.Exporter
	sink       *alerting.Sink
	forwarder  *cache.Forwarder
}

func New(cfg *config.Config, exp *exporter.Exporter, sink *alerting.Sink, fwd *cache.Forwarder) *Pipeline {
	p := &Pipeline{
		specs:      make(map[string]config.MetricSpec, len(cfg.Metrics)),
		estimators: make(map[string]*baseline.Estimator, len(cfg.Metrics)),
		scorer:     detector.NewScorer(),
		exporter:   exp,
		sink:       sink,
		forwarder:  fwd,
	}
	for _, spec := range cfg.Metrics {
		p.specs[spec.Name] = spec
		p.estimators[spec.Name] = baseline.NewEstimator(spec.Name, spec.BaselineWindow, cfg.BaselineDecay)
	}
	return p
}

// Process classifies a sample, feeds the baseline only when the sample is
// normal, and fans the result out to the exporter, the time-series store, and
// (for anomalies) the alert sink.
func (p *Pipeline) Process(sample models.Sample) {
	spec, ok := p.specs[sample.MetricName]
	if !ok {
		log.Printf("pipeline: dropping sample for unknown metric %s", sample.MetricName)
		return
	}
	est := p.estimators[sample.MetricName]

	event := p.scorer.Score(spec, sample, est.Snapshot())

	if !event.IsAnomaly() {
		// Only samples classified normal may train the baseline; anomalies
		// are kept out so an attack cannot normalize itself.
		est.Accept(sample)
		event.Baseline = est.Snapshot()
	}

	p.exporter.ObserveSample(event)

	if p.forwarder != nil {
		p.forwarder.Forward(cache.Point{
			MetricName: sample.MetricName,
			Group:      spec.Group,
			Timestamp:  sample.Timestamp,
			Value:      sample.Value,
			ZScore:     event.ZScore,
			Severity:   event.Severity,
		})
	}

	if event.IsAnomaly() {
		p.sink.Handle(event)
	}
}

// Fail records a metric whose counter could not be read this tick.
func (p *Pipeline) Fail(metricName string, err error) {
	p.exporter.ObserveUnavailable(metricName, err)
}

// ResetBaseline forces a metric back to COLD. This is the only backward
// baseline transition and is triggered by an operator, typically after a
// configuration change.
func (p *Pipeline) ResetBaseline(metricName string) error {
	est, ok := p.estimators[metricName]
	if !ok {
		return fmt.Errorf("unknown metric %q", metricName)
	}
	est.Reset()
	log.Printf("pipeline: baseline for %s reset to cold", metricName)
	return nil
}

// Baseline returns a snapshot of a metric's estimator.
func (p *Pipeline) Baseline(metricName string) (models.BaselineSnapshot, bool) {
	est, ok := p.estimators[metricName]
	if !ok {
		return models.BaselineSnapshot{}, false
	}
	return est.Snapshot(), true
}
