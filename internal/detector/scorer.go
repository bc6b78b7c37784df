// Package detector classifies samples against their baseline and absolute
// thresholds.
package detector

import (
	"log"

	"github.com/LambTheBamb/SpecterRealMonitor/internal/config"
	"github.com/LambTheBamb/SpecterRealMonitor/internal/models"
)

// epsilon floors the stddev in the z-score so a collapsed (constant) counter
// cannot divide by zero.
const epsilon = 1e-9

type Scorer struct{}

func NewScorer() *Scorer {
	return &Scorer{}
}

// Score classifies one sample. Rules, first match wins:
//
//  1. absolute threshold: fires in any baseline state, covering the
//     cold-start window where no statistics exist yet;
//  2. z-score against an ACTIVE baseline;
//  3. otherwise NONE, and the sample is eligible for baseline warm-up.
//
// A panic inside scoring is contained to this sample: it is logged and the
// sample is classified NONE so the scheduler keeps running.
func (sc *Scorer) Score(spec config.MetricSpec, sample models.Sample, base models.BaselineSnapshot) (event models.AnomalyEvent) {
	event = models.AnomalyEvent{
		MetricName: sample.MetricName,
		Timestamp:  sample.Timestamp,
		Value:      sample.Value,
		Baseline:   base,
		Severity:   models.SeverityNone,
	}

	defer func() {
		if r := recover(); r != nil {
			log.Printf("detector: scoring %s panicked: %v", sample.MetricName, r)
			event.Severity = models.SeverityNone
			event.Trigger = ""
			event.ZScore = 0
		}
	}()

	if spec.AbsoluteThreshold != nil && sample.Value > *spec.AbsoluteThreshold {
		event.Severity = models.SeverityCritical
		event.Trigger = models.TriggerAbsolute
		if base.State == models.StateActive {
			event.ZScore = zScore(sample.Value, base)
		}
		return event
	}

	if base.State != models.StateActive {
		return event
	}

	z := zScore(sample.Value, base)
	event.ZScore = z

	switch {
	case z >= spec.ZCritical:
		event.Severity = models.SeverityCritical
		event.Trigger = models.TriggerStatistical
	case z >= spec.ZWarning:
		event.Severity = models.SeverityWarning
		event.Trigger = models.TriggerStatistical
	}
	return event
}

func zScore(value float64, base models.BaselineSnapshot) float64 {
	sd := base.StdDev
	if sd < epsilon {
		sd = epsilon
	}
	return (value - base.Mean) / sd
}
