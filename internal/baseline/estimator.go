// Package baseline maintains the per-metric model of normal counter behavior.
package baseline

import (
	"math"
	"sync"

	"github.com/LambTheBamb/SpecterRealMonitor/internal/models"
)

// Estimator tracks an exponentially weighted mean and variance for one
// metric. It only ever consumes samples the scorer classified as normal, so a
// sustained attack cannot train itself into the baseline.
//
// The estimator has a single writer (the metric's pipeline goroutine); the
// exporter reads concurrently through Snapshot.
type Estimator struct {
	mu sync.RWMutex

	metricName string
	decay      float64
	window     int

	mean     float64
	variance float64
	accepted int64
	state    models.BaselineState
}

// NewEstimator creates a COLD estimator. window is the number of accepted
// samples required before the model is considered trustworthy; decay is the
// EWMA alpha in (0,1).
func NewEstimator(metricName string, window int, decay float64) *Estimator {
	return &Estimator{
		metricName: metricName,
		decay:      decay,
		window:     window,
		state:      models.StateCold,
	}
}

// Accept folds a normal sample into the model and advances the
// COLD→WARMING→ACTIVE state machine. Anomalous samples must not be passed
// here.
func (e *Estimator) Accept(s models.Sample) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.accepted == 0 {
		e.mean = s.Value
		e.variance = 0
	} else {
		diff := s.Value - e.mean
		incr := e.decay * diff
		e.mean += incr
		e.variance = (1 - e.decay) * (e.variance + diff*incr)
		if e.variance < 0 {
			e.variance = 0
		}
	}
	e.accepted++

	if e.accepted >= int64(e.window) {
		e.state = models.StateActive
	} else {
		e.state = models.StateWarming
	}
}

// Snapshot returns a consistent copy of the current model.
func (e *Estimator) Snapshot() models.BaselineSnapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return models.BaselineSnapshot{
		MetricName:  e.metricName,
		Mean:        e.mean,
		StdDev:      math.Sqrt(e.variance),
		SampleCount: e.accepted,
		State:       e.state,
	}
}

// Reset forces the estimator back to COLD, discarding all learned state.
// This is the only backward state transition and is operator-triggered, for
// example after a threshold reconfiguration.
func (e *Estimator) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.mean = 0
	e.variance = 0
	e.accepted = 0
	e.state = models.StateCold
}
