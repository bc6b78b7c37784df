package baseline

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/LambTheBamb/SpecterRealMonitor/internal/models"
)

func sample(v float64) models.Sample {
	return models.Sample{MetricName: "m", Timestamp: time.Now(), Value: v}
}

func TestStateTransitions(t *testing.T) {
	const window = 10
	e := NewEstimator("m", window, 0.1)

	assert.Equal(t, models.StateCold, e.Snapshot().State)

	for i := 0; i < window-1; i++ {
		e.Accept(sample(10))
		assert.Equal(t, models.StateWarming, e.Snapshot().State, "sample %d", i+1)
	}

	// ACTIVE exactly at the window, never earlier.
	e.Accept(sample(10))
	snap := e.Snapshot()
	assert.Equal(t, models.StateActive, snap.State)
	assert.Equal(t, int64(window), snap.SampleCount)
}

func TestStdDevNeverNegative(t *testing.T) {
	e := NewEstimator("m", 5, 0.3)
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 1000; i++ {
		e.Accept(sample(100 + rng.NormFloat64()*25))
		assert.GreaterOrEqual(t, e.Snapshot().StdDev, 0.0)
	}
}

func TestMeanTracksStream(t *testing.T) {
	e := NewEstimator("m", 10, 0.1)

	for i := 0; i < 200; i++ {
		e.Accept(sample(50))
	}
	snap := e.Snapshot()
	assert.InDelta(t, 50, snap.Mean, 1e-9)
	assert.InDelta(t, 0, snap.StdDev, 1e-9)
}

func TestSampleCountStrictlyIncreases(t *testing.T) {
	e := NewEstimator("m", 3, 0.2)

	var prev int64
	for i := 0; i < 20; i++ {
		e.Accept(sample(float64(i)))
		count := e.Snapshot().SampleCount
		assert.Equal(t, prev+1, count)
		prev = count
	}
}

func TestResetReturnsToCold(t *testing.T) {
	e := NewEstimator("m", 3, 0.2)
	for i := 0; i < 5; i++ {
		e.Accept(sample(7))
	}
	assert.Equal(t, models.StateActive, e.Snapshot().State)

	e.Reset()

	snap := e.Snapshot()
	assert.Equal(t, models.StateCold, snap.State)
	assert.Equal(t, int64(0), snap.SampleCount)
	assert.Zero(t, snap.Mean)
	assert.Zero(t, snap.StdDev)
}

func TestConcurrentSnapshotsDoNotRace(t *testing.T) {
	e := NewEstimator("m", 10, 0.1)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			e.Accept(sample(float64(i)))
		}
	}()
	for i := 0; i < 1000; i++ {
		snap := e.Snapshot()
		assert.GreaterOrEqual(t, snap.StdDev, 0.0)
	}
	<-done
}
