package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type gatedWriter struct {
	gate    chan struct{}
	started chan struct{}
	once    sync.Once

	mu     sync.Mutex
	points []Point
}

func newGatedWriter() *gatedWriter {
	return &gatedWriter{gate: make(chan struct{}), started: make(chan struct{})}
}

func (w *gatedWriter) StorePoint(ctx context.Context, p Point) error {
	w.once.Do(func() { close(w.started) })
	<-w.gate
	w.mu.Lock()
	defer w.mu.Unlock()
	w.points = append(w.points, p)
	return nil
}

func (w *gatedWriter) stored() []Point {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Point, len(w.points))
	copy(out, w.points)
	return out
}

func point(metric string, v float64) Point {
	return Point{MetricName: metric, Timestamp: time.Now(), Value: v}
}

func TestForwarderDropsOldestUnderOverload(t *testing.T) {
	writer := newGatedWriter()
	fwd := NewForwarder(writer, 4)

	droppedBefore := testutil.ToFloat64(pointsDropped)

	// First point occupies the (blocked) writer.
	fwd.Forward(point("m", 0))
	select {
	case <-writer.started:
	case <-time.After(2 * time.Second):
		t.Fatal("writer never started")
	}

	// Fill the queue, then overflow it by two.
	for i := 1; i <= 6; i++ {
		fwd.Forward(point("m", float64(i)))
	}

	close(writer.gate)
	fwd.Close()

	stored := writer.stored()
	require.Len(t, stored, 5) // 1 in-flight + 4 queued survived
	assert.Equal(t, droppedBefore+2, testutil.ToFloat64(pointsDropped))

	// The oldest queued points are the ones that went missing.
	assert.Equal(t, 0.0, stored[0].Value)
	last := stored[len(stored)-1]
	assert.Equal(t, 6.0, last.Value)
}

// flakyWriter fails its first n StorePoint calls, then stores normally.
type flakyWriter struct {
	mu       sync.Mutex
	failures int
	points   []Point
}

func (w *flakyWriter) StorePoint(ctx context.Context, p Point) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failures > 0 {
		w.failures--
		return errWrite
	}
	w.points = append(w.points, p)
	return nil
}

func (w *flakyWriter) stored() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.points)
}

var errWrite = errors.New("connection refused")

func TestForwarderRetriesTransientFailure(t *testing.T) {
	writer := &flakyWriter{failures: 1}
	fwd := NewForwarder(writer, 16)
	fwd.retryDelay = time.Millisecond

	fwd.Forward(point("m", 42))
	fwd.Close()

	require.Equal(t, 1, writer.stored(), "point must survive a transient write failure")
}

func TestForwarderFlushesOnClose(t *testing.T) {
	writer := newGatedWriter()
	close(writer.gate)
	fwd := NewForwarder(writer, 16)

	for i := 0; i < 10; i++ {
		fwd.Forward(point("m", float64(i)))
	}
	fwd.Close()

	assert.Len(t, writer.stored(), 10)
}
