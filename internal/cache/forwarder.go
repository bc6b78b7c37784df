package cache

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	pointsWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tsdb_points_written_total",
		Help: "Sample points written to the time-series store",
	})

	pointWriteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tsdb_point_write_failures_total",
		Help: "Failed time-series writes",
	})

	pointsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tsdb_points_dropped_total",
		Help: "Points dropped from the forwarding queue under overload",
	})
)

// PointWriter is the storage side of the forwarder. *RedisClient implements
// it.
type PointWriter interface {
	StorePoint(ctx context.Context, p Point) error
}

// Forwarder decouples the sampling path from storage latency: Forward never
// blocks, and a slow store causes the oldest buffered point to be dropped
// (and counted) rather than a stalled tick.
type Forwarder struct {
	writer     PointWriter
	retryDelay time.Duration
	queue      chan Point
	done       chan struct{}
	wg         sync.WaitGroup
	stopOnce   sync.Once
}

func NewForwarder(writer PointWriter, queueSize int) *Forwarder {
	if queueSize <= 0 {
		queueSize = 1024
	}
	f := &Forwarder{
		writer:     writer,
		retryDelay: time.Second,
		queue:      make(chan Point, queueSize),
		done:       make(chan struct{}),
	}
	f.wg.Add(1)
	go f.writeLoop()
	return f
}

// Forward queues a point for storage, dropping the oldest buffered point if
// the queue is full.
func (f *Forwarder) Forward(p Point) {
	for {
		select {
		case f.queue <- p:
			return
		default:
		}
		select {
		case <-f.queue:
			pointsDropped.Inc()
		default:
		}
	}
}

func (f *Forwarder) writeLoop() {
	defer f.wg.Done()
	for {
		select {
		case p := <-f.queue:
			if !f.write(p) {
				// Buffered retry: the point goes back on the queue and is
				// shed by the drop-oldest path if the store stays down.
				// The point key carries the sample timestamp, so a
				// duplicate write is harmless.
				f.Forward(p)
				f.pause()
			}
		case <-f.done:
			f.flush()
			return
		}
	}
}

// flush drains the queue on shutdown, giving each point one delayed retry
// before it is dropped.
func (f *Forwarder) flush() {
	for {
		select {
		case p := <-f.queue:
			if !f.write(p) {
				time.Sleep(f.retryDelay)
				if !f.write(p) {
					pointsDropped.Inc()
					log.Printf("cache: dropping unwritable point for %s at shutdown", p.MetricName)
				}
			}
		default:
			return
		}
	}
}

func (f *Forwarder) pause() {
	select {
	case <-time.After(f.retryDelay):
	case <-f.done:
	}
}

func (f *Forwarder) write(p Point) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := f.writer.StorePoint(ctx, p); err != nil {
		pointWriteFailures.Inc()
		log.Printf("cache: forward point for %s: %v", p.MetricName, err)
		return false
	}
	pointsWritten.Inc()
	return true
}

// Close flushes the queue and stops the writer. Safe to call more than once.
func (f *Forwarder) Close() {
	f.stopOnce.Do(func() { close(f.done) })
	f.wg.Wait()
}
