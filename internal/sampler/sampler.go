// Package sampler drives the collection schedule: a fixed-period tick fans
// per-metric counter reads out to a bounded worker pool with hard per-read
// timeouts, so one slow or broken counter never delays the others.
package sampler

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/LambTheBamb/SpecterRealMonitor/internal/config"
	"github.com/LambTheBamb/SpecterRealMonitor/internal/models"
	"github.com/LambTheBamb/SpecterRealMonitor/internal/perf"
)

var (
	samplesRead = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "counter_reads_total",
		Help: "Successful counter reads, by metric",
	}, []string{"metric"})

	readTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "counter_read_timeouts_total",
		Help: "Counter reads abandoned at the per-read timeout, by metric",
	}, []string{"metric"})

	readsUnavailable = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "counter_unavailable_total",
		Help: "Reads that found the counter unavailable, by metric",
	}, []string{"metric"})
)

// Processor consumes the sampler's output. *pipeline.Pipeline implements it.
type Processor interface {
	Process(sample models.Sample)
	Fail(metricName string, err error)
}

type metricState struct {
	spec        config.MetricSpec
	nextDue     time.Time
	inFlight    bool
	unavailable bool
}

// Scheduler owns the tick loop and worker pool. At most one read per metric
// is in flight at a time, which also serializes each metric's downstream
// processing in timestamp order.
type Scheduler struct {
	cfg     *config.Config
	readers map[string]perf.CounterReader
	proc    Processor

	mu     sync.Mutex
	states map[string]*metricState

	// hardCtx outlives the run context by the shutdown grace period so
	// in-flight reads may finish before being force-canceled.
	hardCtx    context.Context
	hardCancel context.CancelFunc
}

// NewScheduler builds a scheduler. readers maps a MetricSpec source
// (config.SourcePerf, config.SourceSystem) to the reader for it.
func NewScheduler(cfg *config.Config, readers map[string]perf.CounterReader, proc Processor) *Scheduler {
	hardCtx, hardCancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cfg:        cfg,
		readers:    readers,
		proc:       proc,
		states:     make(map[string]*metricState, len(cfg.Metrics)),
		hardCtx:    hardCtx,
		hardCancel: hardCancel,
	}
	now := time.Now()
	for _, spec := range cfg.Metrics {
		s.states[spec.Name] = &metricState{spec: spec, nextDue: now}
	}
	return s
}

// Run blocks until ctx is canceled, then waits up to the shutdown grace
// period for in-flight reads before force-canceling them.
func (s *Scheduler) Run(ctx context.Context) {
	jobs := make(chan config.MetricSpec)
	var wg sync.WaitGroup
	for i := 0; i < s.cfg.Workers; i++ {
		wg.Add(1)
		go s.worker(jobs, &wg)
	}

	ticker := time.NewTicker(s.baseTick())
	defer ticker.Stop()

	log.Printf("sampler: started, %d metrics, %d workers", len(s.states), s.cfg.Workers)

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case now := <-ticker.C:
			s.dispatch(now, jobs)
		}
	}

	close(jobs)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.cfg.ShutdownGrace):
		log.Printf("sampler: grace period elapsed, force-canceling in-flight reads")
		s.hardCancel()
		<-done
	}
	s.hardCancel()
	log.Printf("sampler: stopped")
}

// baseTick is the scheduler period: the smallest configured sample interval,
// floored at 100ms.
func (s *Scheduler) baseTick() time.Duration {
	tick := time.Minute
	for _, st := range s.states {
		if st.spec.SampleInterval < tick {
			tick = st.spec.SampleInterval
		}
	}
	if tick < 100*time.Millisecond {
		tick = 100 * time.Millisecond
	}
	return tick
}

// dispatch hands every due metric to the pool. If all workers are busy the
// metric just stays due and is retried next tick; dispatch itself never
// blocks the tick loop.
func (s *Scheduler) dispatch(now time.Time, jobs chan<- config.MetricSpec) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, st := range s.states {
		if st.inFlight || now.Before(st.nextDue) {
			continue
		}
		select {
		case jobs <- st.spec:
			st.inFlight = true
			st.nextDue = now.Add(s.interval(st))
		default:
			return // pool saturated
		}
	}
}

func (s *Scheduler) interval(st *metricState) time.Duration {
	if st.unavailable {
		// Failed counters are retried on a slower cadence instead of
		// burning a worker every tick.
		return st.spec.SampleInterval * time.Duration(s.cfg.UnavailableEvery)
	}
	return st.spec.SampleInterval
}

func (s *Scheduler) worker(jobs <-chan config.MetricSpec, wg *sync.WaitGroup) {
	defer wg.Done()
	for spec := range jobs {
		s.read(spec)
	}
}

func (s *Scheduler) read(spec config.MetricSpec) {
	defer s.finish(spec.Name)

	reader, ok := s.readers[spec.Source]
	if !ok {
		// No reader for this source at all (e.g. procfs missing); same
		// backoff treatment as an unavailable counter.
		s.setUnavailable(spec.Name, true)
		readsUnavailable.WithLabelValues(spec.Name).Inc()
		s.proc.Fail(spec.Name, errors.New("no reader for source "+spec.Source))
		return
	}

	ctx, cancel := context.WithTimeout(s.hardCtx, s.cfg.ReadTimeout)
	defer cancel()

	sample, err := reader.Read(ctx, spec)
	switch {
	case err == nil:
		s.setUnavailable(spec.Name, false)
		samplesRead.WithLabelValues(spec.Name).Inc()
		s.proc.Process(sample)
	case errors.Is(err, perf.ErrUnavailable):
		s.setUnavailable(spec.Name, true)
		readsUnavailable.WithLabelValues(spec.Name).Inc()
		log.Printf("sampler: counter for %s unavailable, backing off: %v", spec.Name, err)
		s.proc.Fail(spec.Name, err)
	case errors.Is(err, context.DeadlineExceeded):
		readTimeouts.WithLabelValues(spec.Name).Inc()
		log.Printf("sampler: read for %s timed out after %s", spec.Name, s.cfg.ReadTimeout)
		s.proc.Fail(spec.Name, err)
	case errors.Is(err, context.Canceled):
		// Shutting down; nothing to record.
	default:
		log.Printf("sampler: read for %s failed: %v", spec.Name, err)
		s.proc.Fail(spec.Name, err)
	}
}

func (s *Scheduler) finish(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[name]; ok {
		st.inFlight = false
	}
}

func (s *Scheduler) setUnavailable(name string, unavailable bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[name]; ok {
		if st.unavailable && !unavailable {
			log.Printf("sampler: counter for %s recovered", name)
		}
		st.unavailable = unavailable
	}
}
