// Package alerting deduplicates anomaly events into alert records and
// persists them without ever blocking the sampling path.
package alerting

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/LambTheBamb/SpecterRealMonitor/internal/models"
)

var (
	alertsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "alerts_created_total",
		Help: "Alert records created, by metric",
	}, []string{"metric"})

	alertsSuppressed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "alerts_suppressed_total",
		Help: "Anomaly events absorbed by an active cooldown window",
	}, []string{"metric"})

	alertWritesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "alert_writes_dropped_total",
		Help: "Alert records dropped from the persistence queue under overload",
	})

	alertWriteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "alert_write_failures_total",
		Help: "Failed attempts to persist an alert record",
	})
)

const recentAlertsKept = 100

// cooldownState is the per-metric overlay on top of the baseline state
// machine: while a cooldown is active the metric is ANOMALOUS and further
// events only bump the suppression counter.
type cooldownState struct {
	until      time.Time
	suppressed int64
}

// Sink turns anomaly events into deduplicated, persisted alert records.
// Cooldown decisions use the event timestamps, not wall time, so replayed or
// delayed events behave deterministically.
type Sink struct {
	store      Store
	cooldown   time.Duration
	retryDelay time.Duration

	mu        sync.Mutex
	perMetric map[string]*cooldownState
	recent    []models.AlertRecord

	queue    chan models.AlertRecord
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func NewSink(store Store, cooldown time.Duration, queueSize int) *Sink {
	if queueSize <= 0 {
		queueSize = 256
	}
	s := &Sink{
		store:      store,
		cooldown:   cooldown,
		retryDelay: time.Second,
		perMetric:  make(map[string]*cooldownState),
		queue:      make(chan models.AlertRecord, queueSize),
		done:       make(chan struct{}),
	}
	s.wg.Add(1)
	go s.writeLoop()
	return s
}

// Handle processes one anomaly event. It returns the alert record it created,
// or nil when the event fell inside an active cooldown window.
func (s *Sink) Handle(event models.AnomalyEvent) *models.AlertRecord {
	if !event.IsAnomaly() {
		return nil
	}

	s.mu.Lock()
	st, ok := s.perMetric[event.MetricName]
	if !ok {
		st = &cooldownState{}
		s.perMetric[event.MetricName] = st
	}

	if event.Timestamp.Before(st.until) {
		st.suppressed++
		s.mu.Unlock()
		alertsSuppressed.WithLabelValues(event.MetricName).Inc()
		return nil
	}

	rec := models.AlertRecord{
		ID:             uuid.NewString(),
		Metric:         event.MetricName,
		Timestamp:      event.Timestamp,
		Value:          event.Value,
		BaselineMean:   event.Baseline.Mean,
		BaselineStdDev: event.Baseline.StdDev,
		ZScore:         event.ZScore,
		Severity:       event.Severity,
		Trigger:        event.Trigger,
		CooldownUntil:  event.Timestamp.Add(s.cooldown),
	}

	st.until = rec.CooldownUntil
	st.suppressed = 0

	s.recent = append(s.recent, rec)
	if len(s.recent) > recentAlertsKept {
		s.recent = s.recent[1:]
	}
	s.mu.Unlock()

	alertsCreated.WithLabelValues(event.MetricName).Inc()
	log.Printf("ALERT %s: metric=%s value=%.4f z=%.2f trigger=%s",
		rec.Severity, rec.Metric, rec.Value, rec.ZScore, rec.Trigger)

	s.enqueue(rec)
	return &rec
}

// enqueue hands a record to the async writer. Under sustained overload the
// oldest queued record is dropped, never the sampling tick.
func (s *Sink) enqueue(rec models.AlertRecord) {
	for {
		select {
		case s.queue <- rec:
			return
		default:
		}
		select {
		case <-s.queue:
			alertWritesDropped.Inc()
		default:
		}
	}
}

func (s *Sink) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case rec := <-s.queue:
			if !s.write(rec) {
				// Failed records go back on the queue for a buffered
				// retry; under sustained failure the drop-oldest path
				// in enqueue sheds the backlog. The store's dedupe key
				// keeps the retry idempotent.
				s.enqueue(rec)
				s.pause()
			}
		case <-s.done:
			s.flush()
			return
		}
	}
}

// flush drains the queue on shutdown, giving each record one delayed retry
// before it is dropped.
func (s *Sink) flush() {
	for {
		select {
		case rec := <-s.queue:
			if !s.write(rec) {
				time.Sleep(s.retryDelay)
				if !s.write(rec) {
					alertWritesDropped.Inc()
					log.Printf("alerting: dropping unwritable alert for %s at shutdown", rec.Metric)
				}
			}
		default:
			return
		}
	}
}

func (s *Sink) pause() {
	select {
	case <-time.After(s.retryDelay):
	case <-s.done:
	}
}

func (s *Sink) write(rec models.AlertRecord) bool {
	if err := s.store.Append(rec); err != nil {
		alertWriteFailures.Inc()
		log.Printf("alerting: persist alert for %s: %v", rec.Metric, err)
		return false
	}
	return true
}

// RecentAlerts returns up to limit of the most recent alert records, newest
// last.
func (s *Sink) RecentAlerts(limit int) []models.AlertRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 || limit > len(s.recent) {
		limit = len(s.recent)
	}
	out := make([]models.AlertRecord, limit)
	copy(out, s.recent[len(s.recent)-limit:])
	return out
}

// Suppressed returns how many events the active cooldown window has absorbed
// for a metric.
func (s *Sink) Suppressed(metric string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.perMetric[metric]; ok {
		return st.suppressed
	}
	return 0
}

// Close stops the writer after flushing the queue. Safe to call more than
// once.
func (s *Sink) Close() {
	s.stopOnce.Do(func() { close(s.done) })
	s.wg.Wait()
}
