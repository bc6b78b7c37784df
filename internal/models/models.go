package models

import "time"

// BaselineState tracks how trustworthy a metric's baseline is.
type BaselineState string

const (
	StateCold    BaselineState = "cold"
	StateWarming BaselineState = "warming"
	StateActive  BaselineState = "active"
)

// Code maps a state onto a numeric gauge value (cold=0, warming=1, active=2).
func (s BaselineState) Code() float64 {
	switch s {
	case StateWarming:
		return 1
	case StateActive:
		return 2
	default:
		return 0
	}
}

type Severity string

const (
	SeverityNone     Severity = "none"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Code maps a severity onto a numeric gauge value (none=0, warning=1, critical=2).
func (s Severity) Code() float64 {
	switch s {
	case SeverityWarning:
		return 1
	case SeverityCritical:
		return 2
	default:
		return 0
	}
}

type Trigger string

const (
	TriggerStatistical Trigger = "statistical"
	TriggerAbsolute    Trigger = "absolute"
)

// Sample is one hardware counter reading for one metric.
type Sample struct {
	MetricName string    `json:"metric_name"`
	Timestamp  time.Time `json:"timestamp"`
	Value      float64   `json:"value"`
}

// BaselineSnapshot is an immutable copy of a metric's baseline statistics.
type BaselineSnapshot struct {
	MetricName  string        `json:"metric_name"`
	Mean        float64       `json:"mean"`
	StdDev      float64       `json:"stddev"`
	SampleCount int64         `json:"sample_count"`
	State       BaselineState `json:"state"`
}

// AnomalyEvent is the classification of a single sample.
type AnomalyEvent struct {
	MetricName string           `json:"metric_name"`
	Timestamp  time.Time        `json:"timestamp"`
	Value      float64          `json:"value"`
	Baseline   BaselineSnapshot `json:"baseline"`
	ZScore     float64          `json:"z_score"`
	Severity   Severity         `json:"severity"`
	Trigger    Trigger          `json:"trigger"`
}

// IsAnomaly reports whether the event crossed a warning or critical threshold.
func (e AnomalyEvent) IsAnomaly() bool {
	return e.Severity == SeverityWarning || e.Severity == SeverityCritical
}

// AlertRecord is a deduplicated, persisted anomaly. The JSON field names are
// consumed by external alert-routing configuration and must not change.
type AlertRecord struct {
	ID             string    `json:"id"`
	Metric         string    `json:"metric"`
	Timestamp      time.Time `json:"timestamp"`
	Value          float64   `json:"value"`
	BaselineMean   float64   `json:"baseline_mean"`
	BaselineStdDev float64   `json:"baseline_stddev"`
	ZScore         float64   `json:"z_score"`
	Severity       Severity  `json:"severity"`
	Trigger        Trigger   `json:"trigger"`
	CooldownUntil  time.Time `json:"cooldown_until"`
}

// MetricStatus is the externally visible state of one metric, served by the
// status API and mirrored into the Prometheus gauges.
type MetricStatus struct {
	Name           string        `json:"name"`
	Group          string        `json:"group"`
	Available      bool          `json:"available"`
	LastValue      float64       `json:"last_value"`
	LastSampleAt   time.Time     `json:"last_sample_at,omitempty"`
	BaselineMean   float64       `json:"baseline_mean"`
	BaselineStdDev float64       `json:"baseline_stddev"`
	BaselineState  BaselineState `json:"baseline_state"`
	SampleCount    int64         `json:"sample_count"`
	Severity       Severity      `json:"severity"`
	LastZScore     float64       `json:"z_score"`
	LastError      string        `json:"last_error,omitempty"`
}
