package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlertRecordRoundTrip(t *testing.T) {
	ts := time.Date(2026, 8, 29, 12, 30, 45, 123456789, time.UTC)
	rec := AlertRecord{
		ID:             "0c7c9b4e-1b2a-4f32-9a9d-8f2f2a6f1e11",
		Metric:         "machine_clears_count",
		Timestamp:      ts,
		Value:          512.5,
		BaselineMean:   42.1,
		BaselineStdDev: 3.7,
		ZScore:         127.1,
		Severity:       SeverityCritical,
		Trigger:        TriggerStatistical,
		CooldownUntil:  ts.Add(2 * time.Minute),
	}

	data, err := json.Marshal(rec)
	require.NoError(t, err)

	var got AlertRecord
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, rec, got)
}

func TestAlertRecordFieldNames(t *testing.T) {
	// These names are read by external alert-routing configuration.
	data, err := json.Marshal(AlertRecord{})
	require.NoError(t, err)

	var fields map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &fields))

	for _, name := range []string{
		"metric", "timestamp", "value", "baseline_mean",
		"baseline_stddev", "z_score", "severity", "trigger",
	} {
		assert.Contains(t, fields, name)
	}
}

func TestSeverityCodes(t *testing.T) {
	assert.Equal(t, 0.0, SeverityNone.Code())
	assert.Equal(t, 1.0, SeverityWarning.Code())
	assert.Equal(t, 2.0, SeverityCritical.Code())
}

func TestBaselineStateCodes(t *testing.T) {
	assert.Equal(t, 0.0, StateCold.Code())
	assert.Equal(t, 1.0, StateWarming.Code())
	assert.Equal(t, 2.0, StateActive.Code())
}

func TestIsAnomaly(t *testing.T) {
	assert.False(t, AnomalyEvent{Severity: SeverityNone}.IsAnomaly())
	assert.False(t, AnomalyEvent{}.IsAnomaly())
	assert.True(t, AnomalyEvent{Severity: SeverityWarning}.IsAnomaly())
	assert.True(t, AnomalyEvent{Severity: SeverityCritical}.IsAnomaly())
}
