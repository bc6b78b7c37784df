// Package perf reads CPU hardware performance counters through perf(1).
//
// Each read shells out to `perf stat` for the metric's event list, lets the
// counters accumulate over a short measurement window, and parses the CSV
// output. perf writes its statistics to stderr.
package perf

import (
	"context"
	"errors"
	"log"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/LambTheBamb/SpecterRealMonitor/internal/config"
	"github.com/LambTheBamb/SpecterRealMonitor/internal/models"
)

// ErrUnavailable marks a counter the kernel will not give us: missing perf
// binary, insufficient privileges (perf_event_paranoid), or an event the CPU
// does not support. Callers retry these on a slow backoff cadence.
var ErrUnavailable = errors.New("counter unavailable")

// CounterReader reads one sample for a metric spec. Implementations must
// honor ctx cancellation and never return negative sample values.
type CounterReader interface {
	Read(ctx context.Context, spec config.MetricSpec) (models.Sample, error)
}

// Reader runs perf stat with a fixed per-read measurement window.
type Reader struct {
	perfPath    string
	measureTime time.Duration
}

func NewReader(measureTime time.Duration) *Reader {
	if measureTime <= 0 {
		measureTime = time.Second
	}
	return &Reader{perfPath: "perf", measureTime: measureTime}
}

func (r *Reader) Read(ctx context.Context, spec config.MetricSpec) (models.Sample, error) {
	events := strings.Join(spec.Events, ",")
	secs := strconv.FormatFloat(r.measureTime.Seconds(), 'f', -1, 64)

	cmd := exec.CommandContext(ctx, r.perfPath,
		"stat", "-e", events, "-x", ",", "--", "sleep", secs)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return models.Sample{}, ctx.Err()
		}
		if errors.Is(err, exec.ErrNotFound) {
			return models.Sample{}, ErrUnavailable
		}
		if isPermissionOutput(string(out)) {
			return models.Sample{}, ErrUnavailable
		}
		return models.Sample{}, err
	}

	counts, err := parseStatOutput(string(out))
	if err != nil {
		return models.Sample{}, err
	}

	value, err := deriveValue(spec, counts, r.measureTime)
	if err != nil {
		return models.Sample{}, err
	}
	if value < 0 {
		// Counter wraparound shows up as a negative delta.
		log.Printf("perf: clamping negative value %g for %s to zero", value, spec.Name)
		value = 0
	}

	return models.Sample{
		MetricName: spec.Name,
		Timestamp:  time.Now().UTC(),
		Value:      value,
	}, nil
}

// parseStatOutput parses perf stat -x, CSV lines of the form
//
//	<count>,<unit>,<event>,<run time>,<percent>,...
//
// Unsupported and uncounted events are reported as <not supported> /
// <not counted> and are skipped.
func parseStatOutput(out string) (map[string]float64, error) {
	counts := make(map[string]float64)
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Split(line, ",")
		if len(parts) < 3 {
			continue
		}
		raw := strings.TrimSpace(parts[0])
		if raw == "" || raw == "<not supported>" || raw == "<not counted>" {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			continue
		}
		counts[strings.TrimSpace(parts[2])] = v
	}
	if len(counts) == 0 {
		return nil, ErrUnavailable
	}
	return counts, nil
}

func deriveValue(spec config.MetricSpec, counts map[string]float64, window time.Duration) (float64, error) {
	switch spec.Mode {
	case config.ModeRatio:
		num, ok := counts[spec.Events[0]]
		if !ok {
			return 0, ErrUnavailable
		}
		den, ok := counts[spec.Events[1]]
		if !ok || den == 0 {
			return 0, ErrUnavailable
		}
		return num / den, nil
	default:
		count, ok := counts[spec.Events[0]]
		if !ok {
			return 0, ErrUnavailable
		}
		return count / window.Seconds(), nil
	}
}

func isPermissionOutput(out string) bool {
	lower := strings.ToLower(out)
	return strings.Contains(lower, "permission") ||
		strings.Contains(lower, "not supported") ||
		strings.Contains(lower, "paranoid") ||
		strings.Contains(lower, "access to performance monitoring")
}
