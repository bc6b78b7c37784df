// Package sysmetrics reads coarse system health metrics from procfs. They
// ride the same pipeline as the hardware counters and give the dashboards
// context when a perf anomaly fires.
package sysmetrics

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/procfs"

	"github.com/LambTheBamb/SpecterRealMonitor/internal/config"
	"github.com/LambTheBamb/SpecterRealMonitor/internal/models"
)

// Reader serves metrics with source "system". The event name selects the
// value: load1, load5, load15, memory_used_percent, cpu_percent.
type Reader struct {
	fs procfs.FS

	mu        sync.Mutex
	prevBusy  float64
	prevTotal float64
}

func NewReader() (*Reader, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("open procfs: %w", err)
	}
	return &Reader{fs: fs}, nil
}

func (r *Reader) Read(ctx context.Context, spec config.MetricSpec) (models.Sample, error) {
	if err := ctx.Err(); err != nil {
		return models.Sample{}, err
	}

	value, err := r.value(spec.Events[0])
	if err != nil {
		return models.Sample{}, err
	}
	if value < 0 {
		value = 0
	}

	return models.Sample{
		MetricName: spec.Name,
		Timestamp:  time.Now().UTC(),
		Value:      value,
	}, nil
}

func (r *Reader) value(event string) (float64, error) {
	switch event {
	case "load1", "load5", "load15":
		avg, err := r.fs.LoadAvg()
		if err != nil {
			return 0, fmt.Errorf("read loadavg: %w", err)
		}
		switch event {
		case "load5":
			return avg.Load5, nil
		case "load15":
			return avg.Load15, nil
		default:
			return avg.Load1, nil
		}
	case "memory_used_percent":
		mi, err := r.fs.Meminfo()
		if err != nil {
			return 0, fmt.Errorf("read meminfo: %w", err)
		}
		if mi.MemTotal == nil || mi.MemAvailable == nil || *mi.MemTotal == 0 {
			return 0, fmt.Errorf("meminfo missing MemTotal/MemAvailable")
		}
		used := float64(*mi.MemTotal-*mi.MemAvailable) / float64(*mi.MemTotal)
		return used * 100, nil
	case "cpu_percent":
		return r.cpuPercent()
	default:
		return 0, fmt.Errorf("unknown system event %q", event)
	}
}

// cpuPercent returns busy time as a percentage of total CPU time since the
// previous call. The first call measures since boot.
func (r *Reader) cpuPercent() (float64, error) {
	stat, err := r.fs.Stat()
	if err != nil {
		return 0, fmt.Errorf("read stat: %w", err)
	}
	c := stat.CPUTotal
	idle := c.Idle + c.Iowait
	busy := c.User + c.Nice + c.System + c.IRQ + c.SoftIRQ + c.Steal
	total := busy + idle

	r.mu.Lock()
	defer r.mu.Unlock()

	dBusy := busy - r.prevBusy
	dTotal := total - r.prevTotal
	r.prevBusy = busy
	r.prevTotal = total

	if dTotal <= 0 {
		return 0, nil
	}
	return dBusy / dTotal * 100, nil
}
