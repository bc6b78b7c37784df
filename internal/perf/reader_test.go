package perf

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LambTheBamb/SpecterRealMonitor/internal/config"
)

const statOutput = `             12345,,cache-misses,1000000,100.00,,
            678901,,cache-references,1000000,100.00,,
     <not supported>,,mem_load_retired.l3_miss,0,100.00,,
     <not counted>,,machine_clears.count,0,100.00,,
`

func TestParseStatOutput(t *testing.T) {
	counts, err := parseStatOutput(statOutput)
	require.NoError(t, err)

	assert.Equal(t, 12345.0, counts["cache-misses"])
	assert.Equal(t, 678901.0, counts["cache-references"])
	assert.NotContains(t, counts, "mem_load_retired.l3_miss")
	assert.NotContains(t, counts, "machine_clears.count")
}

func TestParseStatOutputAllUnsupported(t *testing.T) {
	out := "<not supported>,,cache-misses,0,100.00,,\n"
	_, err := parseStatOutput(out)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestParseStatOutputSkipsComments(t *testing.T) {
	out := "# started on Fri Aug 29\n\n100,,cycles,1000,100.00,,\n"
	counts, err := parseStatOutput(out)
	require.NoError(t, err)
	assert.Equal(t, 100.0, counts["cycles"])
}

func TestDeriveValueRatio(t *testing.T) {
	spec := config.MetricSpec{
		Name:   "cache_miss_rate",
		Events: []string{"cache-misses", "cache-references"},
		Mode:   config.ModeRatio,
	}
	counts := map[string]float64{"cache-misses": 25, "cache-references": 100}

	v, err := deriveValue(spec, counts, time.Second)
	require.NoError(t, err)
	assert.InDelta(t, 0.25, v, 1e-9)
}

func TestDeriveValueRatioZeroDenominator(t *testing.T) {
	spec := config.MetricSpec{
		Name:   "cache_miss_rate",
		Events: []string{"cache-misses", "cache-references"},
		Mode:   config.ModeRatio,
	}
	counts := map[string]float64{"cache-misses": 25, "cache-references": 0}

	_, err := deriveValue(spec, counts, time.Second)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestDeriveValueRate(t *testing.T) {
	spec := config.MetricSpec{
		Name:   "machine_clears_count",
		Events: []string{"machine_clears.count"},
		Mode:   config.ModeRate,
	}
	counts := map[string]float64{"machine_clears.count": 500}

	v, err := deriveValue(spec, counts, 2*time.Second)
	require.NoError(t, err)
	assert.InDelta(t, 250, v, 1e-9)
}

func TestDeriveValueMissingEvent(t *testing.T) {
	spec := config.MetricSpec{
		Name:   "machine_clears_count",
		Events: []string{"machine_clears.count"},
		Mode:   config.ModeRate,
	}

	_, err := deriveValue(spec, map[string]float64{}, time.Second)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestIsPermissionOutput(t *testing.T) {
	assert.True(t, isPermissionOutput("Access to performance monitoring and observability operations is limited."))
	assert.True(t, isPermissionOutput("Error: No permission to enable cycles event."))
	assert.True(t, isPermissionOutput("check /proc/sys/kernel/perf_event_paranoid"))
	assert.False(t, isPermissionOutput("1234,,cycles,1000,100.00,,"))
}
