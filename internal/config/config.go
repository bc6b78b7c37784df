package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Counter sources. Perf metrics are read through perf(1); system metrics come
// from procfs.
const (
	SourcePerf   = "perf"
	SourceSystem = "system"
)

// Sampling modes for perf metrics.
const (
	ModeRate  = "rate"  // events[0] count divided by the read duration
	ModeRatio = "ratio" // events[0] count divided by events[1] count
)

// MetricSpec describes one monitored counter. Immutable after Load.
type MetricSpec struct {
	Name              string
	Group             string
	Source            string
	Events            []string
	Mode              string
	SampleInterval    time.Duration
	BaselineWindow    int
	AbsoluteThreshold *float64
	ZWarning          float64
	ZCritical         float64
}

// Config is the full runtime configuration, loaded once at startup.
type Config struct {
	ListenAddr       string
	RedisAddr        string
	AlertFile        string
	AlertCooldown    time.Duration
	ReadTimeout      time.Duration
	ShutdownGrace    time.Duration
	Workers          int
	UnavailableEvery int // retry cadence for unavailable counters, in ticks
	BaselineDecay    float64
	SampleTTL        time.Duration
	Metrics          []MetricSpec
}

// fileConfig mirrors the YAML layout. Durations are strings so that malformed
// values fail loudly at load time instead of silently zeroing.
type fileConfig struct {
	ListenAddr       string           `yaml:"listen_addr"`
	RedisAddr        string           `yaml:"redis_addr"`
	AlertFile        string           `yaml:"alert_file"`
	AlertCooldown    string           `yaml:"alert_cooldown"`
	ReadTimeout      string           `yaml:"read_timeout"`
	ShutdownGrace    string           `yaml:"shutdown_grace"`
	Workers          int              `yaml:"workers"`
	UnavailableEvery int              `yaml:"unavailable_retry_ticks"`
	BaselineDecay    float64          `yaml:"baseline_decay"`
	SampleTTL        string           `yaml:"sample_ttl"`
	Metrics          []fileMetricSpec `yaml:"metrics"`
}

type fileMetricSpec struct {
	Name              string   `yaml:"name"`
	Group             string   `yaml:"group"`
	Source            string   `yaml:"source"`
	Events            []string `yaml:"events"`
	Mode              string   `yaml:"mode"`
	SampleInterval    string   `yaml:"sample_interval"`
	BaselineWindow    int      `yaml:"baseline_window"`
	AbsoluteThreshold *float64 `yaml:"absolute_threshold"`
	ZWarning          float64  `yaml:"z_warning"`
	ZCritical         float64  `yaml:"z_critical"`
}

// Load reads the optional .env file, then the YAML config named by
// CONFIG_PATH (or path if given), applies env overrides, and validates.
// Any malformed input is an error; the caller is expected to treat it as fatal.
func Load(path string) (*Config, error) {
	godotenv.Load()

	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}

	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config %s: %w", path, err)
		}
		defer f.Close()

		var fc fileConfig
		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(&fc); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
		if err := cfg.apply(&fc); err != nil {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
	}

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.RedisAddr = addr
	}
	if port := os.Getenv("PORT"); port != "" {
		cfg.ListenAddr = ":" + port
	}
	if file := os.Getenv("ALERT_FILE"); file != "" {
		cfg.AlertFile = file
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration carrying the reference metric
// set. The metric names are an external compatibility contract with the
// alerting rules that consume our records; the threshold values are defaults
// and normally overridden from the config file.
func Default() *Config {
	abs := func(v float64) *float64 { return &v }
	return &Config{
		ListenAddr:       ":8080",
		RedisAddr:        "localhost:6379",
		AlertFile:        "/data/spectre_alerts.json",
		AlertCooldown:    2 * time.Minute,
		ReadTimeout:      5 * time.Second,
		ShutdownGrace:    10 * time.Second,
		Workers:          4,
		UnavailableEvery: 30,
		BaselineDecay:    0.05,
		SampleTTL:        time.Hour,
		Metrics: []MetricSpec{
			{
				Name:              "cache_miss_rate",
				Group:             "cache",
				Source:            SourcePerf,
				Events:            []string{"cache-misses", "cache-references"},
				Mode:              ModeRatio,
				SampleInterval:    time.Second,
				BaselineWindow:    60,
				AbsoluteThreshold: abs(0.1),
				ZWarning:          3,
				ZCritical:         6,
			},
			{
				Name:              "mem_load_retired_l3_miss",
				Group:             "memory",
				Source:            SourcePerf,
				Events:            []string{"mem_load_retired.l3_miss"},
				Mode:              ModeRate,
				SampleInterval:    time.Second,
				BaselineWindow:    60,
				AbsoluteThreshold: abs(1000),
				ZWarning:          3,
				ZCritical:         6,
			},
			{
				Name:              "machine_clears_count",
				Group:             "speculative",
				Source:            SourcePerf,
				Events:            []string{"machine_clears.count"},
				Mode:              ModeRate,
				SampleInterval:    time.Second,
				BaselineWindow:    60,
				AbsoluteThreshold: abs(100),
				ZWarning:          3,
				ZCritical:         6,
			},
			{
				Name:           "branch_miss_rate",
				Group:          "speculative",
				Source:         SourcePerf,
				Events:         []string{"branch-misses", "branches"},
				Mode:           ModeRatio,
				SampleInterval: time.Second,
				BaselineWindow: 60,
				ZWarning:       3,
				ZCritical:      6,
			},
			{
				Name:           "load_1min",
				Group:          "system",
				Source:         SourceSystem,
				Events:         []string{"load1"},
				SampleInterval: 5 * time.Second,
				BaselineWindow: 30,
				ZWarning:       3,
				ZCritical:      6,
			},
			{
				Name:           "memory_used_percent",
				Group:          "system",
				Source:         SourceSystem,
				Events:         []string{"memory_used_percent"},
				SampleInterval: 5 * time.Second,
				BaselineWindow: 30,
				ZWarning:       3,
				ZCritical:      6,
			},
		},
	}
}

func (c *Config) apply(fc *fileConfig) error {
	if fc.ListenAddr != "" {
		c.ListenAddr = fc.ListenAddr
	}
	if fc.RedisAddr != "" {
		c.RedisAddr = fc.RedisAddr
	}
	if fc.AlertFile != "" {
		c.AlertFile = fc.AlertFile
	}
	if fc.Workers != 0 {
		c.Workers = fc.Workers
	}
	if fc.UnavailableEvery != 0 {
		c.UnavailableEvery = fc.UnavailableEvery
	}
	if fc.BaselineDecay != 0 {
		c.BaselineDecay = fc.BaselineDecay
	}

	var err error
	if c.AlertCooldown, err = parseDuration(fc.AlertCooldown, c.AlertCooldown); err != nil {
		return fmt.Errorf("alert_cooldown: %w", err)
	}
	if c.ReadTimeout, err = parseDuration(fc.ReadTimeout, c.ReadTimeout); err != nil {
		return fmt.Errorf("read_timeout: %w", err)
	}
	if c.ShutdownGrace, err = parseDuration(fc.ShutdownGrace, c.ShutdownGrace); err != nil {
		return fmt.Errorf("shutdown_grace: %w", err)
	}
	if c.SampleTTL, err = parseDuration(fc.SampleTTL, c.SampleTTL); err != nil {
		return fmt.Errorf("sample_ttl: %w", err)
	}

	// A metrics list in the file replaces the defaults entirely.
	if fc.Metrics != nil {
		c.Metrics = make([]MetricSpec, 0, len(fc.Metrics))
		for i, fm := range fc.Metrics {
			spec := MetricSpec{
				Name:              fm.Name,
				Group:             fm.Group,
				Source:            fm.Source,
				Events:            fm.Events,
				Mode:              fm.Mode,
				BaselineWindow:    fm.BaselineWindow,
				AbsoluteThreshold: fm.AbsoluteThreshold,
				ZWarning:          fm.ZWarning,
				ZCritical:         fm.ZCritical,
			}
			if spec.Source == "" {
				spec.Source = SourcePerf
			}
			if spec.Mode == "" {
				spec.Mode = ModeRate
			}
			if spec.SampleInterval, err = parseDuration(fm.SampleInterval, time.Second); err != nil {
				return fmt.Errorf("metrics[%d] sample_interval: %w", i, err)
			}
			c.Metrics = append(c.Metrics, spec)
		}
	}
	return nil
}

func parseDuration(raw string, fallback time.Duration) (time.Duration, error) {
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("must be positive, got %s", d)
	}
	return d, nil
}

func (c *Config) validate() error {
	if len(c.Metrics) == 0 {
		return fmt.Errorf("no metrics configured")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	}
	if c.UnavailableEvery <= 0 {
		return fmt.Errorf("unavailable_retry_ticks must be positive, got %d", c.UnavailableEvery)
	}
	if c.BaselineDecay <= 0 || c.BaselineDecay >= 1 {
		return fmt.Errorf("baseline_decay must be in (0,1), got %g", c.BaselineDecay)
	}

	seen := make(map[string]bool, len(c.Metrics))
	for i := range c.Metrics {
		m := &c.Metrics[i]
		if m.Name == "" {
			return fmt.Errorf("metrics[%d]: name is required", i)
		}
		if seen[m.Name] {
			return fmt.Errorf("duplicate metric name %q", m.Name)
		}
		seen[m.Name] = true

		if m.Source != SourcePerf && m.Source != SourceSystem {
			return fmt.Errorf("metric %s: unknown source %q", m.Name, m.Source)
		}
		if len(m.Events) == 0 {
			return fmt.Errorf("metric %s: at least one event is required", m.Name)
		}
		if m.Source == SourcePerf {
			switch m.Mode {
			case ModeRate:
				if len(m.Events) != 1 {
					return fmt.Errorf("metric %s: rate mode takes exactly one event", m.Name)
				}
			case ModeRatio:
				if len(m.Events) != 2 {
					return fmt.Errorf("metric %s: ratio mode takes exactly two events", m.Name)
				}
			default:
				return fmt.Errorf("metric %s: unknown mode %q", m.Name, m.Mode)
			}
		}
		if m.SampleInterval <= 0 {
			return fmt.Errorf("metric %s: sample_interval must be positive", m.Name)
		}
		if m.BaselineWindow <= 0 {
			return fmt.Errorf("metric %s: baseline_window must be positive", m.Name)
		}
		if m.AbsoluteThreshold != nil && *m.AbsoluteThreshold <= 0 {
			return fmt.Errorf("metric %s: absolute_threshold must be positive", m.Name)
		}
		if m.ZWarning <= 0 || m.ZCritical <= 0 {
			return fmt.Errorf("metric %s: z thresholds must be positive", m.Name)
		}
		if m.ZCritical < m.ZWarning {
			return fmt.Errorf("metric %s: z_critical %g below z_warning %g", m.Name, m.ZCritical, m.ZWarning)
		}
	}
	return nil
}
