package collector

import (
	"fmt"
	"io"
	"strings"
	"time"

	"ig-trading/pkg/confkit"
	"ig-trading/pkg/market"
)

// Config describes what to collect and where it goes.
type Config struct {
	DataDir         string `yaml:"data_dir"`
	JournalDir      string `yaml:"journal_dir"`
	VerifyChecksums *bool  `yaml:"verify_checksums"`
	// LegacySource owns per-run files named without a source.
	LegacySource string `yaml:"legacy_source"`

	IntervalRaw       string        `yaml:"interval"`
	Interval          time.Duration `yaml:"-"`
	Lookback          int           `yaml:"lookback"`
	StaggerRaw        string        `yaml:"stagger"`
	Stagger           time.Duration `yaml:"-"`
	HealthIntervalRaw string        `yaml:"health_interval"`
	HealthInterval    time.Duration `yaml:"-"`

	UnhealthyThreshold int           `yaml:"unhealthy_threshold"`
	StaleAfterRaw      string        `yaml:"stale_after"`
	StaleAfter         time.Duration `yaml:"-"`
	ProbeTimeoutRaw    string        `yaml:"probe_timeout"`
	ProbeTimeout       time.Duration `yaml:"-"`

	Tasks []TaskConfig `yaml:"tasks"`
}

// TaskConfig expands into one Task per symbol and timeframe.
type TaskConfig struct {
	Source      string        `yaml:"source"`
	Symbols     []string      `yaml:"symbols"`
	Timeframes  []string      `yaml:"timeframes"`
	IntervalRaw string        `yaml:"interval"`
	Interval    time.Duration `yaml:"-"`
	Lookback    int           `yaml:"lookback"`
}

// LoadConfig reads collector configuration from disk.
func LoadConfig(path string) (*Config, error) {
	cfg, err := confkit.LoadYAML[Config](path, "collector")
	if err != nil {
		return nil, err
	}
	return cfg.finish()
}

// LoadConfigFromReader constructs a Config from an io.Reader.
func LoadConfigFromReader(r io.Reader) (*Config, error) {
	cfg, err := confkit.DecodeYAML[Config](r, "collector")
	if err != nil {
		return nil, err
	}
	return cfg.finish()
}

func (c *Config) finish() (*Config, error) {
	if err := c.normalise(); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) normalise() error {
	confkit.ExpandEnv(&c.DataDir, &c.JournalDir)
	c.LegacySource = strings.TrimSpace(c.LegacySource)
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.VerifyChecksums == nil {
		verify := true
		c.VerifyChecksums = &verify
	}

	err := confkit.ParseDurations(
		confkit.Duration{Key: "interval", Raw: c.IntervalRaw, Dst: &c.Interval},
		confkit.Duration{Key: "stagger", Raw: c.StaggerRaw, Dst: &c.Stagger},
		confkit.Duration{Key: "health_interval", Raw: c.HealthIntervalRaw, Dst: &c.HealthInterval},
		confkit.Duration{Key: "stale_after", Raw: c.StaleAfterRaw, Dst: &c.StaleAfter},
		confkit.Duration{Key: "probe_timeout", Raw: c.ProbeTimeoutRaw, Dst: &c.ProbeTimeout},
	)
	if err != nil {
		return fmt.Errorf("collector config: %w", err)
	}
	if c.Interval == 0 {
		c.Interval = defaultTaskInterval
	}
	if c.Lookback == 0 {
		c.Lookback = defaultLookback
	}

	for i := range c.Tasks {
		task := &c.Tasks[i]
		task.Source = strings.TrimSpace(task.Source)
		if err := confkit.ParseDurations(confkit.Duration{Key: "interval", Raw: task.IntervalRaw, Dst: &task.Interval}); err != nil {
			return fmt.Errorf("collector config: task %d: %w", i, err)
		}
		if task.Interval == 0 {
			task.Interval = c.Interval
		}
		if task.Lookback == 0 {
			task.Lookback = c.Lookback
		}
	}
	return nil
}

// Validate ensures the configuration is structurally sound.
func (c *Config) Validate() error {
	if len(c.Tasks) == 0 {
		return fmt.Errorf("collector config: tasks cannot be empty")
	}
	if c.Lookback < 0 {
		return fmt.Errorf("collector config: lookback must not be negative")
	}
	if c.UnhealthyThreshold < 0 {
		return fmt.Errorf("collector config: unhealthy_threshold must not be negative")
	}
	for i, task := range c.Tasks {
		if task.Source == "" {
			return fmt.Errorf("collector config: task %d must name a source", i)
		}
		if len(task.Symbols) == 0 || len(task.Timeframes) == 0 {
			return fmt.Errorf("collector config: task %d (%s) needs symbols and timeframes", i, task.Source)
		}
		for _, tf := range task.Timeframes {
			if _, err := market.Timeframe(strings.TrimSpace(tf)).Duration(); err != nil {
				return fmt.Errorf("collector config: task %d (%s): %w", i, task.Source, err)
			}
		}
		if task.Lookback < 0 {
			return fmt.Errorf("collector config: task %d (%s) lookback must not be negative", i, task.Source)
		}
	}
	return nil
}

// ExpandTasks turns task groups into one Task per key. Symbols are upper-cased
// and duplicates dropped, first occurrence wins.
func (c *Config) ExpandTasks() []Task {
	seen := make(map[market.Key]struct{})
	var out []Task
	for _, group := range c.Tasks {
		for _, sym := range group.Symbols {
			sym = strings.ToUpper(strings.TrimSpace(sym))
			if sym == "" {
				continue
			}
			for _, tf := range group.Timeframes {
				key := market.Key{Symbol: sym, Timeframe: market.Timeframe(strings.TrimSpace(tf)), Source: group.Source}
				if _, ok := seen[key]; ok {
					continue
				}
				seen[key] = struct{}{}
				out = append(out, Task{Key: key, Interval: group.Interval, Lookback: group.Lookback})
			}
		}
	}
	return out
}

// Sources lists the source names referenced by tasks.
func (c *Config) Sources() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, task := range c.Tasks {
		if _, ok := seen[task.Source]; ok {
			continue
		}
		seen[task.Source] = struct{}{}
		out = append(out, task.Source)
	}
	return out
}
