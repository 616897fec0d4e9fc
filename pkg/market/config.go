package market

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"ig-trading/pkg/confkit"
)

// Defaults applied to unset resilience settings.
const (
	DefaultTimeout          = 30 * time.Second
	DefaultMaxRetries       = 3
	DefaultRetryBaseDelay   = time.Second
	DefaultRetryMaxDelay    = 30 * time.Second
	DefaultBreakerThreshold = 5
	DefaultBreakerTimeout   = 60 * time.Second
	DefaultRateLimitCalls   = 40
	DefaultRateLimitPeriod  = 60 * time.Second
)

// Config describes the set of market data providers available to the application.
type Config struct {
	Default   string                     `yaml:"default"`
	Providers map[string]*ProviderConfig `yaml:"providers"`
}

// ProviderConfig represents configuration for a single market provider,
// including the resilience settings applied around it.
type ProviderConfig struct {
	Type string `yaml:"type"`

	BaseURL string `yaml:"base_url"`
	Testnet bool   `yaml:"testnet"`

	// Timeout bounds a single fetch attempt.
	TimeoutRaw     string        `yaml:"timeout"`
	Timeout        time.Duration `yaml:"-"`
	HTTPTimeoutRaw string        `yaml:"http_timeout"`
	HTTPTimeout    time.Duration `yaml:"-"`

	MaxRetriesRaw     *int          `yaml:"max_retries"`
	MaxRetries        int           `yaml:"-"`
	RetryBaseDelayRaw string        `yaml:"retry_base_delay"`
	RetryBaseDelay    time.Duration `yaml:"-"`
	RetryMaxDelayRaw  string        `yaml:"retry_max_delay"`
	RetryMaxDelay     time.Duration `yaml:"-"`

	BreakerThreshold  int           `yaml:"breaker_threshold"`
	BreakerTimeoutRaw string        `yaml:"breaker_timeout"`
	BreakerTimeout    time.Duration `yaml:"-"`
	BreakerWindowRaw  string        `yaml:"breaker_window"`
	BreakerWindow     time.Duration `yaml:"-"`

	RateLimitCalls     int           `yaml:"rate_limit_calls"`
	RateLimitPeriodRaw string        `yaml:"rate_limit_period"`
	RateLimitPeriod    time.Duration `yaml:"-"`
}

// ProviderBuilder constructs an Upstream from configuration.
type ProviderBuilder func(name string, cfg *ProviderConfig) (Upstream, error)

var (
	providerRegistry   = make(map[string]ProviderBuilder)
	providerRegistryMu sync.RWMutex
)

// RegisterProvider registers a market provider constructor.
func RegisterProvider(typeName string, builder ProviderBuilder) {
	providerRegistryMu.Lock()
	defer providerRegistryMu.Unlock()
	providerRegistry[strings.ToLower(strings.TrimSpace(typeName))] = builder
}

func lookupProviderBuilder(typeName string) (ProviderBuilder, bool) {
	providerRegistryMu.RLock()
	defer providerRegistryMu.RUnlock()
	builder, ok := providerRegistry[strings.ToLower(strings.TrimSpace(typeName))]
	return builder, ok
}

// LoadConfig reads configuration from disk.
func LoadConfig(path string) (*Config, error) {
	cfg, err := confkit.LoadYAML[Config](path, "market")
	if err != nil {
		return nil, err
	}
	return cfg.finish()
}

// LoadConfigFromReader constructs a Config from an io.Reader.
func LoadConfigFromReader(r io.Reader) (*Config, error) {
	cfg, err := confkit.DecodeYAML[Config](r, "market")
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
	if c.Providers == nil {
		c.Providers = make(map[string]*ProviderConfig)
	}
	for name, provider := range c.Providers {
		if provider == nil {
			provider = &ProviderConfig{}
			c.Providers[name] = provider
		}
		provider.expandEnv()
		if err := provider.parseDurations(name); err != nil {
			return err
		}
		provider.applyDefaults()
	}
	return nil
}

func (p *ProviderConfig) expandEnv() {
	confkit.ExpandEnv(&p.Type, &p.BaseURL)
}

func (p *ProviderConfig) parseDurations(name string) error {
	err := confkit.ParseDurations(
		confkit.Duration{Key: "timeout", Raw: p.TimeoutRaw, Dst: &p.Timeout},
		confkit.Duration{Key: "http_timeout", Raw: p.HTTPTimeoutRaw, Dst: &p.HTTPTimeout},
		confkit.Duration{Key: "retry_base_delay", Raw: p.RetryBaseDelayRaw, Dst: &p.RetryBaseDelay},
		confkit.Duration{Key: "retry_max_delay", Raw: p.RetryMaxDelayRaw, Dst: &p.RetryMaxDelay},
		confkit.Duration{Key: "breaker_timeout", Raw: p.BreakerTimeoutRaw, Dst: &p.BreakerTimeout},
		confkit.Duration{Key: "breaker_window", Raw: p.BreakerWindowRaw, Dst: &p.BreakerWindow},
		confkit.Duration{Key: "rate_limit_period", Raw: p.RateLimitPeriodRaw, Dst: &p.RateLimitPeriod},
	)
	if err != nil {
		return fmt.Errorf("market provider %s: %w", name, err)
	}
	return nil
}

func (p *ProviderConfig) applyDefaults() {
	if p.Timeout == 0 {
		p.Timeout = DefaultTimeout
	}
	p.MaxRetries = DefaultMaxRetries
	if p.MaxRetriesRaw != nil {
		p.MaxRetries = *p.MaxRetriesRaw
	}
	if p.RetryBaseDelay == 0 {
		p.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if p.RetryMaxDelay == 0 {
		p.RetryMaxDelay = DefaultRetryMaxDelay
	}
	if p.BreakerThreshold == 0 {
		p.BreakerThreshold = DefaultBreakerThreshold
	}
	if p.BreakerTimeout == 0 {
		p.BreakerTimeout = DefaultBreakerTimeout
	}
	if p.RateLimitCalls == 0 {
		p.RateLimitCalls = DefaultRateLimitCalls
	}
	if p.RateLimitPeriod == 0 {
		p.RateLimitPeriod = DefaultRateLimitPeriod
	}
}

// Validate ensures the configuration is structurally sound.
func (c *Config) Validate() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("market config: providers cannot be empty")
	}
	if c.Default != "" {
		if _, ok := c.Providers[c.Default]; !ok {
			return fmt.Errorf("market config: default provider %q not defined", c.Default)
		}
	}
	for name, provider := range c.Providers {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("market config: provider name cannot be empty")
		}
		if err := provider.validate(name); err != nil {
			return err
		}
	}
	return nil
}

func (p *ProviderConfig) validate(name string) error {
	if p == nil {
		return fmt.Errorf("market config: provider %s is nil", name)
	}
	if strings.TrimSpace(p.Type) == "" {
		return fmt.Errorf("market config: provider %s must specify type", name)
	}
	if _, ok := lookupProviderBuilder(p.Type); !ok {
		return fmt.Errorf("market config: provider %s has unsupported type %q", name, p.Type)
	}
	durations := []struct {
		key      string
		val      time.Duration
		min, max time.Duration
	}{
		{"timeout", p.Timeout, time.Second, 300 * time.Second},
		{"retry_base_delay", p.RetryBaseDelay, time.Millisecond, 60 * time.Second},
		{"retry_max_delay", p.RetryMaxDelay, time.Millisecond, 300 * time.Second},
		{"breaker_timeout", p.BreakerTimeout, 10 * time.Second, 600 * time.Second},
		{"rate_limit_period", p.RateLimitPeriod, time.Second, 3600 * time.Second},
	}
	for _, d := range durations {
		if d.val < d.min || d.val > d.max {
			return fmt.Errorf("market config: provider %s %s must be between %s and %s, got %s", name, d.key, d.min, d.max, d.val)
		}
	}
	if p.RetryMaxDelay < p.RetryBaseDelay {
		return fmt.Errorf("market config: provider %s retry_max_delay %s is below retry_base_delay %s", name, p.RetryMaxDelay, p.RetryBaseDelay)
	}
	if p.MaxRetries < 0 || p.MaxRetries > 10 {
		return fmt.Errorf("market config: provider %s max_retries must be between 0 and 10, got %d", name, p.MaxRetries)
	}
	if p.BreakerThreshold < 1 || p.BreakerThreshold > 20 {
		return fmt.Errorf("market config: provider %s breaker_threshold must be between 1 and 20, got %d", name, p.BreakerThreshold)
	}
	if p.RateLimitCalls < 1 || p.RateLimitCalls > 1000 {
		return fmt.Errorf("market config: provider %s rate_limit_calls must be between 1 and 1000, got %d", name, p.RateLimitCalls)
	}
	return nil
}

// BuildProviders instantiates market data providers according to configuration.
func (c *Config) BuildProviders() (map[string]Upstream, error) {
	result := make(map[string]Upstream, len(c.Providers))
	for name, providerCfg := range c.Providers {
		builder, ok := lookupProviderBuilder(providerCfg.Type)
		if !ok {
			return nil, fmt.Errorf("market provider %s: unsupported type %q", name, providerCfg.Type)
		}
		provider, err := builder(name, providerCfg)
		if err != nil {
			return nil, fmt.Errorf("market provider %s: %w", name, err)
		}
		result[name] = provider
	}
	return result, nil
}
