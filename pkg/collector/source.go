package collector

import (
	"errors"
	"fmt"
	"time"

	"ig-trading/pkg/breaker"
	"ig-trading/pkg/market"
	"ig-trading/pkg/ratelimit"
	"ig-trading/pkg/retry"
)

// Source is one upstream with the guards shared by every task that reads
// from it.
type Source struct {
	Upstream market.Upstream
	Limiter  *ratelimit.Limiter
	Breaker  *breaker.Breaker
	Retry    *retry.Executor
}

// Name returns the upstream name.
func (s *Source) Name() string { return s.Upstream.Name() }

func (s *Source) validate() error {
	switch {
	case s == nil || s.Upstream == nil:
		return errors.New("collector: source without upstream")
	case s.Limiter == nil || s.Breaker == nil || s.Retry == nil:
		return fmt.Errorf("collector: source %s missing limiter, breaker or retry", s.Upstream.Name())
	}
	return nil
}

// NewSource builds the guard chain for up from its provider settings. rec may
// be nil.
func NewSource(up market.Upstream, cfg *market.ProviderConfig, rec Recorder) (*Source, error) {
	if up == nil {
		return nil, errors.New("collector: nil upstream")
	}
	if cfg == nil {
		cfg = &market.ProviderConfig{}
	}
	if rec == nil {
		rec = nopRecorder{}
	}
	name := up.Name()

	calls, period := cfg.RateLimitCalls, cfg.RateLimitPeriod
	if calls <= 0 {
		calls = market.DefaultRateLimitCalls
	}
	if period <= 0 {
		period = market.DefaultRateLimitPeriod
	}
	limiter, err := ratelimit.New(calls, period)
	if err != nil {
		return nil, fmt.Errorf("collector: source %s: %w", name, err)
	}

	threshold, recovery := cfg.BreakerThreshold, cfg.BreakerTimeout
	if threshold <= 0 {
		threshold = market.DefaultBreakerThreshold
	}
	if recovery <= 0 {
		recovery = market.DefaultBreakerTimeout
	}
	br := breaker.New(name, breaker.Config{
		Threshold:       threshold,
		RecoveryTimeout: recovery,
		Window:          cfg.BreakerWindow,
	}, breaker.WithStateChange(rec.BreakerTransition))

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = market.DefaultTimeout
	}
	maxRetries := cfg.MaxRetries
	if cfg.MaxRetriesRaw == nil && maxRetries == 0 {
		maxRetries = market.DefaultMaxRetries
	}
	rt := retry.New(retry.Config{
		MaxRetries:     maxRetries,
		BaseDelay:      cfg.RetryBaseDelay,
		MaxDelay:       cfg.RetryMaxDelay,
		AttemptTimeout: timeout,
	}, retry.WithOnRetry(func(int, time.Duration, error) { rec.Retry(name) }))

	return &Source{Upstream: up, Limiter: limiter, Breaker: br, Retry: rt}, nil
}
