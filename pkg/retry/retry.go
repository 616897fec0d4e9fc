// Package retry runs an operation with bounded, full-jitter exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/zeromicro/go-zero/core/logx"

	"ig-trading/pkg/market"
)

const (
	defaultBaseDelay = time.Second
	defaultMaxDelay  = 30 * time.Second
)

// Config encapsulates backoff settings.
type Config struct {
	// MaxRetries is the number of additional attempts after the first.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// AttemptTimeout bounds each attempt individually. Zero disables it.
	AttemptTimeout time.Duration
}

// ExhaustedError reports that every attempt failed with a retryable error.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("giving up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Option customises an Executor.
type Option func(*Executor)

// WithJitter replaces the uniform [0,1) source used to scale delays.
func WithJitter(fn func() float64) Option {
	return func(e *Executor) {
		if fn != nil {
			e.jitter = fn
		}
	}
}

// WithRetryable replaces the classifier deciding which errors are retried.
func WithRetryable(fn func(error) bool) Option {
	return func(e *Executor) {
		if fn != nil {
			e.retryable = fn
		}
	}
}

// WithOnRetry registers a hook called before each backoff sleep.
func WithOnRetry(fn func(attempt int, delay time.Duration, err error)) Option {
	return func(e *Executor) {
		e.onRetry = fn
	}
}

// Executor executes retryable operations with backoff.
type Executor struct {
	cfg       Config
	jitter    func() float64
	retryable func(error) bool
	onRetry   func(attempt int, delay time.Duration, err error)
}

// New constructs an Executor with sane defaults.
func New(cfg Config, opts ...Option) *Executor {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = defaultMaxDelay
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	e := &Executor{
		cfg:       cfg,
		jitter:    rand.Float64,
		retryable: market.IsTransient,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config returns the effective configuration.
func (e *Executor) Config() Config { return e.cfg }

// Backoff returns the delay ceiling before retry n (n >= 1):
// min(base * 2^(n-1), max).
func (e *Executor) Backoff(n int) time.Duration {
	if n < 1 {
		return 0
	}
	d := e.cfg.BaseDelay
	for i := 1; i < n; i++ {
		if d >= e.cfg.MaxDelay/2 {
			return e.cfg.MaxDelay
		}
		d *= 2
	}
	if d > e.cfg.MaxDelay {
		return e.cfg.MaxDelay
	}
	return d
}

// Do invokes fn until it succeeds, fails with a non-retryable error, or the
// retry budget is spent. fn receives a per-attempt context and the attempt
// index, 0 for the first call. An attempt that hits its own timeout while ctx
// is still live counts as a transient failure.
func (e *Executor) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	return e.DoGated(ctx, nil, fn)
}

// DoGated is Do with gate called on ctx after each backoff sleep and before
// the retry's own timeout starts. A gate error while ctx is live ends the run
// with that error wrapping the last attempt's error.
func (e *Executor) DoGated(ctx context.Context, gate func(context.Context) error, fn func(ctx context.Context, attempt int) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			delay := time.Duration(float64(e.Backoff(attempt)) * e.jitter())
			if e.onRetry != nil {
				e.onRetry(attempt, delay, err)
			}
			logx.WithContext(ctx).Infof("retry: attempt %d failed, next in %s: %v", attempt, delay, err)
			if serr := sleep(ctx, delay); serr != nil {
				return fmt.Errorf("%w (last error: %v)", serr, err)
			}
			if gate != nil {
				if gerr := gate(ctx); gerr != nil {
					if ctx.Err() != nil {
						return fmt.Errorf("%w (last error: %v)", ctx.Err(), err)
					}
					return fmt.Errorf("%w after %d attempt(s): %w", gerr, attempt, err)
				}
			}
		}

		err = e.attempt(ctx, attempt, fn)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			if errors.Is(err, ctx.Err()) {
				return err
			}
			return fmt.Errorf("%w (last error: %v)", ctx.Err(), err)
		}
		if !e.retryable(err) {
			return err
		}
		if attempt >= e.cfg.MaxRetries {
			return &ExhaustedError{Attempts: attempt + 1, Err: err}
		}
	}
}

func (e *Executor) attempt(ctx context.Context, attempt int, fn func(ctx context.Context, attempt int) error) error {
	if e.cfg.AttemptTimeout <= 0 {
		return fn(ctx, attempt)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, e.cfg.AttemptTimeout)
	defer cancel()
	err := fn(attemptCtx, attempt)
	if err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && !market.IsFatal(err) {
		return market.Transient(fmt.Errorf("attempt timed out after %s: %w", e.cfg.AttemptTimeout, err))
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
