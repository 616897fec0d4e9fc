// Package breaker isolates a failing upstream behind a CLOSED/OPEN/HALF_OPEN
// state machine.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/zeromicro/go-zero/core/logx"
)

// ErrCircuitOpen is returned, wrapped with the breaker name, when a call is
// rejected without being attempted.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Config tunes a Breaker.
type Config struct {
	// Threshold is the failure count that opens the circuit.
	Threshold int
	// RecoveryTimeout is how long the circuit stays open before a trial.
	RecoveryTimeout time.Duration
	// Window bounds how far apart counted failures may be. Zero counts
	// failures until the next success.
	Window time.Duration
}

// Counts is a point-in-time view of the breaker.
type Counts struct {
	State    State
	Failures int
	OpenedAt time.Time
}

// Acceptable reports errors that pass through without affecting state.
type Acceptable func(err error) bool

// Option customises a Breaker.
type Option func(*Breaker)

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		if now != nil {
			b.now = now
		}
	}
}

// WithStateChange registers a hook invoked after every transition. The hook
// runs outside the breaker lock.
func WithStateChange(fn func(name string, from, to State)) Option {
	return func(b *Breaker) {
		b.onStateChange = fn
	}
}

// Breaker guards one logical upstream endpoint. Only state bookkeeping is
// serialized; the guarded call runs without holding the lock.
type Breaker struct {
	name          string
	cfg           Config
	now           func() time.Time
	onStateChange func(name string, from, to State)

	mu          sync.Mutex
	state       State
	failures    int
	windowStart time.Time
	openedAt    time.Time
	trial       bool
	generation  uint64
}

// New builds a closed Breaker.
func New(name string, cfg Config, opts ...Option) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 1
	}
	b := &Breaker{
		name: name,
		cfg:  cfg,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name returns the breaker name.
func (b *Breaker) Name() string { return b.name }

// Do runs fn through the breaker.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	return b.DoWithAcceptable(ctx, fn, nil)
}

// DoWithAcceptable runs fn through the breaker. Errors for which acceptable
// returns true are returned to the caller but recorded as a success. A call
// abandoned because ctx ended records nothing.
func (b *Breaker) DoWithAcceptable(ctx context.Context, fn func(ctx context.Context) error, acceptable Acceptable) (err error) {
	gen, err := b.allow()
	if err != nil {
		return err
	}

	finished := false
	defer func() {
		if !finished {
			b.release(gen)
		}
	}()

	err = fn(ctx)
	finished = true

	switch {
	case err == nil:
		b.onSuccess(gen)
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		b.release(gen)
	case acceptable != nil && acceptable(err):
		b.onSuccess(gen)
	default:
		b.onFailure(gen)
	}
	return err
}

// State returns the current state, promoting OPEN to HALF_OPEN once the
// recovery timeout has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.recoveryElapsed() {
		return StateHalfOpen
	}
	return b.state
}

// Counts returns the current counters.
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Counts{State: b.state, Failures: b.failures, OpenedAt: b.openedAt}
}

// Reset forces the breaker closed and clears counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.toClosed()
	b.mu.Unlock()
	logx.Infof("breaker %s: manually reset", b.name)
	b.notify(from, StateClosed)
}

func (b *Breaker) allow() (uint64, error) {
	b.mu.Lock()
	from := b.state
	switch b.state {
	case StateOpen:
		if !b.recoveryElapsed() {
			b.mu.Unlock()
			return 0, b.openError()
		}
		b.state = StateHalfOpen
		b.trial = true
		gen := b.generation
		b.mu.Unlock()
		logx.Infof("breaker %s: half-open, allowing trial call", b.name)
		b.notify(from, StateHalfOpen)
		return gen, nil
	case StateHalfOpen:
		if b.trial {
			b.mu.Unlock()
			return 0, b.openError()
		}
		b.trial = true
	}
	gen := b.generation
	b.mu.Unlock()
	return gen, nil
}

func (b *Breaker) onSuccess(gen uint64) {
	b.mu.Lock()
	if gen != b.generation {
		b.mu.Unlock()
		return
	}
	from := b.state
	switch b.state {
	case StateHalfOpen:
		b.toClosed()
	case StateClosed:
		b.failures = 0
	}
	b.mu.Unlock()
	if from == StateHalfOpen {
		logx.Infof("breaker %s: trial succeeded, closed", b.name)
		b.notify(from, StateClosed)
	}
}

func (b *Breaker) onFailure(gen uint64) {
	b.mu.Lock()
	if gen != b.generation {
		b.mu.Unlock()
		return
	}
	from := b.state
	now := b.now()
	switch b.state {
	case StateHalfOpen:
		b.toOpen(now)
	case StateClosed:
		if b.cfg.Window > 0 && (b.failures == 0 || now.Sub(b.windowStart) > b.cfg.Window) {
			b.failures = 0
			b.windowStart = now
		}
		b.failures++
		if b.failures >= b.cfg.Threshold {
			b.toOpen(now)
		}
	}
	to := b.state
	failures := b.failures
	b.mu.Unlock()
	if to == StateOpen {
		logx.Errorf("breaker %s: opened after %d failures (was %s)", b.name, failures, from)
		b.notify(from, to)
	}
}

// release frees a half-open trial slot without resolving it.
func (b *Breaker) release(gen uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if gen == b.generation && b.state == StateHalfOpen {
		b.trial = false
	}
}

func (b *Breaker) toOpen(now time.Time) {
	b.state = StateOpen
	b.openedAt = now
	b.trial = false
	b.generation++
}

func (b *Breaker) toClosed() {
	b.state = StateClosed
	b.failures = 0
	b.windowStart = time.Time{}
	b.openedAt = time.Time{}
	b.trial = false
	b.generation++
}

func (b *Breaker) recoveryElapsed() bool {
	return b.now().Sub(b.openedAt) >= b.cfg.RecoveryTimeout
}

func (b *Breaker) openError() error {
	return fmt.Errorf("%s: %w", b.name, ErrCircuitOpen)
}

func (b *Breaker) notify(from, to State) {
	if b.onStateChange != nil && from != to {
		b.onStateChange(b.name, from, to)
	}
}
