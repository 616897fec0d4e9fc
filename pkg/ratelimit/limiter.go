// Package ratelimit provides the token bucket that gates calls to an upstream.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// ErrDeadline is returned by Wait when the caller's deadline would pass before
// a token frees up. The caller was refused, not cancelled.
var ErrDeadline = errors.New("ratelimit: no token before deadline")

// Limiter admits up to maxCalls calls per period. Tokens refill continuously
// at maxCalls/period and the bucket holds at most maxCalls tokens.
type Limiter struct {
	limiter  *rate.Limiter
	maxCalls int
	period   time.Duration
}

// New builds a Limiter with a full bucket.
func New(maxCalls int, period time.Duration) (*Limiter, error) {
	if maxCalls <= 0 {
		return nil, fmt.Errorf("ratelimit: max calls must be positive, got %d", maxCalls)
	}
	if period <= 0 {
		return nil, fmt.Errorf("ratelimit: period must be positive, got %s", period)
	}
	return &Limiter{
		limiter:  rate.NewLimiter(rate.Every(period/time.Duration(maxCalls)), maxCalls),
		maxCalls: maxCalls,
		period:   period,
	}, nil
}

// Wait blocks until a token is available and consumes it. No token is consumed
// when it returns an error: ctx.Err() once ctx is done, or ErrDeadline while
// ctx is still live but its deadline falls before the next token.
func (l *Limiter) Wait(ctx context.Context) error {
	if err := l.limiter.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w (%s): %v", ErrDeadline, l, err)
	}
	return nil
}

// TryAcquire consumes a token if one is available now.
func (l *Limiter) TryAcquire() bool {
	return l.limiter.Allow()
}

// Remaining returns the number of whole tokens currently available.
func (l *Limiter) Remaining() int {
	tokens := l.limiter.Tokens()
	if tokens < 0 {
		return 0
	}
	return int(tokens)
}

// Interval is the refill gap between two tokens.
func (l *Limiter) Interval() time.Duration {
	return l.period / time.Duration(l.maxCalls)
}

func (l *Limiter) String() string {
	return fmt.Sprintf("%d calls/%s, one per %s", l.maxCalls, l.period, l.Interval())
}
