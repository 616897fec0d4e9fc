package collector

import (
	"time"

	"ig-trading/pkg/alert"
	"ig-trading/pkg/breaker"
	"ig-trading/pkg/market"
	"ig-trading/pkg/validate"
)

// Recorder receives collection metrics. Implementations must be safe for
// concurrent use.
type Recorder interface {
	FetchAttempt(source string)
	Retry(source string)
	BreakerTransition(source string, from, to breaker.State)
	ValidationRejected(key market.Key, violations []validate.Violation)
	Collected(key market.Key, class string, written int, elapsed time.Duration)
	Escalated(severity alert.Severity)
}

type nopRecorder struct{}

func (nopRecorder) FetchAttempt(string)                                    {}
func (nopRecorder) Retry(string)                                           {}
func (nopRecorder) BreakerTransition(string, breaker.State, breaker.State) {}
func (nopRecorder) ValidationRejected(market.Key, []validate.Violation)    {}
func (nopRecorder) Collected(market.Key, string, int, time.Duration)       {}
func (nopRecorder) Escalated(alert.Severity)                               {}
