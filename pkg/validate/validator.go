// Package validate gates fetched batches before they reach storage.
package validate

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"ig-trading/pkg/market"
)

// Rule identifiers reported in violations.
const (
	RuleIncompleteKey   = "incomplete_key"
	RuleMissingPrice    = "missing_price"
	RuleNonPositive     = "non_positive_price"
	RuleHighBelow       = "high_below"
	RuleLowAbove        = "low_above"
	RuleNonMonotonic    = "non_monotonic_timestamp"
	RuleFutureTimestamp = "future_timestamp"
	RuleStaleTimestamp  = "stale_timestamp"
	RuleNegativeVolume  = "negative_volume"
)

// Violation is one failed rule. Index is the candle position in the batch,
// -1 for batch-level rules.
type Violation struct {
	Rule      string         `json:"rule"`
	Index     int            `json:"index"`
	Timestamp time.Time      `json:"timestamp,omitempty"`
	Values    map[string]any `json:"values,omitempty"`
}

func (v Violation) String() string {
	if v.Index < 0 {
		return v.Rule
	}
	return fmt.Sprintf("%s@%d", v.Rule, v.Index)
}

// Error rejects a whole batch.
type Error struct {
	Key        market.Key
	Violations []Violation
}

func (e *Error) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, v.String())
	}
	return fmt.Sprintf("batch %s rejected: %d violation(s): %s", e.Key, len(e.Violations), strings.Join(parts, ", "))
}

// IsValidation reports whether err carries a batch rejection.
func IsValidation(err error) bool {
	var ve *Error
	return errors.As(err, &ve)
}

// Validator checks batches against structural and price rules.
type Validator struct {
	now func() time.Time
}

// Option customises a Validator.
type Option func(*Validator)

// WithClock sets the time used when a batch has no collection time.
func WithClock(now func() time.Time) Option {
	return func(v *Validator) {
		if now != nil {
			v.now = now
		}
	}
}

// New builds a Validator.
func New(opts ...Option) *Validator {
	v := &Validator{now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate returns nil when every candle passes every rule and *Error
// otherwise. When after is non-zero each candle must be strictly newer, which
// lets callers pass the last stored timestamp for the key. An empty batch is
// valid.
func (v *Validator) Validate(batch *market.Batch, after time.Time) error {
	if batch == nil {
		return &Error{Violations: []Violation{{Rule: RuleIncompleteKey, Index: -1}}}
	}
	var out []Violation
	key := batch.Key
	if key.Symbol == "" || key.Timeframe == "" || key.Source == "" {
		out = append(out, Violation{Rule: RuleIncompleteKey, Index: -1, Values: map[string]any{
			"symbol": key.Symbol, "timeframe": string(key.Timeframe), "source": key.Source,
		}})
	}

	collectedAt := batch.CollectedAt
	if collectedAt.IsZero() {
		collectedAt = v.now()
	}

	for i, c := range batch.Candles {
		out = append(out, checkPrices(i, c)...)

		if i > 0 {
			prev := batch.Candles[i-1].Timestamp
			if !c.Timestamp.After(prev) {
				out = append(out, Violation{Rule: RuleNonMonotonic, Index: i, Timestamp: c.Timestamp,
					Values: map[string]any{"previous": prev, "current": c.Timestamp}})
			}
		}
		if !after.IsZero() && !c.Timestamp.After(after) {
			out = append(out, Violation{Rule: RuleStaleTimestamp, Index: i, Timestamp: c.Timestamp,
				Values: map[string]any{"last_stored": after, "current": c.Timestamp}})
		}
		if c.Timestamp.After(collectedAt) {
			out = append(out, Violation{Rule: RuleFutureTimestamp, Index: i, Timestamp: c.Timestamp,
				Values: map[string]any{"collected_at": collectedAt, "current": c.Timestamp}})
		}
		if c.Volume != nil && *c.Volume < 0 {
			out = append(out, Violation{Rule: RuleNegativeVolume, Index: i, Timestamp: c.Timestamp,
				Values: map[string]any{"volume": *c.Volume}})
		}
	}

	if len(out) > 0 {
		return &Error{Key: key, Violations: out}
	}
	return nil
}

func checkPrices(i int, c market.Candle) []Violation {
	var out []Violation
	fields := []struct {
		name  string
		point market.PricePoint
	}{
		{"open", c.Open},
		{"high", c.High},
		{"low", c.Low},
		{"close", c.Close},
	}
	mids := make(map[string]float64, len(fields))
	complete := true
	for _, f := range fields {
		if f.point.IsEmpty() {
			out = append(out, Violation{Rule: RuleMissingPrice, Index: i, Timestamp: c.Timestamp,
				Values: map[string]any{"field": f.name}})
			complete = false
			continue
		}
		for _, component := range f.point.Components() {
			if component <= 0 {
				out = append(out, Violation{Rule: RuleNonPositive, Index: i, Timestamp: c.Timestamp,
					Values: map[string]any{"field": f.name, "value": component}})
				complete = false
				break
			}
		}
		mids[f.name], _ = f.point.Value()
	}
	if !complete {
		return out
	}

	open, high, low, closePx := mids["open"], mids["high"], mids["low"], mids["close"]
	values := map[string]any{"open": open, "high": high, "low": low, "close": closePx}
	if high < open || high < closePx || high < low {
		out = append(out, Violation{Rule: RuleHighBelow, Index: i, Timestamp: c.Timestamp, Values: values})
	}
	if low > open || low > closePx || low > high {
		out = append(out, Violation{Rule: RuleLowAbove, Index: i, Timestamp: c.Timestamp, Values: values})
	}
	return out
}
