package market

import (
	"fmt"
	"strconv"
	"time"
)

// Timeframe is a provider-agnostic candle interval such as "1m" or "1h".
type Timeframe string

func (tf Timeframe) String() string { return string(tf) }

// Duration parses the interval length: a count followed by m, h, d, w or M
// (30 days).
func (tf Timeframe) Duration() (time.Duration, error) {
	s := string(tf)
	if len(s) < 2 {
		return 0, fmt.Errorf("invalid timeframe %q", s)
	}
	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid timeframe %q", s)
	}
	var unit time.Duration
	switch s[len(s)-1] {
	case 'm':
		unit = time.Minute
	case 'h':
		unit = time.Hour
	case 'd':
		unit = 24 * time.Hour
	case 'w':
		unit = 7 * 24 * time.Hour
	case 'M':
		unit = 30 * 24 * time.Hour
	default:
		return 0, fmt.Errorf("invalid timeframe %q", s)
	}
	return time.Duration(n) * unit, nil
}

// Key identifies one canonical stored series.
type Key struct {
	Symbol    string
	Timeframe Timeframe
	Source    string
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Source, k.Timeframe, k.Symbol)
}

// PricePoint carries the optional bid/ask/mid components of a price.
type PricePoint struct {
	Bid *float64 `json:"bid,omitempty"`
	Ask *float64 `json:"ask,omitempty"`
	Mid *float64 `json:"mid,omitempty"`
}

// NewPricePoint builds a PricePoint and derives mid from bid and ask when absent.
func NewPricePoint(bid, ask, mid *float64) PricePoint {
	p := PricePoint{Bid: bid, Ask: ask, Mid: mid}
	if p.Mid == nil && bid != nil && ask != nil {
		m := (*bid + *ask) / 2
		p.Mid = &m
	}
	return p
}

// Mid returns a PricePoint with only the mid component set.
func Mid(v float64) PricePoint {
	return PricePoint{Mid: &v}
}

// Value returns the representative price: mid when set, else the average of
// bid and ask, else whichever side is present.
func (p PricePoint) Value() (float64, bool) {
	switch {
	case p.Mid != nil:
		return *p.Mid, true
	case p.Bid != nil && p.Ask != nil:
		return (*p.Bid + *p.Ask) / 2, true
	case p.Bid != nil:
		return *p.Bid, true
	case p.Ask != nil:
		return *p.Ask, true
	}
	return 0, false
}

// Spread returns ask minus bid when both are present.
func (p PricePoint) Spread() (float64, bool) {
	if p.Bid == nil || p.Ask == nil {
		return 0, false
	}
	return *p.Ask - *p.Bid, true
}

// IsEmpty reports whether no component is set.
func (p PricePoint) IsEmpty() bool {
	return p.Bid == nil && p.Ask == nil && p.Mid == nil
}

// Components lists the present components in bid, ask, mid order.
func (p PricePoint) Components() []float64 {
	out := make([]float64, 0, 3)
	for _, v := range []*float64{p.Bid, p.Ask, p.Mid} {
		if v != nil {
			out = append(out, *v)
		}
	}
	return out
}

// Candle is one OHLCV record.
type Candle struct {
	Timestamp time.Time  `json:"timestamp"`
	Open      PricePoint `json:"open"`
	High      PricePoint `json:"high"`
	Low       PricePoint `json:"low"`
	Close     PricePoint `json:"close"`
	Volume    *int64     `json:"volume,omitempty"`
}

// Batch is one provider response for a single key. Treat it as immutable once
// returned from Fetch.
type Batch struct {
	Key         Key
	Candles     []Candle
	CollectedAt time.Time
	Metadata    map[string]string
}

// Len returns the number of candles in the batch.
func (b *Batch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Candles)
}

// Latest returns the most recent candle in the batch.
func (b *Batch) Latest() (Candle, bool) {
	if b.Len() == 0 {
		return Candle{}, false
	}
	latest := b.Candles[0]
	for _, c := range b.Candles[1:] {
		if c.Timestamp.After(latest.Timestamp) {
			latest = c
		}
	}
	return latest, true
}

// PriceRange returns the lowest low and highest high across the batch.
func (b *Batch) PriceRange() (low, high float64, ok bool) {
	for _, c := range b.candles() {
		l, lok := c.Low.Value()
		h, hok := c.High.Value()
		if !lok || !hok {
			continue
		}
		if !ok {
			low, high, ok = l, h, true
			continue
		}
		if l < low {
			low = l
		}
		if h > high {
			high = h
		}
	}
	return low, high, ok
}

func (b *Batch) candles() []Candle {
	if b == nil {
		return nil
	}
	return b.Candles
}

// StoredRecord is a persisted candle with its integrity checksum.
type StoredRecord struct {
	Key      Key
	Candle   Candle
	Checksum string
}

// Range bounds a fetch. A zero Start or End leaves that side open; Limit caps
// the number of candles when the upstream supports it.
type Range struct {
	Start time.Time
	End   time.Time
	Limit int
}
