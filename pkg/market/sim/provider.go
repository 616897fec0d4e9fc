// Package sim is a deterministic in-memory market data upstream for tests and
// dry runs.
package sim

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"sync"
	"time"

	"ig-trading/pkg/market"
)

const (
	defaultFallbackPrice = 100.0
	defaultLimit         = 500
)

var defaultTimeframes = []market.Timeframe{"1m", "5m", "15m", "1h", "4h", "1d"}

// Provider serves synthetic candles. Scripted errors are returned by
// successive Fetch calls before it resumes serving data.
type Provider struct {
	name string
	now  func() time.Time

	mu          sync.Mutex
	timeframes  []market.Timeframe
	fetchErrors []error
	listErr     error
	connectErr  error
	latency     time.Duration
	mutate      func(*market.Batch)
	connected   bool
	fetchCalls  int
	connects    int
	disconnects int
}

// Option customises the simulator.
type Option func(*Provider)

// WithTimeframes sets the timeframes reported by ListAvailable.
func WithTimeframes(tfs ...market.Timeframe) Option {
	return func(p *Provider) { p.timeframes = append([]market.Timeframe(nil), tfs...) }
}

// WithFetchErrors queues errors for the next Fetch calls.
func WithFetchErrors(errs ...error) Option {
	return func(p *Provider) { p.fetchErrors = append(p.fetchErrors, errs...) }
}

// WithListError makes ListAvailable fail.
func WithListError(err error) Option {
	return func(p *Provider) { p.listErr = err }
}

// WithConnectError makes Connect fail.
func WithConnectError(err error) Option {
	return func(p *Provider) { p.connectErr = err }
}

// WithLatency delays every Fetch, honouring ctx.
func WithLatency(d time.Duration) Option {
	return func(p *Provider) { p.latency = d }
}

// WithBatchHook lets callers alter generated batches before they are returned.
func WithBatchHook(fn func(*market.Batch)) Option {
	return func(p *Provider) { p.mutate = fn }
}

// WithClock injects the time source used for collection time and open ranges.
func WithClock(now func() time.Time) Option {
	return func(p *Provider) {
		if now != nil {
			p.now = now
		}
	}
}

// New constructs a simulator named name.
func New(name string, opts ...Option) *Provider {
	p := &Provider{
		name:       name,
		now:        time.Now,
		timeframes: defaultTimeframes,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func init() {
	market.RegisterProvider("sim", func(name string, cfg *market.ProviderConfig) (market.Upstream, error) {
		return New(name), nil
	})
}

// Name implements market.Upstream.
func (p *Provider) Name() string { return p.name }

// Connect implements market.Upstream.
func (p *Provider) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connects++
	if p.connectErr != nil {
		return p.connectErr
	}
	p.connected = true
	return nil
}

// Disconnect implements market.Upstream.
func (p *Provider) Disconnect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disconnects++
	p.connected = false
	return nil
}

// ListAvailable implements market.Upstream.
func (p *Provider) ListAvailable(ctx context.Context, symbol string) ([]market.Timeframe, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listErr != nil {
		return nil, p.listErr
	}
	return append([]market.Timeframe(nil), p.timeframes...), nil
}

// Fetch implements market.Upstream. Candles are aligned to the timeframe and
// derived from the symbol name so repeated fetches agree.
func (p *Provider) Fetch(ctx context.Context, symbol string, timeframe market.Timeframe, r market.Range) (*market.Batch, error) {
	p.mu.Lock()
	p.fetchCalls++
	var scripted error
	if len(p.fetchErrors) > 0 {
		scripted = p.fetchErrors[0]
		p.fetchErrors = p.fetchErrors[1:]
	}
	latency := p.latency
	supported := market.HasTimeframe(p.timeframes, timeframe)
	mutate := p.mutate
	p.mu.Unlock()

	if latency > 0 {
		timer := time.NewTimer(latency)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
	if scripted != nil {
		return nil, scripted
	}
	if !supported {
		return nil, market.Fatalf("sim: timeframe %s not served", timeframe)
	}
	step, err := timeframe.Duration()
	if err != nil {
		return nil, market.Fatal(err)
	}

	now := p.now().UTC()
	end := r.End
	if end.IsZero() || end.After(now) {
		end = now
	}
	limit := r.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	start := r.Start
	if start.IsZero() {
		start = end.Add(-time.Duration(limit) * step)
	}
	first := start.Truncate(step)
	if first.Before(start) {
		first = first.Add(step)
	}

	batch := &market.Batch{
		Key:         market.Key{Symbol: strings.ToUpper(symbol), Timeframe: timeframe, Source: p.name},
		CollectedAt: now,
		Metadata:    map[string]string{"provider": "sim"},
	}
	base := basePrice(symbol)
	for ts := first; !ts.After(end) && len(batch.Candles) < limit; ts = ts.Add(step) {
		batch.Candles = append(batch.Candles, synthCandle(base, ts, step))
	}
	if mutate != nil {
		mutate(batch)
	}
	return batch, nil
}

// FetchCalls returns how many times Fetch was invoked.
func (p *Provider) FetchCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fetchCalls
}

// Connected reports whether the simulator is between Connect and Disconnect.
func (p *Provider) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// Lifecycle returns connect and disconnect counts.
func (p *Provider) Lifecycle() (connects, disconnects int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connects, p.disconnects
}

// QueueFetchErrors appends scripted errors at runtime.
func (p *Provider) QueueFetchErrors(errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fetchErrors = append(p.fetchErrors, errs...)
}

func basePrice(symbol string) float64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(strings.ToUpper(symbol)))
	return defaultFallbackPrice + float64(h.Sum32()%1000)
}

func synthCandle(base float64, ts time.Time, step time.Duration) market.Candle {
	n := float64(ts.Unix() / int64(step/time.Second))
	open := base * (1 + 0.01*math.Sin(n/7))
	closePx := base * (1 + 0.01*math.Sin((n+1)/7))
	high := math.Max(open, closePx) * 1.002
	low := math.Min(open, closePx) * 0.998
	vol := int64(1000 + int64(n)%500)
	return market.Candle{
		Timestamp: ts,
		Open:      market.Mid(round(open)),
		High:      market.Mid(round(high)),
		Low:       market.Mid(round(low)),
		Close:     market.Mid(round(closePx)),
		Volume:    &vol,
	}
}

func round(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
