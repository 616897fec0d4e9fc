package hyperliquid

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/zeromicro/go-zero/core/logx"

	"ig-trading/pkg/market"
)

const (
	defaultProviderTimeout = 8 * time.Second
	providerType           = "hyperliquid"
)

// Provider exposes the Hyperliquid info endpoint as a market.Upstream.
type Provider struct {
	name    string
	client  *Client
	timeout time.Duration
	now     func() time.Time

	mu        sync.Mutex
	connected bool
}

type providerConfig struct {
	timeout      time.Duration
	now          func() time.Time
	clientConfig []Option
}

// ProviderOption customises the Hyperliquid provider.
type ProviderOption func(*providerConfig)

// WithTimeout overrides the default per-call timeout.
func WithTimeout(timeout time.Duration) ProviderOption {
	return func(cfg *providerConfig) {
		if timeout > 0 {
			cfg.timeout = timeout
		}
	}
}

// WithClientOptions passes options to the underlying Hyperliquid client.
func WithClientOptions(options ...Option) ProviderOption {
	return func(cfg *providerConfig) {
		cfg.clientConfig = append(cfg.clientConfig, options...)
	}
}

// WithClock overrides the time source used to drop unfinished candles.
func WithClock(now func() time.Time) ProviderOption {
	return func(cfg *providerConfig) {
		if now != nil {
			cfg.now = now
		}
	}
}

// NewProvider constructs a Hyperliquid market provider.
func NewProvider(name string, opts ...ProviderOption) *Provider {
	cfg := &providerConfig{
		timeout: defaultProviderTimeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if strings.TrimSpace(name) == "" {
		name = providerType
	}
	return &Provider{
		name:    name,
		client:  NewClient(cfg.clientConfig...),
		timeout: cfg.timeout,
		now:     cfg.now,
	}
}

func init() {
	market.RegisterProvider(providerType, func(name string, cfg *market.ProviderConfig) (market.Upstream, error) {
		opts := []ProviderOption{}
		clientOptions := []Option{}
		if cfg.Timeout > 0 {
			opts = append(opts, WithTimeout(cfg.Timeout))
		}
		if cfg.HTTPTimeout > 0 {
			clientOptions = append(clientOptions, WithHTTPClient(&http.Client{Timeout: cfg.HTTPTimeout}))
		}
		if cfg.Testnet {
			clientOptions = append(clientOptions, WithBaseURL(testnetBaseURL))
		}
		if cfg.BaseURL != "" {
			clientOptions = append(clientOptions, WithBaseURL(cfg.BaseURL))
		}
		if len(clientOptions) > 0 {
			opts = append(opts, WithClientOptions(clientOptions...))
		}
		return NewProvider(name, opts...), nil
	})
}

// Name returns the configured source name.
func (p *Provider) Name() string { return p.name }

// Connect loads the symbol directory. Fetch works without it, but a failed
// Connect surfaces an unreachable endpoint before any collection starts.
func (p *Provider) Connect(ctx context.Context) error {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	if err := p.client.refreshSymbolDirectory(ctx); err != nil {
		return err
	}
	p.mu.Lock()
	p.connected = true
	p.mu.Unlock()
	logx.WithContext(ctx).Infof("hyperliquid: %s connected, %d symbols", p.name, p.client.symbolCount())
	return nil
}

// Disconnect drops cached metadata and idle connections.
func (p *Provider) Disconnect(ctx context.Context) error {
	p.mu.Lock()
	p.connected = false
	p.mu.Unlock()
	p.client.clearSymbolDirectory()
	p.client.closeIdle()
	logx.WithContext(ctx).Debugf("hyperliquid: %s disconnected", p.name)
	return nil
}

// Connected reports whether Connect succeeded since the last Disconnect.
func (p *Provider) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// ListAvailable returns the candle intervals Hyperliquid serves. Every listed
// coin supports the full set, so the symbol is only checked for existence.
func (p *Provider) ListAvailable(ctx context.Context, symbol string) ([]market.Timeframe, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	if _, err := p.client.canonicalSymbolFor(ctx, symbol); err != nil {
		return nil, err
	}
	return append([]market.Timeframe(nil), supportedIntervals...), nil
}

// Fetch returns closed candles for symbol within rng. Makes one HTTP call to
// candleSnapshot, plus one meta call on a symbol cache miss.
func (p *Provider) Fetch(ctx context.Context, symbol string, tf market.Timeframe, rng market.Range) (*market.Batch, error) {
	interval, err := intervalFor(tf)
	if err != nil {
		return nil, err
	}
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	coin, err := p.client.canonicalSymbolFor(ctx, symbol)
	if err != nil {
		return nil, err
	}
	now := p.now().UTC()
	klines, err := p.client.getCandles(ctx, coin, interval, rng.Start, rng.End, rng.Limit, now)
	if err != nil {
		return nil, err
	}

	candles := make([]market.Candle, 0, len(klines))
	for _, k := range klines {
		candles = append(candles, k.toCandle())
	}
	metadata := map[string]string{
		"coin":     coin,
		"interval": interval,
	}
	if p.client.isDelisted(coin) {
		metadata["delisted"] = strconv.FormatBool(true)
	}
	return &market.Batch{
		Key:         market.Key{Symbol: symbol, Timeframe: tf, Source: p.name},
		Candles:     candles,
		CollectedAt: now,
		Metadata:    metadata,
	}, nil
}

func (p *Provider) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, p.timeout)
}

var _ market.Upstream = (*Provider)(nil)
