package sim

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ig-trading/pkg/market"
	"ig-trading/pkg/validate"
)

var fixedNow = time.Date(2024, 2, 1, 12, 30, 0, 0, time.UTC)

func clock() time.Time { return fixedNow }

func TestFetchIsDeterministicAndValid(t *testing.T) {
	p := New("sim", WithClock(clock))
	r := market.Range{Start: fixedNow.Add(-10 * time.Minute), End: fixedNow}

	first, err := p.Fetch(context.Background(), "btc", "1m", r)
	require.NoError(t, err)
	second, err := p.Fetch(context.Background(), "BTC", "1m", r)
	require.NoError(t, err)

	require.Len(t, first.Candles, 11)
	assert.Equal(t, first.Candles, second.Candles)
	assert.Equal(t, market.Key{Symbol: "BTC", Timeframe: "1m", Source: "sim"}, first.Key)
	assert.Equal(t, fixedNow.Add(-10*time.Minute), first.Candles[0].Timestamp)
	assert.NoError(t, validate.New().Validate(first, time.Time{}))
	assert.Equal(t, 2, p.FetchCalls())
}

func TestFetchHonoursLimitAndOpenStart(t *testing.T) {
	p := New("sim", WithClock(clock))
	b, err := p.Fetch(context.Background(), "ETH", "1h", market.Range{Limit: 5})
	require.NoError(t, err)
	assert.LessOrEqual(t, len(b.Candles), 5)
	assert.NotEmpty(t, b.Candles)
}

func TestScriptedErrors(t *testing.T) {
	boom := market.Transientf("503")
	p := New("sim", WithClock(clock), WithFetchErrors(boom))
	_, err := p.Fetch(context.Background(), "BTC", "1m", market.Range{})
	assert.Same(t, boom, err)
	_, err = p.Fetch(context.Background(), "BTC", "1m", market.Range{})
	assert.NoError(t, err)

	_, err = p.Fetch(context.Background(), "BTC", "3d", market.Range{})
	assert.True(t, market.IsFatal(err))
}

func TestLifecycleAndListing(t *testing.T) {
	p := New("sim", WithTimeframes("1m"))
	require.NoError(t, p.Connect(context.Background()))
	assert.True(t, p.Connected())
	tfs, err := p.ListAvailable(context.Background(), "BTC")
	require.NoError(t, err)
	assert.Equal(t, []market.Timeframe{"1m"}, tfs)
	require.NoError(t, p.Disconnect(context.Background()))
	assert.False(t, p.Connected())
	c, d := p.Lifecycle()
	assert.Equal(t, 1, c)
	assert.Equal(t, 1, d)

	failing := New("sim", WithConnectError(errors.New("auth")))
	assert.Error(t, failing.Connect(context.Background()))
}

func TestLatencyRespectsCancellation(t *testing.T) {
	p := New("sim", WithLatency(time.Hour))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := p.Fetch(ctx, "BTC", "1m", market.Range{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRegisteredInMarketRegistry(t *testing.T) {
	cfg := &market.Config{Providers: map[string]*market.ProviderConfig{"paper": {Type: "sim"}}}
	ups, err := cfg.BuildProviders()
	require.NoError(t, err)
	assert.Equal(t, "paper", ups["paper"].Name())
}
