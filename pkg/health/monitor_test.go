package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ig-trading/pkg/market"
	"ig-trading/pkg/market/sim"
)

func TestPassiveThreshold(t *testing.T) {
	m := New(Config{UnhealthyThreshold: 3})
	assert.True(t, m.IsHealthy("ig"), "unknown sources are healthy")

	m.RecordFailure("ig", errors.New("timeout"))
	m.RecordFailure("ig", errors.New("timeout"))
	assert.True(t, m.IsHealthy("ig"))
	m.RecordFailure("ig", errors.New("timeout"))
	assert.False(t, m.IsHealthy("ig"))
	assert.Equal(t, []string{"ig"}, m.UnhealthySources())

	m.RecordSuccess("ig")
	assert.True(t, m.IsHealthy("ig"))
	assert.Empty(t, m.UnhealthySources())

	rec, ok := m.Status("ig")
	require.True(t, ok)
	assert.Equal(t, 0, rec.ConsecutiveFailures)
	assert.Equal(t, int64(4), rec.TotalCalls)
	assert.Equal(t, int64(1), rec.TotalSuccesses)
	assert.Equal(t, int64(3), rec.TotalFailures)
	assert.InDelta(t, 0.25, rec.SuccessRate, 1e-9)
	assert.Empty(t, rec.LastError)
}

func TestStaleSourceIsUnhealthy(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m := New(Config{UnhealthyThreshold: 3, StaleAfter: time.Hour}, WithClock(func() time.Time { return now }))
	m.RecordSuccess("ig")
	assert.True(t, m.IsHealthy("ig"))
	now = now.Add(61 * time.Minute)
	assert.False(t, m.IsHealthy("ig"))
}

func TestConcurrentRecordingKeepsCountsConsistent(t *testing.T) {
	m := New(Config{UnhealthyThreshold: 1000})
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); m.RecordSuccess("hl") }()
		go func() { defer wg.Done(); m.RecordFailure("hl", errors.New("x")) }()
	}
	wg.Wait()
	rec, _ := m.Status("hl")
	assert.Equal(t, int64(400), rec.TotalCalls)
	assert.Equal(t, rec.TotalCalls, rec.TotalSuccesses+rec.TotalFailures)
}

func TestCheckHealthWithUpstreamProbe(t *testing.T) {
	up := sim.New("sim", sim.WithTimeframes("1m", "1h"))
	m := New(Config{UnhealthyThreshold: 2})

	m.Register("sim", UpstreamProbe{Upstream: up, Symbol: "BTC", Timeframes: []market.Timeframe{"1h"}})
	ok, err := m.CheckHealth(context.Background(), "sim")
	require.NoError(t, err)
	assert.True(t, ok)

	m.Register("sim", UpstreamProbe{Upstream: up, Symbol: "BTC", Timeframes: []market.Timeframe{"1m", "1d"}})
	ok, err = m.CheckHealth(context.Background(), "sim")
	assert.Error(t, err)
	assert.False(t, ok)
	assert.True(t, m.IsHealthy("sim"), "probe outcome does not touch passive counts")
	assert.Equal(t, []string{"sim"}, m.UnhealthySources())

	rec, _ := m.Status("sim")
	require.NotNil(t, rec.ProbeHealthy)
	assert.False(t, *rec.ProbeHealthy)
	assert.Contains(t, rec.ProbeError, "BTC 1d")
	assert.NotContains(t, rec.ProbeError, "1m")
}

func TestProbesJoinEveryFailure(t *testing.T) {
	up := sim.New("sim", sim.WithTimeframes("1h"))
	probe := Probes{
		UpstreamProbe{Upstream: up, Symbol: "BTC", Timeframes: []market.Timeframe{"1h"}},
		UpstreamProbe{Upstream: up, Symbol: "ETH", Timeframes: []market.Timeframe{"1h", "1d"}},
		ProbeFunc(func(context.Context) error { return market.Transientf("timeout") }),
	}
	err := probe.Probe(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ETH 1d")
	assert.NotContains(t, err.Error(), "BTC")
	assert.True(t, market.IsTransient(err))

	assert.NoError(t, Probes{probe[0]}.Probe(context.Background()))
	assert.NoError(t, Probes{}.Probe(context.Background()))
}

func TestCheckAllAndReset(t *testing.T) {
	m := New(Config{UnhealthyThreshold: 1})
	m.Register("up", ProbeFunc(func(context.Context) error { return nil }))
	m.Register("down", ProbeFunc(func(context.Context) error { return errors.New("refused") }))
	m.RecordSuccess("passive-only")

	results := m.CheckAll(context.Background())
	assert.Equal(t, map[string]bool{"up": true, "down": false, "passive-only": true}, results)
	assert.False(t, m.AllHealthy())

	m.Reset("down")
	assert.True(t, m.AllHealthy())
	rec, _ := m.Status("down")
	assert.Nil(t, rec.ProbeHealthy)
}

func TestProbeTimeoutApplies(t *testing.T) {
	m := New(Config{ProbeTimeout: 10 * time.Millisecond})
	m.Register("slow", ProbeFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))
	ok, err := m.CheckHealth(context.Background(), "slow")
	assert.False(t, ok)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestUpstreamProbePropagatesListFailure(t *testing.T) {
	up := sim.New("sim", sim.WithListError(market.Transientf("connection refused")))
	err := UpstreamProbe{Upstream: up, Symbol: "BTC", Timeframes: []market.Timeframe{"1m"}}.Probe(context.Background())
	assert.True(t, market.IsTransient(err))
}
