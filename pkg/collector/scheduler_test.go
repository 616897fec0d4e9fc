package collector

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ig-trading/pkg/alert"
	"ig-trading/pkg/health"
	"ig-trading/pkg/market"
	"ig-trading/pkg/market/sim"
)

func TestSchedulerRunCollectsUntilCancelled(t *testing.T) {
	up := newSim("live")
	h := newHarness(t, testSource(up, 0, 5))
	key := market.Key{Symbol: "ETH", Timeframe: "1m", Source: "live"}
	sched, err := NewScheduler(h.collector, []Task{{Key: key, Interval: 10 * time.Millisecond, Lookback: 30}})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	require.NoError(t, sched.Run(ctx))

	connects, disconnects := up.Lifecycle()
	assert.Equal(t, 1, connects)
	assert.Equal(t, 1, disconnects)
	assert.False(t, up.Connected())
	assert.Greater(t, up.FetchCalls(), 1)

	stored, err := h.store.Load(key)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(stored), 30)
	assert.Empty(t, h.alerts.all())
}

func TestSchedulerSkipsUpstreamThatFailsToConnect(t *testing.T) {
	good := newSim("good")
	bad := newSim("bad", sim.WithConnectError(errors.New("dns failure")))
	h := newHarness(t, testSource(good, 0, 5), testSource(bad, 0, 5))
	tasks := []Task{
		{Key: market.Key{Symbol: "BTC", Timeframe: "1m", Source: "bad"}, Interval: 10 * time.Millisecond, Lookback: 5},
		{Key: market.Key{Symbol: "BTC", Timeframe: "1m", Source: "good"}, Interval: 10 * time.Millisecond, Lookback: 5},
	}
	sched, err := NewScheduler(h.collector, tasks)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()
	require.NoError(t, sched.Run(ctx))

	assert.Equal(t, 0, bad.FetchCalls())
	assert.Greater(t, good.FetchCalls(), 0)
	_, goodDisconnects := good.Lifecycle()
	assert.Equal(t, 1, goodDisconnects)

	events := h.alerts.all()
	require.Len(t, events, 1)
	assert.Equal(t, alert.SeverityHigh, events[0].Severity)
	assert.Equal(t, "bad", events[0].Context["source"])
	assert.ErrorContains(t, events[0].Err, "dns failure")

	rec, ok := h.health.Status("bad")
	require.True(t, ok)
	assert.Equal(t, 1, rec.ConsecutiveFailures)
}

func TestSchedulerCollectOnce(t *testing.T) {
	up := newSim("sim")
	h := newHarness(t, testSource(up, 0, 5))
	tasks := []Task{
		{Key: btcKey("sim"), Lookback: 4},
		{Key: market.Key{Symbol: "ETH", Timeframe: "1h", Source: "sim"}, Lookback: 2},
	}
	sched, err := NewScheduler(h.collector, tasks)
	require.NoError(t, err)

	results, err := sched.CollectOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, 4, results[0].Written)
	assert.Equal(t, 2, results[1].Written)
	assert.Equal(t, sched.RunID(), results[0].RunID)

	connects, disconnects := up.Lifecycle()
	assert.Equal(t, 1, connects)
	assert.Equal(t, 1, disconnects)
}

func TestSchedulerFailsWhenNothingConnects(t *testing.T) {
	bad := newSim("bad", sim.WithConnectError(errors.New("refused")))
	h := newHarness(t, testSource(bad, 0, 5))
	sched, err := NewScheduler(h.collector, []Task{{Key: market.Key{Symbol: "BTC", Timeframe: "1h", Source: "bad"}}})
	require.NoError(t, err)

	err = sched.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no upstream connected")
}

func TestNewSchedulerNormalisesTasks(t *testing.T) {
	h := newHarness(t, testSource(newSim("s"), 0, 5))
	key := market.Key{Symbol: "BTC", Timeframe: "1h", Source: "s"}

	sched, err := NewScheduler(h.collector, []Task{{Key: key}, {Key: key, Interval: time.Second}}, WithRunID("run-1"))
	require.NoError(t, err)
	tasks := sched.Tasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, defaultTaskInterval, tasks[0].Interval)
	assert.Equal(t, defaultLookback, tasks[0].Lookback)
	assert.Equal(t, "run-1", sched.RunID())

	_, err = NewScheduler(h.collector, []Task{{Key: market.Key{Symbol: "BTC", Timeframe: "1h", Source: "nope"}}})
	assert.ErrorIs(t, err, ErrUnknownSource)

	_, err = NewScheduler(h.collector, []Task{{Key: market.Key{Symbol: "BTC", Timeframe: "1x", Source: "s"}}})
	assert.Error(t, err)
}

func TestSchedulerProbeHealthEscalatesFailures(t *testing.T) {
	h := newHarness(t, testSource(newSim("a"), 0, 5), testSource(newSim("b"), 0, 5))
	h.health.Register("a", health.ProbeFunc(func(context.Context) error { return nil }))
	h.health.Register("b", health.ProbeFunc(func(context.Context) error { return errors.New("timeframe gone") }))
	sched, err := NewScheduler(h.collector, nil)
	require.NoError(t, err)

	failed := sched.ProbeHealth(context.Background())
	assert.Equal(t, []string{"b"}, failed)

	events := h.alerts.all()
	require.Len(t, events, 1)
	assert.Equal(t, alert.SeverityMedium, events[0].Severity)
	assert.ErrorContains(t, events[0].Err, "timeframe gone")
	assert.Equal(t, []string{"b"}, h.health.UnhealthySources())
}
