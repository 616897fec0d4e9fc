//go:build integration
// +build integration

package hyperliquid

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ig-trading/pkg/market"
	"ig-trading/pkg/validate"
)

func TestProviderFetch_Integration(t *testing.T) {
	provider := NewProvider("hyperliquid", WithTimeout(10*time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := market.WithConnection(ctx, provider, func(ctx context.Context) error {
		for _, tf := range []market.Timeframe{"1m", "1h", "1d"} {
			batch, err := provider.Fetch(ctx, "BTC", tf, market.Range{Limit: 50})
			require.NoError(t, err)
			require.NotEmpty(t, batch.Candles)
			assert.LessOrEqual(t, batch.Len(), 50)
			// Live data must pass the same checks the collector applies.
			assert.NoError(t, validate.New().Validate(batch, time.Time{}))
		}
		return nil
	})
	require.NoError(t, err)
}

func TestProviderListAvailable_Integration(t *testing.T) {
	provider := NewProvider("hyperliquid", WithTimeout(10*time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	tfs, err := provider.ListAvailable(ctx, "ETH")
	require.NoError(t, err)
	assert.True(t, market.HasTimeframe(tfs, "4h"))
}
