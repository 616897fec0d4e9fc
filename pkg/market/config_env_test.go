package market_test

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	market "ig-trading/pkg/market"
	_ "ig-trading/pkg/market/exchanges/hyperliquid"
	_ "ig-trading/pkg/market/sim"
)

func TestMarketConfigExpandsEnv(t *testing.T) {
	t.Setenv("HL_INFO_URL", "https://api.hyperliquid.test/info")
	t.Setenv("HL_TIMEOUT", "9s")
	t.Setenv("HL_BACKOFF", "250ms")
	t.Setenv("HL_WINDOW", "2m")
	t.Setenv("PAPER_TYPE", "sim")

	cfg, err := market.LoadConfigFromReader(strings.NewReader(`
default: hl
providers:
  hl:
    type: hyperliquid
    base_url: ${HL_INFO_URL}
    timeout: ${HL_TIMEOUT}
    retry_base_delay: ${HL_BACKOFF}
    breaker_window: ${HL_WINDOW}
  paper:
    type: ${PAPER_TYPE}
`))
	require.NoError(t, err)

	hl := cfg.Providers["hl"]
	require.NotNil(t, hl)
	assert.Equal(t, "https://api.hyperliquid.test/info", hl.BaseURL)
	assert.Equal(t, 9*time.Second, hl.Timeout)
	assert.Equal(t, 250*time.Millisecond, hl.RetryBaseDelay)
	assert.Equal(t, 2*time.Minute, hl.BreakerWindow)
	assert.Equal(t, "sim", cfg.Providers["paper"].Type)

	t.Setenv("HL_TIMEOUT", "later")
	_, err = market.LoadConfigFromReader(strings.NewReader(`
providers:
  hl:
    type: hyperliquid
    timeout: ${HL_TIMEOUT}
`))
	assert.ErrorContains(t, err, "market provider hl: invalid timeout")
}
