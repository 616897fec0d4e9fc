package cli

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ig-trading/internal/config"
	"ig-trading/pkg/collector"
)

func TestConfigSummaryLines(t *testing.T) {
	assert.Equal(t, []string{"Configuration: <nil>"}, ConfigSummaryLines(nil))

	col, err := collector.LoadConfigFromReader(strings.NewReader(`
data_dir: /data
tasks:
  - source: hl
    symbols: [BTC, ETH]
    timeframes: [1h]
`))
	require.NoError(t, err)

	cfg := &config.Config{Env: "prod", Serve: true}
	cfg.Host, cfg.Port = "0.0.0.0", 8890
	cfg.Alerts.Webhook = config.WebhookConf{URL: "https://hooks.example", Discord: true, MinSeverity: "HIGH"}
	cfg.Market.File = "/etc/market.yaml"
	cfg.Collector.Value = col

	text := strings.Join(ConfigSummaryLines(cfg), "\n")
	assert.Contains(t, text, "Environment: prod")
	assert.Contains(t, text, "HTTP surface: 0.0.0.0:8890")
	assert.Contains(t, text, "Postgres mirror: not configured")
	assert.Contains(t, text, "Alert webhook: discord, min severity HIGH")
	assert.Contains(t, text, "Market config: /etc/market.yaml")
	assert.Contains(t, text, "Collector config: inline")
	assert.Contains(t, text, "Tasks: 2 across hl")
	assert.NotContains(t, text, "Market providers")
}
