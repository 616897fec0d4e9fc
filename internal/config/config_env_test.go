package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// Test_hydrateSections_withEnvAndSectionFiles verifies env expansion and
// per-section hydration without going through go-zero conf.Load.
func Test_hydrateSections_withEnvAndSectionFiles(t *testing.T) {
	dir := t.TempDir()

	marketYAML := []byte(`
providers:
  hyper:
    type: hyperliquid
    base_url: ${HLIQ_BASE}
    rate_limit_calls: 20
    rate_limit_period: 10s
`)
	if err := os.WriteFile(filepath.Join(dir, "market.yaml"), marketYAML, 0o600); err != nil {
		t.Fatalf("write market.yaml: %v", err)
	}
	tasksYAML := []byte(`
tasks:
  - source: hyper
    symbols: [btc, eth]
    timeframes: [1h]
`)
	if err := os.WriteFile(filepath.Join(dir, "tasks.yaml"), tasksYAML, 0o600); err != nil {
		t.Fatalf("write tasks.yaml: %v", err)
	}

	t.Setenv("HLIQ_BASE", "https://api.hyperliquid.local/info")

	cfg := &Config{
		Alerts:  AlertConf{QueueSize: 8, Recent: 8},
		baseDir: dir,
	}
	cfg.Market.File = "market.yaml"
	cfg.Collector.File = "tasks.yaml"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if err := cfg.hydrateSections(); err != nil {
		t.Fatalf("hydrateSections: %v", err)
	}

	if cfg.Market.Value == nil {
		t.Fatalf("Market section not hydrated")
	}
	if cfg.Market.File != filepath.Join(dir, "market.yaml") {
		t.Fatalf("Market section file not resolved, got %q", cfg.Market.File)
	}
	p := cfg.Market.Value.Providers["hyper"]
	if p == nil {
		t.Fatalf("Market provider 'hyper' missing")
	}
	if got := p.BaseURL; got != "https://api.hyperliquid.local/info" {
		t.Fatalf("Market BaseURL not expanded, got %q", got)
	}
	if p.RateLimitCalls != 20 || p.RateLimitPeriod.String() != "10s" {
		t.Fatalf("Market rate limit not parsed, got %d/%s", p.RateLimitCalls, p.RateLimitPeriod)
	}

	if cfg.Collector.Value == nil {
		t.Fatalf("Collector section not hydrated")
	}
	if got := len(cfg.Collector.Value.ExpandTasks()); got != 2 {
		t.Fatalf("expected 2 tasks, got %d", got)
	}
}

func Test_hydrateSections_unknownTaskSource(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"market.yaml": "providers:\n  hyper:\n    type: hyperliquid\n",
		"tasks.yaml":  "tasks:\n  - source: binance\n    symbols: [BTC]\n    timeframes: [1h]\n",
	}
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}

	cfg := &Config{baseDir: dir}
	cfg.Market.File = "market.yaml"
	cfg.Collector.File = "tasks.yaml"
	err := cfg.hydrateSections()
	if err == nil || !strings.Contains(err.Error(), `unknown market provider "binance"`) {
		t.Fatalf("expected unknown provider error, got %v", err)
	}
}
