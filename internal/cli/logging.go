package cli

import (
	"fmt"
	"strings"

	"github.com/zeromicro/go-zero/core/logx"

	"ig-trading/internal/config"
	"ig-trading/pkg/confkit"
)

// ConfigSummaryLines returns human readable lines describing the loaded app config.
func ConfigSummaryLines(cfg *config.Config) []string {
	if cfg == nil {
		return []string{"Configuration: <nil>"}
	}

	lines := []string{
		fmt.Sprintf("Environment: %s", cfg.Env),
		fmt.Sprintf("HTTP surface: %s", httpLine(cfg)),
		fmt.Sprintf("Postgres mirror: %s", presence(cfg.Postgres.DSN != "")),
		fmt.Sprintf("Alert webhook: %s", webhookLine(cfg.Alerts.Webhook)),
		fmt.Sprintf("Alert queue / recent: %d / %d", cfg.Alerts.QueueSize, cfg.Alerts.Recent),
		sectionLine("Market config", cfg.Market),
		sectionLine("Collector config", cfg.Collector),
	}
	if m := cfg.Market.Value; m != nil {
		lines = append(lines, fmt.Sprintf("Market providers: %d (default %s)", len(m.Providers), orNone(m.Default)))
	}
	if c := cfg.Collector.Value; c != nil {
		lines = append(lines,
			fmt.Sprintf("Data dir: %s", c.DataDir),
			fmt.Sprintf("Journal dir: %s", orNone(c.JournalDir)),
			fmt.Sprintf("Tasks: %d across %s", len(c.ExpandTasks()), strings.Join(c.Sources(), ", ")),
		)
	}
	return lines
}

// LogConfigSummary emits the configuration summary using logx.
func LogConfigSummary(cfg *config.Config) {
	lines := ConfigSummaryLines(cfg)
	if len(lines) == 0 {
		return
	}
	logx.Info("configuration summary")
	for _, line := range lines {
		logx.Infof("config • %s", line)
	}
}

func presence(ok bool) string {
	if ok {
		return "configured"
	}
	return "not configured"
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "none"
	}
	return s
}

func httpLine(cfg *config.Config) string {
	if !cfg.Serve {
		return "disabled"
	}
	return fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
}

func webhookLine(w config.WebhookConf) string {
	if strings.TrimSpace(w.URL) == "" {
		return "not configured"
	}
	kind := "json"
	if w.Discord {
		kind = "discord"
	}
	return fmt.Sprintf("%s, min severity %s", kind, w.MinSeverity)
}

func sectionLine[T any](name string, section confkit.Section[T]) string {
	switch {
	case strings.TrimSpace(section.File) != "":
		return fmt.Sprintf("%s: %s", name, section.File)
	case section.Value != nil:
		return fmt.Sprintf("%s: inline", name)
	default:
		return fmt.Sprintf("%s: not configured", name)
	}
}
