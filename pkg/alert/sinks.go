package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/zeromicro/go-zero/core/logx"
)

// LogSink writes events through logx; HIGH and CRITICAL go to the error log.
type LogSink struct{}

// Send implements Sink.
func (LogSink) Send(ctx context.Context, ev Event) error {
	fields := []logx.LogField{
		logx.Field("severity", ev.Severity.String()),
	}
	keys := make([]string, 0, len(ev.Context))
	for k := range ev.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fields = append(fields, logx.Field(k, ev.Context[k]))
	}
	if ev.Err != nil {
		fields = append(fields, logx.Field("error", ev.Err.Error()))
	}
	logger := logx.WithContext(ctx)
	if ev.Severity >= SeverityHigh {
		logger.Errorw("alert: "+ev.Message, fields...)
	} else {
		logger.Infow("alert: "+ev.Message, fields...)
	}
	return nil
}

// WebhookSink posts events as JSON. With Discord set the payload uses the
// Discord embed format.
type WebhookSink struct {
	URL     string
	Discord bool
	Client  *http.Client
	// MinSeverity drops less urgent events.
	MinSeverity Severity
}

// NewWebhookSink builds a sink posting to url.
func NewWebhookSink(url string, discord bool, timeout time.Duration) *WebhookSink {
	if timeout <= 0 {
		timeout = defaultSinkTimeout
	}
	return &WebhookSink{URL: url, Discord: discord, Client: &http.Client{Timeout: timeout}}
}

var severityColors = map[Severity]int{
	SeverityLow:      0x95a5a6,
	SeverityMedium:   0xf1c40f,
	SeverityHigh:     0xe67e22,
	SeverityCritical: 0xe74c3c,
}

// Send implements Sink.
func (w *WebhookSink) Send(ctx context.Context, ev Event) error {
	if w.URL == "" || ev.Severity < w.MinSeverity {
		return nil
	}
	var payload any = ev
	if w.Discord {
		desc := ev.Message
		if ev.Err != nil {
			desc += "\n" + ev.Err.Error()
		}
		payload = map[string]any{
			"embeds": []map[string]any{
				{
					"title":       fmt.Sprintf("[%s] market data alert", ev.Severity),
					"description": desc,
					"color":       severityColors[ev.Severity],
					"timestamp":   ev.Time.UTC().Format(time.RFC3339),
				},
			},
		}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status: %d", resp.StatusCode)
	}
	return nil
}

const defaultMemoryCapacity = 100

// MemorySink keeps the most recent events.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
	next   int
	full   bool
}

// NewMemorySink keeps up to capacity events.
func NewMemorySink(capacity int) *MemorySink {
	if capacity <= 0 {
		capacity = defaultMemoryCapacity
	}
	return &MemorySink{events: make([]Event, capacity)}
}

// Send implements Sink.
func (m *MemorySink) Send(_ context.Context, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[m.next] = ev
	m.next = (m.next + 1) % len(m.events)
	if m.next == 0 {
		m.full = true
	}
	return nil
}

// Recent returns up to limit events at or above min, oldest first. A
// non-positive limit returns all retained events.
func (m *MemorySink) Recent(limit int, min Severity) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ordered []Event
	if m.full {
		ordered = append(ordered, m.events[m.next:]...)
	}
	ordered = append(ordered, m.events[:m.next]...)

	out := ordered[:0]
	for _, ev := range ordered {
		if ev.Severity >= min {
			out = append(out, ev)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return append([]Event(nil), out...)
}
