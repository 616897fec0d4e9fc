package hyperliquid

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/zeromicro/go-zero/core/logx"

	"ig-trading/pkg/market"
)

const (
	defaultBaseURL     = "https://api.hyperliquid.xyz/info"
	testnetBaseURL     = "https://api.hyperliquid-testnet.xyz/info"
	defaultHTTPTimeout = 10 * time.Second
	maxErrorBody       = 512
)

// ErrSymbolNotFound indicates that the requested symbol is not listed.
var ErrSymbolNotFound = errors.New("hyperliquid: symbol not found")

// StatusError is a non-2xx answer from the info endpoint.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("hyperliquid: http status %d: %s", e.Code, e.Body)
}

// Client wraps access to the Hyperliquid info endpoint. It makes exactly one
// HTTP call per request; retries belong to the caller.
type Client struct {
	baseURL    string
	httpClient *http.Client

	symbolsMu    sync.RWMutex
	symbolIndex  map[string]string
	universeMeta map[string]UniverseEntry
}

// Option configures a new Client.
type Option func(*Client)

// WithHTTPClient injects a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithBaseURL overrides the default info endpoint URL.
func WithBaseURL(url string) Option {
	return func(c *Client) {
		if url != "" {
			c.baseURL = url
		}
	}
}

// NewClient constructs a Hyperliquid API client.
func NewClient(opts ...Option) *Client {
	client := &Client{
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

// doRequest posts an InfoRequest and decodes the response into result.
// Failures come back classified: network errors, 408, 429 and 5xx are
// transient, every other failure is fatal. Caller cancellation is returned
// unwrapped.
func (c *Client) doRequest(ctx context.Context, req InfoRequest, result any) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return market.Fatal(fmt.Errorf("hyperliquid: encode request: %w", err))
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(payload))
	if err != nil {
		return market.Fatal(fmt.Errorf("hyperliquid: build request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return market.Transient(fmt.Errorf("hyperliquid: %s: %w", req.Type, err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return market.Transient(fmt.Errorf("hyperliquid: read response: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		statusErr := &StatusError{Code: resp.StatusCode, Body: truncate(string(body), maxErrorBody)}
		logx.WithContext(ctx).Infof("hyperliquid: %s returned status %d", req.Type, resp.StatusCode)
		if retryableStatus(resp.StatusCode) {
			return market.Transient(statusErr)
		}
		return market.Fatal(statusErr)
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(body, result); err != nil {
		return market.Fatal(fmt.Errorf("hyperliquid: decode %s response: %w", req.Type, err))
	}
	return nil
}

func retryableStatus(code int) bool {
	return code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func (c *Client) canonicalFromCache(symbol string) (string, bool) {
	key := normalizeKey(symbol)
	if key == "" {
		return "", false
	}
	c.symbolsMu.RLock()
	canonical, ok := c.symbolIndex[key]
	c.symbolsMu.RUnlock()
	return canonical, ok
}

func (c *Client) refreshSymbolDirectory(ctx context.Context) error {
	var payload MetaResponse
	if err := c.doRequest(ctx, InfoRequest{Type: "meta"}, &payload); err != nil {
		return err
	}

	index := make(map[string]string, len(payload.Universe))
	universe := make(map[string]UniverseEntry, len(payload.Universe))
	for _, entry := range payload.Universe {
		canonical := strings.TrimSpace(entry.Name)
		if canonical == "" {
			continue
		}
		key := normalizeKey(canonical)
		if key == "" {
			continue
		}
		index[key] = canonical
		universe[canonical] = entry
	}

	c.symbolsMu.Lock()
	c.symbolIndex = index
	c.universeMeta = universe
	c.symbolsMu.Unlock()
	logx.WithContext(ctx).Debugf("hyperliquid: symbol directory refreshed, %d symbols", len(index))
	return nil
}

func (c *Client) clearSymbolDirectory() {
	c.symbolsMu.Lock()
	c.symbolIndex = nil
	c.universeMeta = nil
	c.symbolsMu.Unlock()
}

func (c *Client) symbolCount() int {
	c.symbolsMu.RLock()
	defer c.symbolsMu.RUnlock()
	return len(c.symbolIndex)
}

func (c *Client) isDelisted(canonical string) bool {
	c.symbolsMu.RLock()
	defer c.symbolsMu.RUnlock()
	return c.universeMeta[canonical].IsDelisted
}

// canonicalSymbolFor resolves a user symbol, refreshing the directory once on
// a cache miss. An unknown symbol is fatal.
func (c *Client) canonicalSymbolFor(ctx context.Context, symbol string) (string, error) {
	if canonical, ok := c.canonicalFromCache(symbol); ok {
		return canonical, nil
	}
	if err := c.refreshSymbolDirectory(ctx); err != nil {
		return "", err
	}
	if canonical, ok := c.canonicalFromCache(symbol); ok {
		return canonical, nil
	}
	return "", market.Fatal(fmt.Errorf("%w: %s", ErrSymbolNotFound, symbol))
}

func normalizeKey(symbol string) string {
	trimmed := strings.TrimSpace(symbol)
	if trimmed == "" {
		return ""
	}
	if len(trimmed) > 4 && strings.EqualFold(trimmed[len(trimmed)-4:], "USDT") {
		trimmed = trimmed[:len(trimmed)-4]
	}
	return strings.ToUpper(trimmed)
}

func (c *Client) closeIdle() {
	if c.httpClient != nil {
		c.httpClient.CloseIdleConnections()
	}
}
