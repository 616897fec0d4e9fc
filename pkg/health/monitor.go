// Package health aggregates per-source call outcomes and active probes into a
// health verdict.
package health

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/zeromicro/go-zero/core/logx"
	"github.com/zeromicro/go-zero/core/threading"

	"ig-trading/pkg/market"
)

const defaultUnhealthyThreshold = 3

// Config tunes a Monitor.
type Config struct {
	// UnhealthyThreshold is the consecutive failure count that marks a source
	// unhealthy.
	UnhealthyThreshold int
	// StaleAfter marks a source unhealthy when its last success is older.
	// Zero disables the check.
	StaleAfter time.Duration
	// ProbeTimeout bounds each active probe. Zero leaves ctx as is.
	ProbeTimeout time.Duration
}

// Record is a point-in-time snapshot of one source.
type Record struct {
	Source              string    `json:"source"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	TotalCalls          int64     `json:"totalCalls"`
	TotalSuccesses      int64     `json:"totalSuccesses"`
	TotalFailures       int64     `json:"totalFailures"`
	SuccessRate         float64   `json:"successRate"`
	LastChecked         time.Time `json:"lastChecked"`
	LastSuccess         time.Time `json:"lastSuccess,omitempty"`
	LastError           string    `json:"lastError,omitempty"`
	IsHealthy           bool      `json:"isHealthy"`
	ProbeChecked        time.Time `json:"probeChecked,omitempty"`
	ProbeHealthy        *bool     `json:"probeHealthy,omitempty"`
	ProbeError          string    `json:"probeError,omitempty"`
}

// Probe actively checks a source.
type Probe interface {
	Probe(ctx context.Context) error
}

// ProbeFunc adapts a function to Probe.
type ProbeFunc func(ctx context.Context) error

func (f ProbeFunc) Probe(ctx context.Context) error { return f(ctx) }

// Probes runs each probe in turn and joins their failures.
type Probes []Probe

// Probe implements Probe.
func (ps Probes) Probe(ctx context.Context) error {
	var errs []error
	for _, p := range ps {
		if err := p.Probe(ctx); err != nil {
			errs = append(errs, err)
		}
		if ctx.Err() != nil {
			break
		}
	}
	return errors.Join(errs...)
}

// UpstreamProbe checks that an upstream answers and still serves every one of
// Timeframes for Symbol.
type UpstreamProbe struct {
	Upstream   market.Upstream
	Symbol     string
	Timeframes []market.Timeframe
}

// Probe implements Probe.
func (p UpstreamProbe) Probe(ctx context.Context) error {
	available, err := p.Upstream.ListAvailable(ctx, p.Symbol)
	if err != nil {
		return fmt.Errorf("list available %s: %w", p.Symbol, err)
	}
	var missing []string
	for _, tf := range p.Timeframes {
		if !market.HasTimeframe(available, tf) {
			missing = append(missing, tf.String())
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%s no longer serves %s %s", p.Upstream.Name(), p.Symbol, strings.Join(missing, ","))
	}
	return nil
}

type source struct {
	mu    sync.Mutex
	rec   Record
	probe Probe
}

// Monitor tracks health per source. Each source record is updated under its
// own lock; unrelated sources never contend.
type Monitor struct {
	cfg Config
	now func() time.Time

	mu      sync.RWMutex
	sources map[string]*source
}

// Option customises a Monitor.
type Option func(*Monitor)

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

// New builds a Monitor.
func New(cfg Config, opts ...Option) *Monitor {
	if cfg.UnhealthyThreshold <= 0 {
		cfg.UnhealthyThreshold = defaultUnhealthyThreshold
	}
	m := &Monitor{
		cfg:     cfg,
		now:     time.Now,
		sources: make(map[string]*source),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register attaches an active probe to name. Passing nil removes it.
func (m *Monitor) Register(name string, probe Probe) {
	s := m.source(name)
	s.mu.Lock()
	s.probe = probe
	s.mu.Unlock()
}

// RecordSuccess resets the consecutive failure count for name.
func (m *Monitor) RecordSuccess(name string) {
	s := m.source(name)
	now := m.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	wasHealthy := m.passiveHealthy(&s.rec, now)
	s.rec.ConsecutiveFailures = 0
	s.rec.TotalCalls++
	s.rec.TotalSuccesses++
	s.rec.LastChecked = now
	s.rec.LastSuccess = now
	s.rec.LastError = ""
	if !wasHealthy {
		logx.Infof("health: source %s recovered", name)
	}
}

// RecordFailure counts a terminal failure for name.
func (m *Monitor) RecordFailure(name string, err error) {
	s := m.source(name)
	now := m.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rec.ConsecutiveFailures++
	s.rec.TotalCalls++
	s.rec.TotalFailures++
	s.rec.LastChecked = now
	if err != nil {
		s.rec.LastError = err.Error()
	}
	if s.rec.ConsecutiveFailures == m.cfg.UnhealthyThreshold {
		logx.Errorf("health: source %s unhealthy after %d consecutive failures: %v", name, s.rec.ConsecutiveFailures, err)
	}
}

// IsHealthy applies the passive check to name. Unknown sources are healthy.
func (m *Monitor) IsHealthy(name string) bool {
	s, ok := m.lookup(name)
	if !ok {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return m.passiveHealthy(&s.rec, m.now())
}

// CheckHealth runs the probe registered for name and combines it with the
// passive verdict. The probe runs without holding the source lock.
func (m *Monitor) CheckHealth(ctx context.Context, name string) (bool, error) {
	s := m.source(name)
	s.mu.Lock()
	probe := s.probe
	s.mu.Unlock()

	var probeErr error
	if probe != nil {
		pctx := ctx
		if m.cfg.ProbeTimeout > 0 {
			var cancel context.CancelFunc
			pctx, cancel = context.WithTimeout(ctx, m.cfg.ProbeTimeout)
			defer cancel()
		}
		probeErr = probe.Probe(pctx)
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
	}

	now := m.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if probe != nil {
		ok := probeErr == nil
		s.rec.ProbeChecked = now
		s.rec.ProbeHealthy = &ok
		s.rec.ProbeError = ""
		if probeErr != nil {
			s.rec.ProbeError = probeErr.Error()
			logx.WithContext(ctx).Errorf("health: probe %s failed: %v", name, probeErr)
		}
	}
	return m.passiveHealthy(&s.rec, now) && probeErr == nil, probeErr
}

// CheckAll probes every known source concurrently.
func (m *Monitor) CheckAll(ctx context.Context) map[string]bool {
	names := m.names()
	results := make(map[string]bool, len(names))
	var mu sync.Mutex
	group := threading.NewRoutineGroup()
	for _, name := range names {
		name := name
		group.RunSafe(func() {
			ok, _ := m.CheckHealth(ctx, name)
			mu.Lock()
			results[name] = ok
			mu.Unlock()
		})
	}
	group.Wait()
	return results
}

// HealthStatus returns a snapshot of every source.
func (m *Monitor) HealthStatus() map[string]Record {
	names := m.names()
	out := make(map[string]Record, len(names))
	for _, name := range names {
		if rec, ok := m.Status(name); ok {
			out[name] = rec
		}
	}
	return out
}

// Status returns the snapshot for one source.
func (m *Monitor) Status(name string) (Record, bool) {
	s, ok := m.lookup(name)
	if !ok {
		return Record{}, false
	}
	now := m.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.rec
	rec.Source = name
	rec.IsHealthy = m.passiveHealthy(&s.rec, now) && (rec.ProbeHealthy == nil || *rec.ProbeHealthy)
	if rec.TotalCalls > 0 {
		rec.SuccessRate = float64(rec.TotalSuccesses) / float64(rec.TotalCalls)
	}
	if rec.ProbeHealthy != nil {
		v := *rec.ProbeHealthy
		rec.ProbeHealthy = &v
	}
	return rec, true
}

// UnhealthySources lists sources failing the passive check or their last
// probe, sorted by name.
func (m *Monitor) UnhealthySources() []string {
	var out []string
	for name, rec := range m.HealthStatus() {
		if !rec.IsHealthy {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// AllHealthy reports whether no source is unhealthy.
func (m *Monitor) AllHealthy() bool {
	return len(m.UnhealthySources()) == 0
}

// Reset clears the counters and probe outcome for name.
func (m *Monitor) Reset(name string) {
	s, ok := m.lookup(name)
	if !ok {
		return
	}
	s.mu.Lock()
	s.rec = Record{}
	s.mu.Unlock()
	logx.Infof("health: source %s reset", name)
}

func (m *Monitor) passiveHealthy(rec *Record, now time.Time) bool {
	if rec.ConsecutiveFailures >= m.cfg.UnhealthyThreshold {
		return false
	}
	if m.cfg.StaleAfter > 0 && !rec.LastSuccess.IsZero() && now.Sub(rec.LastSuccess) > m.cfg.StaleAfter {
		return false
	}
	return true
}

func (m *Monitor) lookup(name string) (*source, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sources[name]
	return s, ok
}

func (m *Monitor) source(name string) *source {
	if s, ok := m.lookup(name); ok {
		return s
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sources[name]; ok {
		return s
	}
	s := &source{}
	m.sources[name] = s
	return s
}

func (m *Monitor) names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.sources))
	for name := range m.sources {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
