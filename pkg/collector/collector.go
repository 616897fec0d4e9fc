// Package collector drives one fetch through the resilience chain and into
// the store: rate limit, circuit breaker, retry, validation, append.
package collector

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zeromicro/go-zero/core/logx"

	"ig-trading/pkg/alert"
	"ig-trading/pkg/breaker"
	"ig-trading/pkg/health"
	"ig-trading/pkg/journal"
	"ig-trading/pkg/market"
	"ig-trading/pkg/ratelimit"
	"ig-trading/pkg/retry"
	"ig-trading/pkg/store"
	"ig-trading/pkg/validate"
)

// Outcome classes reported in results, journal entries and metrics.
const (
	ClassOK          = "ok"
	ClassCancelled   = "cancelled"
	ClassFatal       = "fatal"
	ClassExhausted   = "exhausted"
	ClassCircuitOpen = "circuit_open"
	ClassRateLimited = "rate_limited"
	ClassValidation  = "validation"
	ClassIntegrity   = "integrity"
	ClassStorage     = "storage"
	ClassMirror      = "mirror"
)

var severityByClass = map[string]alert.Severity{
	ClassFatal:       alert.SeverityHigh,
	ClassExhausted:   alert.SeverityMedium,
	ClassCircuitOpen: alert.SeverityLow,
	ClassRateLimited: alert.SeverityMedium,
	ClassValidation:  alert.SeverityHigh,
	ClassIntegrity:   alert.SeverityCritical,
	ClassStorage:     alert.SeverityCritical,
	ClassMirror:      alert.SeverityLow,
}

// ErrUnknownSource is returned when a request names a source that was never
// added.
var ErrUnknownSource = errors.New("collector: unknown source")

// Escalator accepts alert events without blocking.
type Escalator interface {
	Escalate(ev alert.Event) bool
}

// Journal persists run records.
type Journal interface {
	WriteRun(rec *journal.RunRecord) (string, error)
}

// Request asks for one key over a range.
type Request struct {
	Key   market.Key
	Range market.Range
	// RunID groups requests issued by one scheduler run. Generated when empty.
	RunID string
}

// Result describes one collection. It is returned on failure too.
type Result struct {
	RunID    string
	Key      market.Key
	Range    market.Range
	Attempts int
	Fetched  int
	Written  int
	Records  []market.StoredRecord
	Class    string
	Elapsed  time.Duration

	// Latest, Low and High summarise the fetched batch. Spread is the
	// bid/ask spread of the latest close when the upstream quotes both sides.
	Latest time.Time
	Low    float64
	High   float64
	Spread *float64
}

// Collector is safe for concurrent use. One instance serves every task, and
// tasks reading the same source share its limiter and breaker.
type Collector struct {
	store     *store.Store
	health    *health.Monitor
	validator *validate.Validator
	alerts    Escalator
	mirror    market.Persistence
	journal   Journal
	metrics   Recorder
	now       func() time.Time

	mu      sync.RWMutex
	sources map[string]*Source
}

// Option customises a Collector.
type Option func(*Collector)

// WithValidator replaces the default validator.
func WithValidator(v *validate.Validator) Option {
	return func(c *Collector) {
		if v != nil {
			c.validator = v
		}
	}
}

// WithAlerts sets where terminal failures are escalated.
func WithAlerts(e Escalator) Option {
	return func(c *Collector) { c.alerts = e }
}

// WithMirror copies newly written records to a secondary store. Mirror
// failures never fail a collection.
func WithMirror(p market.Persistence) Option {
	return func(c *Collector) { c.mirror = p }
}

// WithJournal records every collection outcome.
func WithJournal(j Journal) Option {
	return func(c *Collector) { c.journal = j }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(c *Collector) {
		if r != nil {
			c.metrics = r
		}
	}
}

// WithClock injects the time source used for elapsed times and events.
func WithClock(now func() time.Time) Option {
	return func(c *Collector) {
		if now != nil {
			c.now = now
		}
	}
}

// WithSources registers upstream guard chains.
func WithSources(sources ...*Source) Option {
	return func(c *Collector) {
		for _, s := range sources {
			if s != nil && s.Upstream != nil {
				c.sources[s.Name()] = s
			}
		}
	}
}

// New builds a Collector over st and hm.
func New(st *store.Store, hm *health.Monitor, opts ...Option) (*Collector, error) {
	if st == nil {
		return nil, errors.New("collector: store is required")
	}
	if hm == nil {
		return nil, errors.New("collector: health monitor is required")
	}
	c := &Collector{
		store:     st,
		health:    hm,
		validator: validate.New(),
		metrics:   nopRecorder{},
		now:       time.Now,
		sources:   make(map[string]*Source),
	}
	for _, opt := range opts {
		opt(c)
	}
	for _, s := range c.sources {
		if err := s.validate(); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// AddSource registers or replaces a source.
func (c *Collector) AddSource(s *Source) error {
	if err := s.validate(); err != nil {
		return err
	}
	c.mu.Lock()
	c.sources[s.Name()] = s
	c.mu.Unlock()
	return nil
}

// Source returns the registered source with name.
func (c *Collector) Source(name string) (*Source, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.sources[name]
	return s, ok
}

// Sources returns the registered source names.
func (c *Collector) Sources() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.sources))
	for name := range c.sources {
		names = append(names, name)
	}
	return names
}

// Store returns the backing store.
func (c *Collector) Store() *store.Store { return c.store }

// Health returns the health monitor.
func (c *Collector) Health() *health.Monitor { return c.health }

// Collect fetches req and appends the validated batch. On failure the
// returned Result still describes how far the collection got; every failure
// other than caller cancellation is recorded against the source and
// escalated.
func (c *Collector) Collect(ctx context.Context, req Request) (*Result, error) {
	started := c.now()
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	res := &Result{RunID: req.RunID, Key: req.Key, Range: req.Range}

	src, ok := c.Source(req.Key.Source)
	if !ok {
		return res, fmt.Errorf("%w: %s", ErrUnknownSource, req.Key.Source)
	}

	err := c.collect(ctx, src, req, res)
	res.Elapsed = c.now().Sub(started)
	if err != nil {
		res.Class = classify(ctx, err)
		c.fail(ctx, res, err)
	} else {
		res.Class = ClassOK
	}
	c.metrics.Collected(req.Key, res.Class, res.Written, res.Elapsed)
	c.writeJournal(res, err)
	return res, err
}

func (c *Collector) collect(ctx context.Context, src *Source, req Request, res *Result) error {
	if err := src.Limiter.Wait(ctx); err != nil {
		return err
	}

	name := src.Name()
	var batch *market.Batch
	// Retries take their tokens on ctx, outside the per-attempt timeout. A
	// refusal there follows a failed attempt and counts against the breaker.
	err := src.Breaker.Do(ctx, func(ctx context.Context) error {
		return src.Retry.DoGated(ctx, src.Limiter.Wait, func(ctx context.Context, attempt int) error {
			res.Attempts = attempt + 1
			c.metrics.FetchAttempt(name)
			b, err := src.Upstream.Fetch(ctx, req.Key.Symbol, req.Key.Timeframe, req.Range)
			if err != nil {
				return err
			}
			if b == nil {
				return market.Fatalf("%s returned no batch", name)
			}
			if !sameKey(b.Key, req.Key) {
				return market.Fatalf("%s answered %s for %s", name, b.Key, req.Key)
			}
			batch = b
			return nil
		})
	})
	if err != nil {
		return err
	}

	if batch.Key != req.Key {
		normalised := *batch
		normalised.Key = req.Key
		batch = &normalised
	}
	res.Fetched = batch.Len()
	summarise(batch, res)

	last, _, err := c.store.LastTimestamp(req.Key)
	if err != nil {
		return err
	}
	if err := c.validator.Validate(batch, last); err != nil {
		return err
	}

	records, err := c.store.AppendRecords(ctx, req.Key, batch.Candles)
	if err != nil {
		return err
	}
	res.Written = len(records)
	res.Records = records
	c.health.RecordSuccess(name)
	logx.WithContext(ctx).Infof("collector: %s fetched %d wrote %d in %d attempt(s)", req.Key, res.Fetched, res.Written, res.Attempts)

	c.mirrorRecords(ctx, res)
	return nil
}

func (c *Collector) mirrorRecords(ctx context.Context, res *Result) {
	if c.mirror == nil || len(res.Records) == 0 {
		return
	}
	if err := c.mirror.RecordCandles(ctx, res.Records); err != nil {
		if ctx.Err() != nil {
			return
		}
		logx.WithContext(ctx).Errorf("collector: mirror %s: %v", res.Key, err)
		c.escalate(alert.Event{
			Severity: severityByClass[ClassMirror],
			Message:  fmt.Sprintf("mirror failed for %s", res.Key),
			Context:  eventContext(res, ClassMirror),
			Err:      err,
		})
	}
}

func (c *Collector) fail(ctx context.Context, res *Result, err error) {
	if res.Class == ClassCancelled {
		logx.WithContext(ctx).Debugf("collector: %s cancelled: %v", res.Key, err)
		return
	}
	c.health.RecordFailure(res.Key.Source, err)

	evCtx := eventContext(res, res.Class)
	var verr *validate.Error
	if errors.As(err, &verr) {
		c.metrics.ValidationRejected(res.Key, verr.Violations)
		rules := make([]string, 0, len(verr.Violations))
		for _, v := range verr.Violations {
			rules = append(rules, v.String())
		}
		evCtx["violations"] = rules
	}
	var ierr *store.IntegrityError
	if errors.As(err, &ierr) {
		evCtx["path"] = ierr.Path
		evCtx["line"] = ierr.Line
	}

	logx.WithContext(ctx).Errorf("collector: %s failed (%s) after %d attempt(s): %v", res.Key, res.Class, res.Attempts, err)
	c.escalate(alert.Event{
		Severity: severityByClass[res.Class],
		Message:  fmt.Sprintf("collection %s failed: %s", res.Key, res.Class),
		Context:  evCtx,
		Err:      err,
	})
}

func (c *Collector) escalate(ev alert.Event) {
	if c.alerts == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = c.now()
	}
	c.metrics.Escalated(ev.Severity)
	if !c.alerts.Escalate(ev) {
		logx.Errorf("collector: alert queue full, dropped %s event: %s", ev.Severity, ev.Message)
	}
}

func (c *Collector) writeJournal(res *Result, err error) {
	if c.journal == nil {
		return
	}
	rec := &journal.RunRecord{
		RunID:      res.RunID,
		Symbol:     res.Key.Symbol,
		Timeframe:  res.Key.Timeframe.String(),
		Source:     res.Key.Source,
		RangeStart: res.Range.Start,
		RangeEnd:   res.Range.End,
		Attempts:   res.Attempts,
		Fetched:    res.Fetched,
		Written:    res.Written,
		DurationMS: res.Elapsed.Milliseconds(),
		Success:    err == nil,
	}
	if err != nil {
		rec.ErrorClass = res.Class
		rec.Error = err.Error()
	}
	if !res.Latest.IsZero() {
		rec.Extra = map[string]any{
			"latest": res.Latest,
			"low":    res.Low,
			"high":   res.High,
		}
		if res.Spread != nil {
			rec.Extra["spread"] = *res.Spread
		}
	}
	if _, jerr := c.journal.WriteRun(rec); jerr != nil {
		logx.Errorf("collector: journal %s: %v", res.Key, jerr)
	}
}

func summarise(b *market.Batch, res *Result) {
	if latest, ok := b.Latest(); ok {
		res.Latest = latest.Timestamp
		if spread, ok := latest.Close.Spread(); ok {
			res.Spread = &spread
		}
	}
	if low, high, ok := b.PriceRange(); ok {
		res.Low, res.High = low, high
	}
}

// classify maps a terminal error to its outcome class. Anything reached
// after ctx ended counts as cancellation.
func classify(ctx context.Context, err error) string {
	var exhausted *retry.ExhaustedError
	switch {
	case ctx.Err() != nil:
		return ClassCancelled
	case errors.Is(err, breaker.ErrCircuitOpen):
		return ClassCircuitOpen
	case validate.IsValidation(err):
		return ClassValidation
	case store.IsIntegrity(err):
		return ClassIntegrity
	case store.IsIO(err), errors.Is(err, store.ErrInvalidKey):
		return ClassStorage
	case errors.Is(err, ratelimit.ErrDeadline):
		return ClassRateLimited
	case errors.As(err, &exhausted):
		return ClassExhausted
	default:
		return ClassFatal
	}
}

// Severity returns the escalation severity for an outcome class.
func Severity(class string) (alert.Severity, bool) {
	sev, ok := severityByClass[class]
	return sev, ok
}

func eventContext(res *Result, class string) map[string]any {
	return map[string]any{
		"run_id":    res.RunID,
		"source":    res.Key.Source,
		"symbol":    res.Key.Symbol,
		"timeframe": res.Key.Timeframe.String(),
		"attempts":  res.Attempts,
		"class":     class,
	}
}

func sameKey(got, want market.Key) bool {
	return strings.EqualFold(got.Symbol, want.Symbol) && got.Timeframe == want.Timeframe && got.Source == want.Source
}
