package collector

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/zeromicro/go-zero/core/logx"
	"github.com/zeromicro/go-zero/core/threading"

	"ig-trading/pkg/alert"
	"ig-trading/pkg/market"
)

const (
	defaultTaskInterval = time.Minute
	defaultLookback     = 500
)

// Task is one periodically collected key.
type Task struct {
	Key      market.Key
	Interval time.Duration
	// Lookback is the candle count requested while nothing is stored yet.
	Lookback int
}

// Scheduler runs every task on its own ticker until the context ends.
type Scheduler struct {
	collector      *Collector
	tasks          []Task
	stagger        time.Duration
	healthInterval time.Duration
	runID          string
}

// SchedulerOption customises a Scheduler.
type SchedulerOption func(*Scheduler)

// WithStagger delays the first run of the i-th task by i*d so tasks sharing a
// source do not burst together.
func WithStagger(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.stagger = d
		}
	}
}

// WithHealthInterval runs the active health probes every d.
func WithHealthInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.healthInterval = d
		}
	}
}

// WithRunID fixes the run id stamped on every collection.
func WithRunID(id string) SchedulerOption {
	return func(s *Scheduler) {
		if id != "" {
			s.runID = id
		}
	}
}

// NewScheduler builds a Scheduler. Tasks naming an unknown source or an
// unparsable timeframe are rejected.
func NewScheduler(c *Collector, tasks []Task, opts ...SchedulerOption) (*Scheduler, error) {
	if c == nil {
		return nil, errors.New("collector: scheduler needs a collector")
	}
	s := &Scheduler{collector: c, runID: uuid.NewString()}
	for _, opt := range opts {
		opt(s)
	}
	seen := make(map[market.Key]struct{}, len(tasks))
	for _, task := range tasks {
		if _, ok := c.Source(task.Key.Source); !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownSource, task.Key.Source)
		}
		if _, err := task.Key.Timeframe.Duration(); err != nil {
			return nil, fmt.Errorf("collector: task %s: %w", task.Key, err)
		}
		if _, dup := seen[task.Key]; dup {
			continue
		}
		seen[task.Key] = struct{}{}
		if task.Interval <= 0 {
			task.Interval = defaultTaskInterval
		}
		if task.Lookback <= 0 {
			task.Lookback = defaultLookback
		}
		s.tasks = append(s.tasks, task)
	}
	return s, nil
}

// Tasks returns the normalised task list.
func (s *Scheduler) Tasks() []Task {
	return append([]Task(nil), s.tasks...)
}

// RunID returns the id stamped on every collection of this scheduler.
func (s *Scheduler) RunID() string { return s.runID }

// Run connects every upstream used by a task, collects until ctx ends, then
// disconnects them. An upstream that fails to connect is escalated and its
// tasks are skipped; Run fails only when no upstream connects.
func (s *Scheduler) Run(ctx context.Context) error {
	if len(s.tasks) == 0 {
		return nil
	}
	return s.withConnections(ctx, s.sourceNames(), nil, func(ctx context.Context, connected map[string]bool) error {
		if len(connected) == 0 {
			return errors.New("collector: no upstream connected")
		}
		group := threading.NewRoutineGroup()
		for i, task := range s.tasks {
			if !connected[task.Key.Source] {
				continue
			}
			task, delay := task, time.Duration(i)*s.stagger
			group.RunSafe(func() {
				s.loop(ctx, task, delay)
			})
		}
		if s.healthInterval > 0 {
			group.RunSafe(func() {
				s.healthLoop(ctx)
			})
		}
		group.Wait()
		return nil
	})
}

// CollectOnce connects the upstreams, collects every task once in order and
// disconnects. Tasks of an upstream that failed to connect are skipped.
func (s *Scheduler) CollectOnce(ctx context.Context) ([]*Result, error) {
	if len(s.tasks) == 0 {
		return nil, nil
	}
	var results []*Result
	err := s.withConnections(ctx, s.sourceNames(), nil, func(ctx context.Context, connected map[string]bool) error {
		if len(connected) == 0 {
			return errors.New("collector: no upstream connected")
		}
		for _, task := range s.tasks {
			if !connected[task.Key.Source] {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			res, _ := s.RunOnce(ctx, task)
			results = append(results, res)
		}
		return nil
	})
	return results, err
}

// withConnections opens one WithConnection scope per source so every
// connected upstream is disconnected however fn exits.
func (s *Scheduler) withConnections(ctx context.Context, names []string, connected map[string]bool, fn func(context.Context, map[string]bool) error) error {
	if connected == nil {
		connected = make(map[string]bool, len(names))
	}
	if len(names) == 0 {
		return fn(ctx, connected)
	}
	name, rest := names[0], names[1:]
	src, _ := s.collector.Source(name)

	entered := false
	err := market.WithConnection(ctx, src.Upstream, func(ctx context.Context) error {
		entered = true
		connected[name] = true
		logx.WithContext(ctx).Infof("collector: connected %s", name)
		return s.withConnections(ctx, rest, connected, fn)
	})
	if entered {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	s.collector.health.RecordFailure(name, err)
	logx.WithContext(ctx).Errorf("collector: connect %s: %v", name, err)
	s.collector.escalate(alert.Event{
		Severity: alert.SeverityHigh,
		Message:  fmt.Sprintf("upstream %s failed to connect, its tasks are skipped", name),
		Context:  map[string]any{"source": name, "run_id": s.runID},
		Err:      err,
	})
	return s.withConnections(ctx, rest, connected, fn)
}

func (s *Scheduler) loop(ctx context.Context, task Task, delay time.Duration) {
	if !sleepWithContext(ctx, delay) {
		return
	}
	s.RunOnce(ctx, task)
	ticker := time.NewTicker(task.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx, task)
		}
	}
}

// RunOnce collects task once, continuing after the last stored candle or
// looking back Lookback candles when nothing is stored.
func (s *Scheduler) RunOnce(ctx context.Context, task Task) (*Result, error) {
	req := Request{Key: task.Key, Range: s.nextRange(task), RunID: s.runID}
	return s.collector.Collect(ctx, req)
}

func (s *Scheduler) nextRange(task Task) market.Range {
	lookback := task.Lookback
	if lookback <= 0 {
		lookback = defaultLookback
	}
	last, ok, err := s.collector.store.LastTimestamp(task.Key)
	if err != nil || !ok {
		// Collect re-reads the store and reports the error with full context.
		return market.Range{Limit: lookback}
	}
	step, err := task.Key.Timeframe.Duration()
	if err != nil {
		return market.Range{Limit: lookback}
	}
	return market.Range{Start: last.Add(step)}
}

func (s *Scheduler) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(s.healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.ProbeHealth(ctx)
		}
	}
}

// ProbeHealth runs every registered probe and escalates each source that is
// unhealthy afterwards, passively or by probe.
func (s *Scheduler) ProbeHealth(ctx context.Context) []string {
	results := s.collector.health.CheckAll(ctx)
	if ctx.Err() != nil {
		return nil
	}
	var failed []string
	for name, ok := range results {
		if !ok {
			failed = append(failed, name)
		}
	}
	sort.Strings(failed)
	for _, name := range failed {
		ev := alert.Event{
			Severity: alert.SeverityMedium,
			Message:  fmt.Sprintf("source %s is unhealthy", name),
			Context:  map[string]any{"source": name, "run_id": s.runID},
		}
		if rec, ok := s.collector.health.Status(name); ok && rec.ProbeError != "" {
			ev.Err = errors.New(rec.ProbeError)
		}
		s.collector.escalate(ev)
	}
	return failed
}

func (s *Scheduler) sourceNames() []string {
	seen := make(map[string]struct{})
	var names []string
	for _, task := range s.tasks {
		if _, ok := seen[task.Key.Source]; ok {
			continue
		}
		seen[task.Key.Source] = struct{}{}
		names = append(names, task.Key.Source)
	}
	sort.Strings(names)
	return names
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
