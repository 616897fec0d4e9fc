package alert

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeromicro/go-zero/core/logx"
	"github.com/zeromicro/go-zero/core/threading"
)

const (
	defaultQueueSize   = 256
	defaultSinkTimeout = 5 * time.Second
)

// Option customises a Dispatcher.
type Option func(*Dispatcher)

// WithQueueSize bounds the number of pending events.
func WithQueueSize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queueSize = n
		}
	}
}

// WithSinkTimeout bounds each sink delivery.
func WithSinkTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.sinkTimeout = timeout
		}
	}
}

// WithClock injects the time stamped on events lacking one.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// Dispatcher fans events out to its sinks from a single background worker.
// Events are delivered in escalation order and, per event, to sinks in the
// order they were given. Escalate never blocks: when the queue is full the
// event is dropped and counted.
type Dispatcher struct {
	sinks       []Sink
	queueSize   int
	sinkTimeout time.Duration
	now         func() time.Time

	queue   chan Event
	done    chan struct{}
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
	failed  atomic.Int64
}

// NewDispatcher starts a dispatcher over sinks.
func NewDispatcher(sinks []Sink, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		sinks:       append([]Sink(nil), sinks...),
		queueSize:   defaultQueueSize,
		sinkTimeout: defaultSinkTimeout,
		now:         time.Now,
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.queue = make(chan Event, d.queueSize)
	threading.GoSafe(d.run)
	return d
}

// Escalate enqueues ev for delivery and reports whether it was accepted.
func (d *Dispatcher) Escalate(ev Event) bool {
	if ev.Time.IsZero() {
		ev.Time = d.now()
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.dropped.Add(1)
		return false
	}
	select {
	case d.queue <- ev:
		return true
	default:
		d.dropped.Add(1)
		logx.Errorf("alert: queue full, dropped %s event: %s", ev.Severity, ev.Message)
		return false
	}
}

// Dropped returns the number of events not accepted.
func (d *Dispatcher) Dropped() int64 { return d.dropped.Load() }

// SinkFailures returns the number of failed sink deliveries.
func (d *Dispatcher) SinkFailures() int64 { return d.failed.Load() }

// Close stops accepting events and waits for queued ones to be delivered or
// for ctx to end.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for ev := range d.queue {
		for i, sink := range d.sinks {
			if err := d.deliver(sink, ev); err != nil {
				d.failed.Add(1)
				logx.Errorf("alert: sink %d failed for %s event %q: %v", i, ev.Severity, ev.Message, err)
			}
		}
	}
}

func (d *Dispatcher) deliver(sink Sink, ev Event) (err error) {
	ctx, cancel := context.WithTimeout(context.Background(), d.sinkTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panic: %v", r)
		}
	}()
	return sink.Send(ctx, ev)
}
