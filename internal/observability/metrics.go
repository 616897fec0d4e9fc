// Package observability exposes collection metrics to Prometheus.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ig-trading/pkg/alert"
	"ig-trading/pkg/breaker"
	"ig-trading/pkg/collector"
	"ig-trading/pkg/market"
	"ig-trading/pkg/ratelimit"
	"ig-trading/pkg/validate"
)

const defaultNamespace = "ig_trading"

// Metrics holds every collector metric on its own registry. It implements
// collector.Recorder.
type Metrics struct {
	registry  *prometheus.Registry
	namespace string

	FetchAttempts      *prometheus.CounterVec
	Retries            *prometheus.CounterVec
	BreakerState       *prometheus.GaugeVec
	BreakerTransitions *prometheus.CounterVec
	ValidationRejects  *prometheus.CounterVec
	RecordsWritten     *prometheus.CounterVec
	Collections        *prometheus.CounterVec
	CollectionDuration *prometheus.HistogramVec
	Escalations        *prometheus.CounterVec
	LastSuccess        *prometheus.GaugeVec
}

var _ collector.Recorder = (*Metrics)(nil)

// NewMetrics registers all metrics on a fresh registry under namespace.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = defaultNamespace
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry:  reg,
		namespace: namespace,
		FetchAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "fetch_attempts_total",
			Help:      "Fetch attempts issued to upstreams, retries included",
		}, []string{"source"}),
		Retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "retries_total",
			Help:      "Retries scheduled after a transient failure",
		}, []string{"source"}),
		BreakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "breaker",
			Name:      "state",
			Help:      "Circuit breaker state: 0 closed, 1 open, 2 half-open",
		}, []string{"source"}),
		BreakerTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "breaker",
			Name:      "transitions_total",
			Help:      "Circuit breaker state transitions",
		}, []string{"source", "to"}),
		ValidationRejects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "validation",
			Name:      "violations_total",
			Help:      "Violations found in rejected batches, by rule",
		}, []string{"source", "rule"}),
		RecordsWritten: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "records_written_total",
			Help:      "Records appended to the canonical store",
		}, []string{"source", "timeframe"}),
		Collections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "collections_total",
			Help:      "Collections by outcome class",
		}, []string{"source", "class"}),
		CollectionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "collection_duration_seconds",
			Help:      "End to end duration of one collection",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"source"}),
		Escalations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "escalations_total",
			Help:      "Alerts escalated, by severity",
		}, []string{"severity"}),
		LastSuccess: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful collection per key",
		}, []string{"source", "symbol", "timeframe"}),
	}
}

// Registry returns the registry backing these metrics.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// GaugeFunc registers a gauge whose value is read on every scrape.
func (m *Metrics) GaugeFunc(name, help string, fn func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: "alerts",
		Name:      name,
		Help:      help,
	}, fn))
}

// WatchDispatcher exports dispatcher drop and sink failure counts.
func (m *Metrics) WatchDispatcher(d *alert.Dispatcher) {
	if d == nil {
		return
	}
	m.GaugeFunc("dropped", "Alerts dropped because the dispatch queue was full", func() float64 {
		return float64(d.Dropped())
	})
	m.GaugeFunc("sink_failures", "Alert deliveries that failed or panicked", func() float64 {
		return float64(d.SinkFailures())
	})
}

// WatchLimiter exports the tokens left in source's rate limiter.
func (m *Metrics) WatchLimiter(source string, l *ratelimit.Limiter) {
	if l == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   m.namespace,
		Subsystem:   "ratelimit",
		Name:        "tokens_available",
		Help:        "Whole rate limit tokens currently available per source",
		ConstLabels: prometheus.Labels{"source": source},
	}, func() float64 {
		return float64(l.Remaining())
	}))
}

func (m *Metrics) FetchAttempt(source string) {
	m.FetchAttempts.WithLabelValues(source).Inc()
}

func (m *Metrics) Retry(source string) {
	m.Retries.WithLabelValues(source).Inc()
}

func (m *Metrics) BreakerTransition(source string, _, to breaker.State) {
	m.BreakerState.WithLabelValues(source).Set(float64(to))
	m.BreakerTransitions.WithLabelValues(source, to.String()).Inc()
}

func (m *Metrics) ValidationRejected(key market.Key, violations []validate.Violation) {
	for _, v := range violations {
		m.ValidationRejects.WithLabelValues(key.Source, v.Rule).Inc()
	}
}

func (m *Metrics) Collected(key market.Key, class string, written int, elapsed time.Duration) {
	m.Collections.WithLabelValues(key.Source, class).Inc()
	m.CollectionDuration.WithLabelValues(key.Source).Observe(elapsed.Seconds())
	if written > 0 {
		m.RecordsWritten.WithLabelValues(key.Source, key.Timeframe.String()).Add(float64(written))
	}
	if class == collector.ClassOK {
		m.LastSuccess.WithLabelValues(key.Source, key.Symbol, key.Timeframe.String()).SetToCurrentTime()
	}
}

func (m *Metrics) Escalated(severity alert.Severity) {
	m.Escalations.WithLabelValues(severity.String()).Inc()
}
