package svc

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx driver
	"github.com/zeromicro/go-zero/core/logx"
	"github.com/zeromicro/go-zero/core/stores/sqlx"

	"ig-trading/internal/config"
	"ig-trading/internal/observability"
	"ig-trading/internal/persistence/candles"
	"ig-trading/pkg/alert"
	"ig-trading/pkg/collector"
	"ig-trading/pkg/health"
	"ig-trading/pkg/journal"
	marketpkg "ig-trading/pkg/market"
	_ "ig-trading/pkg/market/exchanges/hyperliquid"
	_ "ig-trading/pkg/market/sim"
	"ig-trading/pkg/store"
	"ig-trading/pkg/validate"
)

const schemaTimeout = 10 * time.Second

type ServiceContext struct {
	Config config.Config

	MarketConfig    *marketpkg.Config
	CollectorConfig *collector.Config
	Upstreams       map[string]marketpkg.Upstream

	Store        *store.Store
	Health       *health.Monitor
	Dispatcher   *alert.Dispatcher
	RecentAlerts *alert.MemorySink
	Journal      *journal.Writer
	Metrics      *observability.Metrics

	// Optional Postgres mirror, set only when a DSN is configured.
	DBConn sqlx.SqlConn
	Mirror *candles.Service

	Collector *collector.Collector
	Scheduler *collector.Scheduler
}

func NewServiceContext(c config.Config) (*ServiceContext, error) {
	marketCfg, colCfg := c.Market.Value, c.Collector.Value
	if marketCfg == nil || colCfg == nil {
		return nil, errors.New("svc: market and collector sections must be hydrated")
	}

	// Apply test environment defaults: use testnet endpoints for all providers
	if c.IsTestEnv() {
		for _, provider := range marketCfg.Providers {
			provider.Testnet = true
		}
	}
	upstreams, err := marketCfg.BuildProviders()
	if err != nil {
		return nil, fmt.Errorf("svc: build market providers: %w", err)
	}

	svc := &ServiceContext{
		Config:          c,
		MarketConfig:    marketCfg,
		CollectorConfig: colCfg,
		Upstreams:       upstreams,
		Metrics:         observability.NewMetrics(""),
	}

	verify := colCfg.VerifyChecksums == nil || *colCfg.VerifyChecksums
	svc.Store, err = store.New(c.ResolvePath(colCfg.DataDir),
		store.WithVerifyChecksums(verify),
		store.WithLegacySource(colCfg.LegacySource))
	if err != nil {
		return nil, fmt.Errorf("svc: open store: %w", err)
	}
	svc.Health = health.New(health.Config{
		UnhealthyThreshold: colCfg.UnhealthyThreshold,
		StaleAfter:         colCfg.StaleAfter,
		ProbeTimeout:       colCfg.ProbeTimeout,
	})

	if err := svc.initAlerts(); err != nil {
		return nil, err
	}

	opts := []collector.Option{
		collector.WithValidator(validate.New()),
		collector.WithAlerts(svc.Dispatcher),
		collector.WithRecorder(svc.Metrics),
	}
	if colCfg.JournalDir != "" {
		svc.Journal, err = journal.NewWriter(c.ResolvePath(colCfg.JournalDir))
		if err != nil {
			return nil, fmt.Errorf("svc: %w", err)
		}
		opts = append(opts, collector.WithJournal(svc.Journal))
	}
	if c.Postgres.DSN != "" {
		if err := svc.initMirror(); err != nil {
			return nil, err
		}
		opts = append(opts, collector.WithMirror(svc.Mirror))
	}

	svc.Collector, err = collector.New(svc.Store, svc.Health, opts...)
	if err != nil {
		return nil, fmt.Errorf("svc: %w", err)
	}
	tasks := colCfg.ExpandTasks()
	for _, name := range colCfg.Sources() {
		up, ok := upstreams[name]
		if !ok {
			return nil, fmt.Errorf("svc: collector task references unknown market provider %s", name)
		}
		src, err := collector.NewSource(up, marketCfg.Providers[name], svc.Metrics)
		if err != nil {
			return nil, fmt.Errorf("svc: %w", err)
		}
		if err := svc.Collector.AddSource(src); err != nil {
			return nil, fmt.Errorf("svc: %w", err)
		}
		svc.Metrics.WatchLimiter(name, src.Limiter)
		logx.Infof("svc: source %s limited to %s", name, src.Limiter)
		if probe, ok := probeFor(up, tasks); ok {
			svc.Health.Register(name, probe)
		}
	}

	svc.Scheduler, err = collector.NewScheduler(svc.Collector, tasks,
		collector.WithStagger(colCfg.Stagger),
		collector.WithHealthInterval(colCfg.HealthInterval),
	)
	if err != nil {
		return nil, fmt.Errorf("svc: %w", err)
	}
	return svc, nil
}

func (s *ServiceContext) initAlerts() error {
	a := s.Config.Alerts
	s.RecentAlerts = alert.NewMemorySink(a.Recent)
	sinks := []alert.Sink{alert.LogSink{}, s.RecentAlerts}
	if a.Webhook.URL != "" {
		minSeverity, err := alert.ParseSeverity(a.Webhook.MinSeverity)
		if err != nil {
			return fmt.Errorf("svc: %w", err)
		}
		hook := alert.NewWebhookSink(a.Webhook.URL, a.Webhook.Discord, a.Webhook.Timeout)
		hook.MinSeverity = minSeverity
		sinks = append(sinks, hook)
	}
	s.Dispatcher = alert.NewDispatcher(sinks,
		alert.WithQueueSize(a.QueueSize),
		alert.WithSinkTimeout(a.SinkTimeout),
	)
	s.Metrics.WatchDispatcher(s.Dispatcher)
	return nil
}

func (s *ServiceContext) initMirror() error {
	pg := s.Config.Postgres
	db, err := sql.Open("pgx", pg.DSN)
	if err != nil {
		return fmt.Errorf("svc: open postgres: %w", err)
	}
	if pg.MaxOpen > 0 {
		db.SetMaxOpenConns(pg.MaxOpen)
	}
	if pg.MaxIdle > 0 {
		db.SetMaxIdleConns(pg.MaxIdle)
	}
	s.DBConn = sqlx.NewSqlConnFromDB(db)
	s.Mirror = candles.NewService(s.DBConn)

	ctx, cancel := context.WithTimeout(context.Background(), schemaTimeout)
	defer cancel()
	if err := s.Mirror.EnsureSchema(ctx); err != nil {
		// The mirror is best effort; failed writes are escalated per collection.
		logx.Errorf("svc: postgres mirror unavailable at startup: %v", err)
	}
	return nil
}

// probeFor checks every symbol and timeframe that tasks collect from up.
func probeFor(up marketpkg.Upstream, tasks []collector.Task) (health.Probe, bool) {
	var bySymbol []health.UpstreamProbe
	index := make(map[string]int)
	for _, task := range tasks {
		if task.Key.Source != up.Name() {
			continue
		}
		i, ok := index[task.Key.Symbol]
		if !ok {
			i = len(bySymbol)
			index[task.Key.Symbol] = i
			bySymbol = append(bySymbol, health.UpstreamProbe{Upstream: up, Symbol: task.Key.Symbol})
		}
		if p := &bySymbol[i]; !marketpkg.HasTimeframe(p.Timeframes, task.Key.Timeframe) {
			p.Timeframes = append(p.Timeframes, task.Key.Timeframe)
		}
	}
	if len(bySymbol) == 0 {
		return nil, false
	}
	probes := make(health.Probes, 0, len(bySymbol))
	for _, p := range bySymbol {
		probes = append(probes, p)
	}
	return probes, true
}

// Close drains pending alerts and releases the database handle.
func (s *ServiceContext) Close(ctx context.Context) error {
	var errs []error
	if s.Dispatcher != nil {
		if err := s.Dispatcher.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain alerts: %w", err))
		}
	}
	if s.DBConn != nil {
		if db, err := s.DBConn.RawDB(); err == nil {
			if err := db.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close postgres: %w", err))
			}
		}
	}
	return errors.Join(errs...)
}
