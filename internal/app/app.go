// Package app wires configuration, connections and services into the
// components the binaries run.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/stellar-lineage/internal/adapter"
	"github.com/stellar-lineage/internal/circuitbreaker"
	"github.com/stellar-lineage/internal/config"
	"github.com/stellar-lineage/internal/health"
	"github.com/stellar-lineage/internal/lineage"
	"github.com/stellar-lineage/internal/logging"
	"github.com/stellar-lineage/internal/metrics"
	"github.com/stellar-lineage/internal/observability"
	"github.com/stellar-lineage/internal/pipeline"
	"github.com/stellar-lineage/internal/ratelimit"
	"github.com/stellar-lineage/internal/recovery"
	"github.com/stellar-lineage/internal/service"
	"github.com/stellar-lineage/internal/storage"
	"github.com/stellar-lineage/internal/tracker"
)

// App holds every long-lived component. Optional parts are nil when their
// backing service is disabled or unreachable.
type App struct {
	Config   *config.Config
	Logger   *logging.Logger
	Metrics  *metrics.Metrics
	Sink     observability.ErrorSink
	Breakers *circuitbreaker.Manager

	Store  storage.Store
	Redis  *storage.RedisCache
	Cache  *storage.CacheService
	Budget *ratelimit.QueryBudgetTracker

	Monitor  *health.Monitor
	Tracker  *tracker.Tracker
	Builder  *lineage.Builder
	Mirror   *lineage.Mirror
	Pipeline *pipeline.Pipeline
	Recovery *recovery.Service
	Search   *service.SearchService
	Lineage  *service.LineageService

	closers []func()
}

// InitLogging configures the global logger from cfg and returns it
func InitLogging(cfg config.LoggingConfig) *logging.Logger {
	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Level), logging.ParseLogFormat(cfg.Format))
	return logging.GetGlobalLogger()
}

// New connects to the configured backends and builds every service. The
// caller must Close the returned App.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{
		Config:   cfg,
		Logger:   logging.GetGlobalLogger(),
		Metrics:  metrics.New(),
		Breakers: circuitbreaker.NewManager(),
	}

	sink, err := observability.NewErrorSink(cfg.Sentry)
	if err != nil {
		return nil, err
	}
	a.Sink = sink
	a.closers = append(a.closers, func() { sink.Flush(2 * time.Second) })

	if err := a.openStore(ctx); err != nil {
		a.Close()
		return nil, err
	}
	a.openRedis(ctx)

	creators, err := a.openWarehouse(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Monitor = health.NewMonitor(a.Store, cfg.Health.Buffer, a.Metrics)
	a.Tracker = tracker.New(a.Store)
	a.Builder = lineage.NewBuilder(a.Store, cfg.Pipeline.MaxDepth)
	a.Mirror = lineage.NewMirror(a.Store, a.Builder)

	validator := adapter.NewAddressValidator()
	sources := pipeline.Sources{
		Ledger:    adapter.NewHorizonClient(cfg.Horizon, a.Breakers),
		Directory: adapter.NewDirectoryClient(cfg.Directory, a.Breakers),
		Validator: validator,
	}
	if creators != nil {
		sources.Creators = creators
	}

	a.Pipeline = pipeline.New(pipeline.Deps{
		Store:   a.Store,
		Monitor: a.Monitor,
		Tracker: a.Tracker,
		Sink:    a.Sink,
		Metrics: a.Metrics,
	}, sources, pipeline.ConfigFrom(cfg.Pipeline))

	a.Recovery = recovery.NewService(a.Store, a.Tracker, a.Mirror, a.Metrics, recovery.OptionsFrom(cfg.Recovery))
	a.Search = service.NewSearchService(a.Store, validator, cfg.Search.Freshness, a.Metrics)

	var treeCache service.TreeCache
	if a.Cache != nil {
		treeCache = a.Cache
	}
	a.Lineage = service.NewLineageService(a.Store, a.Builder, a.Tracker, treeCache)

	return a, nil
}

func (a *App) openStore(ctx context.Context) error {
	switch a.Config.Store.Backend {
	case config.StoreBackendMemory:
		a.Logger.Warn("Using in-memory record store; state is lost on exit")
		a.Store = storage.NewMemoryStore(a.Config.Pipeline.HVAThreshold)
		return nil
	case config.StoreBackendPostgres, "":
		db, err := storage.NewPostgresDB(ctx, &a.Config.Database.Postgres)
		if err != nil {
			return fmt.Errorf("failed to connect to Postgres: %w", err)
		}
		a.closers = append(a.closers, db.Close)
		a.Store = storage.NewPostgresStore(db.Pool(), a.Config.Pipeline.HVAThreshold)
		a.Logger.Info("Postgres record store connected")
		return nil
	default:
		return fmt.Errorf("unknown store backend %q", a.Config.Store.Backend)
	}
}

// openRedis connects the tree cache. Redis is optional: without it trees
// are built on every request and the warehouse is disabled.
func (a *App) openRedis(ctx context.Context) {
	rc, err := storage.NewRedisCache(ctx, &a.Config.Database.Redis)
	if err != nil {
		a.Logger.WithError(err).Warn("Redis unavailable; tree cache disabled")
		return
	}
	a.closers = append(a.closers, func() { _ = rc.Close() })
	a.Redis = rc
	a.Cache = storage.NewCacheService(rc, a.Config.Search.TreeCacheTTL)
}

func (a *App) openWarehouse(ctx context.Context) (*adapter.WarehouseClient, error) {
	wcfg := a.Config.Warehouse
	if !wcfg.Enabled {
		return nil, nil
	}
	if a.Redis == nil {
		a.Logger.Warn("Warehouse enabled but Redis is unavailable for budget tracking; warehouse disabled")
		return nil, nil
	}

	budget, err := ratelimit.NewQueryBudgetTracker(&ratelimit.QueryBudgetTrackerConfig{
		Redis:           a.Redis.Client(),
		Resource:        "warehouse",
		DailyByteBudget: wcfg.DailyByteBudget,
		Metrics:         a.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create warehouse budget tracker: %w", err)
	}
	a.Budget = budget

	ch, err := storage.NewClickHouseDB(ctx, &a.Config.Database.ClickHouse, wcfg.QueryTimeout)
	if err != nil {
		a.Logger.WithError(err).Warn("ClickHouse unavailable; creator stage will rely on operations only")
		return nil, nil
	}
	a.closers = append(a.closers, func() { _ = ch.Close() })

	client, err := adapter.NewWarehouseClient(ch.Conn(), wcfg.CreatorsTable, wcfg.QueryTimeout, budget)
	if err != nil {
		return nil, err
	}
	a.Logger.WithFields(map[string]interface{}{
		"table":  wcfg.CreatorsTable,
		"budget": budget.Budget(),
	}).Info("Warehouse creator source enabled")
	return client, nil
}

// Close releases connections in reverse order of opening
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
