package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/rendis/flowengine/internal/actions"
	"github.com/rendis/flowengine/internal/conditions"
	"github.com/rendis/flowengine/internal/dispatcher"
	"github.com/rendis/flowengine/internal/engine"
	"github.com/rendis/flowengine/internal/expressions"
	"github.com/rendis/flowengine/internal/flows"
	"github.com/rendis/flowengine/internal/scheduler"
	"github.com/rendis/flowengine/internal/store"
	"github.com/rendis/flowengine/internal/streaming"
	"github.com/rendis/flowengine/internal/timers"
	"github.com/rendis/flowengine/internal/validation"
)

// app is the wired process: store, collaborators, engine and the surfaces
// around it.
type app struct {
	cfg    Config
	logger *slog.Logger

	store      *store.LibSQLStore
	redis      *redis.Client
	meters     *sdkmetric.MeterProvider
	timers     *timers.Composite
	hub        *streaming.Hub
	engine     *engine.Engine
	dispatcher *dispatcher.Dispatcher
	flows      *flows.Service
	scheduler  *scheduler.Scheduler
}

// openStore opens the database and applies pending migrations.
func openStore(ctx context.Context, cfg Config) (*store.LibSQLStore, error) {
	s, err := store.NewLibSQLStore(cfg.DSN())
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func buildApp(ctx context.Context, cfg Config, logger *slog.Logger) (_ *app, err error) {
	if cfg.Gateway.URL == "" {
		return nil, errors.New("gateway.url is required")
	}

	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if a.store, err = openStore(ctx, cfg); err != nil {
		return nil, err
	}

	gateway, err := actions.NewHTTPGateway(actions.HTTPConfig{
		BaseURL:        cfg.Gateway.URL,
		Token:          cfg.Gateway.Token,
		DefaultTimeout: cfg.Gateway.Timeout,
		EntityCacheTTL: cfg.Gateway.EntityCacheTTL,
	})
	if err != nil {
		return nil, err
	}
	collab := gateway.Collaborators()

	registry := actions.NewRegistry()
	if err = actions.RegisterBuiltins(registry, collab, logger); err != nil {
		return nil, fmt.Errorf("register executors: %w", err)
	}

	engines, err := expressions.NewEngines()
	if err != nil {
		return nil, fmt.Errorf("expression engines: %w", err)
	}
	hours, err := cfg.BusinessHours.hours()
	if err != nil {
		return nil, err
	}
	evaluator := conditions.NewEvaluator(gateway, logger,
		conditions.WithBusinessHours(hours),
		conditions.WithCEL(engines.CEL),
	)

	backends := []timers.Service{timers.NewSweeper(a.store, timers.WithSweeperLogger(logger))}
	if cfg.RedisURL != "" {
		opts, perr := redis.ParseURL(cfg.RedisURL)
		if perr != nil {
			return nil, fmt.Errorf("redis_url: %w", perr)
		}
		a.redis = redis.NewClient(opts)
		if err = a.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		backends = append(backends, timers.NewRedisQueue(a.redis, cfg.RedisKey, timers.WithRedisLogger(logger)))
	}
	a.timers = timers.NewComposite(cfg.TimerPollInterval, logger, backends...)

	a.meters = sdkmetric.NewMeterProvider()
	otel.SetMeterProvider(a.meters)

	a.hub = streaming.NewHub(cfg.StreamBuffer)
	a.engine, err = engine.New(engine.Deps{
		Store:      a.store,
		Actions:    registry,
		Conditions: evaluator,
		Timers:     a.timers,
		Publisher:  a.hub,
		Logger:     logger,
		Meter:      a.meters.Meter(engine.MeterName),
	}, engine.Config{
		MaxHops:    cfg.MaxHops,
		LockShards: cfg.LockShards,
		Retry: engine.RetryPolicy{
			Attempts: cfg.RetryAttempts,
			Initial:  cfg.RetryInitial,
			Max:      cfg.RetryMax,
		},
	})
	if err != nil {
		return nil, err
	}

	catalog := dispatcher.NewCatalog(a.store, cfg.FlowCacheTTL)
	a.dispatcher, err = dispatcher.New(dispatcher.Deps{
		Runner:    a.engine,
		Store:     a.store,
		Catalog:   catalog,
		Exprs:     engines.Expr,
		JQ:        engines.JQ,
		Directory: gateway,
		Chat:      collab.Chat,
		Logger:    logger,
	}, dispatcher.Config{
		PoolSize:   cfg.PoolSize,
		StaleAfter: cfg.StaleAfter,
		CatalogTTL: cfg.FlowCacheTTL,
	})
	if err != nil {
		return nil, err
	}

	validator, err := validation.NewFlowValidator(engines)
	if err != nil {
		return nil, err
	}
	a.flows = flows.NewService(a.store, validator, catalog, flows.WithRunCanceller(a.engine))

	a.scheduler = scheduler.New(a.store, scheduler.NewGatewaySource(gateway), a.dispatcher, logger, scheduler.Config{
		Tick:     cfg.Scheduler.Tick,
		Location: hours.Location,
	})
	return a, nil
}

// restore brings the process back to the state it left: RUNNING runs are
// advanced, pending waits re-registered and missed scheduler runs caught up.
func (a *app) restore(ctx context.Context) error {
	report, err := a.engine.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover runs: %w", err)
	}
	a.logger.Info("runs recovered",
		slog.Int("advanced", report.Advanced),
		slog.Int("rescheduled", report.Rescheduled),
		slog.Int("failed", report.Failed),
	)

	if !a.cfg.Scheduler.Enabled {
		return nil
	}
	if err := a.scheduler.EnsureDefaultJobs(ctx, a.cfg.Scheduler.Cron); err != nil {
		return fmt.Errorf("seed scheduler jobs: %w", err)
	}
	missed, err := a.scheduler.RecoverMissed(ctx)
	if err != nil {
		return fmt.Errorf("recover scheduler: %w", err)
	}
	if missed > 0 {
		a.logger.Info("missed scheduler jobs caught up", slog.Int("jobs", missed))
	}
	return nil
}

// purgeLoop deletes finished runs older than the retention window every
// sweep interval until ctx ends.
func (a *app) purgeLoop(ctx context.Context) {
	if a.cfg.Retention <= 0 || a.cfg.SweepInterval <= 0 {
		return
	}
	ticker := time.NewTicker(a.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.engine.Purge(ctx, a.cfg.Retention)
			if err != nil {
				a.logger.Warn("retention sweep failed", slog.String("error", err.Error()))
				continue
			}
			if n > 0 {
				a.logger.Info("retention sweep", slog.Int64("runs_deleted", n))
			}
		}
	}
}

// readvanceLoop re-advances RUNNING runs that stopped moving after an
// infrastructure error, every stall interval until ctx ends.
func (a *app) readvanceLoop(ctx context.Context) {
	if a.cfg.StallInterval <= 0 || a.cfg.StalledAfter <= 0 {
		return
	}
	ticker := time.NewTicker(a.cfg.StallInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.engine.Readvance(ctx, a.cfg.StalledAfter)
			if err != nil {
				a.logger.Warn("stalled run sweep failed", slog.String("error", err.Error()))
			}
			if n > 0 {
				a.logger.Info("stalled runs re-advanced", slog.Int("runs", n))
			}
		}
	}
}

// Close releases everything buildApp acquired.
func (a *app) Close() {
	if a.dispatcher != nil {
		a.dispatcher.Close()
	}
	if a.meters != nil {
		_ = a.meters.Shutdown(context.Background())
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
}
