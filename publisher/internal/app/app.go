// Package app wires configuration into a ready-to-use publisher and its
// dependencies. Both the publisher and replayer commands build through it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"match-event-delivery/publisher/internal/api"
	"match-event-delivery/publisher/internal/delivery"
	"match-event-delivery/publisher/internal/fallback"
	"match-event-delivery/publisher/internal/idempotency"
	"match-event-delivery/publisher/internal/replay"
	"match-event-delivery/publisher/internal/repos"
	"match-event-delivery/shared/breakerx"
	"match-event-delivery/shared/config"
	"match-event-delivery/shared/dbx"
	"match-event-delivery/shared/influxx"
	"match-event-delivery/shared/logx"
	"match-event-delivery/shared/mqx"
	"match-event-delivery/shared/queuex"
	"match-event-delivery/shared/redisx"
	"match-event-delivery/shared/retryx"
	"match-event-delivery/shared/spoolx"
)

type App struct {
	Config    config.Config
	Logger    logx.Logger
	Publisher *delivery.Publisher
	Cache     *idempotency.Cache
	Breakers  *breakerx.Registry

	Transport *mqx.Transport
	Queue     *queuex.Queue
	Pool      *pgxpool.Pool
	Repo      *repos.FallbackRepo
	Spool     *spoolx.Spool
	Redis     *redisx.Client
	Influx    *influxx.Client
	// Recorder is set with Influx; its Run must be started by the command.
	Recorder *InfluxRecorder

	// Problems are dependency issues found while wiring; the service still
	// starts but reports them on /readyz.
	Problems []config.Problem
}

// RetryPolicy maps the retry settings onto a retryx policy.
func RetryPolicy(cfg config.Config) retryx.Policy {
	return retryx.Policy{
		MaxAttempts:   cfg.RetryMaxAttempts,
		InitialDelay:  time.Duration(cfg.RetryInitialDelayMS) * time.Millisecond,
		BackoffFactor: cfg.RetryBackoffFactor,
		MaxDelay:      time.Duration(cfg.RetryMaxDelayMS) * time.Millisecond,
	}
}

func BreakerSettings(cfg config.Config) breakerx.Settings {
	return breakerx.Settings{
		MaxFailures:  cfg.BreakerMaxFailures,
		ResetTimeout: time.Duration(cfg.BreakerResetTimeoutMS) * time.Millisecond,
	}
}

// Build connects every configured dependency. The primary transport and at
// least one fallback tier are required; anything else that fails to come up
// is recorded as a problem and left out.
func Build(ctx context.Context, cfg config.Config, logger logx.Logger) (*App, error) {
	a := &App{
		Config:   cfg,
		Logger:   logger,
		Cache:    idempotency.New(time.Duration(cfg.CacheDefaultTTLSec) * time.Second),
		Breakers: breakerx.NewRegistry(BreakerSettings(cfg), logger),
	}

	transport, err := mqx.NewTransport(cfg)
	if err != nil {
		return nil, fmt.Errorf("primary transport: %w", err)
	}
	a.Transport = transport

	lease := time.Duration(cfg.ReplayLockTTLSec) * time.Second
	if cfg.DatabaseURL != "" {
		pool, err := dbx.NewPool(cfg)
		if err != nil {
			a.problem(ctx, "DATABASE_URL", "failed to connect to database", err)
		} else {
			a.Pool = pool
			a.Repo = repos.NewFallbackRepo(pool, lease)
			if err := a.Repo.EnsureSchema(ctx); err != nil {
				a.problem(ctx, "DATABASE_URL", "failed to prepare fallback_records", err)
			}
		}
	}
	if cfg.AsynqRedisAddr != "" {
		q, err := queuex.New(cfg)
		if err != nil {
			a.problem(ctx, "ASYNQ_REDIS_ADDR", "failed to init secondary queue", err)
		} else {
			a.Queue = q
		}
	}
	if cfg.SpoolPath != "" {
		spool, err := spoolx.Open(cfg.SpoolPath, lease)
		if err != nil {
			a.problem(ctx, "SPOOL_PATH", "failed to open local spool", err)
		} else {
			a.Spool = spool
		}
	}
	if cfg.RedisAddr != "" {
		rc, err := redisx.New(cfg)
		if err != nil {
			a.problem(ctx, "REDIS_ADDR", "failed to init redis", err)
		} else {
			a.Redis = rc
		}
	}
	if cfg.InfluxURL != "" {
		ic, err := influxx.New(cfg)
		if err != nil {
			a.problem(ctx, "INFLUX_URL", "failed to init influx", err)
		} else {
			a.Influx = ic
		}
	}

	tiers, err := a.tiers(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	chain, err := fallback.NewChain(logger, tiers...)
	if err != nil {
		a.Close()
		return nil, err
	}

	deps := delivery.Deps{
		Transport:       transport,
		Retrier:         retryx.New(delivery.DependencyPrimary, RetryPolicy(cfg), logger),
		Breakers:        a.Breakers,
		Cache:           a.Cache,
		Chain:           chain,
		Logger:          logger,
		FallbackTimeout: time.Duration(cfg.FallbackTimeoutMS) * time.Millisecond,
	}
	if a.Influx != nil {
		a.Recorder = NewInfluxRecorder(a.Influx, logger)
		deps.Recorders = append(deps.Recorders, a.Recorder)
	}
	if a.Redis != nil {
		deps.Alerter = NewRedisAlerter(a.Redis, cfg.AlertChannel, logger)
	}
	a.Publisher, err = delivery.New(deps)
	if err != nil {
		a.Close()
		return nil, err
	}

	logger.Info(ctx, "delivery_wired", "delivery pipeline ready",
		slog.Any("fallback_tiers", chain.Tiers()),
		slog.Int("retry_max_attempts", cfg.RetryMaxAttempts),
		slog.Int("breaker_max_failures", cfg.BreakerMaxFailures),
	)
	return a, nil
}

// tiers follows FALLBACK_TIERS order, skipping tiers whose backend is down.
func (a *App) tiers(ctx context.Context) ([]fallback.Tier, error) {
	policy := RetryPolicy(a.Config)
	out := make([]fallback.Tier, 0, len(a.Config.FallbackTiers))
	for _, name := range a.Config.FallbackTiers {
		var sink fallback.Sink
		switch name {
		case config.TierSecondaryQueue:
			if a.Queue != nil {
				sink = fallback.QueueSink(name, a.Queue)
			}
		case config.TierDurableStore:
			if a.Repo != nil {
				sink = fallback.ObjectSink(name, a.Repo)
			}
		case config.TierLocalSpool:
			if a.Spool != nil {
				sink = fallback.ObjectSink(name, a.Spool)
			}
		}
		if sink == nil {
			a.Logger.Warn(ctx, "fallback_tier_skipped", "fallback tier has no backend",
				slog.String("tier", name),
				slog.String("error_code", "FAILED_PRECONDITION"),
			)
			continue
		}
		out = append(out, fallback.Tier{
			Sink:    sink,
			Breaker: a.Breakers.Get(name),
			Retrier: retryx.New(name, policy, a.Logger),
		})
	}
	if len(out) == 0 {
		return nil, errors.New("no fallback tier could be initialized")
	}
	return out, nil
}

// ReplayStores are the durable tiers the replayer scans.
func (a *App) ReplayStores() []replay.Store {
	var out []replay.Store
	if a.Repo != nil {
		out = append(out, a.Repo)
	}
	if a.Spool != nil {
		out = append(out, a.Spool)
	}
	return out
}

// Checks are the readiness probes for the dependencies that came up.
func (a *App) Checks() []api.Check {
	var out []api.Check
	if a.Pool != nil {
		pool := a.Pool
		out = append(out, api.Check{Name: "postgres", Ping: func(ctx context.Context) error { return dbx.Ping(ctx, pool) }})
	}
	if a.Redis != nil {
		out = append(out, api.Check{Name: "redis", Ping: a.Redis.Ping})
	}
	if a.Influx != nil {
		out = append(out, api.Check{Name: "influx", Ping: a.Influx.Ready})
	}
	return out
}

func (a *App) Close() {
	ctx := context.Background()
	closers := []struct {
		name string
		fn   func() error
	}{
		{"kafka", func() error { return a.Transport.Close() }},
		{"asynq", func() error { return a.Queue.Close() }},
		{"spool", func() error {
			if a.Spool == nil {
				return nil
			}
			return a.Spool.Close()
		}},
		{"redis", func() error { return a.Redis.Close() }},
	}
	for _, c := range closers {
		if err := c.fn(); err != nil {
			a.Logger.Warn(ctx, "close_failed", "dependency close failed",
				slog.String("dependency", c.name),
				slog.String("error", err.Error()),
			)
		}
	}
	if a.Pool != nil {
		a.Pool.Close()
	}
	a.Influx.Close()
}

func (a *App) problem(ctx context.Context, field, msg string, err error) {
	a.Problems = append(a.Problems, config.Problem{Field: field, Message: msg})
	a.Logger.Error(ctx, "dependency_init_failed", msg,
		slog.String("field", field),
		slog.String("error_code", "FAILED_PRECONDITION"),
		slog.String("error", err.Error()),
	)
}
