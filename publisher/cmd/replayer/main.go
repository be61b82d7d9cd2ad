package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"match-event-delivery/publisher/internal/app"
	"match-event-delivery/publisher/internal/replay"
	"match-event-delivery/shared/config"
	"match-event-delivery/shared/lockx"
	"match-event-delivery/shared/logx"
	"match-event-delivery/shared/metricsx"
	"match-event-delivery/shared/observability"
	"match-event-delivery/shared/queuex"
)

const (
	taskReplayScan = "fallback.scan"
	scanLockKey    = "match-event-delivery:replay-scan"
)

func main() {
	cfg, problems := config.Load("match-event-replayer", 8081)
	logger := logx.New(cfg.ServiceName, cfg.Env, cfg.Version, cfg.LogLevel)

	if cfg.AsynqRedisAddr == "" {
		problems = append(problems, config.Problem{Field: "ASYNQ_REDIS_ADDR", Message: "ASYNQ_REDIS_ADDR is required"})
	}
	if len(cfg.KafkaBrokers) == 0 {
		problems = append(problems, config.Problem{Field: "KAFKA_BROKERS", Message: "KAFKA_BROKERS is required"})
	}
	if len(problems) > 0 {
		logger.Error(context.Background(), "config_invalid", "invalid config",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.Any("problems", problems),
		)
		os.Exit(1)
	}

	if shutdown, err := observability.InitTracer(context.Background(), observability.TracerConfigFrom(cfg)); err == nil {
		defer func() { _ = shutdown(context.Background()) }()
	}
	metricsx.Register()

	a, err := app.Build(context.Background(), cfg, logger)
	if err != nil {
		logger.Error(context.Background(), "wiring_failed", "delivery pipeline init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if a.Recorder != nil {
		go a.Recorder.Run(ctx)
	}

	hostname, _ := os.Hostname()
	svc := replay.New(a.Publisher, logger, replay.Options{
		Owner:       cfg.ServiceName + "@" + hostname,
		BatchSize:   cfg.ReplayBatchSize,
		MaxAttempts: cfg.ReplayMaxAttempts,
	}, a.ReplayStores()...)

	redisOpt := queuex.RedisOpt(cfg)
	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.AsynqConcurrency,
		Queues: map[string]int{
			cfg.AsynqQueue: 1,
		},
		RetryDelayFunc: func(n int, _ error, _ *asynq.Task) time.Duration {
			return replay.RetryDelay(n)
		},
	})
	defer server.Shutdown()

	lockTTL := time.Duration(cfg.ReplayLockTTLSec) * time.Second
	mux := asynq.NewServeMux()
	mux.HandleFunc(queuex.TaskReplay, svc.HandleTask)
	mux.HandleFunc(taskReplayScan, func(ctx context.Context, t *asynq.Task) error {
		ctx, span := otel.Tracer("asynq").Start(ctx, "replay.scan")
		span.SetAttributes(attribute.String("queue", cfg.AsynqQueue))
		defer span.End()

		scan := func(ctx context.Context) error {
			_, err := svc.Scan(ctx)
			return err
		}
		if a.Redis == nil {
			return scan(ctx)
		}
		ran, err := lockx.WithLock(ctx, a.Redis.Client(), scanLockKey, lockTTL, scan)
		if err != nil {
			return err
		}
		if !ran {
			logger.Debug(ctx, "replay_scan_skipped", "another replayer holds the scan lock")
		}
		return nil
	})

	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{
		Location: time.UTC,
	})
	defer scheduler.Shutdown()
	// scans are periodic; a missed one is picked up by the next tick
	scanTask := asynq.NewTask(taskReplayScan, nil, asynq.Queue(cfg.AsynqQueue), asynq.MaxRetry(0))
	if _, err := scheduler.Register("@every "+strconv.Itoa(cfg.ReplayScanSec)+"s", scanTask); err != nil {
		logger.Error(context.Background(), "scheduler_init_failed", "scheduler init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	if err := scheduler.Start(); err != nil {
		logger.Error(context.Background(), "scheduler_start_failed", "scheduler start failed",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	inspector := asynq.NewInspector(redisOpt)
	defer inspector.Close()
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			if info, err := inspector.GetQueueInfo(cfg.AsynqQueue); err == nil {
				metricsx.SetAsynqQueueDepth(cfg.AsynqQueue, info.Size)
			}
			if a.Spool != nil {
				if counts, err := a.Spool.Counts(ctx); err == nil {
					metricsx.SetSpoolRecords(counts)
				}
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "worker_start", "replayer started",
			slog.String("queue", cfg.AsynqQueue),
			slog.Int("concurrency", cfg.AsynqConcurrency),
			slog.Int("scan_interval_sec", cfg.ReplayScanSec),
			slog.Int("stores", len(a.ReplayStores())),
		)
		errCh <- server.Run(mux)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info(context.Background(), "shutdown_signal", "received signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if !errors.Is(err, asynq.ErrServerClosed) {
			logger.Error(context.Background(), "worker_failed", "worker failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	}

	logger.Info(context.Background(), "worker_stop", "replayer stopped")
}
