package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"match-event-delivery/publisher/internal/api"
	"match-event-delivery/publisher/internal/app"
	"match-event-delivery/publisher/internal/idempotency"
	"match-event-delivery/shared/authx"
	"match-event-delivery/shared/config"
	"match-event-delivery/shared/logx"
	"match-event-delivery/shared/metricsx"
	"match-event-delivery/shared/observability"
)

func main() {
	cfg, problems := config.Load("match-event-publisher", 8080)
	logger := logx.New(cfg.ServiceName, cfg.Env, cfg.Version, cfg.LogLevel)

	if len(cfg.KafkaBrokers) == 0 {
		problems = append(problems, config.Problem{Field: "KAFKA_BROKERS", Message: "KAFKA_BROKERS is required"})
	}
	if cfg.AuthEnabled && (cfg.OIDCIssuer == "" || cfg.OIDCAudience == "" || cfg.OIDCJWKSURL == "") {
		problems = append(problems, config.Problem{Field: "OIDC_ISSUER", Message: "OIDC_ISSUER, OIDC_AUDIENCE and OIDC_JWKS_URL are required when AUTH_ENABLED"})
	}
	if len(problems) > 0 {
		logger.Error(context.Background(), "config_invalid", "invalid config",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.Any("problems", problems),
		)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := observability.InitTracer(ctx, observability.TracerConfigFrom(cfg))
	if err != nil {
		logger.Warn(ctx, "tracer_init_failed", "tracing disabled",
			slog.String("error", err.Error()),
		)
	} else {
		defer func() { _ = shutdownTracer(context.Background()) }()
	}
	metricsx.Register()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error(ctx, "wiring_failed", "delivery pipeline init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer a.Close()

	var verifier *authx.JWTVerifier
	if cfg.AuthEnabled {
		keys, err := authx.NewJWKSCache(ctx, cfg.OIDCJWKSURL, time.Duration(cfg.JWKSTTLSeconds)*time.Second, nil)
		if err == nil {
			verifier, err = authx.NewJWTVerifier(cfg.OIDCIssuer, cfg.OIDCAudience, keys, cfg.JWTClockSkewSec)
		}
		if err != nil {
			logger.Error(ctx, "auth_init_failed", "JWT verifier init failed",
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	}

	handler := api.NewHandler(api.Options{
		Config:    cfg,
		Version:   cfg.Version,
		Publisher: a.Publisher,
		Logger:    logger,
		Verifier:  verifier,
		Problems:  a.Problems,
		Checks:    a.Checks(),
	})
	handler = metricsx.Instrument(handler)
	handler = otelhttp.NewHandler(handler, "http.server")

	server := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.HTTPPort)),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info(gctx, "service_start", "starting service",
			slog.String("addr", server.Addr),
			slog.Int("http_port", cfg.HTTPPort),
			slog.String("log_level", cfg.LogLevel),
			slog.Int("request_timeout_ms", cfg.RequestTimeoutMS),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return idempotency.NewSweeper(a.Cache, time.Duration(cfg.CacheSweepIntervalMS)*time.Millisecond, logger).Run(gctx)
	})
	if a.Recorder != nil {
		g.Go(func() error {
			a.Recorder.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				pollGauges(gctx, a)
			}
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error(context.Background(), "server_failed", "server failed",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	logger.Info(context.Background(), "service_stop", "service stopped")
}

func pollGauges(ctx context.Context, a *app.App) {
	if a.Queue != nil {
		if depth, err := a.Queue.Depth(); err == nil {
			metricsx.SetAsynqQueueDepth(a.Queue.Name(), depth)
		}
	}
	if a.Spool != nil {
		if counts, err := a.Spool.Counts(ctx); err == nil {
			metricsx.SetSpoolRecords(counts)
		}
	}
}
