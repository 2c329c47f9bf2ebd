package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/radiusdt/vector-attribution/internal/app"
	"github.com/radiusdt/vector-attribution/internal/archive"
	"github.com/radiusdt/vector-attribution/internal/attribution"
	"github.com/radiusdt/vector-attribution/internal/config"
	"github.com/radiusdt/vector-attribution/internal/httpserver"
	"github.com/radiusdt/vector-attribution/internal/ingest"
	"github.com/radiusdt/vector-attribution/internal/jobs"
	"github.com/radiusdt/vector-attribution/internal/metrics"
	"github.com/radiusdt/vector-attribution/internal/middleware"
	"github.com/radiusdt/vector-attribution/internal/queue"
	"github.com/radiusdt/vector-attribution/internal/reporting"
	"github.com/radiusdt/vector-attribution/internal/rollup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "vector-attribution: config: %v\n", err)
		os.Exit(2)
	}

	logger, err := middleware.NewLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vector-attribution: logger: %v\n", err)
		os.Exit(2)
	}
	defer logger.Sync()

	logger.Info("starting vector-attribution",
		zap.String("env", cfg.Server.Env),
		zap.String("addr", cfg.Server.Addr),
		zap.String("storage", cfg.Storage.Driver),
		zap.String("queue", cfg.Queue.Driver),
	)

	// Background work runs on ctx; the HTTP server drains on its own deadline.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.NewMetrics(cfg.Metrics.Namespace)
	}

	backends, err := app.Open(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to open backends", zap.Error(err))
	}
	defer backends.Close()

	q, err := backends.NewQueue(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to create job queue", zap.Error(err))
	}
	defer q.Close()

	stores := backends.Stores
	aggregator := rollup.NewAggregator(stores.Metrics, logger, m)
	resolver := attribution.NewResolver(stores, backends.Locker, cfg.Workers.LockTTL, logger, m)
	dispatcher := jobs.NewDispatcher(q, logger)

	pool := queue.NewPool(q, queue.PoolConfig{
		Workers:     cfg.Workers.Count,
		MaxAttempts: cfg.Workers.MaxAttempts,
	}, logger, m)
	jobs.NewHandlers(stores, resolver, dispatcher, aggregator, logger).Register(pool)

	var archiver ingest.Archiver
	var writer *archive.Writer
	if backends.Archive != nil {
		writer = archive.NewWriter(backends.Archive, archive.Config{
			BatchSize:     cfg.ClickHouse.BatchSize,
			FlushInterval: cfg.ClickHouse.FlushInterval,
		}, logger, m)
		archiver = writer
	}

	rateLimitMW := middleware.NewRateLimitMiddleware(cfg.RateLimit, logger, m)

	handler := httpserver.NewServer(&httpserver.Dependencies{
		Ingest: ingest.NewService(ingest.Deps{
			Events:     stores.Events,
			Dedup:      backends.Dedup,
			Geo:        backends.Geo,
			Archive:    archiver,
			Dispatcher: dispatcher,
			Rollup:     aggregator,
			Logger:     logger,
			Metrics:    m,
		}),
		Attribution: attribution.NewService(stores, resolver, dispatcher, logger),
		ROI:         reporting.NewROIService(stores),
		Health:      reporting.NewHealthService(stores, backends.Outcomes, cfg.Health.MaxErrorWindow),
		Rollup:      aggregator,
		Checks:      backends.Checks(),
		RateLimit:   rateLimitMW,
		Config:      cfg,
		Logger:      logger,
		Metrics:     m,
	})

	// Outermost first: outcome, recovery, logging, rate limit, auth.
	outcomeMW := middleware.NewOutcomeMiddleware(backends.Outcomes, []string{"/health", "/health/ready", cfg.Metrics.Path}, logger, m)
	recoveryMW := middleware.NewRecoveryMiddleware(logger, m)
	loggingMW := middleware.NewLoggingMiddleware(logger, "/health", "/health/ready", cfg.Metrics.Path, "/ingest/pixel")
	authMW := middleware.NewAuthMiddleware(cfg.Auth, logger)

	finalHandler := outcomeMW.Handler(
		recoveryMW.Handler(
			loggingMW.Handler(
				rateLimitMW.Handler(
					authMW.Handler(handler),
				),
			),
		),
	)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           finalHandler,
		ReadHeaderTimeout: 2 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	// Background workers stop when ctx is cancelled.
	workers, workerCtx := errgroup.WithContext(ctx)
	workers.Go(func() error {
		return pool.Run(workerCtx)
	})
	if writer != nil {
		workers.Go(func() error {
			writer.Run(workerCtx)
			return nil
		})
	}
	workers.Go(func() error {
		backends.ReportDBStats(workerCtx, m, 15*time.Second)
		return nil
	})
	workers.Go(func() error {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				rateLimitMW.PruneIdle(15 * time.Minute)
			case <-workerCtx.Done():
				return nil
			}
		}
	})

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-sigCtx.Done():
		logger.Info("shutdown requested")
	case err := <-serveErr:
		logger.Error("http server failed", zap.Error(err))
	case <-workerCtx.Done():
		logger.Error("background worker exited", zap.Error(context.Cause(workerCtx)))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// Stop accepting requests first so no new jobs are enqueued.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown incomplete", zap.Error(err))
	}

	// Workers release in-flight jobs and the archive writer flushes.
	cancel()
	if err := workers.Wait(); err != nil {
		logger.Error("worker stopped with error", zap.Error(err))
	}
	logger.Info("stopped")
}
