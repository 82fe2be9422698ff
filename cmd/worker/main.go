// Command worker consumes generation jobs and drives them against the
// configured backends.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/lumagallery/luma/internal/adapter/backend"
	"github.com/lumagallery/luma/internal/adapter/filestore"
	"github.com/lumagallery/luma/internal/adapter/progress/redishub"
	"github.com/lumagallery/luma/internal/adapter/queue/redpanda"
	"github.com/lumagallery/luma/internal/adapter/repo/postgres"
	"github.com/lumagallery/luma/internal/config"
	"github.com/lumagallery/luma/internal/observability"
	"github.com/lumagallery/luma/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	if err := cfg.Validate(); err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	jobRepo := postgres.NewJobRepo(pool)
	statsRepo := postgres.NewStatsRepo(pool)
	tagRepo := postgres.NewTagRepo(pool)
	contentRepo := postgres.NewContentRepo(pool, statsRepo, postgres.PlannerConfig{})

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer func() { _ = rdb.Close() }()
	hub := redishub.New(rdb)

	store := filestore.NewLocalStore(cfg.StorageBaseDir)
	backends := backend.NewFactory(cfg)
	mat := usecase.NewMaterializer(contentRepo, tagRepo, store)
	worker := usecase.NewWorker(jobRepo, hub, backends, mat, usecase.WorkerConfig{
		PollInterval:       cfg.PollInterval,
		MaxWait:            cfg.MaxWait,
		MaxRetries:         cfg.MaxRetries,
		RetryBackoffBase:   cfg.RetryBackoffBase,
		RetryBackoffFactor: cfg.RetryBackoffFactor,
	})

	consumer, err := redpanda.NewConsumer(cfg.KafkaBrokers, "luma-workers", worker)
	if err != nil {
		slog.Error("queue consumer connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = consumer.Close() }()

	// Metrics endpoint for the worker process.
	metricsSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("worker metrics server starting", slog.Int("port", cfg.Port))
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server error", slog.Any("error", err))
		}
	}()

	slog.Info("worker starting", slog.Any("brokers", cfg.KafkaBrokers))
	if err := consumer.Start(ctx); err != nil && ctx.Err() == nil {
		slog.Error("consumer stopped with error", slog.Any("error", err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
	slog.Info("worker stopped")
}
