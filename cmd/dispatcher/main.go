// Package main is the entry point for the standalone dispatcher. It consumes
// the work queue and starts one build job per queued build.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vyvo/lfs-builder/pkg/bootstrap"
	"github.com/vyvo/lfs-builder/pkg/config"
	"github.com/vyvo/lfs-builder/pkg/pipeline"
	"github.com/vyvo/lfs-builder/pkg/telemetry"
)

func main() {
	logger := telemetry.NewLogger("dispatcher")

	cfg, err := config.LoadDispatcher()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer := telemetry.InitTracer(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.Tracing)
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Warn("tracer shutdown failed", "error", err)
		}
	}()

	store, err := bootstrap.OpenStore(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	q, closeQueue, err := bootstrap.OpenQueue(ctx, cfg.Queue, bootstrap.ConsumerName("dispatcher"), logger)
	if err != nil {
		logger.Error("failed to open work queue", "error", err)
		os.Exit(1)
	}
	defer closeQueue()

	opts := pipeline.Options{
		Logger:  logger,
		Metrics: telemetry.NewMetrics(prometheus.DefaultRegisterer),
		Calls:   pipeline.Calls{Timeout: cfg.CallTimeout, Policy: bootstrap.RetryPolicy(cfg.Retry)},
	}

	runner, err := bootstrap.NewRunner(cfg.Runner, opts.Calls.Policy)
	if err != nil {
		logger.Error("failed to create job runner", "error", err)
		os.Exit(1)
	}

	// Updates made here must still reach the observer.
	dispatchStore := pipeline.NewDispatcherStore(store, opts)
	d := pipeline.NewDispatcher(dispatchStore, runner, pipeline.DispatcherConfig{
		Job:    bootstrap.JobRef(cfg.Runner),
		Bucket: cfg.Artifacts.Bucket,
	}, opts)

	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.MetricsHandler())
	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		logger.Info("dispatcher metrics listening", "addr", cfg.MetricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server error", "error", err)
		}
	}()

	logger.Info("dispatcher consuming",
		"backend", cfg.Queue.Backend,
		"runner", cfg.Runner.Kind,
		"job", bootstrap.JobRef(cfg.Runner).Path())
	if err := q.Consume(ctx, d.Handle); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("consumer stopped", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics shutdown error", "error", err)
	}
	dispatchStore.Wait()
	logger.Info("dispatcher stopped")
}
