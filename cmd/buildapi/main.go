// Package main is the entry point for the LFS build API: submissions, status
// queries, the administrative override, job reports, and the create/update
// triggers that move builds onto the work queue.
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
	"github.com/vyvo/lfs-builder/pkg/httpapi"
	"github.com/vyvo/lfs-builder/pkg/pipeline"
	"github.com/vyvo/lfs-builder/pkg/telemetry"
)

func main() {
	logger := telemetry.NewLogger("buildapi")

	cfg, err := config.LoadAPI()
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

	q, closeQueue, err := bootstrap.OpenQueue(ctx, cfg.Queue, bootstrap.ConsumerName("buildapi"), logger)
	if err != nil {
		logger.Error("failed to open work queue", "error", err)
		os.Exit(1)
	}
	defer closeQueue()

	linker, err := bootstrap.NewLinker(ctx, cfg.Artifacts)
	if err != nil {
		logger.Error("failed to configure artifact links", "error", err)
		os.Exit(1)
	}

	opts := pipeline.Options{
		Logger:  logger,
		Metrics: telemetry.NewMetrics(prometheus.DefaultRegisterer),
		Calls:   pipeline.Calls{Timeout: cfg.CallTimeout, Policy: bootstrap.RetryPolicy(cfg.Retry)},
	}
	p := pipeline.New(pipeline.Deps{
		Store:              store,
		Queue:              q,
		Verifier:           bootstrap.Verifier(cfg.Auth),
		Linker:             linker,
		TriggerConcurrency: cfg.TriggerConcurrency,
		RecentDefault:      cfg.RecentLimitDefault,
		RecentMax:          cfg.RecentLimitMax,
	}, opts)

	if cfg.Admin.Token == "" {
		logger.Warn("admin.token is not set; /admin/cancel is unauthenticated")
	}
	if cfg.Internal.Token == "" {
		logger.Warn("internal.token is not set; job reports are unauthenticated")
	}

	sweeper, err := pipeline.NewSweeper(p.Store, p.Publisher, cfg.Sweeper.Interval, cfg.Sweeper.StaleAfter, opts)
	if err != nil {
		logger.Error("failed to create sweeper", "error", err)
		os.Exit(1)
	}
	if err := sweeper.Start(); err != nil {
		logger.Error("failed to start sweeper", "error", err)
		os.Exit(1)
	}

	consumerDone := make(chan struct{})
	if cfg.Dispatcher.Embedded {
		runner, err := bootstrap.NewRunner(cfg.Runner, opts.Calls.Policy)
		if err != nil {
			logger.Error("failed to create job runner", "error", err)
			os.Exit(1)
		}
		d := pipeline.NewDispatcher(p.Store, runner, pipeline.DispatcherConfig{
			Job:    bootstrap.JobRef(cfg.Runner),
			Bucket: cfg.Artifacts.Bucket,
		}, opts)
		go func() {
			defer close(consumerDone)
			logger.Info("embedded dispatcher consuming", "backend", cfg.Queue.Backend)
			if err := q.Consume(ctx, d.Handle); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("embedded dispatcher stopped", "error", err)
			}
		}()
	} else {
		close(consumerDone)
	}

	server := httpapi.New(p, httpapi.Config{
		AdminToken:    cfg.Admin.Token,
		InternalToken: cfg.Internal.Token,
		Ping:          store.Ping,
	}, logger)
	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown error", "error", err)
		}
	}()

	logger.Info("build api listening", "addr", cfg.ListenAddr, "queue", cfg.Queue.Backend, "embedded_dispatcher", cfg.Dispatcher.Embedded)
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("listen failed", "error", err)
		stop()
	}

	<-ctx.Done()
	if err := sweeper.Stop(); err != nil {
		logger.Warn("sweeper shutdown error", "error", err)
	}
	<-consumerDone
	p.Store.Wait()
	logger.Info("build api stopped")
}
