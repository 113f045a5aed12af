package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bid-evaluation-service/internal/config"
	"bid-evaluation-service/internal/core"
	"bid-evaluation-service/internal/telemetry"
	"bid-evaluation-service/internal/worker"
)

func main() {
	cfg := config.Load()
	slog.SetDefault(telemetry.NewLogger(os.Stdout, cfg.LogLevel))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cfg.OTelEnabled {
		shutdown, err := telemetry.InitTracer(os.Stderr)
		if err != nil {
			slog.Error("init tracer", "error", err)
			os.Exit(1)
		}
		defer func() { _ = shutdown(context.Background()) }()
	}

	c, err := core.New(ctx, cfg, core.Deps{})
	if err != nil {
		slog.Error("init core", "error", err)
		os.Exit(1)
	}
	defer c.Close()

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		if hostname, _ := os.Hostname(); hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}
	processor := worker.NewProcessor(c.Queue, c.Executor, c.Relay, worker.OptionsFromConfig(cfg), workerID)

	metrics := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Warn("metrics server stopped", "error", err)
		}
	}()
	defer metrics.Close()

	slog.Info("worker started",
		"worker_id", workerID,
		"queues", cfg.WorkerQueueNames,
		"concurrency", cfg.WorkerConcurrency,
		"backoff_base", cfg.WorkerBackoffBase)
	if err := processor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("worker stopped", "error", err)
	}
}
