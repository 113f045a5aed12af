package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"bid-evaluation-service/internal/api"
	"bid-evaluation-service/internal/auth"
	"bid-evaluation-service/internal/config"
	"bid-evaluation-service/internal/core"
	"bid-evaluation-service/internal/ratelimit"
	"bid-evaluation-service/internal/telemetry"
)

func main() {
	cfg := config.Load()
	slog.SetDefault(telemetry.NewLogger(os.Stdout, cfg.LogLevel))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
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

	server := api.New(c, api.Options{
		Verifier: auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTTenantClaim),
		Limiter:  newLimiter(cfg),
	})
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("api listening", "port", cfg.HTTPPort, "env", cfg.Env)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("listen", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}

// newLimiter shares buckets through redis when the queue runs there and
// keeps them in process otherwise.
func newLimiter(cfg config.Config) ratelimit.Limiter {
	if strings.EqualFold(cfg.QueueBackend, "redis") {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		return ratelimit.NewTokenBucket(client, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	}
	return ratelimit.NewLocal(cfg.RateLimitCapacity, cfg.RateLimitRefill)
}
