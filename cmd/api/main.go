package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/dunamismax/mediaflow/internal/api"
	"github.com/dunamismax/mediaflow/internal/app"
	"github.com/dunamismax/mediaflow/internal/config"
	"github.com/dunamismax/mediaflow/internal/jobs"
	"github.com/dunamismax/mediaflow/internal/queue"
	"github.com/dunamismax/mediaflow/internal/ratelimit"
	"github.com/dunamismax/mediaflow/internal/telemetry"
	"github.com/dunamismax/mediaflow/internal/worker"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// queueSlack covers publish, probe and mirror after the provider returns.
const queueSlack = 5 * time.Minute

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	logger := telemetry.NewLogger(cfg.AppEnv, cfg.LogLevel).With().Str("service", "api").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, cfg.Telemetry, "api", logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("tracing setup failed")
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("tracing shutdown failed")
		}
	}()

	a, err := app.New(ctx, &cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("startup failed")
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn().Err(err).Msg("job store close failed")
		}
	}()

	dispatcher, closeDispatcher := newDispatcher(ctx, &cfg, a, logger)
	defer closeDispatcher()

	svc, err := a.Jobs(dispatcher)
	if err != nil {
		logger.Fatal().Err(err).Msg("job service setup failed")
	}

	limiter, closeLimiter := newRateLimiter(&cfg, logger)
	defer closeLimiter()

	srv, err := api.NewServer(api.Options{
		Jobs:                  svc,
		Logger:                logger,
		Registry:              a.Registry,
		RateLimiter:           limiter,
		RateLimitUserIDHeader: cfg.API.RateLimitUserIDKey,
		MaxUploadBytes:        cfg.API.MaxUploadBytes,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("api setup failed")
	}

	httpServer := &http.Server{
		Addr:              cfg.API.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.API.Addr).Str("dispatch", cfg.Worker.Dispatch).Msg("listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info().Msg("shutting down")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("graceful shutdown failed")
	}
}

// newDispatcher runs jobs on an in-process pool, or enqueues them for
// cmd/worker when WORKER_DISPATCH=asynq.
func newDispatcher(ctx context.Context, cfg *config.Config, a *app.App, logger zerolog.Logger) (jobs.Dispatcher, func()) {
	if cfg.Worker.Dispatch == "asynq" {
		client := queue.NewClient(cfg.Queue.RedisClientOpt(), cfg.Queue.Name, cfg.Worker.ProviderTimeout+queueSlack)
		return client, func() {
			if err := client.Close(); err != nil {
				logger.Warn().Err(err).Msg("queue client close failed")
			}
		}
	}

	pool := worker.NewPool(a.Executor, cfg.Worker.Concurrency, cfg.Worker.QueueSize, logger.With().Str("component", "pool").Logger(), a.WorkerMetrics)
	pool.Start(ctx)
	if _, err := pool.Recover(ctx, a.Store); err != nil {
		logger.Error().Err(err).Msg("job recovery failed")
	}
	return pool, pool.Stop
}

func newRateLimiter(cfg *config.Config, logger zerolog.Logger) (ratelimit.Limiter, func()) {
	if cfg.API.RateLimitCapacity <= 0 {
		return nil, func() {}
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Queue.RedisAddr,
		Password: cfg.Queue.RedisPassword,
		DB:       cfg.Queue.RedisDB,
	})
	limiter, err := ratelimit.NewRedisTokenBucket(client, cfg.API.RateLimitCapacity, cfg.API.RateLimitWindow, ratelimit.DefaultKeyPrefix)
	if err != nil {
		logger.Fatal().Err(err).Msg("rate limiter setup failed")
	}
	return limiter, func() {
		if err := client.Close(); err != nil {
			logger.Warn().Err(err).Msg("redis close failed")
		}
	}
}
