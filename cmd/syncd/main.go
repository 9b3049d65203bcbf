package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"offline-sync/internal/api"
	"offline-sync/internal/config"
	"offline-sync/internal/network"
	"offline-sync/internal/offline"
	"offline-sync/internal/persist"
	"offline-sync/internal/queue"
	"offline-sync/internal/ratelimit"
	"offline-sync/internal/remote"
	"offline-sync/internal/retry"
	"offline-sync/internal/scheduler"
)

func main() {
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	profile, err := config.LoadProfile(cfg)
	if err != nil {
		logger.Error("load client profile", "err", err)
		os.Exit(1)
	}

	store, closeStore := persist.Open(ctx, cfg, logger)
	defer func() {
		if err := closeStore(); err != nil {
			logger.Warn("close persistence", "err", err)
		}
	}()

	svc, closeRemote, err := remote.Open(ctx, cfg, logger)
	if err != nil {
		logger.Error("connect remote service", "backend", cfg.RemoteBackend, "err", err)
		os.Exit(1)
	}
	defer closeRemote()

	var prober network.Prober
	if cfg.ProbeURL != "" {
		prober = network.NewHTTPProber(cfg.ProbeURL, cfg.RemoteTimeout)
	}
	monitor := network.NewMonitor(prober, logger)

	facade, err := offline.New(offline.Deps{
		Queues:  queue.NewSet(store, profile, logger, nil),
		Remote:  svc,
		Network: monitor,
		Store:   store,
		Policy:  retry.New(cfg.BackoffInitial, cfg.BackoffMax),
		Logger:  logger,
	})
	if err != nil {
		logger.Error("build offline facade", "err", err)
		os.Exit(1)
	}
	defer facade.Close()
	facade.Load(ctx)

	limiter := newLimiter(ctx, cfg, logger)

	if prober != nil {
		go func() {
			if err := monitor.Watch(ctx, cfg.ProbeInterval); err != nil && ctx.Err() == nil {
				logger.Warn("connectivity watch stopped", "err", err)
			}
		}()
	}

	sched := scheduler.New(facade, monitor, cfg.SyncInterval, cfg.SettleDelay, logger)
	go func() {
		if err := sched.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Warn("scheduler stopped", "err", err)
		}
	}()

	server := api.New(facade, monitor, limiter, logger)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("syncd listening",
		"port", cfg.HTTPPort,
		"profile", profile.Name,
		"persist", cfg.PersistBackend,
		"remote", cfg.RemoteBackend,
	)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("listen", "err", err)
			cancel()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// newLimiter returns nil, disabling rate limiting, when Redis is unreachable.
func newLimiter(ctx context.Context, cfg config.Config, logger *slog.Logger) api.Limiter {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("rate limiting disabled, redis unavailable", "addr", cfg.RedisAddr, "err", err)
		_ = client.Close()
		return nil
	}
	return ratelimit.NewTokenBucket(client, cfg.RateLimitCapacity, cfg.RateLimitRefill, cfg.RateLimitTTL)
}
