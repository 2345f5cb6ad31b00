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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/chen-liangping/Omni/internal/app/migrate"
	"github.com/chen-liangping/Omni/internal/events"
	"github.com/chen-liangping/Omni/internal/fixtures"
	httpx "github.com/chen-liangping/Omni/internal/http"
	"github.com/chen-liangping/Omni/internal/metrics"
	"github.com/chen-liangping/Omni/internal/repository"
	"github.com/chen-liangping/Omni/internal/repository/memory"
	"github.com/chen-liangping/Omni/internal/repository/postgres"
	"github.com/chen-liangping/Omni/internal/repository/redisstore"
	"github.com/chen-liangping/Omni/internal/service/catalog"
	"github.com/chen-liangping/Omni/internal/service/commit"
	"github.com/chen-liangping/Omni/internal/service/deploy"
	"github.com/chen-liangping/Omni/internal/service/project"
	"github.com/chen-liangping/Omni/internal/service/release"
	"github.com/chen-liangping/Omni/internal/service/scheduler"
	"github.com/chen-liangping/Omni/internal/service/webhook"
	"github.com/chen-liangping/Omni/internal/ws"
	"github.com/chen-liangping/Omni/pkg/config"
	"github.com/chen-liangping/Omni/pkg/logger"
)

func main() {
	cfg := config.LoadServerConfig()
	log := logger.New("omni-api", logger.ParseLevel(cfg.LogLevel))
	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, rdb, err := openStore(ctx, cfg, log)
	if err != nil {
		log.Error("failed to open store", "driver", cfg.StoreDriver, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	if cfg.SeedFile != "" {
		seed, err := fixtures.Load(cfg.SeedFile)
		if err != nil {
			log.Error("failed to load seed", "file", cfg.SeedFile, "error", err)
			os.Exit(1)
		}
		if _, err := fixtures.Apply(ctx, store, seed, log, time.Now()); err != nil {
			log.Error("failed to apply seed", "file", cfg.SeedFile, "error", err)
			os.Exit(1)
		}
	}

	hub := ws.NewHub()
	defer hub.Close()
	local := events.NewLocalBus(hub, log)
	var publisher events.Publisher = local
	if rdb != nil {
		bus := events.NewRedisBus(rdb, cfg.EventsChannel, local, log)
		publisher = bus
		go func() {
			if err := bus.Run(ctx); err != nil {
				log.Warn("event relay stopped", "error", err)
			}
		}()
	}

	rec := metrics.New(prometheus.DefaultRegisterer)
	webhookSvc := webhook.New(store, nil, log, cfg, rec)
	releaseSvc := release.New(store, store, store, store, publisher, webhookSvc, log, rec)
	services := httpx.Services{
		Projects: project.New(store, publisher, log),
		Release:  releaseSvc,
		Commits:  commit.New(store, releaseSvc, publisher, log, rec),
		Deploys:  deploy.New(store, store, publisher, log),
		Webhooks: webhookSvc,
		Catalog:  catalog.New(store, publisher, log),
		Metrics:  rec,
	}

	if sched := scheduler.New(store, releaseSvc, log, cfg); sched != nil {
		go sched.Run(ctx)
	}

	router := httpx.NewRouter(log, services, hub, store.Ping, cfg.SSEHeartbeat)
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("api server starting", "addr", cfg.Addr, "store", cfg.StoreDriver)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("api server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}

// openStore connects the configured driver. The redis client is returned so
// the event bus can share it; it is nil for other drivers.
func openStore(ctx context.Context, cfg config.ServerConfig, log *slog.Logger) (repository.Store, redis.UniversalClient, error) {
	switch cfg.StoreDriver {
	case config.StoreRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		store := redisstore.New(rdb, cfg.RedisKeyPrefix)
		if err := store.Ping(ctx); err != nil {
			_ = rdb.Close()
			return nil, nil, err
		}
		return store, rdb, nil
	case config.StorePostgres:
		if cfg.AutoMigrate {
			runner, err := migrate.New(cfg.DatabaseURL, cfg.MigrationsDir, log)
			if err != nil {
				return nil, nil, fmt.Errorf("configure migrations: %w", err)
			}
			if err := runner.Ensure(ctx); err != nil {
				return nil, nil, fmt.Errorf("apply migrations: %w", err)
			}
		}
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		store := postgres.New(pool)
		if err := store.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return store, nil, nil
	default:
		log.Warn("using in-memory store; state is lost on restart")
		return memory.New(), nil, nil
	}
}
