// Package app initializes and holds the long-lived services shared by the
// role binaries: configuration, logging, the coordinator connection, the
// per-process lock, and the metrics endpoint.
package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xiaofeng19920506/crawl-worker/internal/clock"
	"github.com/xiaofeng19920506/crawl-worker/internal/clock/system"
	"github.com/xiaofeng19920506/crawl-worker/internal/config"
	"github.com/xiaofeng19920506/crawl-worker/internal/coordinator"
	"github.com/xiaofeng19920506/crawl-worker/internal/lock"
	"github.com/xiaofeng19920506/crawl-worker/internal/logging"
	"github.com/xiaofeng19920506/crawl-worker/internal/telemetry"
)

// App holds the services every role binary needs. It is initialized once
// at startup and fails fast when a critical service cannot come up.
type App struct {
	Cfg         config.Config
	Logger      *zap.Logger
	Clock       clock.Clock
	Coordinator coordinator.Client
	Lease       *lock.Lock
}

// New loads configuration, builds the logger, dials the coordinator, and
// acquires this process's (role,id) lock. A non-stale lock holder is
// fatal: the process must exit non-zero without touching shared state.
func New(ctx context.Context, cfgPath, role string) (*App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.Role.Name == "" {
		cfg.Role.Name = role
	}
	if cfg.Role.Name != role {
		return nil, fmt.Errorf("config role %q does not match binary role %q", cfg.Role.Name, role)
	}

	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	logger = logger.Named(role).With(zap.String("id", cfg.Role.ID))
	zap.ReplaceGlobals(logger)

	client, err := coordinator.NewRedisClient(ctx, coordinator.RedisOptions{
		Addr:     cfg.Coordinator.Addr,
		Password: cfg.Coordinator.Password,
		DB:       cfg.Coordinator.DB,
	})
	if err != nil {
		return nil, fmt.Errorf("connect coordinator: %w", err)
	}

	clk := system.New()
	lease := lock.New(client, clk, logger, role, cfg.Role.ID, lock.Params{
		TTL:            time.Duration(cfg.Lock.TTLSeconds) * time.Second,
		Stale:          time.Duration(cfg.Lock.StaleSeconds) * time.Second,
		OwnershipDrift: time.Duration(cfg.Lock.OwnershipDriftSeconds) * time.Second,
	})
	if err := lease.Acquire(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("acquire %s lock: %w", role, err)
	}
	telemetry.LockAcquisitionsTotal.WithLabelValues(role, "acquired").Inc()

	if addr := cfg.Metrics.Addr; addr != "" {
		go telemetry.Serve(addr, logger)
	}

	logger.Info("services initialized",
		zap.String("coordinator", cfg.Coordinator.Addr))
	return &App{
		Cfg:         cfg,
		Logger:      logger,
		Clock:       clk,
		Coordinator: client,
		Lease:       lease,
	}, nil
}

// Close releases the lock and the coordinator connection on graceful
// shutdown.
func (a *App) Close(ctx context.Context) {
	if err := a.Lease.Release(ctx); err != nil {
		a.Logger.Warn("lock release failed", zap.Error(err))
	}
	if err := a.Coordinator.Close(); err != nil {
		a.Logger.Warn("coordinator close failed", zap.Error(err))
	}
	_ = a.Logger.Sync()
}
