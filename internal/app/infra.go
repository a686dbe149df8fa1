package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/tokenvault/vault/internal/platform/cache"
	"github.com/tokenvault/vault/internal/platform/db"
	"github.com/tokenvault/vault/internal/platform/migrations"
)

// Infra holds the external connections a binary opened from Config.
type Infra struct {
	// Pool is nil for the memory store.
	Pool *pgxpool.Pool
	// Redis is nil when redis could not be reached.
	Redis  *redis.Client
	logger *slog.Logger
}

// OpenInfra connects to postgres when the store needs it, applies pending
// migrations when configured to, and attempts a redis connection. Redis is
// best effort: binaries degrade to running without locks and jobs.
func OpenInfra(ctx context.Context, cfg *Config, logger *slog.Logger) (*Infra, error) {
	if logger == nil {
		logger = slog.Default()
	}
	infra := &Infra{logger: logger}
	if cfg.Store == StorePostgres {
		if cfg.MigrateOnStart {
			version, applied, err := migrations.Up(cfg.PGDSN)
			if err != nil {
				return nil, fmt.Errorf("app: migrate: %w", err)
			}
			logger.Info("schema migrated", slog.Uint64("version", uint64(version)), slog.Bool("applied", applied))
		}
		pool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{MaxConns: cfg.PGMaxConns, ConnectTimeout: cfg.PGConnTimeout})
		if err != nil {
			return nil, err
		}
		infra.Pool = pool
	}

	client, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err != nil {
		logger.Warn("redis unavailable", slog.Any("error", err))
	} else {
		infra.Redis = client
	}
	return infra, nil
}

// AsynqRedisOpt returns the redis settings for the job queue.
func (c *Config) AsynqRedisOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: c.RedisAddr, Password: c.RedisPassword, DB: c.RedisDB}
}

// Readiness returns checks for every connection that was opened.
func (i *Infra) Readiness() map[string]ReadinessCheck {
	checks := make(map[string]ReadinessCheck)
	if i == nil {
		return checks
	}
	if i.Pool != nil {
		checks["postgres"] = i.Pool.Ping
	}
	if i.Redis != nil {
		checks["redis"] = func(ctx context.Context) error { return i.Redis.Ping(ctx).Err() }
	}
	return checks
}

// Close releases every open connection.
func (i *Infra) Close() {
	if i == nil {
		return
	}
	if i.Redis != nil {
		if err := i.Redis.Close(); err != nil {
			i.logger.Warn("redis close", slog.Any("error", err))
		}
	}
	if i.Pool != nil {
		i.Pool.Close()
	}
}
