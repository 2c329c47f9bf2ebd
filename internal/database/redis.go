package database

import (
	"context"
	"fmt"

	"github.com/radiusdt/vector-attribution/internal/config"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisDB holds the client behind the dedup index and the outcome buckets.
type RedisDB struct {
	Client *redis.Client
	addr   string
	logger *zap.Logger
}

func NewRedisDB(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (*RedisDB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := &redis.Options{
		Addr:       cfg.Addr,
		Password:   cfg.Password,
		DB:         cfg.DB,
		PoolSize:   cfg.PoolSize,
		ClientName: "vector-attribution",
	}
	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis %s: ping: %w", cfg.Addr, err)
	}

	logger.Info("redis ready",
		zap.String("addr", cfg.Addr),
		zap.Int("db", cfg.DB),
		zap.Int("pool_size", cfg.PoolSize),
	)
	return &RedisDB{Client: client, addr: cfg.Addr, logger: logger}, nil
}

// Health is the readiness check.
func (r *RedisDB) Health(ctx context.Context) error {
	if err := r.Client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis %s: %w", r.addr, err)
	}
	return nil
}

func (r *RedisDB) Close() error {
	if r == nil || r.Client == nil {
		return nil
	}
	stats := r.Client.PoolStats()
	r.logger.Info("redis closing",
		zap.Uint32("hits", stats.Hits),
		zap.Uint32("misses", stats.Misses),
		zap.Uint32("timeouts", stats.Timeouts),
	)
	return r.Client.Close()
}
