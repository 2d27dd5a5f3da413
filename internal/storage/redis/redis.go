package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/makkenzo/activation-platform/internal/config"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const defaultClientName = "activation-platform"

func NewRedisClient(ctx context.Context, cfg *config.RedisConfig, logger *zap.Logger) (*redis.Client, error) {
	opts := clientOptions(cfg)
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	logger.Info("Successfully connected to Redis",
		zap.String("addr", opts.Addr),
		zap.Int("db", opts.DB),
		zap.Int("poolSize", opts.PoolSize),
	)
	return client, nil
}

// clientOptions maps the redis section onto go-redis. The limiters issue short
// pipelines on the request path, so the timeouts stay tight by default.
func clientOptions(cfg *config.RedisConfig) *redis.Options {
	name := cfg.ClientName
	if name == "" {
		name = defaultClientName
	}
	return &redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		ClientName:   name,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
}

// Ping adapts the client for health checks.
func Ping(client *redis.Client) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}
}
