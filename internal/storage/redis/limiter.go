package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// AttemptLimiter counts failed activation attempts per key. The window starts at the first failure.
type AttemptLimiter struct {
	client *redis.Client
	max    int
	window time.Duration
	prefix string
	logger *zap.Logger
}

func NewAttemptLimiter(client *redis.Client, maxAttempts int, window time.Duration, logger *zap.Logger) *AttemptLimiter {
	return &AttemptLimiter{
		client: client,
		max:    maxAttempts,
		window: window,
		prefix: "activation:attempts:",
		logger: logger.Named("AttemptLimiter"),
	}
}

func (l *AttemptLimiter) Allow(ctx context.Context, key string) (bool, error) {
	n, err := l.client.Get(ctx, l.prefix+key).Int()
	if err == redis.Nil {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read attempt counter: %w", err)
	}
	return n < l.max, nil
}

func (l *AttemptLimiter) RecordFailure(ctx context.Context, key string) error {
	k := l.prefix + key
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, k)
		pipe.ExpireNX(ctx, k, l.window)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to record failed attempt: %w", err)
	}
	return nil
}

// RateLimiter is a fixed one-minute window request counter.
type RateLimiter struct {
	client *redis.Client
	limit  int
	now    func() time.Time
	logger *zap.Logger
}

func NewRateLimiter(client *redis.Client, perMinute int, logger *zap.Logger) *RateLimiter {
	return &RateLimiter{
		client: client,
		limit:  perMinute,
		now:    time.Now,
		logger: logger.Named("RateLimiter"),
	}
}

func (l *RateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	k := "ratelimit:" + key + ":" + strconv.FormatInt(l.now().Unix()/60, 10)

	var incr *redis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, k)
		pipe.Expire(ctx, k, 2*time.Minute)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to increment rate counter: %w", err)
	}
	return incr.Val() <= int64(l.limit), nil
}
