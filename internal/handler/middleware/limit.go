package middleware

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/makkenzo/activation-platform/internal/ierr"
	"go.uber.org/zap"
)

const failedAttemptContextKey = "failedAttempt"

type AttemptLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	RecordFailure(ctx context.Context, key string) error
}

type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// MarkFailedAttempt flags the current request as a failed activation attempt.
func MarkFailedAttempt(c *gin.Context) {
	c.Set(failedAttemptContextKey, true)
}

// AttemptLimit rejects clients that have used up their failed-attempt budget
// and counts requests the handler marked as failed. Limiter outages fail open.
func AttemptLimit(limiter AttemptLimiter, logger *zap.Logger) gin.HandlerFunc {
	log := logger.Named("AttemptLimit")
	return func(c *gin.Context) {
		key := c.ClientIP()

		allowed, err := limiter.Allow(c.Request.Context(), key)
		if err != nil {
			log.Error("Attempt limiter unavailable", zap.Error(err))
		} else if !allowed {
			log.Warn("Too many failed activation attempts", zap.String("clientIP", key))
			_ = c.Error(ierr.ErrTooManyRequests)
			c.Abort()
			return
		}

		c.Next()

		if c.GetBool(failedAttemptContextKey) {
			if err := limiter.RecordFailure(context.WithoutCancel(c.Request.Context()), key); err != nil {
				log.Error("Failed to record activation attempt", zap.Error(err))
			}
		}
	}
}

func RateLimit(limiter RateLimiter, logger *zap.Logger) gin.HandlerFunc {
	log := logger.Named("RateLimit")
	return func(c *gin.Context) {
		allowed, err := limiter.Allow(c.Request.Context(), c.ClientIP())
		if err != nil {
			log.Error("Rate limiter unavailable", zap.Error(err))
		} else if !allowed {
			_ = c.Error(ierr.ErrTooManyRequests)
			c.Abort()
			return
		}
		c.Next()
	}
}
