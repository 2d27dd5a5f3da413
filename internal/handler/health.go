package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type PingFunc func(ctx context.Context) error

type HealthHandler struct {
	db     PingFunc
	redis  PingFunc
	logger *zap.Logger
}

func NewHealthHandler(db, redis PingFunc, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{
		db:     db,
		redis:  redis,
		logger: logger.Named("HealthHandler"),
	}
}

func (h *HealthHandler) Check(c *gin.Context) {
	dbStatus := h.probe(c.Request.Context(), "PostgreSQL", h.db)
	redisStatus := h.probe(c.Request.Context(), "Redis", h.redis)

	status, code := "ok", http.StatusOK
	if dbStatus == "error" || redisStatus == "error" {
		status, code = "unhealthy", http.StatusServiceUnavailable
	}

	c.JSON(code, gin.H{
		"status": status,
		"dependencies": gin.H{
			"database": dbStatus,
			"redis":    redisStatus,
		},
	})
}

func (h *HealthHandler) probe(ctx context.Context, name string, ping PingFunc) string {
	if ping == nil {
		return "disabled"
	}
	if err := ping(ctx); err != nil {
		h.logger.Error("Health check: ping failed", zap.String("dependency", name), zap.Error(err))
		return "error"
	}
	return "ok"
}
