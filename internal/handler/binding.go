package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/makkenzo/activation-platform/internal/codegen"
	"github.com/makkenzo/activation-platform/internal/handler/dto"
	"github.com/makkenzo/activation-platform/internal/handler/middleware"
	"github.com/makkenzo/activation-platform/internal/service"
	"go.uber.org/zap"
)

type BindingHandler struct {
	binding *service.BindingService
	logger  *zap.Logger
}

func NewBindingHandler(binding *service.BindingService, logger *zap.Logger) *BindingHandler {
	return &BindingHandler{
		binding: binding,
		logger:  logger.Named("BindingHandler"),
	}
}

func (h *BindingHandler) Bind(c *gin.Context) {
	var req dto.BindRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.MarkFailedAttempt(c)
		bindError(c, err)
		return
	}

	res, err := h.binding.Bind(c.Request.Context(), service.BindRequest{
		Code:        req.Code,
		Fingerprint: req.Fingerprint,
		UserID:      req.UserID,
		DeviceInfo:  req.DeviceInfo,
		IPAddress:   c.ClientIP(),
	})
	if err != nil {
		_ = c.Error(err)
		return
	}
	if !res.Success {
		middleware.MarkFailedAttempt(c)
	}
	c.JSON(resultStatus(res.Success, http.StatusOK, res.Err), res)
}

func (h *BindingHandler) Verify(c *gin.Context) {
	var req dto.VerifyBindingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.MarkFailedAttempt(c)
		bindError(c, err)
		return
	}

	res, err := h.binding.Verify(c.Request.Context(), req.Code, req.Fingerprint)
	if err != nil {
		_ = c.Error(err)
		return
	}
	if !res.Valid {
		middleware.MarkFailedAttempt(c)
	}
	c.JSON(http.StatusOK, res)
}

func (h *BindingHandler) Info(c *gin.Context) {
	info, err := h.binding.Info(c.Request.Context(), c.Param("code"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (h *BindingHandler) Unbind(c *gin.Context) {
	var req dto.UnbindRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	if err := h.binding.Unbind(c.Request.Context(), req.Code, req.AdminKey); err != nil {
		_ = c.Error(err)
		return
	}

	h.logger.Info("Hardware unbound via admin API", zap.String("admin", middleware.AdminSubject(c)), zap.String("code", codegen.Mask(req.Code)))
	c.JSON(http.StatusOK, gin.H{"message": "hardware binding removed"})
}
