package handler

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/makkenzo/activation-platform/internal/handler/dto"
	"github.com/makkenzo/activation-platform/internal/handler/middleware"
	"github.com/makkenzo/activation-platform/internal/ierr"
	"github.com/makkenzo/activation-platform/internal/service"
	"go.uber.org/zap"
)

// UnifiedHandler lets clients activate without knowing whether their product
// is hardware bound; product_type picks the binding or the redemption path.
type UnifiedHandler struct {
	ledger  *service.LedgerService
	binding *service.BindingService
	logger  *zap.Logger
}

func NewUnifiedHandler(ledger *service.LedgerService, binding *service.BindingService, logger *zap.Logger) *UnifiedHandler {
	return &UnifiedHandler{
		ledger:  ledger,
		binding: binding,
		logger:  logger.Named("UnifiedHandler"),
	}
}

func (h *UnifiedHandler) bindRequest(c *gin.Context) (*dto.UnifiedActivationRequest, bool) {
	var req dto.UnifiedActivationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.MarkFailedAttempt(c)
		bindError(c, err)
		return nil, false
	}
	if req.HardwareBound() && req.Fingerprint == "" {
		middleware.MarkFailedAttempt(c)
		_ = c.Error(fmt.Errorf("%w: hardware_fingerprint is required for hardware bound products", ierr.ErrValidation))
		return nil, false
	}
	return &req, true
}

// Activate checks a code without consuming it.
func (h *UnifiedHandler) Activate(c *gin.Context) {
	req, ok := h.bindRequest(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	var resp dto.UnifiedActivationResponse
	if req.HardwareBound() {
		res, err := h.binding.Verify(ctx, req.Code, req.Fingerprint)
		if err != nil {
			_ = c.Error(err)
			return
		}
		resp = dto.UnifiedActivationResponse{
			Success:        res.Valid,
			Reason:         res.Reason,
			Message:        res.Message,
			ActivationType: dto.ProductHardwareBound,
			Binding:        res.Binding,
		}
	} else {
		res, err := h.ledger.Verify(ctx, req.Code, req.UserID)
		if err != nil {
			_ = c.Error(err)
			return
		}
		resp = dto.UnifiedActivationResponse{
			Success:        res.Valid,
			Reason:         res.Reason,
			Message:        res.Message,
			ActivationType: dto.ProductSoftware,
			Remaining:      &res.Remaining,
		}
		if res.Valid {
			resp.ActivationCode = req.Code
		}
	}
	if !resp.Success {
		middleware.MarkFailedAttempt(c)
	}
	c.JSON(http.StatusOK, resp)
}

// Bind consumes a code: a hardware binding for hardware bound products, a
// redemption otherwise.
func (h *UnifiedHandler) Bind(c *gin.Context) {
	req, ok := h.bindRequest(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	var (
		resp   dto.UnifiedActivationResponse
		resErr error
	)
	if req.HardwareBound() {
		res, err := h.binding.Bind(ctx, service.BindRequest{
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
		resErr = res.Err
		resp = dto.UnifiedActivationResponse{
			Success:        res.Success,
			Reason:         res.Reason,
			Message:        res.Message,
			ActivationType: dto.ProductHardwareBound,
			Binding:        res.Binding,
		}
	} else {
		if req.UserID == "" {
			middleware.MarkFailedAttempt(c)
			_ = c.Error(fmt.Errorf("%w: user_id is required for software products", ierr.ErrValidation))
			return
		}
		res, err := h.ledger.Redeem(ctx, service.RedeemRequest{
			Code:       req.Code,
			UserID:     req.UserID,
			DeviceInfo: req.DeviceInfo,
			IPAddress:  c.ClientIP(),
		})
		if err != nil {
			_ = c.Error(err)
			return
		}
		resErr = res.Err
		resp = dto.UnifiedActivationResponse{
			Success:        res.Success,
			Reason:         res.Reason,
			Message:        res.Message,
			ActivationType: dto.ProductSoftware,
			Record:         res.Record,
		}
		if res.Success {
			resp.Remaining = &res.Remaining
			resp.ActivationCode = req.Code
		}
	}
	if !resp.Success {
		middleware.MarkFailedAttempt(c)
	}
	c.JSON(resultStatus(resp.Success, http.StatusOK, resErr), resp)
}
