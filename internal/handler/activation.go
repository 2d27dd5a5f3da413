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

type ActivationHandler struct {
	ledger *service.LedgerService
	logger *zap.Logger
}

func NewActivationHandler(ledger *service.LedgerService, logger *zap.Logger) *ActivationHandler {
	return &ActivationHandler{
		ledger: ledger,
		logger: logger.Named("ActivationHandler"),
	}
}

// Verify godoc
// @Summary      Verify an activation code
// @Description  Read-only check; answers 200 with valid=false and a reason when the code cannot be redeemed.
// @Tags         codes
// @Accept       json
// @Produce      json
// @Param        request body dto.VerifyCodeRequest true "Code to verify"
// @Success      200 {object} dto.VerifyCodeResponse
// @Router       /codes/verify [post]
func (h *ActivationHandler) Verify(c *gin.Context) {
	var req dto.VerifyCodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.MarkFailedAttempt(c)
		bindError(c, err)
		return
	}

	res, err := h.ledger.Verify(c.Request.Context(), req.Code, req.UserID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	if !res.Valid {
		middleware.MarkFailedAttempt(c)
	}

	resp := dto.VerifyCodeResponse{
		Valid:     res.Valid,
		Reason:    res.Reason,
		Message:   res.Message,
		Remaining: res.Remaining,
	}
	if res.Code != nil {
		resp.ProductID = res.Code.ProductID
		resp.ProductName = res.Code.ProductName
		if res.Code.ExpiresAt.Valid {
			resp.ExpiresAt = &res.Code.ExpiresAt.Time
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (h *ActivationHandler) Redeem(c *gin.Context) {
	var req dto.RedeemCodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.MarkFailedAttempt(c)
		bindError(c, err)
		return
	}

	res, err := h.ledger.Redeem(c.Request.Context(), service.RedeemRequest{
		Code:       req.Code,
		UserID:     req.UserID,
		DeviceInfo: req.DeviceInfo,
		IPAddress:  c.ClientIP(),
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

func (h *ActivationHandler) Records(c *gin.Context) {
	records, err := h.ledger.Records(c.Request.Context(), c.Param("code"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, records)
}

// Issue godoc
// @Summary      Issue activation codes
// @Tags         admin
// @Accept       json
// @Produce      json
// @Param        request body dto.IssueCodesRequest true "Batch to issue"
// @Success      201 {object} dto.IssueCodesResponse
// @Security     BearerAuth
// @Router       /admin/codes [post]
func (h *ActivationHandler) Issue(c *gin.Context) {
	var req dto.IssueCodesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	codes, err := h.ledger.Issue(c.Request.Context(), service.IssueRequest{
		ProductID:      req.ProductID,
		ProductName:    req.ProductName,
		Price:          req.Price,
		Currency:       req.Currency,
		Quantity:       req.Quantity,
		MaxActivations: req.MaxActivations,
		ExpiresAt:      req.ExpiresAt,
		Metadata:       req.Metadata,
	})
	if err != nil {
		_ = c.Error(err)
		return
	}

	h.logger.Info("Codes issued via admin API",
		zap.String("admin", middleware.AdminSubject(c)),
		zap.String("productID", req.ProductID),
		zap.Int("count", len(codes)),
	)
	c.JSON(http.StatusCreated, dto.IssueCodesResponse{
		Codes: dto.NewActivationCodeResponses(codes),
		Count: len(codes),
	})
}

func (h *ActivationHandler) Disable(c *gin.Context) {
	var req dto.DisableCodeRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			bindError(c, err)
			return
		}
	}
	reason := req.Reason
	if reason == "" {
		reason = "disabled by administrator"
	}

	code := c.Param("code")
	if err := h.ledger.Disable(c.Request.Context(), code, reason); err != nil {
		_ = c.Error(err)
		return
	}

	h.logger.Info("Code disabled via admin API", zap.String("admin", middleware.AdminSubject(c)), zap.String("code", codegen.Mask(code)))
	c.JSON(http.StatusOK, gin.H{"message": "activation code disabled"})
}

func (h *ActivationHandler) List(c *gin.Context) {
	var req dto.ListCodesRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		bindError(c, err)
		return
	}

	codes, total, err := h.ledger.ListByProduct(c.Request.Context(), req.ProductID, req.Limit, req.Offset)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, dto.PaginatedCodesResponse{
		Codes:      dto.NewActivationCodeResponses(codes),
		TotalCount: total,
		Limit:      req.Limit,
		Offset:     req.Offset,
	})
}
