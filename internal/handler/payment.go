package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/makkenzo/activation-platform/internal/handler/dto"
	"github.com/makkenzo/activation-platform/internal/handler/middleware"
	"github.com/makkenzo/activation-platform/internal/service"
	"go.uber.org/zap"
)

type PaymentHandler struct {
	settlement *service.SettlementService
	logger     *zap.Logger
}

func NewPaymentHandler(settlement *service.SettlementService, logger *zap.Logger) *PaymentHandler {
	return &PaymentHandler{
		settlement: settlement,
		logger:     logger.Named("PaymentHandler"),
	}
}

// Purchase godoc
// @Summary      Buy an activation code
// @Description  Issues a code held until payment and opens an order at the chosen gateway.
// @Tags         payments
// @Accept       json
// @Produce      json
// @Param        request body dto.PurchaseRequest true "Purchase"
// @Success      201 {object} service.PurchaseResult
// @Failure      502 {object} service.PurchaseResult "Gateway rejected the order"
// @Failure      503 {object} service.PurchaseResult "Gateway unreachable, retry later"
// @Router       /payments/purchase [post]
func (h *PaymentHandler) Purchase(c *gin.Context) {
	var req dto.PurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	res, err := h.settlement.Purchase(c.Request.Context(), service.PurchaseRequest{
		ProductID:      req.ProductID,
		ProductName:    req.ProductName,
		Price:          req.Price,
		Currency:       req.Currency,
		Method:         req.Method,
		MaxActivations: req.MaxActivations,
		Description:    req.Description,
		ClientIP:       c.ClientIP(),
		Options:        req.Options,
	})
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(resultStatus(res.Success, http.StatusCreated, res.Err), res)
}

func (h *PaymentHandler) Status(c *gin.Context) {
	status, err := h.settlement.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}

	code := ""
	if status.Code != nil {
		code = status.Code.Code
	}
	c.JSON(http.StatusOK, dto.NewPaymentResponse(status.Payment, code))
}

func (h *PaymentHandler) Methods(c *gin.Context) {
	c.JSON(http.StatusOK, dto.MethodsResponse{Methods: h.settlement.Methods()})
}

func (h *PaymentHandler) Refund(c *gin.Context) {
	var req dto.RefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	paymentID := c.Param("id")
	res, err := h.settlement.Refund(c.Request.Context(), paymentID, req.Reason)
	if err != nil {
		_ = c.Error(err)
		return
	}

	h.logger.Info("Refund requested via admin API",
		zap.String("admin", middleware.AdminSubject(c)),
		zap.String("paymentID", paymentID),
		zap.Bool("success", res.Success),
	)
	c.JSON(resultStatus(res.Success, http.StatusOK, res.Err), res)
}

func (h *PaymentHandler) Reconcile(c *gin.Context) {
	res, err := h.settlement.Reconcile(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *PaymentHandler) List(c *gin.Context) {
	var req dto.ListPaymentsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		bindError(c, err)
		return
	}

	page, err := h.settlement.List(c.Request.Context(), req.Status, req.Limit, req.Offset)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, dto.PaginatedPaymentsResponse{
		Payments:   dto.NewPaymentResponses(page.Payments),
		TotalCount: page.Total,
		Limit:      page.Limit,
		Offset:     page.Offset,
	})
}
