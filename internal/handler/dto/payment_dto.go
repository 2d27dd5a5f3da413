package dto

import (
	"time"

	"github.com/makkenzo/activation-platform/internal/domain/payment"
	"github.com/makkenzo/activation-platform/internal/gateway"
	"github.com/shopspring/decimal"
)

type PurchaseRequest struct {
	ProductID      string            `json:"product_id" binding:"required,max=64"`
	ProductName    string            `json:"product_name" binding:"max=255"`
	Price          decimal.Decimal   `json:"price"`
	Currency       string            `json:"currency" binding:"omitempty,len=3"`
	Method         gateway.Method    `json:"payment_method" binding:"required"`
	MaxActivations int               `json:"max_activations" binding:"omitempty,gte=1"`
	Description    string            `json:"description" binding:"max=255"`
	Options        map[string]string `json:"options"`
}

type RefundRequest struct {
	Reason string `json:"reason" binding:"required,max=255"`
}

type PaymentResponse struct {
	PaymentID         string          `json:"payment_id"`
	Method            string          `json:"payment_method"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	Status            payment.Status  `json:"status"`
	Description       string          `json:"description,omitempty"`
	ThirdPartyOrderID *string         `json:"third_party_order_id,omitempty"`
	PaidAt            *time.Time      `json:"paid_at,omitempty"`
	RefundedAt        *time.Time      `json:"refunded_at,omitempty"`
	RefundReason      *string         `json:"refund_reason,omitempty"`
	ActivationCode    string          `json:"activation_code,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

func NewPaymentResponse(p *payment.Payment, code string) *PaymentResponse {
	resp := &PaymentResponse{
		PaymentID:      p.PaymentID,
		Method:         p.Method,
		Amount:         p.Amount,
		Currency:       p.Currency,
		Status:         p.Status,
		Description:    p.Description,
		ActivationCode: code,
		CreatedAt:      p.CreatedAt,
		UpdatedAt:      p.UpdatedAt,
	}
	if p.ThirdPartyOrderID.Valid {
		resp.ThirdPartyOrderID = &p.ThirdPartyOrderID.String
	}
	if p.PaidAt.Valid {
		resp.PaidAt = &p.PaidAt.Time
	}
	if p.RefundedAt.Valid {
		resp.RefundedAt = &p.RefundedAt.Time
	}
	if p.RefundReason.Valid {
		resp.RefundReason = &p.RefundReason.String
	}
	return resp
}

type MethodsResponse struct {
	Methods []gateway.Method `json:"methods"`
}

type ListPaymentsRequest struct {
	Status payment.Status `form:"status" binding:"omitempty,oneof=pending paid failed refunded"`
	Limit  int            `form:"limit,default=20" binding:"omitempty,gte=0,lte=100"`
	Offset int            `form:"offset,default=0" binding:"omitempty,gte=0"`
}

type PaginatedPaymentsResponse struct {
	Payments   []*PaymentResponse `json:"payments"`
	TotalCount int64              `json:"total_count"`
	Limit      int                `json:"limit"`
	Offset     int                `json:"offset"`
}

func NewPaymentResponses(payments []*payment.Payment) []*PaymentResponse {
	out := make([]*PaymentResponse, len(payments))
	for i, p := range payments {
		out[i] = NewPaymentResponse(p, "")
	}
	return out
}
