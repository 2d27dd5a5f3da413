package dto

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/makkenzo/activation-platform/internal/domain/activation"
	"github.com/shopspring/decimal"
)

type VerifyCodeRequest struct {
	Code   string `json:"code" binding:"required"`
	UserID string `json:"user_id"`
}

type RedeemCodeRequest struct {
	Code       string         `json:"code" binding:"required"`
	UserID     string         `json:"user_id" binding:"required"`
	DeviceInfo map[string]any `json:"device_info"`
}

type IssueCodesRequest struct {
	ProductID      string          `json:"product_id" binding:"required,max=64"`
	ProductName    string          `json:"product_name" binding:"max=255"`
	Price          decimal.Decimal `json:"price"`
	Currency       string          `json:"currency" binding:"omitempty,len=3"`
	Quantity       int             `json:"quantity" binding:"required,gte=1"`
	MaxActivations int             `json:"max_activations" binding:"omitempty,gte=1"`
	ExpiresAt      *time.Time      `json:"expires_at" binding:"omitempty,gt"`
	Metadata       map[string]any  `json:"metadata"`
}

type DisableCodeRequest struct {
	Reason string `json:"reason" binding:"max=255"`
}

type ListCodesRequest struct {
	ProductID string `form:"product_id" binding:"required"`
	Limit     int    `form:"limit,default=20" binding:"omitempty,gte=0,lte=100"`
	Offset    int    `form:"offset,default=0" binding:"omitempty,gte=0"`
}

type ActivationCodeResponse struct {
	ID                 uuid.UUID           `json:"id"`
	Code               string              `json:"code"`
	ProductID          string              `json:"product_id"`
	ProductName        string              `json:"product_name"`
	Price              decimal.Decimal     `json:"price"`
	Currency           string              `json:"currency"`
	Status             activation.Status   `json:"status"`
	MaxActivations     int                 `json:"max_activations"`
	CurrentActivations int                 `json:"current_activations"`
	Remaining          int                 `json:"remaining_activations"`
	AwaitingPayment    bool                `json:"awaiting_payment"`
	HardwareBound      bool                `json:"hardware_bound"`
	DisabledReason     *string             `json:"disabled_reason,omitempty"`
	UsedBy             *string             `json:"used_by,omitempty"`
	UsedAt             *time.Time          `json:"used_at,omitempty"`
	ExpiresAt          *time.Time          `json:"expires_at,omitempty"`
	Metadata           json.RawMessage     `json:"metadata,omitempty" swaggertype:"object"`
	Binding            *activation.Binding `json:"binding,omitempty"`
	CreatedAt          time.Time           `json:"created_at"`
	UpdatedAt          time.Time           `json:"updated_at"`
}

func NewActivationCodeResponse(c *activation.ActivationCode) *ActivationCodeResponse {
	resp := &ActivationCodeResponse{
		ID:                 c.ID,
		Code:               c.Code,
		ProductID:          c.ProductID,
		ProductName:        c.ProductName,
		Price:              c.Price,
		Currency:           c.Currency,
		Status:             c.Status,
		MaxActivations:     c.MaxActivations,
		CurrentActivations: c.CurrentActivations,
		Remaining:          c.Remaining(),
		AwaitingPayment:    c.AwaitingPayment,
		HardwareBound:      c.Binding != nil,
		Metadata:           c.Metadata,
		Binding:            c.Binding,
		CreatedAt:          c.CreatedAt,
		UpdatedAt:          c.UpdatedAt,
	}
	if c.DisabledReason.Valid {
		resp.DisabledReason = &c.DisabledReason.String
	}
	if c.UsedBy.Valid {
		resp.UsedBy = &c.UsedBy.String
	}
	if c.UsedAt.Valid {
		resp.UsedAt = &c.UsedAt.Time
	}
	if c.ExpiresAt.Valid {
		resp.ExpiresAt = &c.ExpiresAt.Time
	}
	return resp
}

func NewActivationCodeResponses(codes []*activation.ActivationCode) []*ActivationCodeResponse {
	out := make([]*ActivationCodeResponse, len(codes))
	for i, c := range codes {
		out[i] = NewActivationCodeResponse(c)
	}
	return out
}

// VerifyCodeResponse omits the stored record for unauthenticated callers.
type VerifyCodeResponse struct {
	Valid       bool       `json:"valid"`
	Reason      string     `json:"reason,omitempty"`
	Message     string     `json:"message"`
	Remaining   int        `json:"remaining_activations"`
	ProductID   string     `json:"product_id,omitempty"`
	ProductName string     `json:"product_name,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

type IssueCodesResponse struct {
	Codes []*ActivationCodeResponse `json:"codes"`
	Count int                       `json:"count"`
}

type PaginatedCodesResponse struct {
	Codes      []*ActivationCodeResponse `json:"codes"`
	TotalCount int64                     `json:"totalCount"`
	Limit      int                       `json:"limit"`
	Offset     int                       `json:"offset"`
}
