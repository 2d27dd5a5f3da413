package payment

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusPaid     Status = "paid"
	StatusFailed   Status = "failed"
	StatusRefunded Status = "refunded"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusPaid, StatusFailed, StatusRefunded:
		return true
	}
	return false
}

type Payment struct {
	ID                uuid.UUID       `db:"id" json:"id"`
	PaymentID         string          `db:"payment_id" json:"payment_id"`
	ActivationCodeID  uuid.UUID       `db:"activation_code_id" json:"activation_code_id"`
	Method            string          `db:"method" json:"method"`
	Amount            decimal.Decimal `db:"amount" json:"amount"`
	Currency          string          `db:"currency" json:"currency"`
	Status            Status          `db:"status" json:"status"`
	Description       string          `db:"description" json:"description,omitempty"`
	ClientIP          string          `db:"client_ip" json:"client_ip,omitempty"`
	GatewayOrderRef   sql.NullString  `db:"gateway_order_ref" json:"gateway_order_ref,omitempty"`
	ThirdPartyOrderID sql.NullString  `db:"third_party_order_id" json:"third_party_order_id,omitempty"`
	PaidAt            sql.NullTime    `db:"paid_at" json:"paid_at,omitempty"`
	RefundedAt        sql.NullTime    `db:"refunded_at" json:"refunded_at,omitempty"`
	RefundReason      sql.NullString  `db:"refund_reason" json:"refund_reason,omitempty"`
	CallbackData      json.RawMessage `db:"callback_data" json:"callback_data,omitempty"`
	CreatedAt         time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time       `db:"updated_at" json:"updated_at"`
}

// Settleable reports whether a verified success callback may still move the payment to PAID.
func (p *Payment) Settleable() bool {
	return p.Status == StatusPending || p.Status == StatusFailed
}

func (p *Payment) MarkPaid(thirdPartyOrderID string, at time.Time, callback json.RawMessage) {
	p.Status = StatusPaid
	p.PaidAt = sql.NullTime{Time: at, Valid: true}
	p.ThirdPartyOrderID = sql.NullString{String: thirdPartyOrderID, Valid: thirdPartyOrderID != ""}
	if callback != nil {
		p.CallbackData = callback
	}
}

func (p *Payment) MarkFailed(callback json.RawMessage) {
	p.Status = StatusFailed
	if callback != nil {
		p.CallbackData = callback
	}
}

func (p *Payment) MarkRefunded(at time.Time, reason string) {
	p.Status = StatusRefunded
	p.RefundedAt = sql.NullTime{Time: at, Valid: true}
	p.RefundReason = sql.NullString{String: reason, Valid: reason != ""}
}

func (p *Payment) Clone() *Payment {
	cp := *p
	if p.CallbackData != nil {
		cp.CallbackData = append(json.RawMessage(nil), p.CallbackData...)
	}
	return &cp
}
