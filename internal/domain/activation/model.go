package activation

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/makkenzo/activation-platform/internal/ierr"
	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusUnused   Status = "unused"
	StatusUsed     Status = "used"
	StatusExpired  Status = "expired"
	StatusDisabled Status = "disabled"
)

// Record is one entry of a code's append-only activation history.
type Record struct {
	UserID      string         `json:"user_id"`
	ActivatedAt time.Time      `json:"activation_time"`
	DeviceInfo  map[string]any `json:"device_info,omitempty"`
	IPAddress   string         `json:"ip_address,omitempty"`
}

type Binding struct {
	Fingerprint string         `json:"hardware_fingerprint"`
	BoundAt     time.Time      `json:"binding_time"`
	UserID      string         `json:"user_id,omitempty"`
	DeviceInfo  map[string]any `json:"device_info,omitempty"`
}

type ActivationCode struct {
	ID                 uuid.UUID       `db:"id" json:"id"`
	Code               string          `db:"code" json:"code"`
	ProductID          string          `db:"product_id" json:"product_id"`
	ProductName        string          `db:"product_name" json:"product_name"`
	Price              decimal.Decimal `db:"price" json:"price"`
	Currency           string          `db:"currency" json:"currency"`
	Status             Status          `db:"status" json:"status"`
	ExpiresAt          sql.NullTime    `db:"expires_at" json:"expires_at,omitempty"`
	MaxActivations     int             `db:"max_activations" json:"max_activations"`
	CurrentActivations int             `db:"current_activations" json:"current_activations"`
	UsedAt             sql.NullTime    `db:"used_at" json:"used_at,omitempty"`
	UsedBy             sql.NullString  `db:"used_by" json:"used_by,omitempty"`
	Records            []Record        `db:"activation_records" json:"activation_records"`
	Binding            *Binding        `db:"binding" json:"binding,omitempty"`
	AwaitingPayment    bool            `db:"awaiting_payment" json:"awaiting_payment"`
	DisabledReason     sql.NullString  `db:"disabled_reason" json:"disabled_reason,omitempty"`
	Metadata           json.RawMessage `db:"metadata" json:"metadata,omitempty"`
	CreatedAt          time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time       `db:"updated_at" json:"updated_at"`
}

func (c *ActivationCode) Remaining() int {
	if c.CurrentActivations >= c.MaxActivations {
		return 0
	}
	return c.MaxActivations - c.CurrentActivations
}

func (c *ActivationCode) Expired(now time.Time) bool {
	if c.Status == StatusExpired {
		return true
	}
	return c.ExpiresAt.Valid && c.ExpiresAt.Time.Before(now)
}

// CheckRedeemable fails closed in a fixed order: exhausted, disabled, expired,
// then awaiting payment.
func (c *ActivationCode) CheckRedeemable(now time.Time) error {
	switch {
	case c.CurrentActivations >= c.MaxActivations:
		return ierr.ErrCodeExhausted
	case c.Status == StatusDisabled:
		return ierr.ErrCodeDisabled
	case c.Expired(now):
		return ierr.ErrCodeExpired
	case c.AwaitingPayment:
		return ierr.ErrCodeAwaitingPayment
	}
	return nil
}

// CheckBindable applies the redemption checks plus the binding preconditions.
func (c *ActivationCode) CheckBindable(now time.Time) error {
	if c.Binding != nil {
		return ierr.ErrCodeAlreadyBound
	}
	switch c.Status {
	case StatusDisabled:
		return ierr.ErrCodeDisabled
	case StatusUsed:
		return ierr.ErrCodeNotUnused
	}
	if err := c.CheckRedeemable(now); err != nil {
		return err
	}
	return nil
}

func (c *ActivationCode) Redeem(rec Record) {
	c.CurrentActivations++
	c.Records = append(c.Records, rec)
	c.markFirstUse(rec)
	if c.CurrentActivations >= c.MaxActivations {
		c.Status = StatusUsed
	}
}

// Bind consumes the whole allowance of the code.
func (c *ActivationCode) Bind(b Binding, rec Record) {
	c.Binding = &b
	c.Records = append(c.Records, rec)
	c.CurrentActivations = c.MaxActivations
	c.Status = StatusUsed
	c.markFirstUse(rec)
}

// Unbind reverts a bound code to a fresh UNUSED state. History is kept.
func (c *ActivationCode) Unbind() {
	c.Binding = nil
	c.Status = StatusUnused
	c.CurrentActivations = 0
	c.UsedAt = sql.NullTime{}
	c.UsedBy = sql.NullString{}
}

func (c *ActivationCode) Disable(reason string) {
	c.Status = StatusDisabled
	c.DisabledReason = sql.NullString{String: reason, Valid: reason != ""}
}

// Reenable returns a never-used DISABLED code to UNUSED.
func (c *ActivationCode) Reenable() {
	c.Status = StatusUnused
	c.DisabledReason = sql.NullString{}
}

func (c *ActivationCode) markFirstUse(rec Record) {
	if c.UsedAt.Valid {
		return
	}
	c.UsedAt = sql.NullTime{Time: rec.ActivatedAt, Valid: true}
	c.UsedBy = sql.NullString{String: rec.UserID, Valid: rec.UserID != ""}
}

// Clone returns a deep copy.
func (c *ActivationCode) Clone() *ActivationCode {
	cp := *c
	cp.Records = append([]Record(nil), c.Records...)
	if c.Binding != nil {
		b := *c.Binding
		cp.Binding = &b
	}
	if c.Metadata != nil {
		cp.Metadata = append(json.RawMessage(nil), c.Metadata...)
	}
	return &cp
}

func (c *ActivationCode) SetMetadata(data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}
	c.Metadata = jsonData
	return nil
}
