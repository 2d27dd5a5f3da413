// Package gateway is the uniform payment provider abstraction: every supported
// gateway channel implements Provider, a Registry maps methods to provider
// factories, and a Manager holds one configured provider per enabled method.
package gateway

import (
	"context"
	"net/http"

	"github.com/shopspring/decimal"
)

type Method string

const (
	MethodMock        Method = "mock"
	MethodWeChatH5    Method = "wechat_h5"
	MethodWeChatApp   Method = "wechat_app"
	MethodWeChatJSAPI Method = "wechat_jsapi"
	MethodAlipayH5    Method = "alipay_h5"
	MethodAlipayApp   Method = "alipay_app"
	MethodAlipayWeb   Method = "alipay_web"
	MethodPingxx      Method = "pingxx"
	MethodMercadoPago Method = "mercadopago"
)

// TradeStatus is the gateway-neutral view of a remote order.
type TradeStatus string

const (
	TradePending  TradeStatus = "pending"
	TradeSuccess  TradeStatus = "success"
	TradeFailed   TradeStatus = "failed"
	TradeClosed   TradeStatus = "closed"
	TradeRefunded TradeStatus = "refunded"
)

type OrderRequest struct {
	PaymentID   string
	Amount      decimal.Decimal
	Currency    string
	Description string
	ClientIP    string
	// Options carries channel specific values such as "openid" (WeChat JSAPI),
	// "channel" (Ping++), "payer_email" (Mercado Pago) or "return_url".
	Options map[string]string
}

// OrderRef identifies a remote order. GatewayOrderRef is whatever the provider
// returned from CreateOrder; ThirdPartyOrderID is the gateway transaction id
// reported by a verified callback.
type OrderRef struct {
	PaymentID         string
	GatewayOrderRef   string
	ThirdPartyOrderID string
	Amount            decimal.Decimal
}

type Result struct {
	Success    bool            `json:"success"`
	PaymentID  string          `json:"payment_id"`
	OrderID    string          `json:"order_id,omitempty"`
	PaymentURL string          `json:"payment_url,omitempty"`
	QRCode     string          `json:"qr_code,omitempty"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency,omitempty"`
	Status     TradeStatus     `json:"status,omitempty"`
	Message    string          `json:"message,omitempty"`
	ExtraData  map[string]any  `json:"extra_data,omitempty"`
	Simulated  bool            `json:"simulated,omitempty"`
}

// RawCallback is an inbound notification exactly as received.
type RawCallback struct {
	Fields  map[string]string
	Headers http.Header
	Body    []byte
}

// Callback is the normalized view of a notification.
type Callback struct {
	PaymentID         string            `json:"payment_id"`
	ThirdPartyOrderID string            `json:"third_party_order_id"`
	Status            TradeStatus       `json:"status"`
	Amount            decimal.Decimal   `json:"amount"`
	Fields            map[string]string `json:"raw_fields"`
}

type Provider interface {
	Method() Method
	CreateOrder(ctx context.Context, req OrderRequest) (*Result, error)
	// ParseCallback extracts the normalized view without trusting it.
	ParseCallback(raw RawCallback) (*Callback, error)
	// VerifyCallback checks the mandated fields, the signature and that the
	// trade state is a success. It returns ErrCallbackNotSuccess together with
	// the parsed callback when the notification is authentic but not a success.
	VerifyCallback(ctx context.Context, raw RawCallback) (*Callback, error)
	QueryOrder(ctx context.Context, ref OrderRef) (*Result, error)
	Refund(ctx context.Context, ref OrderRef, amount decimal.Decimal, reason string) (*Result, error)
	// Ack is the response body the gateway expects after a notification.
	Ack(ok bool) (contentType string, body []byte)
}

// ToMinorUnits converts an amount to fen/cents.
func ToMinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

func FromMinorUnits(v int64) decimal.Decimal {
	return decimal.New(v, -2)
}
