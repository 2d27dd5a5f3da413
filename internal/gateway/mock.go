package gateway

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/makkenzo/activation-platform/internal/ierr"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const mockDefaultBaseURL = "https://mock-payment.local"

// MockProvider settles nothing remotely. Callbacks are HMAC-signed with the
// configured secret so the whole settlement path can be driven end to end.
type MockProvider struct {
	secret  string
	baseURL string
	logger  *zap.Logger

	mu     sync.Mutex
	orders map[string]TradeStatus
}

func NewMockProvider(settings Settings, deps Deps) (Provider, error) {
	s, ok := settings.(MockSettings)
	if !ok {
		return nil, settingsTypeError("MockSettings", settings)
	}
	base := s.BaseURL
	if base == "" {
		base = mockDefaultBaseURL
	}
	return &MockProvider{
		secret:  s.Secret,
		baseURL: strings.TrimRight(base, "/"),
		logger:  deps.Logger.Named("MockProvider"),
		orders:  make(map[string]TradeStatus),
	}, nil
}

func (p *MockProvider) Method() Method { return MethodMock }

func (p *MockProvider) CreateOrder(_ context.Context, req OrderRequest) (*Result, error) {
	p.mu.Lock()
	p.orders[req.PaymentID] = TradePending
	p.mu.Unlock()

	p.logger.Debug("Mock order created", zap.String("paymentID", req.PaymentID), zap.String("amount", req.Amount.String()))

	return &Result{
		Success:    true,
		PaymentID:  req.PaymentID,
		OrderID:    "MOCK_" + req.PaymentID,
		PaymentURL: p.baseURL + "/pay/" + req.PaymentID,
		QRCode:     "MOCK_QR_" + req.PaymentID,
		Amount:     req.Amount,
		Currency:   req.Currency,
		Status:     TradePending,
		Simulated:  true,
	}, nil
}

// SimulateCallback builds a signed notification as the mock gateway would send it.
func (p *MockProvider) SimulateCallback(paymentID string, amount decimal.Decimal, success bool) RawCallback {
	status := "SUCCESS"
	if !success {
		status = "FAILED"
	}
	fields := map[string]string{
		"payment_id": paymentID,
		"trade_no":   "MOCK_TXN_" + paymentID,
		"status":     status,
		"amount":     amount.StringFixed(2),
	}
	fields["sign"] = p.sign(fields)
	return RawCallback{Fields: fields}
}

func (p *MockProvider) sign(fields map[string]string) string {
	return hmacSHA256Hex(p.secret, sortedQuery(fields, "sign"))
}

func (p *MockProvider) ParseCallback(raw RawCallback) (*Callback, error) {
	f := raw.Fields
	if f["payment_id"] == "" {
		return nil, fmt.Errorf("%w: missing payment_id", ierr.ErrCallbackMalformed)
	}
	cb := &Callback{
		PaymentID:         f["payment_id"],
		ThirdPartyOrderID: f["trade_no"],
		Status:            mockTradeStatus(f["status"]),
		Fields:            f,
	}
	if v := f["amount"]; v != "" {
		amount, err := decimal.NewFromString(v)
		if err != nil {
			return nil, fmt.Errorf("%w: amount %q", ierr.ErrCallbackMalformed, v)
		}
		cb.Amount = amount
	}
	return cb, nil
}

func (p *MockProvider) VerifyCallback(_ context.Context, raw RawCallback) (*Callback, error) {
	for _, k := range []string{"payment_id", "trade_no", "status", "amount", "sign"} {
		if raw.Fields[k] == "" {
			return nil, fmt.Errorf("%w: missing %s", ierr.ErrCallbackMalformed, k)
		}
	}
	cb, err := p.ParseCallback(raw)
	if err != nil {
		return nil, err
	}
	if !equalSignature(p.sign(raw.Fields), raw.Fields["sign"]) {
		return nil, fmt.Errorf("%w: signature mismatch", ierr.ErrCallbackUnverified)
	}

	p.mu.Lock()
	p.orders[cb.PaymentID] = cb.Status
	p.mu.Unlock()

	if cb.Status != TradeSuccess {
		return cb, ierr.ErrCallbackNotSuccess
	}
	return cb, nil
}

func (p *MockProvider) QueryOrder(_ context.Context, ref OrderRef) (*Result, error) {
	p.mu.Lock()
	status, ok := p.orders[ref.PaymentID]
	p.mu.Unlock()
	if !ok {
		status = TradePending
	}
	return &Result{
		Success:   status == TradeSuccess,
		PaymentID: ref.PaymentID,
		OrderID:   ref.ThirdPartyOrderID,
		Amount:    ref.Amount,
		Status:    status,
		Simulated: true,
	}, nil
}

func (p *MockProvider) Refund(_ context.Context, ref OrderRef, amount decimal.Decimal, reason string) (*Result, error) {
	p.mu.Lock()
	p.orders[ref.PaymentID] = TradeRefunded
	p.mu.Unlock()

	p.logger.Info("Mock refund", zap.String("paymentID", ref.PaymentID), zap.String("reason", reason))
	return &Result{
		Success:   true,
		PaymentID: ref.PaymentID,
		OrderID:   "MOCK_REFUND_" + ref.PaymentID,
		Amount:    amount,
		Status:    TradeRefunded,
		Simulated: true,
	}, nil
}

func (p *MockProvider) Ack(ok bool) (string, []byte) {
	if ok {
		return "application/json; charset=utf-8", []byte(`{"code":"SUCCESS"}`)
	}
	return "application/json; charset=utf-8", []byte(`{"code":"FAIL"}`)
}

func mockTradeStatus(s string) TradeStatus {
	switch strings.ToUpper(s) {
	case "SUCCESS", "PAID":
		return TradeSuccess
	case "FAILED", "FAIL":
		return TradeFailed
	case "CLOSED":
		return TradeClosed
	case "REFUNDED":
		return TradeRefunded
	}
	return TradePending
}
