package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/makkenzo/activation-platform/internal/ierr"
	"github.com/mercadopago/sdk-go/pkg/config"
	"github.com/mercadopago/sdk-go/pkg/payment"
	"github.com/mercadopago/sdk-go/pkg/preference"
	"github.com/mercadopago/sdk-go/pkg/refund"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	mpSignatureTS = regexp.MustCompile(`ts=([^,]+)`)
	mpSignatureV1 = regexp.MustCompile(`v1=([^,]+)`)
)

// MercadoPagoProvider uses Checkout Pro preferences. The notification URL
// carries our payment id; the webhook itself only names the Mercado Pago
// payment, which is looked up to learn the real state.
type MercadoPagoProvider struct {
	cfg         MercadoPagoSettings
	preferences preference.Client
	payments    payment.Client
	refunds     refund.Client
	logger      *zap.Logger
}

func NewMercadoPagoProvider(settings Settings, deps Deps) (Provider, error) {
	s, ok := settings.(MercadoPagoSettings)
	if !ok {
		return nil, settingsTypeError("MercadoPagoSettings", settings)
	}

	p := &MercadoPagoProvider{
		cfg:    s,
		logger: deps.Logger.Named("MercadoPagoProvider"),
	}
	if s.AccessToken != "" {
		cfg, err := config.New(s.AccessToken)
		if err != nil {
			return nil, fmt.Errorf("failed to create mercado pago config: %w", err)
		}
		p.preferences = preference.NewClient(cfg)
		p.payments = payment.NewClient(cfg)
		p.refunds = refund.NewClient(cfg)
	}
	return p, nil
}

func (p *MercadoPagoProvider) Method() Method { return MethodMercadoPago }

func (p *MercadoPagoProvider) simulated() bool {
	return p.cfg.Simulate && p.preferences == nil
}

func (p *MercadoPagoProvider) CreateOrder(ctx context.Context, req OrderRequest) (*Result, error) {
	currency := req.Currency
	if currency == "" {
		currency = p.cfg.Currency
	}

	if p.simulated() {
		return &Result{
			Success:    true,
			PaymentID:  req.PaymentID,
			PaymentURL: "https://sandbox.mercadopago.com/mock/" + req.PaymentID,
			Amount:     req.Amount,
			Currency:   currency,
			Status:     TradePending,
			Simulated:  true,
		}, nil
	}

	title := req.Description
	if title == "" {
		title = "Activation code"
	}
	prefReq := preference.Request{
		Items: []preference.ItemRequest{
			{
				Title:      title,
				Quantity:   1,
				UnitPrice:  req.Amount.InexactFloat64(),
				CurrencyID: currency,
			},
		},
		ExternalReference: req.PaymentID,
		NotificationURL:   p.notificationURL(req.PaymentID),
	}
	if email := req.Options["payer_email"]; email != "" {
		prefReq.Payer = &preference.PayerRequest{Email: email}
	}
	if p.cfg.SuccessURL != "" {
		prefReq.AutoReturn = "approved"
		prefReq.BackURLs = &preference.BackURLsRequest{
			Success: p.cfg.SuccessURL,
			Failure: p.cfg.FailureURL,
			Pending: p.cfg.PendingURL,
		}
	}

	pref, err := p.preferences.Create(ctx, prefReq)
	if err != nil {
		p.logger.Warn("Preference creation failed", zap.String("paymentID", req.PaymentID), zap.Error(err))
		return nil, classifyErr("create_preference", err)
	}

	url := pref.InitPoint
	if p.cfg.Sandbox {
		url = pref.SandboxInitPoint
	}
	return &Result{
		Success:    true,
		PaymentID:  req.PaymentID,
		OrderID:    pref.ID,
		PaymentURL: url,
		Amount:     req.Amount,
		Currency:   currency,
		Status:     TradePending,
	}, nil
}

func (p *MercadoPagoProvider) notificationURL(paymentID string) string {
	sep := "?"
	if strings.Contains(p.cfg.NotificationURL, "?") {
		sep = "&"
	}
	return p.cfg.NotificationURL + sep + "payment_id=" + paymentID
}

// ParseCallback reads our payment id from the query string and the Mercado
// Pago payment id from data.id. The trade state is unknown until lookup.
func (p *MercadoPagoProvider) ParseCallback(raw RawCallback) (*Callback, error) {
	fields := make(map[string]string, len(raw.Fields)+2)
	for k, v := range raw.Fields {
		fields[k] = v
	}
	if fields["data.id"] == "" && len(raw.Body) > 0 {
		var body struct {
			Type string `json:"type"`
			Data struct {
				ID json.Number `json:"id"`
			} `json:"data"`
		}
		if err := json.Unmarshal(raw.Body, &body); err != nil {
			return nil, fmt.Errorf("%w: %v", ierr.ErrCallbackMalformed, err)
		}
		fields["data.id"] = body.Data.ID.String()
		if fields["type"] == "" {
			fields["type"] = body.Type
		}
	}
	if fields["payment_id"] == "" {
		return nil, fmt.Errorf("%w: missing payment_id", ierr.ErrCallbackMalformed)
	}
	return &Callback{
		PaymentID:         fields["payment_id"],
		ThirdPartyOrderID: fields["data.id"],
		Status:            TradePending,
		Fields:            fields,
	}, nil
}

func (p *MercadoPagoProvider) VerifyCallback(ctx context.Context, raw RawCallback) (*Callback, error) {
	cb, err := p.ParseCallback(raw)
	if err != nil {
		return nil, err
	}
	dataID := cb.Fields["data.id"]
	if dataID == "" {
		return nil, fmt.Errorf("%w: missing data.id", ierr.ErrCallbackMalformed)
	}
	if t := cb.Fields["type"]; t != "" && t != "payment" {
		return nil, fmt.Errorf("%w: unexpected notification type %q", ierr.ErrCallbackMalformed, t)
	}
	if !ValidMercadoPagoSignature(raw.Headers.Get("x-signature"), raw.Headers.Get("x-request-id"), dataID, p.cfg.WebhookSecret) {
		return nil, fmt.Errorf("%w: x-signature mismatch", ierr.ErrCallbackUnverified)
	}
	if p.payments == nil {
		return nil, fmt.Errorf("%w: mercado pago access token not configured", ierr.ErrCallbackUnverified)
	}

	id, err := strconv.Atoi(dataID)
	if err != nil {
		return nil, fmt.Errorf("%w: data.id %q", ierr.ErrCallbackMalformed, dataID)
	}
	info, err := p.payments.Get(ctx, id)
	if err != nil {
		return nil, classifyErr("get_payment", err)
	}
	if info.ExternalReference != cb.PaymentID {
		return nil, fmt.Errorf("%w: external_reference mismatch", ierr.ErrCallbackUnverified)
	}

	cb.Status = mercadoPagoStatus(info.Status)
	cb.Amount = decimal.NewFromFloat(info.TransactionAmount)
	cb.Fields["status"] = info.Status
	cb.Fields["status_detail"] = info.StatusDetail
	if cb.Status != TradeSuccess {
		return cb, ierr.ErrCallbackNotSuccess
	}
	return cb, nil
}

func (p *MercadoPagoProvider) QueryOrder(ctx context.Context, ref OrderRef) (*Result, error) {
	if p.simulated() {
		return &Result{PaymentID: ref.PaymentID, Amount: ref.Amount, Status: TradePending, Simulated: true}, nil
	}

	var found *payment.Response
	if ref.ThirdPartyOrderID != "" {
		if id, err := strconv.Atoi(ref.ThirdPartyOrderID); err == nil {
			info, err := p.payments.Get(ctx, id)
			if err != nil {
				return nil, classifyErr("get_payment", err)
			}
			found = info
		}
	}
	if found == nil {
		res, err := p.payments.Search(ctx, payment.SearchRequest{
			Filters: map[string]string{"external_reference": ref.PaymentID},
			Limit:   10,
		})
		if err != nil {
			return nil, classifyErr("search_payments", err)
		}
		// An approved attempt wins over rejected ones for the same preference.
		for i := range res.Results {
			r := &res.Results[i]
			if found == nil || mercadoPagoStatus(r.Status) == TradeSuccess {
				found = r
			}
		}
	}
	if found == nil {
		return &Result{PaymentID: ref.PaymentID, Amount: ref.Amount, Status: TradePending}, nil
	}

	status := mercadoPagoStatus(found.Status)
	return &Result{
		Success:   status == TradeSuccess,
		PaymentID: ref.PaymentID,
		OrderID:   strconv.Itoa(found.ID),
		Amount:    decimal.NewFromFloat(found.TransactionAmount),
		Currency:  found.CurrencyID,
		Status:    status,
		Message:   found.StatusDetail,
	}, nil
}

func (p *MercadoPagoProvider) Refund(ctx context.Context, ref OrderRef, amount decimal.Decimal, reason string) (*Result, error) {
	if p.simulated() {
		return &Result{Success: true, PaymentID: ref.PaymentID, Amount: amount, Status: TradeRefunded, Simulated: true}, nil
	}
	id, err := strconv.Atoi(ref.ThirdPartyOrderID)
	if err != nil {
		return nil, fmt.Errorf("%w: no mercado pago payment id for %s", ierr.ErrGatewayRejected, ref.PaymentID)
	}

	res, err := p.refunds.Create(ctx, id)
	if err != nil {
		return nil, classifyErr("create_refund", err)
	}
	p.logger.Info("Refund created", zap.String("paymentID", ref.PaymentID), zap.Int("refundID", res.ID), zap.String("reason", reason))
	return &Result{
		Success:   true,
		PaymentID: ref.PaymentID,
		OrderID:   strconv.Itoa(res.ID),
		Amount:    amount,
		Status:    TradeRefunded,
		Message:   res.Status,
	}, nil
}

func (p *MercadoPagoProvider) Ack(ok bool) (string, []byte) {
	if ok {
		return "application/json; charset=utf-8", []byte(`{"status":"ok"}`)
	}
	return "application/json; charset=utf-8", []byte(`{"status":"error"}`)
}

// ValidMercadoPagoSignature checks the x-signature header ("ts=...,v1=...")
// against HMAC-SHA256(secret, "id:<data.id>;request-id:<x-request-id>;ts:<ts>;").
func ValidMercadoPagoSignature(xSignature, xRequestID, dataID, secret string) bool {
	if xSignature == "" || secret == "" {
		return false
	}
	var ts, v1 string
	if m := mpSignatureTS.FindStringSubmatch(xSignature); len(m) > 1 {
		ts = strings.TrimSpace(m[1])
	}
	if m := mpSignatureV1.FindStringSubmatch(xSignature); len(m) > 1 {
		v1 = strings.TrimSpace(m[1])
	}
	if ts == "" || v1 == "" {
		return false
	}
	return equalSignature(hmacSHA256Hex(secret, mercadoPagoManifest(dataID, xRequestID, ts)), v1)
}

func mercadoPagoManifest(dataID, requestID, ts string) string {
	var parts []string
	if dataID != "" {
		parts = append(parts, "id:"+strings.ToLower(dataID))
	}
	if requestID != "" {
		parts = append(parts, "request-id:"+requestID)
	}
	parts = append(parts, "ts:"+ts)
	return strings.Join(parts, ";") + ";"
}

func mercadoPagoStatus(s string) TradeStatus {
	switch s {
	case "approved":
		return TradeSuccess
	case "rejected", "cancelled":
		return TradeFailed
	case "refunded", "charged_back":
		return TradeRefunded
	}
	return TradePending
}
