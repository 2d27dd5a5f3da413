package gateway

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/makkenzo/activation-platform/internal/ierr"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	pingxxDefaultBaseURL   = "https://api.pingxx.com"
	pingxxChargesPath      = "/v1/charges"
	pingxxSignatureHeader  = "X-Pingplusplus-Signature"
	pingxxEventSucceeded   = "charge.succeeded"
	pingxxSubjectMaxRunes  = 32
	pingxxBodyMaxRunes     = 128
	pingxxRequestTimestamp = "Pingplusplus-Request-Timestamp"
)

type pingxxCharge struct {
	ID            string          `json:"id"`
	App           string          `json:"app"`
	OrderNo       string          `json:"order_no"`
	Channel       string          `json:"channel"`
	Amount        int64           `json:"amount"`
	Currency      string          `json:"currency"`
	Paid          bool            `json:"paid"`
	Refunded      bool            `json:"refunded"`
	TransactionNo string          `json:"transaction_no"`
	Credential    json.RawMessage `json:"credential,omitempty"`
}

type pingxxEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object pingxxCharge `json:"object"`
	} `json:"data"`
}

// PingxxProvider talks to the Ping++ aggregator REST API.
type PingxxProvider struct {
	cfg        PingxxSettings
	client     *resty.Client
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
	now        func() time.Time
	logger     *zap.Logger
}

func NewPingxxProvider(settings Settings, deps Deps) (Provider, error) {
	s, ok := settings.(PingxxSettings)
	if !ok {
		return nil, settingsTypeError("PingxxSettings", settings)
	}
	base := s.BaseURL
	if base == "" {
		base = pingxxDefaultBaseURL
	}

	p := &PingxxProvider{
		cfg:    s,
		client: newHTTPClient(base, deps.Timeout).SetBasicAuth(s.APIKey, ""),
		now:    time.Now,
		logger: deps.Logger.Named("PingxxProvider"),
	}
	if s.PrivateKey != "" {
		k, err := parsePrivateKey(s.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("ping++ merchant key: %w", err)
		}
		p.privateKey = k
	}
	if s.PublicKey != "" {
		k, err := parsePublicKey(s.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("ping++ public key: %w", err)
		}
		p.publicKey = k
	}
	return p, nil
}

func (p *PingxxProvider) Method() Method { return MethodPingxx }

func (p *PingxxProvider) simulated() bool {
	return p.cfg.Simulate && (p.cfg.APIKey == "" || p.cfg.AppID == "")
}

func (p *PingxxProvider) CreateOrder(ctx context.Context, req OrderRequest) (*Result, error) {
	channel := p.cfg.DefaultChannel
	if v := req.Options["channel"]; v != "" {
		channel = v
	}

	if p.simulated() {
		return &Result{
			Success:   true,
			PaymentID: req.PaymentID,
			OrderID:   "ch_mock_" + req.PaymentID,
			Amount:    req.Amount,
			Currency:  req.Currency,
			Status:    TradePending,
			ExtraData: map[string]any{"channel": channel},
			Simulated: true,
		}, nil
	}

	subject := req.Description
	if subject == "" {
		subject = "Activation"
	}
	body := map[string]any{
		"order_no":  req.PaymentID,
		"app":       map[string]string{"id": p.cfg.AppID},
		"amount":    ToMinorUnits(req.Amount),
		"channel":   channel,
		"currency":  strings.ToLower(req.Currency),
		"client_ip": req.ClientIP,
		"subject":   truncateRunes(subject, pingxxSubjectMaxRunes),
		"body":      truncateRunes(subject, pingxxBodyMaxRunes),
	}

	var ch pingxxCharge
	if err := p.do(ctx, "create_charge", pingxxChargesPath, body, &ch); err != nil {
		return nil, err
	}

	res := &Result{
		Success:   true,
		PaymentID: req.PaymentID,
		OrderID:   ch.ID,
		Amount:    req.Amount,
		Currency:  req.Currency,
		Status:    TradePending,
		ExtraData: map[string]any{"charge_id": ch.ID, "channel": ch.Channel},
	}
	if len(ch.Credential) > 0 {
		res.ExtraData["credential"] = ch.Credential
	}
	return res, nil
}

func (p *PingxxProvider) ParseCallback(raw RawCallback) (*Callback, error) {
	var ev pingxxEvent
	if err := json.Unmarshal(raw.Body, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ierr.ErrCallbackMalformed, err)
	}
	obj := ev.Data.Object
	if obj.OrderNo == "" {
		return nil, fmt.Errorf("%w: missing order_no", ierr.ErrCallbackMalformed)
	}

	third := obj.TransactionNo
	if third == "" {
		third = obj.ID
	}
	cb := &Callback{
		PaymentID:         obj.OrderNo,
		ThirdPartyOrderID: third,
		Status:            TradeFailed,
		Amount:            FromMinorUnits(obj.Amount),
		Fields: map[string]string{
			"event_id":       ev.ID,
			"event_type":     ev.Type,
			"charge_id":      obj.ID,
			"order_no":       obj.OrderNo,
			"paid":           strconv.FormatBool(obj.Paid),
			"amount":         strconv.FormatInt(obj.Amount, 10),
			"transaction_no": obj.TransactionNo,
			"channel":        obj.Channel,
		},
	}
	if ev.Type == pingxxEventSucceeded && obj.Paid {
		cb.Status = TradeSuccess
	}
	return cb, nil
}

func (p *PingxxProvider) VerifyCallback(_ context.Context, raw RawCallback) (*Callback, error) {
	sig := raw.Headers.Get(pingxxSignatureHeader)
	if sig == "" {
		return nil, fmt.Errorf("%w: missing %s header", ierr.ErrCallbackMalformed, pingxxSignatureHeader)
	}
	if len(raw.Body) == 0 {
		return nil, fmt.Errorf("%w: empty body", ierr.ErrCallbackMalformed)
	}
	if p.publicKey == nil {
		return nil, fmt.Errorf("%w: ping++ public key not configured", ierr.ErrCallbackUnverified)
	}
	if err := rsaVerify(p.publicKey, raw.Body, sig); err != nil {
		return nil, fmt.Errorf("%w: %v", ierr.ErrCallbackUnverified, err)
	}

	cb, err := p.ParseCallback(raw)
	if err != nil {
		return nil, err
	}
	if cb.Fields["charge_id"] == "" {
		return nil, fmt.Errorf("%w: missing charge id", ierr.ErrCallbackMalformed)
	}
	if cb.Status != TradeSuccess {
		return cb, ierr.ErrCallbackNotSuccess
	}
	return cb, nil
}

func (p *PingxxProvider) QueryOrder(ctx context.Context, ref OrderRef) (*Result, error) {
	if p.simulated() {
		return &Result{PaymentID: ref.PaymentID, Amount: ref.Amount, Status: TradePending, Simulated: true}, nil
	}
	if ref.GatewayOrderRef == "" {
		return nil, fmt.Errorf("%w: no charge id recorded for %s", ierr.ErrGatewayRejected, ref.PaymentID)
	}

	resp, err := p.client.R().
		SetContext(ctx).
		SetResult(&pingxxCharge{}).
		Get(pingxxChargesPath + "/" + url.PathEscape(ref.GatewayOrderRef))
	if err := classify("retrieve_charge", resp, err); err != nil {
		return nil, err
	}
	ch := resp.Result().(*pingxxCharge)

	status := TradePending
	switch {
	case ch.Refunded:
		status = TradeRefunded
	case ch.Paid:
		status = TradeSuccess
	}
	return &Result{
		Success:   status == TradeSuccess,
		PaymentID: ref.PaymentID,
		OrderID:   ch.TransactionNo,
		Amount:    FromMinorUnits(ch.Amount),
		Currency:  strings.ToUpper(ch.Currency),
		Status:    status,
	}, nil
}

func (p *PingxxProvider) Refund(ctx context.Context, ref OrderRef, amount decimal.Decimal, reason string) (*Result, error) {
	if p.simulated() {
		return &Result{Success: true, PaymentID: ref.PaymentID, Amount: amount, Status: TradeRefunded, Simulated: true}, nil
	}
	if ref.GatewayOrderRef == "" {
		return nil, fmt.Errorf("%w: no charge id recorded for %s", ierr.ErrGatewayRejected, ref.PaymentID)
	}
	if reason == "" {
		reason = "refund"
	}

	var out struct {
		ID      string `json:"id"`
		Status  string `json:"status"`
		Succeed bool   `json:"succeed"`
	}
	path := pingxxChargesPath + "/" + url.PathEscape(ref.GatewayOrderRef) + "/refunds"
	body := map[string]any{"amount": ToMinorUnits(amount), "description": reason}
	if err := p.do(ctx, "create_refund", path, body, &out); err != nil {
		return nil, err
	}
	if out.Status == "failed" {
		return nil, fmt.Errorf("%w: refund %s failed", ierr.ErrGatewayRejected, out.ID)
	}
	return &Result{
		Success:   true,
		PaymentID: ref.PaymentID,
		OrderID:   out.ID,
		Amount:    amount,
		Status:    TradeRefunded,
		Message:   out.Status,
	}, nil
}

func (p *PingxxProvider) Ack(ok bool) (string, []byte) {
	if ok {
		return "text/plain; charset=utf-8", []byte("success")
	}
	return "text/plain; charset=utf-8", []byte("fail")
}

// do posts a JSON body. With a merchant key configured the request carries the
// RSA-SHA256 signature over body + URI + timestamp.
func (p *PingxxProvider) do(ctx context.Context, op, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", op, err)
	}

	r := p.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json; charset=utf-8").
		SetBody(payload).
		SetResult(out)

	if p.privateKey != nil {
		ts := strconv.FormatInt(p.now().Unix(), 10)
		sig, err := rsaSign(p.privateKey, []byte(string(payload)+path+ts))
		if err != nil {
			return err
		}
		r.SetHeader(pingxxRequestTimestamp, ts).SetHeader("Pingplusplus-Signature", sig)
	}

	resp, err := r.Post(path)
	if err := classify(op, resp, err); err != nil {
		p.logger.Warn("Ping++ request failed", zap.String("op", op), zap.Error(err))
		return err
	}
	return nil
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
