package gateway

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/makkenzo/activation-platform/internal/ierr"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	alipayGatewayURL        = "https://openapi.alipay.com/gateway.do"
	alipaySandboxGatewayURL = "https://openapi.alipaydev.com/gateway.do"
	alipayCodeSuccess       = "10000"
)

type alipayChannel struct {
	apiMethod   string
	productCode string
}

var alipayChannels = map[Method]alipayChannel{
	MethodAlipayH5:  {apiMethod: "alipay.trade.wap.pay", productCode: "QUICK_WAP_WAY"},
	MethodAlipayWeb: {apiMethod: "alipay.trade.page.pay", productCode: "FAST_INSTANT_TRADE_PAY"},
	MethodAlipayApp: {apiMethod: "alipay.trade.app.pay", productCode: "QUICK_MSECURITY_PAY"},
}

// AlipayProvider signs requests with the merchant RSA2 key and verifies
// notifications and responses with the Alipay public key.
type AlipayProvider struct {
	cfg        AlipaySettings
	channel    alipayChannel
	gatewayURL string
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
	client     *resty.Client
	now        func() time.Time
	logger     *zap.Logger
}

func NewAlipayProvider(settings Settings, deps Deps) (Provider, error) {
	s, ok := settings.(AlipaySettings)
	if !ok {
		return nil, settingsTypeError("AlipaySettings", settings)
	}
	ch, ok := alipayChannels[s.Channel]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ierr.ErrUnsupportedMethod, s.Channel)
	}

	gw := s.GatewayURL
	if gw == "" {
		gw = alipayGatewayURL
		if s.Sandbox {
			gw = alipaySandboxGatewayURL
		}
	}

	p := &AlipayProvider{
		cfg:        s,
		channel:    ch,
		gatewayURL: gw,
		client:     newHTTPClient("", deps.Timeout),
		now:        time.Now,
		logger:     deps.Logger.Named("AlipayProvider").With(zap.String("channel", string(s.Channel))),
	}

	if s.PrivateKey != "" {
		k, err := parsePrivateKey(s.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("alipay merchant key: %w", err)
		}
		p.privateKey = k
	}
	if s.AlipayPublicKey != "" {
		k, err := parsePublicKey(s.AlipayPublicKey)
		if err != nil {
			return nil, fmt.Errorf("alipay public key: %w", err)
		}
		p.publicKey = k
	}
	return p, nil
}

func (p *AlipayProvider) Method() Method { return p.cfg.Channel }

func (p *AlipayProvider) simulated() bool {
	return p.cfg.Simulate && (p.cfg.AppID == "" || p.privateKey == nil)
}

// CreateOrder needs no round trip: the signed request itself is the payment URL
// (wap, page) or the order string handed to the mobile SDK (app).
func (p *AlipayProvider) CreateOrder(_ context.Context, req OrderRequest) (*Result, error) {
	if p.simulated() {
		return &Result{
			Success:    true,
			PaymentID:  req.PaymentID,
			PaymentURL: "https://openapi.alipay.com/mock/" + req.PaymentID,
			QRCode:     "ALIPAY_QR_" + req.PaymentID,
			Amount:     req.Amount,
			Currency:   req.Currency,
			Status:     TradePending,
			Simulated:  true,
		}, nil
	}

	biz := map[string]string{
		"out_trade_no": req.PaymentID,
		"total_amount": req.Amount.StringFixed(2),
		"subject":      req.Description,
		"product_code": p.channel.productCode,
	}
	returnURL := p.cfg.ReturnURL
	if v := req.Options["return_url"]; v != "" {
		returnURL = v
	}
	if p.cfg.Channel == MethodAlipayH5 && returnURL != "" {
		biz["quit_url"] = returnURL
	}

	params, err := p.signedParams(p.channel.apiMethod, biz)
	if err != nil {
		return nil, err
	}
	params["notify_url"] = p.cfg.NotifyURL
	if returnURL != "" && p.cfg.Channel != MethodAlipayApp {
		params["return_url"] = returnURL
	}
	if err := p.resign(params); err != nil {
		return nil, err
	}

	encoded := toValues(params).Encode()
	res := &Result{
		Success:   true,
		PaymentID: req.PaymentID,
		Amount:    req.Amount,
		Currency:  req.Currency,
		Status:    TradePending,
	}
	if p.cfg.Channel == MethodAlipayApp {
		res.ExtraData = map[string]any{"order_string": encoded}
	} else {
		res.PaymentURL = p.gatewayURL + "?" + encoded
	}
	return res, nil
}

func (p *AlipayProvider) ParseCallback(raw RawCallback) (*Callback, error) {
	f := raw.Fields
	if f["out_trade_no"] == "" {
		return nil, fmt.Errorf("%w: missing out_trade_no", ierr.ErrCallbackMalformed)
	}
	cb := &Callback{
		PaymentID:         f["out_trade_no"],
		ThirdPartyOrderID: f["trade_no"],
		Status:            alipayTradeStatus(f["trade_status"]),
		Fields:            f,
	}
	if v := f["total_amount"]; v != "" {
		amount, err := decimal.NewFromString(v)
		if err != nil {
			return nil, fmt.Errorf("%w: total_amount %q", ierr.ErrCallbackMalformed, v)
		}
		cb.Amount = amount
	}
	return cb, nil
}

func (p *AlipayProvider) VerifyCallback(_ context.Context, raw RawCallback) (*Callback, error) {
	f := raw.Fields
	for _, k := range []string{"out_trade_no", "trade_no", "trade_status", "total_amount", "sign"} {
		if f[k] == "" {
			return nil, fmt.Errorf("%w: missing %s", ierr.ErrCallbackMalformed, k)
		}
	}
	if f["sign_type"] != "RSA2" {
		return nil, fmt.Errorf("%w: unsupported sign_type %q", ierr.ErrCallbackUnverified, f["sign_type"])
	}
	if p.publicKey == nil {
		return nil, fmt.Errorf("%w: alipay public key not configured", ierr.ErrCallbackUnverified)
	}
	if err := rsaVerify(p.publicKey, []byte(sortedQuery(f, "sign", "sign_type")), f["sign"]); err != nil {
		return nil, fmt.Errorf("%w: %v", ierr.ErrCallbackUnverified, err)
	}
	if f["app_id"] != "" && f["app_id"] != p.cfg.AppID {
		return nil, fmt.Errorf("%w: app_id mismatch", ierr.ErrCallbackUnverified)
	}

	cb, err := p.ParseCallback(raw)
	if err != nil {
		return nil, err
	}
	if cb.Status != TradeSuccess {
		return cb, ierr.ErrCallbackNotSuccess
	}
	return cb, nil
}

func (p *AlipayProvider) QueryOrder(ctx context.Context, ref OrderRef) (*Result, error) {
	if p.simulated() {
		return &Result{PaymentID: ref.PaymentID, Amount: ref.Amount, Status: TradePending, Simulated: true}, nil
	}

	var out struct {
		Code        string `json:"code"`
		Msg         string `json:"msg"`
		SubMsg      string `json:"sub_msg"`
		TradeNo     string `json:"trade_no"`
		TradeStatus string `json:"trade_status"`
		TotalAmount string `json:"total_amount"`
	}
	if err := p.call(ctx, "alipay.trade.query", map[string]string{"out_trade_no": ref.PaymentID}, &out); err != nil {
		return nil, err
	}
	if out.Code != alipayCodeSuccess {
		return nil, fmt.Errorf("%w: trade.query: %s %s", ierr.ErrGatewayRejected, out.Msg, out.SubMsg)
	}

	res := &Result{
		PaymentID: ref.PaymentID,
		OrderID:   out.TradeNo,
		Amount:    ref.Amount,
		Status:    alipayTradeStatus(out.TradeStatus),
	}
	if amount, err := decimal.NewFromString(out.TotalAmount); err == nil {
		res.Amount = amount
	}
	res.Success = res.Status == TradeSuccess
	return res, nil
}

func (p *AlipayProvider) Refund(ctx context.Context, ref OrderRef, amount decimal.Decimal, reason string) (*Result, error) {
	if p.simulated() {
		return &Result{Success: true, PaymentID: ref.PaymentID, Amount: amount, Status: TradeRefunded, Simulated: true}, nil
	}

	biz := map[string]string{
		"out_trade_no":   ref.PaymentID,
		"refund_amount":  amount.StringFixed(2),
		"refund_reason":  reason,
		"out_request_no": "R" + ref.PaymentID,
	}
	var out struct {
		Code       string `json:"code"`
		Msg        string `json:"msg"`
		SubMsg     string `json:"sub_msg"`
		TradeNo    string `json:"trade_no"`
		RefundFee  string `json:"refund_fee"`
		FundChange string `json:"fund_change"`
	}
	if err := p.call(ctx, "alipay.trade.refund", biz, &out); err != nil {
		return nil, err
	}
	if out.Code != alipayCodeSuccess {
		return nil, fmt.Errorf("%w: trade.refund: %s %s", ierr.ErrGatewayRejected, out.Msg, out.SubMsg)
	}
	return &Result{
		Success:   true,
		PaymentID: ref.PaymentID,
		OrderID:   out.TradeNo,
		Amount:    amount,
		Status:    TradeRefunded,
	}, nil
}

func (p *AlipayProvider) Ack(ok bool) (string, []byte) {
	if ok {
		return "text/plain; charset=utf-8", []byte("success")
	}
	return "text/plain; charset=utf-8", []byte("failure")
}

func (p *AlipayProvider) signedParams(apiMethod string, biz map[string]string) (map[string]string, error) {
	if p.privateKey == nil {
		return nil, fmt.Errorf("%w: alipay merchant key not configured", ierr.ErrGatewayNotConfigured)
	}
	bizContent, err := json.Marshal(biz)
	if err != nil {
		return nil, fmt.Errorf("failed to encode biz_content: %w", err)
	}
	params := map[string]string{
		"app_id":      p.cfg.AppID,
		"method":      apiMethod,
		"format":      "JSON",
		"charset":     "utf-8",
		"sign_type":   "RSA2",
		"timestamp":   p.now().Format("2006-01-02 15:04:05"),
		"version":     "1.0",
		"biz_content": string(bizContent),
	}
	if err := p.resign(params); err != nil {
		return nil, err
	}
	return params, nil
}

func (p *AlipayProvider) resign(params map[string]string) error {
	sig, err := rsaSign(p.privateKey, []byte(sortedQuery(params, "sign")))
	if err != nil {
		return err
	}
	params["sign"] = sig
	return nil
}

// call posts a signed request and verifies the signature Alipay puts over the
// raw <method>_response object before decoding it into out.
func (p *AlipayProvider) call(ctx context.Context, apiMethod string, biz map[string]string, out any) error {
	params, err := p.signedParams(apiMethod, biz)
	if err != nil {
		return err
	}

	resp, err := p.client.R().
		SetContext(ctx).
		SetFormData(params).
		Post(p.gatewayURL)
	if err := classify(apiMethod, resp, err); err != nil {
		p.logger.Warn("Alipay request failed", zap.String("api", apiMethod), zap.Error(err))
		return err
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(resp.Body(), &envelope); err != nil {
		return fmt.Errorf("%w: %s: undecodable response: %v", ierr.ErrGatewayRejected, apiMethod, err)
	}
	key := strings.ReplaceAll(apiMethod, ".", "_") + "_response"
	body, ok := envelope[key]
	if !ok {
		return fmt.Errorf("%w: %s: missing %s", ierr.ErrGatewayRejected, apiMethod, key)
	}

	var sign string
	if rawSign, ok := envelope["sign"]; ok {
		if err := json.Unmarshal(rawSign, &sign); err != nil {
			return fmt.Errorf("%w: %s: bad sign field", ierr.ErrGatewayRejected, apiMethod)
		}
	}
	if sign != "" {
		if p.publicKey == nil {
			return fmt.Errorf("%w: alipay public key not configured", ierr.ErrGatewayNotConfigured)
		}
		if err := rsaVerify(p.publicKey, body, sign); err != nil {
			return fmt.Errorf("%w: %s: response signature: %v", ierr.ErrGatewayRejected, apiMethod, err)
		}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: %s: %v", ierr.ErrGatewayRejected, apiMethod, err)
	}
	return nil
}

func alipayTradeStatus(s string) TradeStatus {
	switch s {
	case "TRADE_SUCCESS", "TRADE_FINISHED":
		return TradeSuccess
	case "TRADE_CLOSED":
		return TradeClosed
	case "WAIT_BUYER_PAY", "":
		return TradePending
	}
	return TradeFailed
}

func toValues(m map[string]string) url.Values {
	v := make(url.Values, len(m))
	for k, val := range m {
		v.Set(k, val)
	}
	return v
}
