package gateway

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/makkenzo/activation-platform/internal/ierr"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	wechatDefaultBaseURL = "https://api.mch.weixin.qq.com"
	wechatSignType       = "HMAC-SHA256"
)

// WeChatProvider speaks WeChat Pay v2 (XML) for the H5, APP and JSAPI channels.
type WeChatProvider struct {
	cfg       WeChatSettings
	tradeType string
	client    *resty.Client
	hasCert   bool
	now       func() time.Time
	logger    *zap.Logger
}

func NewWeChatProvider(settings Settings, deps Deps) (Provider, error) {
	s, ok := settings.(WeChatSettings)
	if !ok {
		return nil, settingsTypeError("WeChatSettings", settings)
	}

	var tradeType string
	switch s.Channel {
	case MethodWeChatH5:
		tradeType = "MWEB"
	case MethodWeChatApp:
		tradeType = "APP"
	case MethodWeChatJSAPI:
		tradeType = "JSAPI"
	default:
		return nil, fmt.Errorf("%w: %s", ierr.ErrUnsupportedMethod, s.Channel)
	}

	base := s.BaseURL
	if base == "" {
		base = wechatDefaultBaseURL
	}
	client := newHTTPClient(base, deps.Timeout)

	p := &WeChatProvider{
		cfg:       s,
		tradeType: tradeType,
		client:    client,
		now:       time.Now,
		logger:    deps.Logger.Named("WeChatProvider").With(zap.String("channel", string(s.Channel))),
	}

	if s.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(s.CertFile, s.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load wechat merchant certificate: %w", err)
		}
		client.SetCertificates(cert)
		p.hasCert = true
	}
	return p, nil
}

func (p *WeChatProvider) Method() Method { return p.cfg.Channel }

func (p *WeChatProvider) simulated() bool {
	return p.cfg.Simulate && (p.cfg.AppID == "" || p.cfg.MchID == "" || p.cfg.APIKey == "")
}

func (p *WeChatProvider) CreateOrder(ctx context.Context, req OrderRequest) (*Result, error) {
	if p.tradeType == "JSAPI" && req.Options["openid"] == "" {
		return nil, fmt.Errorf("%w: openid is required for JSAPI payments", ierr.ErrValidation)
	}

	if p.simulated() {
		return &Result{
			Success:    true,
			PaymentID:  req.PaymentID,
			PaymentURL: "https://pay.weixin.qq.com/mock/" + req.PaymentID,
			QRCode:     "WECHAT_QR_" + req.PaymentID,
			Amount:     req.Amount,
			Currency:   req.Currency,
			Status:     TradePending,
			Simulated:  true,
		}, nil
	}

	params := map[string]string{
		"body":             req.Description,
		"out_trade_no":     req.PaymentID,
		"total_fee":        strconv.FormatInt(ToMinorUnits(req.Amount), 10),
		"spbill_create_ip": req.ClientIP,
		"notify_url":       p.cfg.NotifyURL,
		"trade_type":       p.tradeType,
	}
	if req.Currency != "" {
		params["fee_type"] = req.Currency
	}
	if p.tradeType == "JSAPI" {
		params["openid"] = req.Options["openid"]
	}
	if p.tradeType == "MWEB" && p.cfg.SceneURL != "" {
		scene, err := json.Marshal(map[string]any{
			"h5_info": map[string]string{"type": "Wap", "wap_url": p.cfg.SceneURL, "wap_name": p.cfg.SceneName},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to encode scene info: %w", err)
		}
		params["scene_info"] = string(scene)
	}

	out, err := p.call(ctx, "unifiedorder", "/pay/unifiedorder", params)
	if err != nil {
		return nil, err
	}
	if out["result_code"] != "SUCCESS" {
		return nil, fmt.Errorf("%w: unifiedorder: %s %s", ierr.ErrGatewayRejected, out["err_code"], out["err_code_des"])
	}

	res := &Result{
		Success:   true,
		PaymentID: req.PaymentID,
		OrderID:   out["prepay_id"],
		Amount:    req.Amount,
		Currency:  req.Currency,
		Status:    TradePending,
	}

	ts := strconv.FormatInt(p.now().Unix(), 10)
	switch p.tradeType {
	case "MWEB":
		res.PaymentURL = out["mweb_url"]
	case "APP":
		cred := map[string]string{
			"appid":     p.cfg.AppID,
			"partnerid": p.cfg.MchID,
			"prepayid":  out["prepay_id"],
			"package":   "Sign=WXPay",
			"noncestr":  nonce(),
			"timestamp": ts,
		}
		cred["sign"] = p.sign(cred)
		res.ExtraData = stringMapToAny(cred)
	case "JSAPI":
		cred := map[string]string{
			"appId":     p.cfg.AppID,
			"timeStamp": ts,
			"nonceStr":  nonce(),
			"package":   "prepay_id=" + out["prepay_id"],
			"signType":  wechatSignType,
		}
		cred["paySign"] = p.sign(cred)
		res.ExtraData = stringMapToAny(cred)
	}
	if qr := out["code_url"]; qr != "" {
		res.QRCode = qr
	}
	return res, nil
}

func (p *WeChatProvider) ParseCallback(raw RawCallback) (*Callback, error) {
	fields, err := wechatFields(raw)
	if err != nil {
		return nil, err
	}
	if fields["out_trade_no"] == "" {
		return nil, fmt.Errorf("%w: missing out_trade_no", ierr.ErrCallbackMalformed)
	}

	cb := &Callback{
		PaymentID:         fields["out_trade_no"],
		ThirdPartyOrderID: fields["transaction_id"],
		Status:            TradeFailed,
		Fields:            fields,
	}
	if fields["return_code"] == "SUCCESS" && fields["result_code"] == "SUCCESS" {
		cb.Status = TradeSuccess
	}
	if v := fields["total_fee"]; v != "" {
		fee, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: total_fee %q", ierr.ErrCallbackMalformed, v)
		}
		cb.Amount = FromMinorUnits(fee)
	}
	return cb, nil
}

func (p *WeChatProvider) VerifyCallback(_ context.Context, raw RawCallback) (*Callback, error) {
	fields, err := wechatFields(raw)
	if err != nil {
		return nil, err
	}
	for _, k := range []string{"return_code", "result_code", "out_trade_no", "transaction_id", "total_fee", "sign"} {
		if fields[k] == "" {
			return nil, fmt.Errorf("%w: missing %s", ierr.ErrCallbackMalformed, k)
		}
	}
	if p.cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: wechat api key not configured", ierr.ErrCallbackUnverified)
	}
	if st := fields["sign_type"]; st != "" && st != wechatSignType {
		return nil, fmt.Errorf("%w: unsupported sign_type %s", ierr.ErrCallbackUnverified, st)
	}
	if !equalSignature(p.sign(fields), fields["sign"]) {
		return nil, fmt.Errorf("%w: signature mismatch", ierr.ErrCallbackUnverified)
	}
	if fields["appid"] != "" && fields["appid"] != p.cfg.AppID {
		return nil, fmt.Errorf("%w: appid mismatch", ierr.ErrCallbackUnverified)
	}

	cb, err := p.ParseCallback(RawCallback{Fields: fields})
	if err != nil {
		return nil, err
	}
	if cb.Status != TradeSuccess {
		return cb, ierr.ErrCallbackNotSuccess
	}
	return cb, nil
}

func (p *WeChatProvider) QueryOrder(ctx context.Context, ref OrderRef) (*Result, error) {
	if p.simulated() {
		return &Result{PaymentID: ref.PaymentID, Amount: ref.Amount, Status: TradePending, Simulated: true}, nil
	}

	out, err := p.call(ctx, "orderquery", "/pay/orderquery", map[string]string{"out_trade_no": ref.PaymentID})
	if err != nil {
		return nil, err
	}
	if out["result_code"] != "SUCCESS" {
		return nil, fmt.Errorf("%w: orderquery: %s %s", ierr.ErrGatewayRejected, out["err_code"], out["err_code_des"])
	}

	res := &Result{
		PaymentID: ref.PaymentID,
		OrderID:   out["transaction_id"],
		Amount:    ref.Amount,
		Status:    wechatTradeState(out["trade_state"]),
		Message:   out["trade_state_desc"],
	}
	if v := out["total_fee"]; v != "" {
		if fee, err := strconv.ParseInt(v, 10, 64); err == nil {
			res.Amount = FromMinorUnits(fee)
		}
	}
	res.Success = res.Status == TradeSuccess
	return res, nil
}

func (p *WeChatProvider) Refund(ctx context.Context, ref OrderRef, amount decimal.Decimal, reason string) (*Result, error) {
	if p.simulated() {
		return &Result{Success: true, PaymentID: ref.PaymentID, Amount: amount, Status: TradeRefunded, Simulated: true}, nil
	}
	if !p.hasCert {
		return nil, fmt.Errorf("%w: wechat refunds require the merchant certificate", ierr.ErrGatewayNotConfigured)
	}

	params := map[string]string{
		"out_trade_no":  ref.PaymentID,
		"out_refund_no": "R" + ref.PaymentID,
		"total_fee":     strconv.FormatInt(ToMinorUnits(ref.Amount), 10),
		"refund_fee":    strconv.FormatInt(ToMinorUnits(amount), 10),
		"refund_desc":   reason,
	}
	if ref.ThirdPartyOrderID != "" {
		params["transaction_id"] = ref.ThirdPartyOrderID
	}

	out, err := p.call(ctx, "refund", "/secapi/pay/refund", params)
	if err != nil {
		return nil, err
	}
	if out["result_code"] != "SUCCESS" {
		return nil, fmt.Errorf("%w: refund: %s %s", ierr.ErrGatewayRejected, out["err_code"], out["err_code_des"])
	}
	return &Result{
		Success:   true,
		PaymentID: ref.PaymentID,
		OrderID:   out["refund_id"],
		Amount:    amount,
		Status:    TradeRefunded,
	}, nil
}

func (p *WeChatProvider) Ack(ok bool) (string, []byte) {
	code, msg := "SUCCESS", "OK"
	if !ok {
		code, msg = "FAIL", "ERROR"
	}
	body, _ := encodeXMLMap(map[string]string{"return_code": code, "return_msg": msg})
	return "application/xml; charset=utf-8", body
}

// sign is upper-hex HMAC-SHA256(apiKey, "k=v&...&key=apiKey").
func (p *WeChatProvider) sign(fields map[string]string) string {
	msg := sortedQuery(fields, "sign") + "&key=" + p.cfg.APIKey
	return strings.ToUpper(hmacSHA256Hex(p.cfg.APIKey, msg))
}

func (p *WeChatProvider) call(ctx context.Context, op, path string, params map[string]string) (map[string]string, error) {
	params["appid"] = p.cfg.AppID
	params["mch_id"] = p.cfg.MchID
	params["nonce_str"] = nonce()
	params["sign_type"] = wechatSignType
	params["sign"] = p.sign(params)

	body, err := encodeXMLMap(params)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s request: %w", op, err)
	}

	resp, err := p.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "text/xml; charset=utf-8").
		SetBody(body).
		Post(path)
	if err := classify(op, resp, err); err != nil {
		p.logger.Warn("WeChat request failed", zap.String("op", op), zap.Error(err))
		return nil, err
	}

	out, err := decodeXMLMap(resp.Body())
	if err != nil {
		return nil, fmt.Errorf("%w: %s: undecodable response: %v", ierr.ErrGatewayRejected, op, err)
	}
	if out["return_code"] != "SUCCESS" {
		return nil, fmt.Errorf("%w: %s: %s", ierr.ErrGatewayRejected, op, out["return_msg"])
	}
	if s := out["sign"]; s != "" && !equalSignature(p.sign(out), s) {
		return nil, fmt.Errorf("%w: %s: response signature mismatch", ierr.ErrGatewayRejected, op)
	}
	return out, nil
}

func wechatFields(raw RawCallback) (map[string]string, error) {
	if len(bytes.TrimSpace(raw.Body)) == 0 {
		if len(raw.Fields) == 0 {
			return nil, fmt.Errorf("%w: empty notification", ierr.ErrCallbackMalformed)
		}
		return raw.Fields, nil
	}
	fields, err := decodeXMLMap(raw.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ierr.ErrCallbackMalformed, err)
	}
	return fields, nil
}

func wechatTradeState(s string) TradeStatus {
	switch s {
	case "SUCCESS":
		return TradeSuccess
	case "REFUND":
		return TradeRefunded
	case "CLOSED", "REVOKED":
		return TradeClosed
	case "PAYERROR":
		return TradeFailed
	}
	return TradePending
}

type cdata struct {
	Value string `xml:",cdata"`
}

// encodeXMLMap writes <xml><k><![CDATA[v]]></k>...</xml> in key order.
func encodeXMLMap(fields map[string]string) ([]byte, error) {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	enc := xml.NewEncoder(&buf)
	root := xml.StartElement{Name: xml.Name{Local: "xml"}}
	if err := enc.EncodeToken(root); err != nil {
		return nil, err
	}
	for _, k := range keys {
		if err := enc.EncodeElement(cdata{Value: fields[k]}, xml.StartElement{Name: xml.Name{Local: k}}); err != nil {
			return nil, err
		}
	}
	if err := enc.EncodeToken(root.End()); err != nil {
		return nil, err
	}
	if err := enc.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodeXMLMap reads the flat one-level documents WeChat exchanges.
func decodeXMLMap(data []byte) (map[string]string, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	out := make(map[string]string)

	var (
		depth int
		key   string
		text  strings.Builder
	)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			if depth == 2 {
				key = t.Name.Local
				text.Reset()
			}
		case xml.CharData:
			if depth == 2 {
				text.Write(t)
			}
		case xml.EndElement:
			if depth == 2 {
				out[key] = strings.TrimSpace(text.String())
			}
			depth--
		}
	}
	if len(out) == 0 {
		return nil, errors.New("no fields in xml document")
	}
	return out, nil
}

func nonce() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func stringMapToAny(m map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
