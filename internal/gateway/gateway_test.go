package gateway

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/makkenzo/activation-platform/internal/ierr"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testDeps() Deps {
	return Deps{Timeout: 2 * time.Second, Logger: zap.NewNop()}
}

func rsaKeyPair(t *testing.T) (*rsa.PrivateKey, string, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	priv := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	// Bare base64 DER, the way gateway consoles export public keys.
	return key, string(priv), base64.StdEncoding.EncodeToString(pubDER)
}

func TestMinorUnits(t *testing.T) {
	assert.Equal(t, int64(9990), ToMinorUnits(decimal.RequireFromString("99.90")))
	assert.Equal(t, int64(1), ToMinorUnits(decimal.RequireFromString("0.005")))
	assert.True(t, FromMinorUnits(12345).Equal(decimal.RequireFromString("123.45")))
}

func TestSortedQuery(t *testing.T) {
	q := sortedQuery(map[string]string{"b": "2", "a": "1", "sign": "x", "empty": ""}, "sign")
	assert.Equal(t, "a=1&b=2", q)
}

func TestRegistry(t *testing.T) {
	r := DefaultRegistry()
	assert.Len(t, r.Methods(), 9)

	_, err := NewRegistry().Build(MockSettings{Secret: "s"}, testDeps())
	assert.ErrorIs(t, err, ierr.ErrUnsupportedMethod)

	_, err = NewMockProvider(PingxxSettings{}, testDeps())
	assert.Error(t, err)
}

func TestSettingsFromConfig_RejectsMissingCredentials(t *testing.T) {
	err := ValidateSettings(WeChatSettings{Channel: MethodWeChatH5})
	assert.Error(t, err)

	err = ValidateSettings(WeChatSettings{Channel: MethodWeChatH5, Simulate: true})
	assert.NoError(t, err)

	err = ValidateSettings(MockSettings{Secret: "a"}, MockSettings{Secret: "b"})
	assert.ErrorContains(t, err, "configured twice")
}

func TestMockProvider_CallbackRoundTrip(t *testing.T) {
	p, err := NewMockProvider(MockSettings{Secret: "secret"}, testDeps())
	require.NoError(t, err)
	mock := p.(*MockProvider)
	ctx := context.Background()

	res, err := p.CreateOrder(ctx, OrderRequest{PaymentID: "PAY_1", Amount: decimal.NewFromInt(10)})
	require.NoError(t, err)
	assert.True(t, res.Simulated)
	assert.Contains(t, res.PaymentURL, "PAY_1")

	raw := mock.SimulateCallback("PAY_1", decimal.NewFromInt(10), true)
	cb, err := p.VerifyCallback(ctx, raw)
	require.NoError(t, err)
	assert.Equal(t, TradeSuccess, cb.Status)
	assert.True(t, cb.Amount.Equal(decimal.NewFromInt(10)))

	q, err := p.QueryOrder(ctx, OrderRef{PaymentID: "PAY_1"})
	require.NoError(t, err)
	assert.Equal(t, TradeSuccess, q.Status)

	failed := mock.SimulateCallback("PAY_1", decimal.NewFromInt(10), false)
	cb, err = p.VerifyCallback(ctx, failed)
	assert.ErrorIs(t, err, ierr.ErrCallbackNotSuccess)
	require.NotNil(t, cb)
	assert.Equal(t, TradeFailed, cb.Status)

	raw.Fields["amount"] = "0.01"
	_, err = p.VerifyCallback(ctx, raw)
	assert.ErrorIs(t, err, ierr.ErrCallbackUnverified)

	delete(raw.Fields, "sign")
	_, err = p.VerifyCallback(ctx, raw)
	assert.ErrorIs(t, err, ierr.ErrCallbackMalformed)
}

func TestXMLMapRoundTrip(t *testing.T) {
	in := map[string]string{"return_code": "SUCCESS", "body": "a <b> & c"}
	data, err := encodeXMLMap(in)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "<xml>"))

	out, err := decodeXMLMap(data)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = decodeXMLMap([]byte("<xml></xml>"))
	assert.Error(t, err)
}

func newWeChat(t *testing.T, channel Method, baseURL string) *WeChatProvider {
	t.Helper()
	p, err := NewWeChatProvider(WeChatSettings{
		Channel:   channel,
		AppID:     "wx123",
		MchID:     "1900000109",
		APIKey:    "192006250b4c09247ec02edce69f6a2d",
		NotifyURL: "https://example.com/api/v1/webhooks/" + string(channel),
		BaseURL:   baseURL,
	}, testDeps())
	require.NoError(t, err)
	return p.(*WeChatProvider)
}

func TestWeChatProvider_UnifiedOrder(t *testing.T) {
	signer := newWeChat(t, MethodWeChatH5, "")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/pay/unifiedorder", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		req, err := decodeXMLMap(body)
		assert.NoError(t, err)

		assert.Equal(t, "MWEB", req["trade_type"])
		assert.Equal(t, "9990", req["total_fee"])
		assert.Equal(t, wechatSignType, req["sign_type"])
		assert.Equal(t, signer.sign(req), req["sign"])

		resp := map[string]string{
			"return_code": "SUCCESS",
			"result_code": "SUCCESS",
			"prepay_id":   "wx201410272009395522657a690389285100",
			"mweb_url":    "https://wx.tenpay.com/cgi-bin/mmpayweb-bin/checkmweb?prepay_id=abc",
			"nonce_str":   "n",
		}
		resp["sign"] = signer.sign(resp)
		out, _ := encodeXMLMap(resp)
		w.Header().Set("Content-Type", "text/xml")
		_, _ = w.Write(out)
	}))
	defer srv.Close()

	p := newWeChat(t, MethodWeChatH5, srv.URL)
	res, err := p.CreateOrder(context.Background(), OrderRequest{
		PaymentID:   "PAY_0123456789ABCDEF",
		Amount:      decimal.RequireFromString("99.90"),
		Description: "Pro license",
		ClientIP:    "203.0.113.7",
	})
	require.NoError(t, err)
	assert.Contains(t, res.PaymentURL, "checkmweb")
	assert.False(t, res.Simulated)
}

func TestWeChatProvider_ServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	p := newWeChat(t, MethodWeChatH5, srv.URL)
	_, err := p.CreateOrder(context.Background(), OrderRequest{PaymentID: "PAY_1", Amount: decimal.NewFromInt(1)})
	assert.ErrorIs(t, err, ierr.ErrGatewayUnreachable)
	assert.True(t, ierr.Retryable(err))
}

func TestWeChatProvider_BusinessFailureIsRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		out, _ := encodeXMLMap(map[string]string{"return_code": "FAIL", "return_msg": "invalid mch_id"})
		_, _ = w.Write(out)
	}))
	defer srv.Close()

	p := newWeChat(t, MethodWeChatH5, srv.URL)
	_, err := p.CreateOrder(context.Background(), OrderRequest{PaymentID: "PAY_1", Amount: decimal.NewFromInt(1)})
	assert.ErrorIs(t, err, ierr.ErrGatewayRejected)
	assert.False(t, ierr.Retryable(err))
}

func TestWeChatProvider_JSAPIRequiresOpenID(t *testing.T) {
	p := newWeChat(t, MethodWeChatJSAPI, "")
	_, err := p.CreateOrder(context.Background(), OrderRequest{PaymentID: "PAY_1", Amount: decimal.NewFromInt(1)})
	assert.ErrorIs(t, err, ierr.ErrValidation)
}

func TestWeChatProvider_VerifyCallback(t *testing.T) {
	p := newWeChat(t, MethodWeChatApp, "")
	fields := map[string]string{
		"appid":          "wx123",
		"mch_id":         "1900000109",
		"return_code":    "SUCCESS",
		"result_code":    "SUCCESS",
		"out_trade_no":   "PAY_1",
		"transaction_id": "4200000001",
		"total_fee":      "2500",
		"sign_type":      wechatSignType,
	}
	fields["sign"] = p.sign(fields)
	body, err := encodeXMLMap(fields)
	require.NoError(t, err)

	cb, err := p.VerifyCallback(context.Background(), RawCallback{Body: body})
	require.NoError(t, err)
	assert.Equal(t, "PAY_1", cb.PaymentID)
	assert.Equal(t, "4200000001", cb.ThirdPartyOrderID)
	assert.True(t, cb.Amount.Equal(decimal.NewFromInt(25)))

	fields["total_fee"] = "1"
	tampered, _ := encodeXMLMap(fields)
	_, err = p.VerifyCallback(context.Background(), RawCallback{Body: tampered})
	assert.ErrorIs(t, err, ierr.ErrCallbackUnverified)

	delete(fields, "transaction_id")
	missing, _ := encodeXMLMap(fields)
	_, err = p.VerifyCallback(context.Background(), RawCallback{Body: missing})
	assert.ErrorIs(t, err, ierr.ErrCallbackMalformed)

	contentType, ack := p.Ack(true)
	assert.Contains(t, contentType, "xml")
	assert.Contains(t, string(ack), "SUCCESS")
}

func TestWeChatProvider_RefundNeedsCertificate(t *testing.T) {
	p := newWeChat(t, MethodWeChatH5, "")
	_, err := p.Refund(context.Background(), OrderRef{PaymentID: "PAY_1", Amount: decimal.NewFromInt(1)}, decimal.NewFromInt(1), "")
	assert.ErrorIs(t, err, ierr.ErrGatewayNotConfigured)
}

func TestAlipayProvider_CreateOrderSignsRequest(t *testing.T) {
	merchant, merchantPEM, merchantPub := rsaKeyPair(t)
	_, _, alipayPub := rsaKeyPair(t)

	p, err := NewAlipayProvider(AlipaySettings{
		Channel:         MethodAlipayWeb,
		AppID:           "2021000000000000",
		PrivateKey:      merchantPEM,
		AlipayPublicKey: alipayPub,
		NotifyURL:       "https://example.com/api/v1/webhooks/alipay_web",
		ReturnURL:       "https://example.com/done",
		Sandbox:         true,
	}, testDeps())
	require.NoError(t, err)

	res, err := p.CreateOrder(context.Background(), OrderRequest{
		PaymentID:   "PAY_1",
		Amount:      decimal.RequireFromString("12.5"),
		Description: "Pro license",
	})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(res.PaymentURL, alipaySandboxGatewayURL+"?"))

	u, err := url.Parse(res.PaymentURL)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "alipay.trade.page.pay", q.Get("method"))
	assert.Contains(t, q.Get("biz_content"), `"total_amount":"12.50"`)

	params := make(map[string]string)
	for k := range q {
		params[k] = q.Get(k)
	}
	pub, err := parsePublicKey(merchantPub)
	require.NoError(t, err)
	assert.NoError(t, rsaVerify(pub, []byte(sortedQuery(params, "sign")), params["sign"]))
	assert.Equal(t, merchant.PublicKey.N, pub.N)
}

func TestAlipayProvider_VerifyCallback(t *testing.T) {
	_, merchantPEM, _ := rsaKeyPair(t)
	alipayKey, _, alipayPub := rsaKeyPair(t)

	p, err := NewAlipayProvider(AlipaySettings{
		Channel:         MethodAlipayH5,
		AppID:           "2021000000000000",
		PrivateKey:      merchantPEM,
		AlipayPublicKey: alipayPub,
		NotifyURL:       "https://example.com/notify",
	}, testDeps())
	require.NoError(t, err)

	fields := map[string]string{
		"app_id":       "2021000000000000",
		"out_trade_no": "PAY_1",
		"trade_no":     "2024101522001",
		"trade_status": "TRADE_SUCCESS",
		"total_amount": "12.50",
		"sign_type":    "RSA2",
	}
	sig, err := rsaSign(alipayKey, []byte(sortedQuery(fields, "sign", "sign_type")))
	require.NoError(t, err)
	fields["sign"] = sig

	cb, err := p.VerifyCallback(context.Background(), RawCallback{Fields: fields})
	require.NoError(t, err)
	assert.Equal(t, TradeSuccess, cb.Status)
	assert.Equal(t, "2024101522001", cb.ThirdPartyOrderID)

	fields["sign_type"] = "RSA"
	_, err = p.VerifyCallback(context.Background(), RawCallback{Fields: fields})
	assert.ErrorIs(t, err, ierr.ErrCallbackUnverified)

	fields["sign_type"] = "RSA2"
	fields["total_amount"] = "0.01"
	_, err = p.VerifyCallback(context.Background(), RawCallback{Fields: fields})
	assert.ErrorIs(t, err, ierr.ErrCallbackUnverified)
}

func TestAlipayProvider_QueryOrderVerifiesResponse(t *testing.T) {
	_, merchantPEM, _ := rsaKeyPair(t)
	alipayKey, _, alipayPub := rsaKeyPair(t)

	inner := `{"code":"10000","msg":"Success","trade_no":"2024101522001","out_trade_no":"PAY_1","trade_status":"TRADE_SUCCESS","total_amount":"12.50"}`
	sig, err := rsaSign(alipayKey, []byte(inner))
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "alipay.trade.query", r.PostForm.Get("method"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"alipay_trade_query_response":%s,"sign":%q}`, inner, sig)
	}))
	defer srv.Close()

	p, err := NewAlipayProvider(AlipaySettings{
		Channel:         MethodAlipayApp,
		AppID:           "2021000000000000",
		PrivateKey:      merchantPEM,
		AlipayPublicKey: alipayPub,
		NotifyURL:       "https://example.com/notify",
		GatewayURL:      srv.URL,
	}, testDeps())
	require.NoError(t, err)

	res, err := p.QueryOrder(context.Background(), OrderRef{PaymentID: "PAY_1"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "2024101522001", res.OrderID)
	assert.True(t, res.Amount.Equal(decimal.RequireFromString("12.5")))
}

func TestPingxxProvider_ChargeAndWebhook(t *testing.T) {
	_, merchantPEM, merchantPub := rsaKeyPair(t)
	pingKey, _, pingPub := rsaKeyPair(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, _, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "sk_test_123", user)
		body, _ := io.ReadAll(r.Body)

		pub, err := parsePublicKey(merchantPub)
		assert.NoError(t, err)
		msg := string(body) + r.URL.Path + r.Header.Get(pingxxRequestTimestamp)
		assert.NoError(t, rsaVerify(pub, []byte(msg), r.Header.Get("Pingplusplus-Signature")))

		var req map[string]any
		assert.NoError(t, json.Unmarshal(body, &req))
		assert.Equal(t, "wx_pub_qr", req["channel"])
		assert.EqualValues(t, 1999, req["amount"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"ch_abc","order_no":"PAY_1","channel":"wx_pub_qr","amount":1999,"paid":false,"credential":{"wx_pub_qr":"weixin://wxpay/bizpayurl?pr=abc"}}`))
	}))
	defer srv.Close()

	p, err := NewPingxxProvider(PingxxSettings{
		AppID:          "app_1",
		APIKey:         "sk_test_123",
		PrivateKey:     merchantPEM,
		PublicKey:      pingPub,
		DefaultChannel: "alipay_qr",
		BaseURL:        srv.URL,
	}, testDeps())
	require.NoError(t, err)

	res, err := p.CreateOrder(context.Background(), OrderRequest{
		PaymentID: "PAY_1",
		Amount:    decimal.RequireFromString("19.99"),
		Currency:  "CNY",
		Options:   map[string]string{"channel": "wx_pub_qr"},
	})
	require.NoError(t, err)
	assert.Equal(t, "ch_abc", res.OrderID)
	assert.Contains(t, res.ExtraData, "credential")

	event := []byte(`{"id":"evt_1","type":"charge.succeeded","data":{"object":{"id":"ch_abc","order_no":"PAY_1","amount":1999,"paid":true,"transaction_no":"4200001"}}}`)
	sig, err := rsaSign(pingKey, event)
	require.NoError(t, err)
	headers := http.Header{}
	headers.Set(pingxxSignatureHeader, sig)

	cb, err := p.VerifyCallback(context.Background(), RawCallback{Body: event, Headers: headers})
	require.NoError(t, err)
	assert.Equal(t, "PAY_1", cb.PaymentID)
	assert.Equal(t, "4200001", cb.ThirdPartyOrderID)
	assert.True(t, cb.Amount.Equal(decimal.RequireFromString("19.99")))

	tampered := []byte(strings.Replace(string(event), "1999", "1", 1))
	_, err = p.VerifyCallback(context.Background(), RawCallback{Body: tampered, Headers: headers})
	assert.ErrorIs(t, err, ierr.ErrCallbackUnverified)

	_, err = p.VerifyCallback(context.Background(), RawCallback{Body: event, Headers: http.Header{}})
	assert.ErrorIs(t, err, ierr.ErrCallbackMalformed)
}

func TestMercadoPagoSignature(t *testing.T) {
	secret := "whsec"
	ts := "1704908010"
	sig := hmacSHA256Hex(secret, "id:123456;request-id:req-1;ts:"+ts+";")
	header := "ts=" + ts + ",v1=" + sig

	assert.True(t, ValidMercadoPagoSignature(header, "req-1", "123456", secret))
	assert.False(t, ValidMercadoPagoSignature(header, "req-2", "123456", secret))
	assert.False(t, ValidMercadoPagoSignature(header, "req-1", "123456", "other"))
	assert.False(t, ValidMercadoPagoSignature("garbage", "req-1", "123456", secret))
	assert.False(t, ValidMercadoPagoSignature(header, "req-1", "123456", ""))
}

func TestMercadoPagoProvider_RejectsUnsignedWebhook(t *testing.T) {
	p, err := NewMercadoPagoProvider(MercadoPagoSettings{
		Simulate:      true,
		WebhookSecret: "whsec",
		Currency:      "BRL",
	}, testDeps())
	require.NoError(t, err)

	raw := RawCallback{
		Fields:  map[string]string{"payment_id": "PAY_1", "data.id": "123456", "type": "payment"},
		Headers: http.Header{},
	}
	_, err = p.VerifyCallback(context.Background(), raw)
	assert.ErrorIs(t, err, ierr.ErrCallbackUnverified)

	cb, err := p.ParseCallback(RawCallback{
		Fields: map[string]string{"payment_id": "PAY_1"},
		Body:   []byte(`{"type":"payment","data":{"id":"987"}}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "987", cb.ThirdPartyOrderID)

	_, err = p.ParseCallback(RawCallback{Fields: map[string]string{"data.id": "1"}})
	assert.ErrorIs(t, err, ierr.ErrCallbackMalformed)
}

func TestManager(t *testing.T) {
	m, err := NewManager(DefaultRegistry(), []Settings{MockSettings{Secret: "s"}}, time.Second, nil, zap.NewNop())
	require.NoError(t, err)

	assert.True(t, m.Supports(MethodMock))
	assert.False(t, m.Supports(MethodAlipayWeb))
	assert.Equal(t, []Method{MethodMock}, m.Methods())

	_, err = m.CreateOrder(context.Background(), MethodAlipayWeb, OrderRequest{})
	assert.ErrorIs(t, err, ierr.ErrUnsupportedMethod)

	res, err := m.CreateOrder(context.Background(), MethodMock, OrderRequest{PaymentID: "PAY_1", Amount: decimal.NewFromInt(1)})
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestManager_TimeoutIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	m, err := NewManager(DefaultRegistry(), []Settings{WeChatSettings{
		Channel:   MethodWeChatH5,
		AppID:     "wx",
		MchID:     "m",
		APIKey:    "k",
		NotifyURL: "https://example.com/n",
		BaseURL:   srv.URL,
	}}, 100*time.Millisecond, nil, zap.NewNop())
	require.NoError(t, err)

	_, err = m.QueryOrder(context.Background(), MethodWeChatH5, OrderRef{PaymentID: "PAY_1"})
	assert.ErrorIs(t, err, ierr.ErrGatewayUnreachable)
}
