package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/makkenzo/activation-platform/internal/config"
	"github.com/makkenzo/activation-platform/internal/domain/activation"
	"github.com/makkenzo/activation-platform/internal/domain/payment"
	"github.com/makkenzo/activation-platform/internal/gateway"
	"github.com/makkenzo/activation-platform/internal/ierr"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testPaymentsConfig = config.PaymentsConfig{
	Timeout:         5 * time.Second,
	ReconcileAfter:  10 * time.Minute,
	DefaultCurrency: "CNY",
}

type settlementFixture struct {
	*fixture
	svc  *SettlementService
	mock *gateway.MockProvider
}

func newSettlement(t *testing.T, reg *gateway.Registry) *settlementFixture {
	t.Helper()
	f := newFixture(t)

	settings := []gateway.Settings{
		gateway.MockSettings{Secret: "mock-secret"},
		gateway.WeChatSettings{Channel: gateway.MethodWeChatH5, Simulate: true},
	}
	mgr, err := gateway.NewManager(reg, settings, testPaymentsConfig.Timeout, nil, zap.NewNop())
	require.NoError(t, err)

	out := &settlementFixture{
		fixture: f,
		svc:     NewSettlementService(f.ledger, f.codes, f.payments, f.store, mgr, testPaymentsConfig, nil, zap.NewNop()),
	}
	if p, err := mgr.Provider(gateway.MethodMock); err == nil {
		out.mock, _ = p.(*gateway.MockProvider)
	}
	return out
}

func (f *settlementFixture) purchase(t *testing.T, price int64) *PurchaseResult {
	t.Helper()
	res, err := f.svc.Purchase(context.Background(), PurchaseRequest{
		ProductID:   "pro",
		ProductName: "Pro License",
		Price:       decimal.NewFromInt(price),
		Method:      gateway.MethodMock,
		ClientIP:    "203.0.113.9",
	})
	require.NoError(t, err)
	require.True(t, res.Success, res.Message)
	return res
}

func (f *settlementFixture) payment(t *testing.T, id string) *payment.Payment {
	t.Helper()
	p, err := f.payments.FindByPaymentID(context.Background(), id)
	require.NoError(t, err)
	return p
}

func TestSettlement_PurchaseHoldsCodeUntilPaid(t *testing.T) {
	f := newSettlement(t, gateway.DefaultRegistry())
	require.NotNil(t, f.mock)
	ctx := context.Background()

	res := f.purchase(t, 99)
	assert.Regexp(t, `^PAY_[0-9A-F]{16}$`, res.PaymentID)
	assert.True(t, res.Simulated)
	assert.NotEmpty(t, res.PaymentURL)
	assert.Equal(t, "CNY", res.Currency)

	p := f.payment(t, res.PaymentID)
	assert.Equal(t, payment.StatusPending, p.Status)
	assert.Equal(t, "MOCK_"+res.PaymentID, p.GatewayOrderRef.String)

	check, err := f.ledger.Verify(ctx, res.ActivationCode, "buyer")
	require.NoError(t, err)
	assert.Equal(t, "awaiting_payment", check.Reason)

	cb, err := f.svc.HandleCallback(ctx, gateway.MethodMock, f.mock.SimulateCallback(res.PaymentID, p.Amount, true))
	require.NoError(t, err)
	assert.True(t, cb.Success, cb.Message)
	assert.False(t, cb.AlreadyProcessed)

	p = f.payment(t, res.PaymentID)
	assert.Equal(t, payment.StatusPaid, p.Status)
	assert.Equal(t, "MOCK_TXN_"+res.PaymentID, p.ThirdPartyOrderID.String)
	assert.NotEmpty(t, p.CallbackData)

	redeemed, err := f.ledger.Redeem(ctx, RedeemRequest{Code: res.ActivationCode, UserID: "buyer"})
	require.NoError(t, err)
	assert.True(t, redeemed.Success)
}

func TestSettlement_DuplicateCallbackIsIdempotent(t *testing.T) {
	f := newSettlement(t, gateway.DefaultRegistry())
	ctx := context.Background()
	res := f.purchase(t, 50)
	raw := f.mock.SimulateCallback(res.PaymentID, decimal.NewFromInt(50), true)

	first, err := f.svc.HandleCallback(ctx, gateway.MethodMock, raw)
	require.NoError(t, err)
	require.True(t, first.Success)
	paidAt := f.payment(t, res.PaymentID).PaidAt

	second, err := f.svc.HandleCallback(ctx, gateway.MethodMock, raw)
	require.NoError(t, err)
	assert.True(t, second.Success)
	assert.True(t, second.AlreadyProcessed)
	assert.Equal(t, paidAt, f.payment(t, res.PaymentID).PaidAt)
}

func TestSettlement_UnverifiedCallbackFailsPayment(t *testing.T) {
	f := newSettlement(t, gateway.DefaultRegistry())
	ctx := context.Background()
	res := f.purchase(t, 30)

	raw := f.mock.SimulateCallback(res.PaymentID, decimal.NewFromInt(30), true)
	raw.Fields["sign"] = "deadbeef"
	cb, err := f.svc.HandleCallback(ctx, gateway.MethodMock, raw)
	require.NoError(t, err)
	assert.False(t, cb.Success)
	assert.Equal(t, "callback_unverified", cb.Reason)
	assert.Equal(t, payment.StatusFailed, f.payment(t, res.PaymentID).Status)

	// A later authentic success still settles a FAILED payment.
	cb, err = f.svc.HandleCallback(ctx, gateway.MethodMock, f.mock.SimulateCallback(res.PaymentID, decimal.NewFromInt(30), true))
	require.NoError(t, err)
	assert.True(t, cb.Success)
	assert.Equal(t, payment.StatusPaid, f.payment(t, res.PaymentID).Status)
}

func TestSettlement_AmountMismatchIsRejected(t *testing.T) {
	f := newSettlement(t, gateway.DefaultRegistry())
	res := f.purchase(t, 30)

	cb, err := f.svc.HandleCallback(context.Background(), gateway.MethodMock, f.mock.SimulateCallback(res.PaymentID, decimal.NewFromInt(1), true))
	require.NoError(t, err)
	assert.False(t, cb.Success)
	assert.ErrorIs(t, cb.Err, ierr.ErrCallbackUnverified)
	assert.Equal(t, payment.StatusFailed, f.payment(t, res.PaymentID).Status)

	check, err := f.ledger.Verify(context.Background(), res.ActivationCode, "u")
	require.NoError(t, err)
	assert.Equal(t, "awaiting_payment", check.Reason)
}

func TestSettlement_FailureNotificationMarksFailed(t *testing.T) {
	f := newSettlement(t, gateway.DefaultRegistry())
	res := f.purchase(t, 30)

	cb, err := f.svc.HandleCallback(context.Background(), gateway.MethodMock, f.mock.SimulateCallback(res.PaymentID, decimal.NewFromInt(30), false))
	require.NoError(t, err)
	assert.False(t, cb.Success)
	assert.Equal(t, "callback_not_success", cb.Reason)
	assert.Equal(t, payment.StatusFailed, f.payment(t, res.PaymentID).Status)
}

func TestSettlement_CallbacksThatMustNotMutate(t *testing.T) {
	f := newSettlement(t, gateway.DefaultRegistry())
	ctx := context.Background()
	res := f.purchase(t, 30)

	cb, err := f.svc.HandleCallback(ctx, gateway.MethodMock, f.mock.SimulateCallback("PAY_0000000000000000", decimal.NewFromInt(30), true))
	require.NoError(t, err)
	assert.Equal(t, "payment_not_found", cb.Reason)

	wrongRoute := gateway.RawCallback{Fields: map[string]string{
		"return_code":    "SUCCESS",
		"result_code":    "SUCCESS",
		"out_trade_no":   res.PaymentID,
		"transaction_id": "4200000000",
		"total_fee":      "3000",
		"sign":           "X",
	}}
	cb, err = f.svc.HandleCallback(ctx, gateway.MethodWeChatH5, wrongRoute)
	require.NoError(t, err)
	assert.False(t, cb.Success)
	assert.Equal(t, "callback_unverified", cb.Reason)

	cb, err = f.svc.HandleCallback(ctx, gateway.MethodAlipayWeb, wrongRoute)
	require.NoError(t, err)
	assert.Equal(t, "unsupported_method", cb.Reason)

	cb, err = f.svc.HandleCallback(ctx, gateway.MethodMock, gateway.RawCallback{Fields: map[string]string{}})
	require.NoError(t, err)
	assert.Equal(t, "callback_malformed", cb.Reason)

	assert.Equal(t, payment.StatusPending, f.payment(t, res.PaymentID).Status)
}

func TestSettlement_RefundDisablesCode(t *testing.T) {
	f := newSettlement(t, gateway.DefaultRegistry())
	ctx := context.Background()
	res := f.purchase(t, 80)

	out, err := f.svc.Refund(ctx, res.PaymentID, "customer request")
	require.NoError(t, err)
	assert.Equal(t, "payment_not_paid", out.Reason)

	_, err = f.svc.HandleCallback(ctx, gateway.MethodMock, f.mock.SimulateCallback(res.PaymentID, decimal.NewFromInt(80), true))
	require.NoError(t, err)

	out, err = f.svc.Refund(ctx, res.PaymentID, "customer request")
	require.NoError(t, err)
	require.True(t, out.Success, out.Message)
	assert.True(t, decimal.NewFromInt(80).Equal(out.Amount))

	p := f.payment(t, res.PaymentID)
	assert.Equal(t, payment.StatusRefunded, p.Status)
	assert.Equal(t, "customer request", p.RefundReason.String)
	assert.True(t, p.RefundedAt.Valid)

	check, err := f.ledger.Verify(ctx, res.ActivationCode, "buyer")
	require.NoError(t, err)
	assert.Equal(t, "disabled", check.Reason)

	out, err = f.svc.Refund(ctx, res.PaymentID, "again")
	require.NoError(t, err)
	assert.Equal(t, "payment_refunded", out.Reason)

	// A replayed success after the refund changes nothing.
	cb, err := f.svc.HandleCallback(ctx, gateway.MethodMock, f.mock.SimulateCallback(res.PaymentID, decimal.NewFromInt(80), true))
	require.NoError(t, err)
	assert.True(t, cb.AlreadyProcessed)
	assert.Equal(t, payment.StatusRefunded, f.payment(t, res.PaymentID).Status)

	out, err = f.svc.Refund(ctx, "PAY_FFFFFFFFFFFFFFFF", "x")
	require.NoError(t, err)
	assert.Equal(t, "payment_not_found", out.Reason)
}

type rejectingProvider struct {
	gateway.Provider
}

func (rejectingProvider) CreateOrder(context.Context, gateway.OrderRequest) (*gateway.Result, error) {
	return nil, ierr.ErrGatewayRejected
}

func TestSettlement_OrderFailureCompensates(t *testing.T) {
	reg := gateway.DefaultRegistry()
	reg.Register(gateway.MethodMock, func(s gateway.Settings, d gateway.Deps) (gateway.Provider, error) {
		p, err := gateway.NewMockProvider(s, d)
		if err != nil {
			return nil, err
		}
		return rejectingProvider{Provider: p}, nil
	})
	f := newSettlement(t, reg)
	ctx := context.Background()

	res, err := f.svc.Purchase(ctx, PurchaseRequest{
		ProductID: "pro",
		Price:     decimal.NewFromInt(10),
		Method:    gateway.MethodMock,
	})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "gateway_rejected", res.Reason)
	require.NotEmpty(t, res.PaymentID)

	p := f.payment(t, res.PaymentID)
	assert.Equal(t, payment.StatusFailed, p.Status)

	c, err := f.codes.FindByID(ctx, p.ActivationCodeID)
	require.NoError(t, err)
	assert.Equal(t, activation.StatusDisabled, c.Status)
	assert.Equal(t, reasonOrderCreationFailed, c.DisabledReason.String)
}

func TestSettlement_PurchaseValidation(t *testing.T) {
	f := newSettlement(t, gateway.DefaultRegistry())
	ctx := context.Background()

	res, err := f.svc.Purchase(ctx, PurchaseRequest{ProductID: "pro", Price: decimal.Zero, Method: gateway.MethodMock})
	require.NoError(t, err)
	assert.Equal(t, "invalid_amount", res.Reason)

	res, err = f.svc.Purchase(ctx, PurchaseRequest{ProductID: "pro", Price: decimal.NewFromInt(1), Method: gateway.MethodPingxx})
	require.NoError(t, err)
	assert.Equal(t, "unsupported_method", res.Reason)

	res, err = f.svc.Purchase(ctx, PurchaseRequest{Price: decimal.NewFromInt(1), Method: gateway.MethodMock})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "validation", res.Reason)
	assert.ErrorIs(t, res.Err, ierr.ErrValidation)

	_, total, err := f.ledger.ListByProduct(ctx, "pro", 10, 0)
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestSettlement_SimulatedChannelPurchase(t *testing.T) {
	f := newSettlement(t, gateway.DefaultRegistry())

	res, err := f.svc.Purchase(context.Background(), PurchaseRequest{
		ProductID: "pro",
		Price:     decimal.RequireFromString("12.34"),
		Method:    gateway.MethodWeChatH5,
	})
	require.NoError(t, err)
	require.True(t, res.Success, res.Message)
	assert.True(t, res.Simulated)

	status, err := f.svc.Status(context.Background(), res.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, string(gateway.MethodWeChatH5), status.Payment.Method)
	require.NotNil(t, status.Code)
	assert.Equal(t, res.ActivationCode, status.Code.Code)
	assert.True(t, status.Code.AwaitingPayment)
}

func TestSettlement_Reconcile(t *testing.T) {
	f := newSettlement(t, gateway.DefaultRegistry())
	ctx := context.Background()
	paid := f.purchase(t, 20)
	failed := f.purchase(t, 20)
	open := f.purchase(t, 20)

	// The gateway saw both outcomes but the notifications never arrived.
	_, err := f.mock.VerifyCallback(ctx, f.mock.SimulateCallback(paid.PaymentID, decimal.NewFromInt(20), true))
	require.NoError(t, err)
	_, err = f.mock.VerifyCallback(ctx, f.mock.SimulateCallback(failed.PaymentID, decimal.NewFromInt(20), false))
	require.ErrorIs(t, err, ierr.ErrCallbackNotSuccess)

	n, err := f.svc.ReconcilePending(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n, "payments younger than the reconcile delay are left alone")

	f.svc.now = func() time.Time { return time.Now().Add(time.Hour) }
	n, err = f.svc.ReconcilePending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.Equal(t, payment.StatusPaid, f.payment(t, paid.PaymentID).Status)
	assert.Equal(t, payment.StatusFailed, f.payment(t, failed.PaymentID).Status)
	assert.Equal(t, payment.StatusPending, f.payment(t, open.PaymentID).Status)

	check, err := f.ledger.Verify(ctx, paid.ActivationCode, "u")
	require.NoError(t, err)
	assert.True(t, check.Valid)

	again, err := f.svc.Reconcile(ctx, paid.PaymentID)
	require.NoError(t, err)
	assert.False(t, again.Changed)
	assert.Equal(t, payment.StatusPaid, again.Status)
}

func rejectingRegistry(inner **gateway.MockProvider) *gateway.Registry {
	reg := gateway.DefaultRegistry()
	reg.Register(gateway.MethodMock, func(s gateway.Settings, d gateway.Deps) (gateway.Provider, error) {
		p, err := gateway.NewMockProvider(s, d)
		if err != nil {
			return nil, err
		}
		*inner = p.(*gateway.MockProvider)
		return rejectingProvider{Provider: p}, nil
	})
	return reg
}

func TestSettlement_LatePaymentRevivesCompensatedCode(t *testing.T) {
	var inner *gateway.MockProvider
	f := newSettlement(t, rejectingRegistry(&inner))
	require.NotNil(t, inner)
	ctx := context.Background()

	res, err := f.svc.Purchase(ctx, PurchaseRequest{ProductID: "pro", Price: decimal.NewFromInt(15), Method: gateway.MethodMock})
	require.NoError(t, err)
	require.False(t, res.Success)
	p := f.payment(t, res.PaymentID)
	require.Equal(t, payment.StatusFailed, p.Status)

	cb, err := f.svc.HandleCallback(ctx, gateway.MethodMock, inner.SimulateCallback(res.PaymentID, decimal.NewFromInt(15), true))
	require.NoError(t, err)
	require.True(t, cb.Success, cb.Message)
	assert.Equal(t, payment.StatusPaid, f.payment(t, res.PaymentID).Status)

	c, err := f.codes.FindByID(ctx, p.ActivationCodeID)
	require.NoError(t, err)
	assert.Equal(t, activation.StatusUnused, c.Status)
	assert.False(t, c.AwaitingPayment)
	assert.False(t, c.DisabledReason.Valid)

	redeemed, err := f.ledger.Redeem(ctx, RedeemRequest{Code: c.Code, UserID: "buyer"})
	require.NoError(t, err)
	assert.True(t, redeemed.Success, redeemed.Message)
}

func TestSettlement_ReleaseKeepsOtherDisabledCodesDisabled(t *testing.T) {
	f := newSettlement(t, gateway.DefaultRegistry())
	ctx := context.Background()
	res := f.purchase(t, 40)
	p := f.payment(t, res.PaymentID)

	require.NoError(t, f.ledger.Disable(ctx, res.ActivationCode, "fraud"))
	require.NoError(t, f.ledger.Release(ctx, p.ActivationCodeID))

	c, err := f.codes.FindByID(ctx, p.ActivationCodeID)
	require.NoError(t, err)
	assert.Equal(t, activation.StatusDisabled, c.Status)
	assert.Equal(t, "fraud", c.DisabledReason.String)
	assert.False(t, c.AwaitingPayment)
}

type eventLog struct {
	mu     sync.Mutex
	events []PaymentEvent
}

func (l *eventLog) listen(_ context.Context, ev PaymentEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) types() []PaymentEventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]PaymentEventType, len(l.events))
	for i, ev := range l.events {
		out[i] = ev.Type
	}
	return out
}

func TestSettlement_ListenersSeeEveryTransition(t *testing.T) {
	f := newSettlement(t, gateway.DefaultRegistry())
	ctx := context.Background()
	log := &eventLog{}
	f.svc.AddListener(log.listen)

	res := f.purchase(t, 60)
	raw := f.mock.SimulateCallback(res.PaymentID, decimal.NewFromInt(60), true)
	_, err := f.svc.HandleCallback(ctx, gateway.MethodMock, raw)
	require.NoError(t, err)

	// Replays are not transitions.
	_, err = f.svc.HandleCallback(ctx, gateway.MethodMock, raw)
	require.NoError(t, err)

	out, err := f.svc.Refund(ctx, res.PaymentID, "chargeback")
	require.NoError(t, err)
	require.True(t, out.Success)

	tampered := f.purchase(t, 7)
	bad := f.mock.SimulateCallback(tampered.PaymentID, decimal.NewFromInt(7), true)
	bad.Fields["sign"] = "00"
	_, err = f.svc.HandleCallback(ctx, gateway.MethodMock, bad)
	require.NoError(t, err)

	assert.Equal(t, []PaymentEventType{
		EventPaymentCreated,
		EventPaymentPaid,
		EventPaymentRefunded,
		EventPaymentCreated,
		EventPaymentFailed,
	}, log.types())

	paid := log.events[1]
	assert.Equal(t, res.PaymentID, paid.PaymentID)
	assert.Equal(t, payment.StatusPaid, paid.Status)
	assert.Equal(t, "callback", paid.Source)
	assert.True(t, decimal.NewFromInt(60).Equal(paid.Amount))
	assert.Equal(t, "refund", log.events[2].Source)
}

func TestSettlement_ListenerRemovalAndPanics(t *testing.T) {
	f := newSettlement(t, gateway.DefaultRegistry())
	ctx := context.Background()

	f.svc.AddListener(func(context.Context, PaymentEvent) { panic("listener bug") })
	kept := &eventLog{}
	f.svc.AddListener(kept.listen)
	removed := &eventLog{}
	remove := f.svc.AddListener(removed.listen)

	first := f.purchase(t, 5)
	remove()
	remove()

	_, err := f.svc.HandleCallback(ctx, gateway.MethodMock, f.mock.SimulateCallback(first.PaymentID, decimal.NewFromInt(5), true))
	require.NoError(t, err)

	assert.Equal(t, []PaymentEventType{EventPaymentCreated, EventPaymentPaid}, kept.types())
	assert.Equal(t, []PaymentEventType{EventPaymentCreated}, removed.types())
	assert.Equal(t, payment.StatusPaid, f.payment(t, first.PaymentID).Status)
}

func TestSettlement_CompensationAndReconcileNotify(t *testing.T) {
	var inner *gateway.MockProvider
	f := newSettlement(t, rejectingRegistry(&inner))
	ctx := context.Background()
	log := &eventLog{}
	f.svc.AddListener(log.listen)

	res, err := f.svc.Purchase(ctx, PurchaseRequest{ProductID: "pro", Price: decimal.NewFromInt(9), Method: gateway.MethodMock})
	require.NoError(t, err)
	require.False(t, res.Success)
	assert.Equal(t, []PaymentEventType{EventPaymentCreated, EventPaymentFailed}, log.types())

	_, err = inner.VerifyCallback(ctx, inner.SimulateCallback(res.PaymentID, decimal.NewFromInt(9), true))
	require.NoError(t, err)
	out, err := f.svc.Reconcile(ctx, res.PaymentID)
	require.NoError(t, err)
	require.True(t, out.Changed)

	types := log.types()
	require.Len(t, types, 3)
	assert.Equal(t, EventPaymentPaid, types[2])
	assert.Equal(t, "reconcile", log.events[2].Source)
}

func TestSettlement_List(t *testing.T) {
	f := newSettlement(t, gateway.DefaultRegistry())
	ctx := context.Background()
	a := f.purchase(t, 10)
	f.purchase(t, 11)
	f.purchase(t, 12)
	_, err := f.svc.HandleCallback(ctx, gateway.MethodMock, f.mock.SimulateCallback(a.PaymentID, decimal.NewFromInt(10), true))
	require.NoError(t, err)

	page, err := f.svc.List(ctx, "", 0, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 3, page.Total)
	assert.Len(t, page.Payments, 3)
	assert.Equal(t, defaultPageLimit, page.Limit)
	for i := 1; i < len(page.Payments); i++ {
		assert.False(t, page.Payments[i].CreatedAt.After(page.Payments[i-1].CreatedAt), "newest first")
	}

	page, err = f.svc.List(ctx, payment.StatusPaid, 10, 0)
	require.NoError(t, err)
	require.EqualValues(t, 1, page.Total)
	assert.Equal(t, a.PaymentID, page.Payments[0].PaymentID)

	page, err = f.svc.List(ctx, payment.StatusPending, 1, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 2, page.Total)
	assert.Len(t, page.Payments, 1)

	page, err = f.svc.List(ctx, "", 1000, 0)
	require.NoError(t, err)
	assert.Equal(t, maxPageLimit, page.Limit)

	_, err = f.svc.List(ctx, payment.Status("lost"), 10, 0)
	assert.ErrorIs(t, err, ierr.ErrValidation)
}
