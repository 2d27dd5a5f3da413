package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/makkenzo/activation-platform/internal/config"
	"github.com/makkenzo/activation-platform/internal/domain/activation"
	"github.com/makkenzo/activation-platform/internal/domain/payment"
	"github.com/makkenzo/activation-platform/internal/gateway"
	"github.com/makkenzo/activation-platform/internal/ierr"
	"github.com/makkenzo/activation-platform/internal/metrics"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	reasonOrderCreationFailed = "order_creation_failed"
	reasonRefunded            = "refunded"
)

// Gateways is the part of gateway.Manager settlement depends on.
type Gateways interface {
	Supports(method gateway.Method) bool
	Methods() []gateway.Method
	CreateOrder(ctx context.Context, method gateway.Method, req gateway.OrderRequest) (*gateway.Result, error)
	ParseCallback(method gateway.Method, raw gateway.RawCallback) (*gateway.Callback, error)
	VerifyCallback(ctx context.Context, method gateway.Method, raw gateway.RawCallback) (*gateway.Callback, error)
	QueryOrder(ctx context.Context, method gateway.Method, ref gateway.OrderRef) (*gateway.Result, error)
	Refund(ctx context.Context, method gateway.Method, ref gateway.OrderRef, amount decimal.Decimal, reason string) (*gateway.Result, error)
}

var _ Gateways = (*gateway.Manager)(nil)

type PurchaseRequest struct {
	ProductID      string
	ProductName    string
	Price          decimal.Decimal
	Currency       string
	Method         gateway.Method
	MaxActivations int
	Description    string
	ClientIP       string
	Options        map[string]string
}

type PurchaseResult struct {
	Success        bool            `json:"success"`
	Reason         string          `json:"reason,omitempty"`
	Message        string          `json:"message"`
	PaymentID      string          `json:"payment_id,omitempty"`
	ActivationCode string          `json:"activation_code,omitempty"`
	PaymentURL     string          `json:"payment_url,omitempty"`
	QRCode         string          `json:"qr_code,omitempty"`
	Credential     map[string]any  `json:"credential,omitempty"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency,omitempty"`
	Simulated      bool            `json:"simulated,omitempty"`
	Err            error           `json:"-"`
}

type CallbackResult struct {
	Success          bool   `json:"success"`
	Reason           string `json:"reason,omitempty"`
	Message          string `json:"message"`
	PaymentID        string `json:"payment_id,omitempty"`
	AlreadyProcessed bool   `json:"already_processed"`
	Err              error  `json:"-"`
}

type RefundResult struct {
	Success   bool            `json:"success"`
	Reason    string          `json:"reason,omitempty"`
	Message   string          `json:"message"`
	PaymentID string          `json:"payment_id"`
	Amount    decimal.Decimal `json:"amount"`
	Err       error           `json:"-"`
}

type PaymentStatus struct {
	Payment *payment.Payment           `json:"payment"`
	Code    *activation.ActivationCode `json:"activation_code,omitempty"`
}

type ReconcileResult struct {
	PaymentID    string              `json:"payment_id"`
	Status       payment.Status      `json:"status"`
	RemoteStatus gateway.TradeStatus `json:"remote_status,omitempty"`
	Changed      bool                `json:"changed"`
}

type SettlementService struct {
	ledger   *LedgerService
	codes    activation.Repository
	payments payment.Repository
	tx       Transactor
	gateways Gateways
	cfg      config.PaymentsConfig
	metrics  *metrics.Metrics
	now      func() time.Time
	logger   *zap.Logger
	events   listenerSet
}

func NewSettlementService(
	ledger *LedgerService,
	codes activation.Repository,
	payments payment.Repository,
	tx Transactor,
	gateways Gateways,
	cfg config.PaymentsConfig,
	m *metrics.Metrics,
	logger *zap.Logger,
) *SettlementService {
	return &SettlementService{
		ledger:   ledger,
		codes:    codes,
		payments: payments,
		tx:       tx,
		gateways: gateways,
		cfg:      cfg,
		metrics:  m,
		now:      time.Now,
		logger:   logger.Named("SettlementService"),
	}
}

func NewPaymentID() string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "PAY_" + strings.ToUpper(hex[:16])
}

func (s *SettlementService) Methods() []gateway.Method {
	return s.gateways.Methods()
}

// Purchase issues one code held back until payment, records a PENDING payment
// and opens the order at the gateway. If the gateway refuses, the payment is
// FAILED and the code is disabled so it can never be redeemed.
func (s *SettlementService) Purchase(ctx context.Context, req PurchaseRequest) (*PurchaseResult, error) {
	if !req.Price.IsPositive() {
		return purchaseFailure(ierr.ErrInvalidAmount), nil
	}
	if !s.gateways.Supports(req.Method) {
		return purchaseFailure(fmt.Errorf("%w: %s", ierr.ErrUnsupportedMethod, req.Method)), nil
	}
	currency := req.Currency
	if currency == "" {
		currency = s.cfg.DefaultCurrency
	}
	if currency == "" {
		currency = DefaultCurrency
	}

	codes, err := s.ledger.Issue(ctx, IssueRequest{
		ProductID:       req.ProductID,
		ProductName:     req.ProductName,
		Price:           req.Price,
		Currency:        currency,
		Quantity:        1,
		MaxActivations:  req.MaxActivations,
		AwaitingPayment: true,
	})
	if err != nil {
		if isDomainError(err) {
			return purchaseFailure(err), nil
		}
		return nil, err
	}
	code := codes[0]

	description := req.Description
	if description == "" {
		description = req.ProductName
	}
	p := &payment.Payment{
		PaymentID:        NewPaymentID(),
		ActivationCodeID: code.ID,
		Method:           string(req.Method),
		Amount:           req.Price,
		Currency:         currency,
		Status:           payment.StatusPending,
		Description:      description,
		ClientIP:         req.ClientIP,
	}
	if err := s.payments.Create(ctx, p); err != nil {
		s.logger.Error("Failed to record payment", zap.String("paymentID", p.PaymentID), zap.Error(err))
		if derr := s.ledger.DisableByID(ctx, code.ID, reasonOrderCreationFailed); derr != nil {
			s.logger.Error("Failed to disable orphaned code", zap.String("codeID", code.ID.String()), zap.Error(derr))
		}
		return nil, fmt.Errorf("failed to record payment: %w", err)
	}

	log := s.logger.With(zap.String("paymentID", p.PaymentID), zap.String("method", p.Method))
	log.Info("Payment created", zap.String("amount", p.Amount.String()), zap.String("currency", currency))
	s.metrics.PaymentTransition(p.Method, string(payment.StatusPending))
	s.notify(ctx, p, EventPaymentCreated, "purchase")

	order, err := s.gateways.CreateOrder(ctx, req.Method, gateway.OrderRequest{
		PaymentID:   p.PaymentID,
		Amount:      p.Amount,
		Currency:    currency,
		Description: description,
		ClientIP:    req.ClientIP,
		Options:     req.Options,
	})
	if err == nil && !order.Success {
		err = fmt.Errorf("%w: %s", ierr.ErrGatewayRejected, order.Message)
	}
	if err != nil {
		log.Warn("Order creation failed, compensating", zap.Error(err))
		failed, cerr := s.compensate(ctx, p.PaymentID, code.ID)
		if cerr != nil {
			log.Error("Compensation failed", zap.Error(cerr))
			return nil, fmt.Errorf("order creation failed (%v) and compensation failed: %w", err, cerr)
		}
		if failed != nil {
			s.metrics.PaymentTransition(failed.Method, string(payment.StatusFailed))
			s.notify(ctx, failed, EventPaymentFailed, "purchase")
		}
		res := purchaseFailure(err)
		res.PaymentID = p.PaymentID
		return res, nil
	}

	if order.OrderID != "" {
		err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
			cur, err := s.payments.FindByPaymentIDForUpdate(ctx, p.PaymentID)
			if err != nil {
				return err
			}
			cur.GatewayOrderRef.String, cur.GatewayOrderRef.Valid = order.OrderID, true
			return s.payments.Update(ctx, cur)
		})
		if err != nil {
			return nil, fmt.Errorf("failed to store gateway order reference: %w", err)
		}
	}

	return &PurchaseResult{
		Success:        true,
		Message:        "payment order created",
		PaymentID:      p.PaymentID,
		ActivationCode: code.Code,
		PaymentURL:     order.PaymentURL,
		QRCode:         order.QRCode,
		Credential:     order.ExtraData,
		Amount:         p.Amount,
		Currency:       currency,
		Simulated:      order.Simulated,
	}, nil
}

// compensate returns the payment when it moved PENDING -> FAILED.
func (s *SettlementService) compensate(ctx context.Context, paymentID string, codeID uuid.UUID) (*payment.Payment, error) {
	var failed *payment.Payment
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		p, err := s.payments.FindByPaymentIDForUpdate(ctx, paymentID)
		if err != nil {
			return err
		}
		if p.Status == payment.StatusPending {
			p.MarkFailed(nil)
			if err := s.payments.Update(ctx, p); err != nil {
				return err
			}
			failed = p
		}
		return s.ledger.DisableByID(ctx, codeID, reasonOrderCreationFailed)
	})
	if err != nil {
		return nil, err
	}
	return failed, nil
}

func purchaseFailure(err error) *PurchaseResult {
	return &PurchaseResult{Reason: ierr.Reason(err), Message: err.Error(), Err: err}
}

// HandleCallback authenticates a gateway notification outside the transaction
// and applies the resulting transition inside it, guarded on the current
// status. Replays of a settled payment are acknowledged without change.
func (s *SettlementService) HandleCallback(ctx context.Context, method gateway.Method, raw gateway.RawCallback) (*CallbackResult, error) {
	if !s.gateways.Supports(method) {
		return callbackFailure(fmt.Errorf("%w: %s", ierr.ErrUnsupportedMethod, method)), nil
	}

	parsed, err := s.gateways.ParseCallback(method, raw)
	if err != nil {
		s.logger.Warn("Unparseable callback", zap.String("method", string(method)), zap.Error(err))
		return callbackFailure(err), nil
	}

	p, err := s.payments.FindByPaymentID(ctx, parsed.PaymentID)
	if err != nil {
		if errors.Is(err, ierr.ErrPaymentNotFound) {
			s.logger.Warn("Callback for unknown payment", zap.String("paymentID", parsed.PaymentID))
			return callbackFailure(err), nil
		}
		return nil, fmt.Errorf("failed to load payment: %w", err)
	}
	log := s.logger.With(zap.String("paymentID", p.PaymentID), zap.String("method", string(method)))

	if p.Method != string(method) {
		log.Warn("Callback arrived on the wrong method route", zap.String("paymentMethod", p.Method))
		return callbackFailure(fmt.Errorf("%w: payment uses %s", ierr.ErrCallbackUnverified, p.Method)), nil
	}

	verified, verr := s.gateways.VerifyCallback(ctx, method, raw)
	if verr == nil {
		switch {
		case verified.PaymentID != p.PaymentID:
			verr = fmt.Errorf("%w: payment id mismatch", ierr.ErrCallbackUnverified)
		case !verified.Amount.Equal(p.Amount):
			verr = fmt.Errorf("%w: amount %s does not match %s", ierr.ErrCallbackUnverified, verified.Amount, p.Amount)
		}
	}
	if verr != nil && !verificationFailure(verr) {
		// Transient gateway trouble: leave the payment alone so the gateway retries.
		log.Warn("Callback verification could not complete", zap.Error(verr))
		return callbackFailure(verr), nil
	}

	evidence := callbackEvidence(parsed, raw)
	var (
		res     *CallbackResult
		changed *payment.Payment
	)
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		changed = nil
		cur, err := s.payments.FindByPaymentIDForUpdate(ctx, p.PaymentID)
		if err != nil {
			return err
		}

		switch {
		case cur.Status == payment.StatusPaid:
			res = &CallbackResult{Success: true, Message: "payment already processed", PaymentID: cur.PaymentID, AlreadyProcessed: true}
			return nil

		case cur.Status == payment.StatusRefunded:
			res = &CallbackResult{Success: true, Message: "payment already refunded", PaymentID: cur.PaymentID, AlreadyProcessed: true}
			return nil

		case verr == nil:
			cur.MarkPaid(verified.ThirdPartyOrderID, s.now(), evidence)
			if err := s.payments.Update(ctx, cur); err != nil {
				return err
			}
			if err := s.ledger.Release(ctx, cur.ActivationCodeID); err != nil {
				return fmt.Errorf("failed to release activation code: %w", err)
			}
			changed = cur
			res = &CallbackResult{Success: true, Message: "payment settled", PaymentID: cur.PaymentID}
			return nil

		case cur.Status == payment.StatusPending:
			cur.MarkFailed(evidence)
			if err := s.payments.Update(ctx, cur); err != nil {
				return err
			}
			changed = cur
		}
		res = callbackFailure(verr)
		res.PaymentID = cur.PaymentID
		return nil
	})
	if err != nil {
		log.Error("Failed to apply callback", zap.Error(err))
		return nil, fmt.Errorf("failed to apply payment callback: %w", err)
	}

	switch {
	case res.AlreadyProcessed:
		log.Info("Duplicate callback acknowledged")
	case res.Success:
		log.Info("Payment settled")
	default:
		log.Warn("Callback rejected", zap.String("reason", res.Reason))
	}
	if changed != nil {
		s.metrics.PaymentTransition(changed.Method, string(changed.Status))
		s.notify(ctx, changed, transitionEvent(changed.Status), "callback")
	}
	return res, nil
}

func transitionEvent(status payment.Status) PaymentEventType {
	switch status {
	case payment.StatusPaid:
		return EventPaymentPaid
	case payment.StatusRefunded:
		return EventPaymentRefunded
	case payment.StatusFailed:
		return EventPaymentFailed
	}
	return EventPaymentCreated
}

func verificationFailure(err error) bool {
	return errors.Is(err, ierr.ErrCallbackUnverified) ||
		errors.Is(err, ierr.ErrCallbackNotSuccess) ||
		errors.Is(err, ierr.ErrCallbackMalformed)
}

func callbackEvidence(cb *gateway.Callback, raw gateway.RawCallback) json.RawMessage {
	doc := map[string]any{"fields": cb.Fields}
	if len(raw.Body) > 0 && json.Valid(raw.Body) {
		doc["body"] = json.RawMessage(raw.Body)
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil
	}
	return data
}

func callbackFailure(err error) *CallbackResult {
	return &CallbackResult{Reason: ierr.Reason(err), Message: err.Error(), Err: err}
}

// Refund returns the money at the gateway first, then moves the payment to
// REFUNDED and disables its code in one transaction.
func (s *SettlementService) Refund(ctx context.Context, paymentID, reason string) (*RefundResult, error) {
	p, err := s.payments.FindByPaymentID(ctx, paymentID)
	if err != nil {
		if errors.Is(err, ierr.ErrPaymentNotFound) {
			return refundFailure(paymentID, err), nil
		}
		return nil, fmt.Errorf("failed to load payment: %w", err)
	}
	if err := refundable(p); err != nil {
		return refundFailure(paymentID, err), nil
	}
	log := s.logger.With(zap.String("paymentID", p.PaymentID), zap.String("method", p.Method))

	if _, err := s.gateways.Refund(ctx, gateway.Method(p.Method), orderRef(p), p.Amount, reason); err != nil {
		log.Warn("Gateway refund failed", zap.Error(err))
		if isDomainError(err) {
			return refundFailure(paymentID, err), nil
		}
		return nil, err
	}

	var refunded *payment.Payment
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		cur, err := s.payments.FindByPaymentIDForUpdate(ctx, paymentID)
		if err != nil {
			return err
		}
		if err := refundable(cur); err != nil {
			return err
		}
		cur.MarkRefunded(s.now(), reason)
		if err := s.payments.Update(ctx, cur); err != nil {
			return err
		}
		refunded = cur
		return s.ledger.DisableByID(ctx, cur.ActivationCodeID, reasonRefunded)
	})
	if err != nil {
		if isDomainError(err) {
			log.Error("Payment changed state while the gateway refund was in flight", zap.Error(err))
			return refundFailure(paymentID, err), nil
		}
		log.Error("Gateway refunded but local state was not updated", zap.Error(err))
		return nil, fmt.Errorf("failed to record refund: %w", err)
	}

	log.Info("Payment refunded", zap.String("reason", reason))
	s.metrics.PaymentTransition(p.Method, string(payment.StatusRefunded))
	s.notify(ctx, refunded, EventPaymentRefunded, "refund")
	return &RefundResult{Success: true, Message: "payment refunded", PaymentID: paymentID, Amount: p.Amount}, nil
}

func refundable(p *payment.Payment) error {
	switch p.Status {
	case payment.StatusPaid:
		return nil
	case payment.StatusRefunded:
		return ierr.ErrPaymentRefunded
	}
	return ierr.ErrPaymentNotPaid
}

func refundFailure(paymentID string, err error) *RefundResult {
	return &RefundResult{Reason: ierr.Reason(err), Message: err.Error(), PaymentID: paymentID, Err: err}
}

func orderRef(p *payment.Payment) gateway.OrderRef {
	return gateway.OrderRef{
		PaymentID:         p.PaymentID,
		GatewayOrderRef:   p.GatewayOrderRef.String,
		ThirdPartyOrderID: p.ThirdPartyOrderID.String,
		Amount:            p.Amount,
	}
}

func (s *SettlementService) Status(ctx context.Context, paymentID string) (*PaymentStatus, error) {
	p, err := s.payments.FindByPaymentID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	out := &PaymentStatus{Payment: p}
	c, err := s.codes.FindByID(ctx, p.ActivationCodeID)
	switch {
	case err == nil:
		out.Code = c
	case !errors.Is(err, ierr.ErrCodeNotFound):
		return nil, fmt.Errorf("failed to load activation code: %w", err)
	}
	return out, nil
}

type PaymentPage struct {
	Payments []*payment.Payment `json:"payments"`
	Total    int64              `json:"total"`
	Limit    int                `json:"limit"`
	Offset   int                `json:"offset"`
}

// List pages through payments newest first, optionally filtered by status.
func (s *SettlementService) List(ctx context.Context, status payment.Status, limit, offset int) (*PaymentPage, error) {
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("%w: unknown payment status %q", ierr.ErrValidation, status)
	}
	if limit <= 0 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	if offset < 0 {
		offset = 0
	}
	items, total, err := s.payments.List(ctx, payment.ListParams{Status: status, Limit: limit, Offset: offset})
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	return &PaymentPage{Payments: items, Total: total, Limit: limit, Offset: offset}, nil
}

// Reconcile asks the gateway for the order state and applies a remote success
// through the same guarded transition a verified callback uses.
func (s *SettlementService) Reconcile(ctx context.Context, paymentID string) (*ReconcileResult, error) {
	p, err := s.payments.FindByPaymentID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	out := &ReconcileResult{PaymentID: p.PaymentID, Status: p.Status}
	if !p.Settleable() {
		return out, nil
	}

	remote, err := s.gateways.QueryOrder(ctx, gateway.Method(p.Method), orderRef(p))
	if err != nil {
		return nil, fmt.Errorf("failed to query order: %w", err)
	}
	out.RemoteStatus = remote.Status
	log := s.logger.With(zap.String("paymentID", p.PaymentID), zap.String("remoteStatus", string(remote.Status)))

	if remote.Status == gateway.TradeSuccess && !remote.Amount.IsZero() && !remote.Amount.Equal(p.Amount) {
		log.Warn("Remote amount differs, not settling", zap.String("remoteAmount", remote.Amount.String()))
		return out, nil
	}

	var changed *payment.Payment
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		changed = nil
		cur, err := s.payments.FindByPaymentIDForUpdate(ctx, paymentID)
		if err != nil {
			return err
		}
		if !cur.Settleable() {
			out.Status = cur.Status
			return nil
		}

		evidence, _ := json.Marshal(map[string]any{"source": "reconcile", "remote": remote})
		switch remote.Status {
		case gateway.TradeSuccess:
			cur.MarkPaid(remote.OrderID, s.now(), evidence)
			if err := s.payments.Update(ctx, cur); err != nil {
				return err
			}
			if err := s.ledger.Release(ctx, cur.ActivationCodeID); err != nil {
				return err
			}
		case gateway.TradeFailed, gateway.TradeClosed:
			if cur.Status != payment.StatusPending {
				return nil
			}
			cur.MarkFailed(evidence)
			if err := s.payments.Update(ctx, cur); err != nil {
				return err
			}
		default:
			return nil
		}
		out.Status = cur.Status
		out.Changed = true
		changed = cur
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to apply reconciliation: %w", err)
	}

	if out.Changed {
		log.Info("Payment reconciled", zap.String("status", string(out.Status)))
		s.metrics.PaymentTransition(p.Method, string(out.Status))
		s.notify(ctx, changed, transitionEvent(changed.Status), "reconcile")
	}
	return out, nil
}

// ReconcilePending reconciles PENDING payments older than payments.reconcileAfter
// and returns how many changed state.
func (s *SettlementService) ReconcilePending(ctx context.Context, limit int) (int, error) {
	before := s.now().Add(-s.cfg.ReconcileAfter)
	pending, err := s.payments.ListPendingBefore(ctx, before, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list pending payments: %w", err)
	}

	changed := 0
	for _, p := range pending {
		if err := ctx.Err(); err != nil {
			return changed, err
		}
		res, err := s.Reconcile(ctx, p.PaymentID)
		if err != nil {
			s.logger.Warn("Reconcile failed", zap.String("paymentID", p.PaymentID), zap.Error(err))
			continue
		}
		if res.Changed {
			changed++
		}
	}
	return changed, nil
}
