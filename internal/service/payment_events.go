package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/makkenzo/activation-platform/internal/domain/payment"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type PaymentEventType string

const (
	EventPaymentCreated  PaymentEventType = "payment.created"
	EventPaymentPaid     PaymentEventType = "payment.paid"
	EventPaymentFailed   PaymentEventType = "payment.failed"
	EventPaymentRefunded PaymentEventType = "payment.refunded"
)

// PaymentEvent describes a committed payment state change.
type PaymentEvent struct {
	Type             PaymentEventType `json:"type"`
	PaymentID        string           `json:"payment_id"`
	Method           string           `json:"method"`
	Status           payment.Status   `json:"status"`
	Amount           decimal.Decimal  `json:"amount"`
	Currency         string           `json:"currency"`
	ActivationCodeID uuid.UUID        `json:"activation_code_id"`
	Source           string           `json:"source"`
	At               time.Time        `json:"at"`
}

// PaymentListener is called synchronously after the transition commits. A
// panicking listener is logged and does not affect the others.
type PaymentListener func(ctx context.Context, ev PaymentEvent)

type listenerSet struct {
	mu     sync.RWMutex
	nextID int
	byID   map[int]PaymentListener
}

func (l *listenerSet) add(fn PaymentListener) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.byID == nil {
		l.byID = make(map[int]PaymentListener)
	}
	id := l.nextID
	l.nextID++
	l.byID[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.byID, id)
			l.mu.Unlock()
		})
	}
}

func (l *listenerSet) snapshot() []PaymentListener {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := make([]int, 0, len(l.byID))
	for id := range l.byID {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]PaymentListener, 0, len(ids))
	for _, id := range ids {
		out = append(out, l.byID[id])
	}
	return out
}

// AddListener registers fn for payment events and returns a func that removes it.
func (s *SettlementService) AddListener(fn PaymentListener) (remove func()) {
	return s.events.add(fn)
}

func (s *SettlementService) notify(ctx context.Context, p *payment.Payment, typ PaymentEventType, source string) {
	listeners := s.events.snapshot()
	if len(listeners) == 0 {
		return
	}
	ev := PaymentEvent{
		Type:             typ,
		PaymentID:        p.PaymentID,
		Method:           p.Method,
		Status:           p.Status,
		Amount:           p.Amount,
		Currency:         p.Currency,
		ActivationCodeID: p.ActivationCodeID,
		Source:           source,
		At:               s.now().UTC(),
	}
	for _, fn := range listeners {
		s.callListener(ctx, fn, ev)
	}
}

func (s *SettlementService) callListener(ctx context.Context, fn PaymentListener, ev PaymentEvent) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Payment listener panicked",
				zap.String("event", string(ev.Type)),
				zap.String("paymentID", ev.PaymentID),
				zap.Any("panic", r),
			)
		}
	}()
	fn(ctx, ev)
}

// NewPaymentAuditListener writes one structured log line per payment event.
func NewPaymentAuditListener(logger *zap.Logger) PaymentListener {
	log := logger.Named("PaymentAudit")
	return func(_ context.Context, ev PaymentEvent) {
		log.Info("Payment event",
			zap.String("event", string(ev.Type)),
			zap.String("paymentID", ev.PaymentID),
			zap.String("method", ev.Method),
			zap.String("status", string(ev.Status)),
			zap.String("amount", ev.Amount.String()),
			zap.String("currency", ev.Currency),
			zap.String("source", ev.Source),
		)
	}
}
