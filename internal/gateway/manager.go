package gateway

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/makkenzo/activation-platform/internal/ierr"
	"github.com/makkenzo/activation-platform/internal/metrics"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Manager holds one configured provider per enabled method.
type Manager struct {
	providers map[Method]Provider
	timeout   time.Duration
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

func NewManager(reg *Registry, settings []Settings, timeout time.Duration, m *metrics.Metrics, logger *zap.Logger) (*Manager, error) {
	log := logger.Named("PaymentManager")

	if err := ValidateSettings(settings...); err != nil {
		return nil, err
	}

	deps := Deps{Timeout: timeout, Logger: logger}
	providers := make(map[Method]Provider, len(settings))
	for _, s := range settings {
		p, err := reg.Build(s, deps)
		if err != nil {
			return nil, fmt.Errorf("failed to build %s provider: %w", s.GatewayMethod(), err)
		}
		providers[s.GatewayMethod()] = p
		log.Info("Payment provider enabled", zap.String("method", string(s.GatewayMethod())))
	}

	return &Manager{
		providers: providers,
		timeout:   timeout,
		metrics:   m,
		logger:    log,
	}, nil
}

func (m *Manager) Provider(method Method) (Provider, error) {
	p, ok := m.providers[method]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ierr.ErrUnsupportedMethod, method)
	}
	return p, nil
}

func (m *Manager) Supports(method Method) bool {
	_, ok := m.providers[method]
	return ok
}

func (m *Manager) Methods() []Method {
	out := make([]Method, 0, len(m.providers))
	for method := range m.providers {
		out = append(out, method)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (m *Manager) CreateOrder(ctx context.Context, method Method, req OrderRequest) (*Result, error) {
	p, err := m.Provider(method)
	if err != nil {
		return nil, err
	}
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	started := time.Now()
	res, err := p.CreateOrder(ctx, req)
	err = normalizeGatewayError(err)
	m.metrics.GatewayCall(string(method), "create_order", started, err)
	return res, err
}

func (m *Manager) ParseCallback(method Method, raw RawCallback) (*Callback, error) {
	p, err := m.Provider(method)
	if err != nil {
		return nil, err
	}
	return p.ParseCallback(raw)
}

func (m *Manager) VerifyCallback(ctx context.Context, method Method, raw RawCallback) (*Callback, error) {
	p, err := m.Provider(method)
	if err != nil {
		return nil, err
	}
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	started := time.Now()
	cb, err := p.VerifyCallback(ctx, raw)
	err = normalizeGatewayError(err)
	m.metrics.GatewayCall(string(method), "verify_callback", started, err)
	return cb, err
}

func (m *Manager) QueryOrder(ctx context.Context, method Method, ref OrderRef) (*Result, error) {
	p, err := m.Provider(method)
	if err != nil {
		return nil, err
	}
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	started := time.Now()
	res, err := p.QueryOrder(ctx, ref)
	err = normalizeGatewayError(err)
	m.metrics.GatewayCall(string(method), "query_order", started, err)
	return res, err
}

func (m *Manager) Refund(ctx context.Context, method Method, ref OrderRef, amount decimal.Decimal, reason string) (*Result, error) {
	p, err := m.Provider(method)
	if err != nil {
		return nil, err
	}
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	started := time.Now()
	res, err := p.Refund(ctx, ref, amount, reason)
	err = normalizeGatewayError(err)
	m.metrics.GatewayCall(string(method), "refund", started, err)
	return res, err
}

func (m *Manager) Ack(method Method, ok bool) (string, []byte) {
	p, err := m.Provider(method)
	if err != nil {
		return "text/plain; charset=utf-8", []byte("unsupported")
	}
	return p.Ack(ok)
}

func (m *Manager) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, m.timeout)
}

// normalizeGatewayError makes every timeout surface as the retryable error.
func normalizeGatewayError(err error) error {
	if err == nil || errors.Is(err, ierr.ErrGatewayUnreachable) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ierr.ErrGatewayUnreachable, err)
	}
	return err
}
