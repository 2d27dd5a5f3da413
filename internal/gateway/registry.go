package gateway

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/makkenzo/activation-platform/internal/ierr"
	"go.uber.org/zap"
)

// Deps are the shared collaborators handed to every provider factory.
type Deps struct {
	Timeout time.Duration
	Logger  *zap.Logger
}

type Factory func(settings Settings, deps Deps) (Provider, error)

// Registry maps methods to provider factories. It is built once at startup and
// injected; there is no package-level registry.
type Registry struct {
	mu        sync.RWMutex
	factories map[Method]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[Method]Factory)}
}

// DefaultRegistry knows every built-in provider.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(MethodMock, NewMockProvider)
	for _, m := range []Method{MethodWeChatH5, MethodWeChatApp, MethodWeChatJSAPI} {
		r.Register(m, NewWeChatProvider)
	}
	for _, m := range []Method{MethodAlipayH5, MethodAlipayApp, MethodAlipayWeb} {
		r.Register(m, NewAlipayProvider)
	}
	r.Register(MethodPingxx, NewPingxxProvider)
	r.Register(MethodMercadoPago, NewMercadoPagoProvider)
	return r
}

func (r *Registry) Register(m Method, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[m] = f
}

func (r *Registry) Build(settings Settings, deps Deps) (Provider, error) {
	m := settings.GatewayMethod()

	r.mu.RLock()
	f, ok := r.factories[m]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ierr.ErrUnsupportedMethod, m)
	}
	return f(settings, deps)
}

func (r *Registry) Methods() []Method {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Method, 0, len(r.factories))
	for m := range r.factories {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func settingsTypeError(want string, got Settings) error {
	return fmt.Errorf("%s provider requires %s, got %T", got.GatewayMethod(), want, got)
}
