package memstorage

import (
	"context"
	"sync"

	"github.com/makkenzo/activation-platform/internal/domain/activation"
	"github.com/makkenzo/activation-platform/internal/domain/payment"
)

type txKey struct{}

// Store holds all in-memory state behind one lock. WithinTx keeps the lock for
// the whole callback and restores a snapshot if the callback fails, so
// transactions are serializable and atomic.
type Store struct {
	mu       sync.Mutex
	codes    map[string]*activation.ActivationCode
	payments map[string]*payment.Payment
}

func NewStore() *Store {
	return &Store{
		codes:    make(map[string]*activation.ActivationCode),
		payments: make(map[string]*payment.Payment),
	}
}

func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if inTx(ctx) {
		return fn(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	codes, payments := s.snapshot()
	if err := fn(context.WithValue(ctx, txKey{}, true)); err != nil {
		s.codes, s.payments = codes, payments
		return err
	}
	return nil
}

// run executes fn under the store lock unless the caller already holds it.
func (s *Store) run(ctx context.Context, fn func() error) error {
	if inTx(ctx) {
		return fn()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn()
}

func (s *Store) snapshot() (map[string]*activation.ActivationCode, map[string]*payment.Payment) {
	codes := make(map[string]*activation.ActivationCode, len(s.codes))
	for k, v := range s.codes {
		codes[k] = v.Clone()
	}
	payments := make(map[string]*payment.Payment, len(s.payments))
	for k, v := range s.payments {
		payments[k] = v.Clone()
	}
	return codes, payments
}

func inTx(ctx context.Context) bool {
	v, _ := ctx.Value(txKey{}).(bool)
	return v
}
