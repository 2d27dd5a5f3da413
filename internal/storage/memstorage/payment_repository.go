package memstorage

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/makkenzo/activation-platform/internal/domain/payment"
	"github.com/makkenzo/activation-platform/internal/ierr"
)

type PaymentRepository struct {
	store *Store
}

func NewPaymentRepository(store *Store) *PaymentRepository {
	return &PaymentRepository{store: store}
}

var _ payment.Repository = (*PaymentRepository)(nil)

func (r *PaymentRepository) Create(ctx context.Context, p *payment.Payment) error {
	return r.store.run(ctx, func() error {
		if _, ok := r.store.payments[p.PaymentID]; ok {
			return ierr.ErrConflict
		}
		if p.ID == uuid.Nil {
			p.ID = uuid.New()
		}
		now := time.Now().UTC()
		p.CreatedAt, p.UpdatedAt = now, now
		r.store.payments[p.PaymentID] = p.Clone()
		return nil
	})
}

func (r *PaymentRepository) FindByPaymentID(ctx context.Context, paymentID string) (*payment.Payment, error) {
	var found *payment.Payment
	err := r.store.run(ctx, func() error {
		p, ok := r.store.payments[paymentID]
		if !ok {
			return ierr.ErrPaymentNotFound
		}
		found = p.Clone()
		return nil
	})
	return found, err
}

func (r *PaymentRepository) FindByPaymentIDForUpdate(ctx context.Context, paymentID string) (*payment.Payment, error) {
	return r.FindByPaymentID(ctx, paymentID)
}

func (r *PaymentRepository) Update(ctx context.Context, p *payment.Payment) error {
	return r.store.run(ctx, func() error {
		if _, ok := r.store.payments[p.PaymentID]; !ok {
			return ierr.ErrPaymentNotFound
		}
		p.UpdatedAt = time.Now().UTC()
		r.store.payments[p.PaymentID] = p.Clone()
		return nil
	})
}

func (r *PaymentRepository) ListPendingBefore(ctx context.Context, before time.Time, limit int) ([]*payment.Payment, error) {
	var out []*payment.Payment
	err := r.store.run(ctx, func() error {
		for _, p := range r.store.payments {
			if p.Status == payment.StatusPending && p.CreatedAt.Before(before) {
				out = append(out, p.Clone())
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
		if limit > 0 && len(out) > limit {
			out = out[:limit]
		}
		return nil
	})
	return out, err
}

func (r *PaymentRepository) List(ctx context.Context, params payment.ListParams) ([]*payment.Payment, int64, error) {
	var out []*payment.Payment
	var total int64
	err := r.store.run(ctx, func() error {
		matched := make([]*payment.Payment, 0)
		for _, p := range r.store.payments {
			if params.Status == "" || p.Status == params.Status {
				matched = append(matched, p)
			}
		}
		sort.Slice(matched, func(i, j int) bool {
			if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
				return matched[i].CreatedAt.After(matched[j].CreatedAt)
			}
			return matched[i].PaymentID < matched[j].PaymentID
		})
		total = int64(len(matched))

		if params.Offset >= len(matched) {
			return nil
		}
		matched = matched[params.Offset:]
		if params.Limit > 0 && len(matched) > params.Limit {
			matched = matched[:params.Limit]
		}
		out = make([]*payment.Payment, 0, len(matched))
		for _, p := range matched {
			out = append(out, p.Clone())
		}
		return nil
	})
	return out, total, err
}
