package memstorage

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/makkenzo/activation-platform/internal/domain/activation"
	"github.com/makkenzo/activation-platform/internal/ierr"
)

type ActivationRepository struct {
	store *Store
}

func NewActivationRepository(store *Store) *ActivationRepository {
	return &ActivationRepository{store: store}
}

var _ activation.Repository = (*ActivationRepository)(nil)

func (r *ActivationRepository) CreateBatch(ctx context.Context, codes []*activation.ActivationCode) error {
	return r.store.run(ctx, func() error {
		batch := make(map[string]struct{}, len(codes))
		for _, c := range codes {
			if _, ok := r.store.codes[c.Code]; ok {
				return ierr.ErrDuplicateCode
			}
			if _, ok := batch[c.Code]; ok {
				return ierr.ErrDuplicateCode
			}
			batch[c.Code] = struct{}{}
		}

		now := time.Now().UTC()
		for _, c := range codes {
			if c.ID == uuid.Nil {
				c.ID = uuid.New()
			}
			c.CreatedAt, c.UpdatedAt = now, now
			r.store.codes[c.Code] = c.Clone()
		}
		return nil
	})
}

func (r *ActivationRepository) ExistingCodes(ctx context.Context, codes []string) ([]string, error) {
	var existing []string
	err := r.store.run(ctx, func() error {
		for _, c := range codes {
			if _, ok := r.store.codes[c]; ok {
				existing = append(existing, c)
			}
		}
		return nil
	})
	return existing, err
}

func (r *ActivationRepository) FindByCode(ctx context.Context, code string) (*activation.ActivationCode, error) {
	var found *activation.ActivationCode
	err := r.store.run(ctx, func() error {
		c, ok := r.store.codes[code]
		if !ok {
			return ierr.ErrCodeNotFound
		}
		found = c.Clone()
		return nil
	})
	return found, err
}

func (r *ActivationRepository) FindByID(ctx context.Context, id uuid.UUID) (*activation.ActivationCode, error) {
	var found *activation.ActivationCode
	err := r.store.run(ctx, func() error {
		for _, c := range r.store.codes {
			if c.ID == id {
				found = c.Clone()
				return nil
			}
		}
		return ierr.ErrCodeNotFound
	})
	return found, err
}

// The store lock already serializes transactions, so row locks are implicit.
func (r *ActivationRepository) FindByCodeForUpdate(ctx context.Context, code string) (*activation.ActivationCode, error) {
	return r.FindByCode(ctx, code)
}

func (r *ActivationRepository) FindByIDForUpdate(ctx context.Context, id uuid.UUID) (*activation.ActivationCode, error) {
	return r.FindByID(ctx, id)
}

func (r *ActivationRepository) LockFingerprint(ctx context.Context, fingerprint string) error {
	return nil
}

func (r *ActivationRepository) FindBoundByFingerprint(ctx context.Context, fingerprint string) (*activation.ActivationCode, error) {
	var found *activation.ActivationCode
	err := r.store.run(ctx, func() error {
		for _, c := range r.store.codes {
			if c.Status == activation.StatusUsed && c.Binding != nil && c.Binding.Fingerprint == fingerprint {
				found = c.Clone()
				return nil
			}
		}
		return ierr.ErrCodeNotFound
	})
	return found, err
}

func (r *ActivationRepository) Update(ctx context.Context, code *activation.ActivationCode) error {
	return r.store.run(ctx, func() error {
		if _, ok := r.store.codes[code.Code]; !ok {
			return ierr.ErrCodeNotFound
		}
		if code.Status == activation.StatusUsed && code.Binding != nil {
			for _, other := range r.store.codes {
				if other.ID != code.ID && other.Status == activation.StatusUsed &&
					other.Binding != nil && other.Binding.Fingerprint == code.Binding.Fingerprint {
					return ierr.ErrHardwareAlreadyBound
				}
			}
		}
		code.UpdatedAt = time.Now().UTC()
		r.store.codes[code.Code] = code.Clone()
		return nil
	})
}

func (r *ActivationRepository) ListByProduct(ctx context.Context, productID string, limit, offset int) ([]*activation.ActivationCode, int64, error) {
	var page []*activation.ActivationCode
	var total int64
	err := r.store.run(ctx, func() error {
		var all []*activation.ActivationCode
		for _, c := range r.store.codes {
			if productID == "" || c.ProductID == productID {
				all = append(all, c)
			}
		}
		sort.Slice(all, func(i, j int) bool {
			if all[i].CreatedAt.Equal(all[j].CreatedAt) {
				return all[i].Code < all[j].Code
			}
			return all[i].CreatedAt.After(all[j].CreatedAt)
		})
		total = int64(len(all))
		for i := offset; i < len(all) && (limit <= 0 || len(page) < limit); i++ {
			page = append(page, all[i].Clone())
		}
		return nil
	})
	return page, total, err
}

func (r *ActivationRepository) ExpireOverdue(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	err := r.store.run(ctx, func() error {
		for _, c := range r.store.codes {
			if c.Status == activation.StatusUnused && c.ExpiresAt.Valid && c.ExpiresAt.Time.Before(now) {
				c.Status = activation.StatusExpired
				c.UpdatedAt = now
				n++
			}
		}
		return nil
	})
	return n, err
}
