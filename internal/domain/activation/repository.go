package activation

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository persists activation codes. Methods suffixed ForUpdate must run
// inside a transaction and hold the row until it ends.
type Repository interface {
	CreateBatch(ctx context.Context, codes []*ActivationCode) error
	ExistingCodes(ctx context.Context, codes []string) ([]string, error)
	FindByCode(ctx context.Context, code string) (*ActivationCode, error)
	FindByID(ctx context.Context, id uuid.UUID) (*ActivationCode, error)
	FindByCodeForUpdate(ctx context.Context, code string) (*ActivationCode, error)
	FindByIDForUpdate(ctx context.Context, id uuid.UUID) (*ActivationCode, error)
	// LockFingerprint serializes binding attempts for one fingerprint until the transaction ends.
	LockFingerprint(ctx context.Context, fingerprint string) error
	FindBoundByFingerprint(ctx context.Context, fingerprint string) (*ActivationCode, error)
	Update(ctx context.Context, code *ActivationCode) error
	ListByProduct(ctx context.Context, productID string, limit, offset int) ([]*ActivationCode, int64, error)
	ExpireOverdue(ctx context.Context, now time.Time) (int64, error)
}
