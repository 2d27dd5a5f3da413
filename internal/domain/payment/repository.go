package payment

import (
	"context"
	"time"
)

// ListParams filters the admin payment listing. An empty Status lists all.
type ListParams struct {
	Status Status
	Limit  int
	Offset int
}

type Repository interface {
	Create(ctx context.Context, p *Payment) error
	FindByPaymentID(ctx context.Context, paymentID string) (*Payment, error)
	// FindByPaymentIDForUpdate must run inside a transaction.
	FindByPaymentIDForUpdate(ctx context.Context, paymentID string) (*Payment, error)
	Update(ctx context.Context, p *Payment) error
	ListPendingBefore(ctx context.Context, before time.Time, limit int) ([]*Payment, error)
	// List returns payments newest first and the total matching count.
	List(ctx context.Context, params ListParams) ([]*Payment, int64, error)
}
