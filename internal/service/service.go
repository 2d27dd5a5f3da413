package service

import (
	"context"
	"strings"

	"github.com/makkenzo/activation-platform/internal/ierr"
)

// Transactor runs fn in one storage transaction. Nested calls join the outer
// transaction.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// isDomainError separates rejections that belong in a result payload from
// infrastructure failures that must propagate.
func isDomainError(err error) bool {
	return ierr.Reason(err) != "internal"
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func outcome(err error) string {
	if err == nil {
		return "success"
	}
	return ierr.Reason(err)
}
