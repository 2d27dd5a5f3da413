package tasks

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

const defaultReconcileLimit = 100

type PaymentReconciler interface {
	ReconcilePending(ctx context.Context, limit int) (int, error)
}

// ReconcilePaymentsHandler asks the gateways about PENDING payments whose
// notification never arrived.
type ReconcilePaymentsHandler struct {
	settlement PaymentReconciler
	logger     *zap.Logger
}

func NewReconcilePaymentsHandler(settlement PaymentReconciler, logger *zap.Logger) *ReconcilePaymentsHandler {
	return &ReconcilePaymentsHandler{
		settlement: settlement,
		logger:     logger.Named("ReconcilePaymentsHandler"),
	}
}

func (h *ReconcilePaymentsHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	if t.Type() != TypePaymentsReconcile {
		return fmt.Errorf("unexpected task type: %s", t.Type())
	}

	var p ReconcilePaymentsPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		h.logger.Error("Failed to unmarshal payload for reconcile task", zap.Error(err), zap.ByteString("payload", t.Payload()))
		return fmt.Errorf("invalid payload: %v: %w", err, asynq.SkipRetry)
	}
	if p.Limit <= 0 {
		p.Limit = defaultReconcileLimit
	}

	n, err := h.settlement.ReconcilePending(ctx, p.Limit)
	if err != nil {
		h.logger.Error("Payment reconciliation failed", zap.Error(err))
		return err
	}

	h.logger.Info("Payment reconciliation finished", zap.Int("changed", n), zap.Int("limit", p.Limit))
	return nil
}
