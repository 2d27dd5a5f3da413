package tasks

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

type CodeExpirer interface {
	ExpireOverdue(ctx context.Context) (int64, error)
}

type ExpireCodesHandler struct {
	ledger CodeExpirer
	logger *zap.Logger
}

func NewExpireCodesHandler(ledger CodeExpirer, logger *zap.Logger) *ExpireCodesHandler {
	return &ExpireCodesHandler{
		ledger: ledger,
		logger: logger.Named("ExpireCodesHandler"),
	}
}

func (h *ExpireCodesHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	if t.Type() != TypeCodesExpire {
		return fmt.Errorf("unexpected task type: %s", t.Type())
	}

	var p ExpireCodesPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		h.logger.Error("Failed to unmarshal payload for code expiration task", zap.Error(err), zap.ByteString("payload", t.Payload()))
		return fmt.Errorf("invalid payload: %v: %w", err, asynq.SkipRetry)
	}

	h.logger.Debug("Processing code expiration sweep...")

	n, err := h.ledger.ExpireOverdue(ctx)
	if err != nil {
		h.logger.Error("Code expiration sweep failed", zap.Error(err))
		return err
	}

	h.logger.Info("Code expiration sweep finished", zap.Int64("expired", n))
	return nil
}
