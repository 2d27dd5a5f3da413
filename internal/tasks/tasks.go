package tasks

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	TypeCodesExpire       = "codes:expire:sweep"
	TypePaymentsReconcile = "payments:reconcile:pending"
)

type ExpireCodesPayload struct{}

type ReconcilePaymentsPayload struct {
	Limit int `json:"limit"`
}

func NewExpireCodesTask(opts ...asynq.Option) (*asynq.Task, error) {
	payloadBytes, err := json.Marshal(ExpireCodesPayload{})
	if err != nil {
		return nil, err
	}

	allOpts := append(opts, asynq.Unique(1*time.Hour))
	return asynq.NewTask(TypeCodesExpire, payloadBytes, allOpts...), nil
}

func NewReconcilePaymentsTask(limit int, opts ...asynq.Option) (*asynq.Task, error) {
	payloadBytes, err := json.Marshal(ReconcilePaymentsPayload{Limit: limit})
	if err != nil {
		return nil, err
	}

	allOpts := append(opts, asynq.Unique(5*time.Minute))
	return asynq.NewTask(TypePaymentsReconcile, payloadBytes, allOpts...), nil
}
