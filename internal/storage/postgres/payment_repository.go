package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/makkenzo/activation-platform/internal/domain/payment"
	"github.com/makkenzo/activation-platform/internal/ierr"
	"go.uber.org/zap"
)

const paymentColumns = `
            id, payment_id, activation_code_id, method, amount, currency, status,
            description, client_ip, gateway_order_ref, third_party_order_id, paid_at,
            refunded_at, refund_reason, callback_data, created_at, updated_at`

type PaymentRepository struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

func NewPaymentRepository(db *pgxpool.Pool, logger *zap.Logger) *PaymentRepository {
	return &PaymentRepository{
		db:     db,
		logger: logger.Named("PaymentRepository"),
	}
}

var _ payment.Repository = (*PaymentRepository)(nil)

func (r *PaymentRepository) Create(ctx context.Context, p *payment.Payment) error {
	query := `
        INSERT INTO payments (
            id, payment_id, activation_code_id, method, amount, currency, status,
            description, client_ip, gateway_order_ref
        ) VALUES (
            $1, $2, $3, $4, $5, $6, $7, $8, $9, $10
        ) RETURNING created_at, updated_at
    `
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}

	err := conn(ctx, r.db).QueryRow(ctx, query,
		p.ID,
		p.PaymentID,
		p.ActivationCodeID,
		p.Method,
		p.Amount,
		p.Currency,
		p.Status,
		p.Description,
		p.ClientIP,
		p.GatewayOrderRef,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if pgErr, ok := isUniqueViolation(err); ok {
			r.logger.Warn("Attempted to create payment with duplicate id",
				zap.String("payment_id", p.PaymentID),
				zap.String("constraint", pgErr.ConstraintName),
			)
			return fmt.Errorf("%w: payment '%s' already exists", ierr.ErrConflict, p.PaymentID)
		}
		r.logger.Error("Failed to create payment in database", zap.Error(err))
		return fmt.Errorf("database error on create payment: %w", err)
	}

	r.logger.Info("Payment created", zap.String("payment_id", p.PaymentID))
	return nil
}

func (r *PaymentRepository) FindByPaymentID(ctx context.Context, paymentID string) (*payment.Payment, error) {
	query := `SELECT` + paymentColumns + ` FROM payments WHERE payment_id = $1`
	return r.scanPayment(conn(ctx, r.db).QueryRow(ctx, query, paymentID))
}

func (r *PaymentRepository) FindByPaymentIDForUpdate(ctx context.Context, paymentID string) (*payment.Payment, error) {
	if !inTx(ctx) {
		return nil, errors.New("FindByPaymentIDForUpdate requires a transaction")
	}
	query := `SELECT` + paymentColumns + ` FROM payments WHERE payment_id = $1 FOR UPDATE`
	return r.scanPayment(conn(ctx, r.db).QueryRow(ctx, query, paymentID))
}

func (r *PaymentRepository) Update(ctx context.Context, p *payment.Payment) error {
	query := `
        UPDATE payments SET
            status = $1,
            gateway_order_ref = $2,
            third_party_order_id = $3,
            paid_at = $4,
            refunded_at = $5,
            refund_reason = $6,
            callback_data = $7
        WHERE payment_id = $8
        RETURNING updated_at
    `
	err := conn(ctx, r.db).QueryRow(ctx, query,
		p.Status,
		p.GatewayOrderRef,
		p.ThirdPartyOrderID,
		p.PaidAt,
		p.RefundedAt,
		p.RefundReason,
		nullJSON(p.CallbackData),
		p.PaymentID,
	).Scan(&p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ierr.ErrPaymentNotFound
		}
		r.logger.Error("Failed to update payment", zap.String("payment_id", p.PaymentID), zap.Error(err))
		return fmt.Errorf("database error on update payment: %w", err)
	}
	return nil
}

func (r *PaymentRepository) ListPendingBefore(ctx context.Context, before time.Time, limit int) ([]*payment.Payment, error) {
	query := `SELECT` + paymentColumns + `
        FROM payments
        WHERE status = 'pending' AND created_at < $1
        ORDER BY created_at
        LIMIT $2`
	rows, err := conn(ctx, r.db).Query(ctx, query, before, limit)
	if err != nil {
		return nil, fmt.Errorf("database error on list pending payments: %w", err)
	}
	defer rows.Close()

	payments := make([]*payment.Payment, 0)
	for rows.Next() {
		p, err := r.scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("database iteration error on list pending payments: %w", err)
	}
	return payments, nil
}

func (r *PaymentRepository) List(ctx context.Context, params payment.ListParams) ([]*payment.Payment, int64, error) {
	var total int64
	if err := conn(ctx, r.db).QueryRow(ctx,
		`SELECT count(*) FROM payments WHERE ($1 = '' OR status = $1)`, string(params.Status),
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("database error on count payments: %w", err)
	}

	query := `SELECT` + paymentColumns + `
        FROM payments
        WHERE ($1 = '' OR status = $1)
        ORDER BY created_at DESC, payment_id
        LIMIT $2 OFFSET $3`
	rows, err := conn(ctx, r.db).Query(ctx, query, string(params.Status), params.Limit, params.Offset)
	if err != nil {
		r.logger.Error("Failed to query list of payments", zap.Error(err))
		return nil, 0, fmt.Errorf("database error on list payments: %w", err)
	}
	defer rows.Close()

	payments := make([]*payment.Payment, 0)
	for rows.Next() {
		p, err := r.scanPayment(rows)
		if err != nil {
			return nil, 0, err
		}
		payments = append(payments, p)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("database iteration error on list payments: %w", err)
	}
	return payments, total, nil
}

func (r *PaymentRepository) scanPayment(row pgx.Row) (*payment.Payment, error) {
	var p payment.Payment
	var callback []byte

	err := row.Scan(
		&p.ID,
		&p.PaymentID,
		&p.ActivationCodeID,
		&p.Method,
		&p.Amount,
		&p.Currency,
		&p.Status,
		&p.Description,
		&p.ClientIP,
		&p.GatewayOrderRef,
		&p.ThirdPartyOrderID,
		&p.PaidAt,
		&p.RefundedAt,
		&p.RefundReason,
		&callback,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ierr.ErrPaymentNotFound
		}
		r.logger.Error("Failed to scan payment row", zap.Error(err))
		return nil, fmt.Errorf("database scan error: %w", err)
	}
	if len(callback) > 0 {
		p.CallbackData = callback
	}
	return &p, nil
}
