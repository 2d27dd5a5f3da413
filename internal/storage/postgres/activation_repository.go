package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/makkenzo/activation-platform/internal/codegen"
	"github.com/makkenzo/activation-platform/internal/domain/activation"
	"github.com/makkenzo/activation-platform/internal/ierr"
	"go.uber.org/zap"
)

const activationColumns = `
            id, code, product_id, product_name, price, currency, status, expires_at,
            max_activations, current_activations, used_at, used_by, activation_records,
            binding, awaiting_payment, disabled_reason, metadata, created_at, updated_at`

type ActivationRepository struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

func NewActivationRepository(db *pgxpool.Pool, logger *zap.Logger) *ActivationRepository {
	return &ActivationRepository{
		db:     db,
		logger: logger.Named("ActivationRepository"),
	}
}

var _ activation.Repository = (*ActivationRepository)(nil)

func (r *ActivationRepository) CreateBatch(ctx context.Context, codes []*activation.ActivationCode) error {
	query := `
        INSERT INTO activation_codes (
            id, code, product_id, product_name, price, currency, status, expires_at,
            max_activations, current_activations, activation_records, awaiting_payment, metadata
        ) VALUES (
            $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13
        ) RETURNING created_at, updated_at
    `

	batch := &pgx.Batch{}
	for _, c := range codes {
		if c.ID == uuid.Nil {
			c.ID = uuid.New()
		}
		records, err := json.Marshal(recordsOrEmpty(c.Records))
		if err != nil {
			return fmt.Errorf("failed to encode activation records: %w", err)
		}
		batch.Queue(query,
			c.ID,
			c.Code,
			c.ProductID,
			c.ProductName,
			c.Price,
			c.Currency,
			c.Status,
			c.ExpiresAt,
			c.MaxActivations,
			c.CurrentActivations,
			records,
			c.AwaitingPayment,
			nullJSON(c.Metadata),
		)
	}

	br := conn(ctx, r.db).SendBatch(ctx, batch)
	defer br.Close()

	for _, c := range codes {
		if err := br.QueryRow().Scan(&c.CreatedAt, &c.UpdatedAt); err != nil {
			if pgErr, ok := isUniqueViolation(err); ok {
				r.logger.Warn("Attempted to create activation code with duplicate value",
					zap.String("code", codegen.Mask(c.Code)),
					zap.String("constraint", pgErr.ConstraintName),
				)
				return ierr.ErrDuplicateCode
			}
			r.logger.Error("Failed to create activation code in database", zap.Error(err))
			return fmt.Errorf("database error on create activation codes: %w", err)
		}
	}

	r.logger.Info("Activation codes created", zap.Int("count", len(codes)))
	return nil
}

func (r *ActivationRepository) ExistingCodes(ctx context.Context, codes []string) ([]string, error) {
	rows, err := conn(ctx, r.db).Query(ctx, `SELECT code FROM activation_codes WHERE code = ANY($1)`, codes)
	if err != nil {
		return nil, fmt.Errorf("database error on existing codes lookup: %w", err)
	}
	existing, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("database scan error on existing codes lookup: %w", err)
	}
	return existing, nil
}

func (r *ActivationRepository) FindByCode(ctx context.Context, code string) (*activation.ActivationCode, error) {
	query := `SELECT` + activationColumns + ` FROM activation_codes WHERE code = $1`
	return r.scanCode(conn(ctx, r.db).QueryRow(ctx, query, code))
}

func (r *ActivationRepository) FindByID(ctx context.Context, id uuid.UUID) (*activation.ActivationCode, error) {
	query := `SELECT` + activationColumns + ` FROM activation_codes WHERE id = $1`
	return r.scanCode(conn(ctx, r.db).QueryRow(ctx, query, id))
}

func (r *ActivationRepository) FindByCodeForUpdate(ctx context.Context, code string) (*activation.ActivationCode, error) {
	if !inTx(ctx) {
		return nil, errors.New("FindByCodeForUpdate requires a transaction")
	}
	query := `SELECT` + activationColumns + ` FROM activation_codes WHERE code = $1 FOR UPDATE`
	return r.scanCode(conn(ctx, r.db).QueryRow(ctx, query, code))
}

func (r *ActivationRepository) FindByIDForUpdate(ctx context.Context, id uuid.UUID) (*activation.ActivationCode, error) {
	if !inTx(ctx) {
		return nil, errors.New("FindByIDForUpdate requires a transaction")
	}
	query := `SELECT` + activationColumns + ` FROM activation_codes WHERE id = $1 FOR UPDATE`
	return r.scanCode(conn(ctx, r.db).QueryRow(ctx, query, id))
}

func (r *ActivationRepository) LockFingerprint(ctx context.Context, fingerprint string) error {
	if !inTx(ctx) {
		return errors.New("LockFingerprint requires a transaction")
	}
	if _, err := conn(ctx, r.db).Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, fingerprint); err != nil {
		return fmt.Errorf("failed to lock fingerprint: %w", err)
	}
	return nil
}

func (r *ActivationRepository) FindBoundByFingerprint(ctx context.Context, fingerprint string) (*activation.ActivationCode, error) {
	query := `SELECT` + activationColumns + `
        FROM activation_codes
        WHERE binding_fingerprint = $1 AND status = 'used'
        LIMIT 1`
	return r.scanCode(conn(ctx, r.db).QueryRow(ctx, query, fingerprint))
}

func (r *ActivationRepository) Update(ctx context.Context, c *activation.ActivationCode) error {
	query := `
        UPDATE activation_codes SET
            status = $1,
            expires_at = $2,
            current_activations = $3,
            used_at = $4,
            used_by = $5,
            activation_records = $6,
            binding = $7,
            binding_fingerprint = $8,
            awaiting_payment = $9,
            disabled_reason = $10,
            metadata = $11
        WHERE id = $12
        RETURNING updated_at
    `

	records, err := json.Marshal(recordsOrEmpty(c.Records))
	if err != nil {
		return fmt.Errorf("failed to encode activation records: %w", err)
	}

	var binding []byte
	var fingerprint sql.NullString
	if c.Binding != nil {
		if binding, err = json.Marshal(c.Binding); err != nil {
			return fmt.Errorf("failed to encode binding: %w", err)
		}
		fingerprint = sql.NullString{String: c.Binding.Fingerprint, Valid: true}
	}

	err = conn(ctx, r.db).QueryRow(ctx, query,
		c.Status,
		c.ExpiresAt,
		c.CurrentActivations,
		c.UsedAt,
		c.UsedBy,
		records,
		binding,
		fingerprint,
		c.AwaitingPayment,
		c.DisabledReason,
		nullJSON(c.Metadata),
		c.ID,
	).Scan(&c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ierr.ErrCodeNotFound
		}
		if _, ok := isUniqueViolation(err); ok {
			return ierr.ErrHardwareAlreadyBound
		}
		r.logger.Error("Failed to update activation code", zap.String("id", c.ID.String()), zap.Error(err))
		return fmt.Errorf("database error on update activation code: %w", err)
	}
	return nil
}

func (r *ActivationRepository) ListByProduct(ctx context.Context, productID string, limit, offset int) ([]*activation.ActivationCode, int64, error) {
	var total int64
	if err := conn(ctx, r.db).QueryRow(ctx,
		`SELECT count(*) FROM activation_codes WHERE ($1 = '' OR product_id = $1)`, productID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("database error on count activation codes: %w", err)
	}

	query := `SELECT` + activationColumns + `
        FROM activation_codes
        WHERE ($1 = '' OR product_id = $1)
        ORDER BY created_at DESC, code
        LIMIT $2 OFFSET $3`
	rows, err := conn(ctx, r.db).Query(ctx, query, productID, limit, offset)
	if err != nil {
		r.logger.Error("Failed to query list of activation codes", zap.Error(err))
		return nil, 0, fmt.Errorf("database error on list activation codes: %w", err)
	}
	defer rows.Close()

	codes := make([]*activation.ActivationCode, 0)
	for rows.Next() {
		c, err := r.scanCode(rows)
		if err != nil {
			return nil, 0, err
		}
		codes = append(codes, c)
	}
	if err = rows.Err(); err != nil {
		r.logger.Error("Error iterating activation code rows", zap.Error(err))
		return nil, 0, fmt.Errorf("database iteration error on list activation codes: %w", err)
	}

	return codes, total, nil
}

func (r *ActivationRepository) ExpireOverdue(ctx context.Context, now time.Time) (int64, error) {
	tag, err := conn(ctx, r.db).Exec(ctx, `
        UPDATE activation_codes SET status = 'expired'
        WHERE status = 'unused' AND expires_at IS NOT NULL AND expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("database error on expire activation codes: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *ActivationRepository) scanCode(row pgx.Row) (*activation.ActivationCode, error) {
	var c activation.ActivationCode
	var records, binding, metadata []byte

	err := row.Scan(
		&c.ID,
		&c.Code,
		&c.ProductID,
		&c.ProductName,
		&c.Price,
		&c.Currency,
		&c.Status,
		&c.ExpiresAt,
		&c.MaxActivations,
		&c.CurrentActivations,
		&c.UsedAt,
		&c.UsedBy,
		&records,
		&binding,
		&c.AwaitingPayment,
		&c.DisabledReason,
		&metadata,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ierr.ErrCodeNotFound
		}
		r.logger.Error("Failed to scan activation code row", zap.Error(err))
		return nil, fmt.Errorf("database scan error: %w", err)
	}

	if len(records) > 0 {
		if err := json.Unmarshal(records, &c.Records); err != nil {
			return nil, fmt.Errorf("failed to decode activation records: %w", err)
		}
	}
	if len(binding) > 0 {
		c.Binding = &activation.Binding{}
		if err := json.Unmarshal(binding, c.Binding); err != nil {
			return nil, fmt.Errorf("failed to decode binding: %w", err)
		}
	}
	if len(metadata) > 0 {
		c.Metadata = metadata
	}

	return &c, nil
}

func recordsOrEmpty(records []activation.Record) []activation.Record {
	if records == nil {
		return []activation.Record{}
	}
	return records
}

// nullJSON keeps an absent document NULL instead of an empty byte string.
func nullJSON(doc json.RawMessage) any {
	if len(doc) == 0 {
		return nil
	}
	return []byte(doc)
}
