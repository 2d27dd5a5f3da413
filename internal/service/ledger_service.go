package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/makkenzo/activation-platform/internal/codegen"
	"github.com/makkenzo/activation-platform/internal/config"
	"github.com/makkenzo/activation-platform/internal/domain/activation"
	"github.com/makkenzo/activation-platform/internal/ierr"
	"github.com/makkenzo/activation-platform/internal/metrics"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	DefaultCurrency = "CNY"

	issueRounds      = 3
	existingRounds   = 3
	defaultPageLimit = 20
	maxPageLimit     = 100
)

type IssueRequest struct {
	ProductID       string
	ProductName     string
	Price           decimal.Decimal
	Currency        string
	Quantity        int
	MaxActivations  int
	ExpiresAt       *time.Time
	Metadata        map[string]any
	AwaitingPayment bool
}

type VerifyResult struct {
	Valid     bool                       `json:"valid"`
	Reason    string                     `json:"reason,omitempty"`
	Message   string                     `json:"message"`
	Remaining int                        `json:"remaining_activations"`
	Code      *activation.ActivationCode `json:"code_info,omitempty"`
	Err       error                      `json:"-"`
}

type RedeemRequest struct {
	Code       string
	UserID     string
	DeviceInfo map[string]any
	IPAddress  string
}

type RedeemResult struct {
	Success   bool               `json:"success"`
	Reason    string             `json:"reason,omitempty"`
	Message   string             `json:"message"`
	Remaining int                `json:"remaining_activations"`
	Record    *activation.Record `json:"activation_record,omitempty"`
	Err       error              `json:"-"`
}

type CodeRecords struct {
	Code               string              `json:"code"`
	Status             activation.Status   `json:"status"`
	MaxActivations     int                 `json:"max_activations"`
	CurrentActivations int                 `json:"current_activations"`
	Remaining          int                 `json:"remaining_activations"`
	Records            []activation.Record `json:"activation_records"`
}

// CodeSource produces candidate code values; *codegen.Generator is the
// production implementation.
type CodeSource interface {
	GenerateBatch(count, length int, prefix string) ([]string, error)
	GenerateExcluding(count, length int, prefix string, exclude map[string]struct{}) ([]string, error)
}

var _ CodeSource = (*codegen.Generator)(nil)

type LedgerService struct {
	repo    activation.Repository
	tx      Transactor
	gen     CodeSource
	cfg     config.CodesConfig
	metrics *metrics.Metrics
	now     func() time.Time
	logger  *zap.Logger
}

func NewLedgerService(repo activation.Repository, tx Transactor, gen CodeSource, cfg config.CodesConfig, m *metrics.Metrics, logger *zap.Logger) *LedgerService {
	return &LedgerService{
		repo:    repo,
		tx:      tx,
		gen:     gen,
		cfg:     cfg,
		metrics: m,
		now:     time.Now,
		logger:  logger.Named("LedgerService"),
	}
}

// Issue creates Quantity fresh UNUSED codes in one transaction.
func (s *LedgerService) Issue(ctx context.Context, req IssueRequest) ([]*activation.ActivationCode, error) {
	if req.Quantity < 1 || req.Quantity > s.cfg.MaxBatch {
		return nil, fmt.Errorf("%w: %d (allowed 1..%d)", ierr.ErrInvalidQuantity, req.Quantity, s.cfg.MaxBatch)
	}
	if req.ProductID == "" {
		return nil, fmt.Errorf("%w: product id is required", ierr.ErrValidation)
	}
	if req.Price.IsNegative() {
		return nil, ierr.ErrInvalidAmount
	}
	if req.MaxActivations == 0 {
		req.MaxActivations = 1
	}
	if req.MaxActivations < 0 {
		return nil, fmt.Errorf("%w: max activations must be at least 1", ierr.ErrValidation)
	}
	if req.Currency == "" {
		req.Currency = DefaultCurrency
	}

	var expiresAt sql.NullTime
	switch {
	case req.ExpiresAt != nil:
		expiresAt = sql.NullTime{Time: *req.ExpiresAt, Valid: true}
	case s.cfg.ExpireDays > 0:
		expiresAt = sql.NullTime{Time: s.now().AddDate(0, 0, s.cfg.ExpireDays), Valid: true}
	}

	s.logger.Info("Issuing activation codes",
		zap.String("productID", req.ProductID),
		zap.Int("quantity", req.Quantity),
		zap.Bool("awaitingPayment", req.AwaitingPayment),
	)

	for round := 1; round <= issueRounds; round++ {
		values, err := s.uniqueCodes(ctx, req.Quantity)
		if err != nil {
			return nil, err
		}

		batch := make([]*activation.ActivationCode, 0, len(values))
		for _, v := range values {
			c := &activation.ActivationCode{
				ID:              uuid.New(),
				Code:            v,
				ProductID:       req.ProductID,
				ProductName:     req.ProductName,
				Price:           req.Price,
				Currency:        req.Currency,
				Status:          activation.StatusUnused,
				ExpiresAt:       expiresAt,
				MaxActivations:  req.MaxActivations,
				Records:         []activation.Record{},
				AwaitingPayment: req.AwaitingPayment,
			}
			if req.Metadata != nil {
				if err := c.SetMetadata(req.Metadata); err != nil {
					return nil, fmt.Errorf("%w: metadata: %v", ierr.ErrValidation, err)
				}
			}
			batch = append(batch, c)
		}

		err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
			return s.repo.CreateBatch(ctx, batch)
		})
		if errors.Is(err, ierr.ErrDuplicateCode) {
			s.logger.Warn("Code collision on insert, regenerating batch", zap.Int("round", round))
			continue
		}
		if err != nil {
			s.logger.Error("Failed to store activation codes", zap.Error(err))
			return nil, fmt.Errorf("failed to store activation codes: %w", err)
		}

		s.logger.Info("Activation codes issued", zap.String("productID", req.ProductID), zap.Int("count", len(batch)))
		return batch, nil
	}
	return nil, ierr.ErrGenerationExhausted
}

// uniqueCodes generates n codes that are distinct among themselves and absent
// from storage at the time of the check.
func (s *LedgerService) uniqueCodes(ctx context.Context, n int) ([]string, error) {
	codes, err := s.gen.GenerateBatch(n, s.cfg.Length, s.cfg.Prefix)
	if err != nil {
		return nil, err
	}

	for round := 0; round < existingRounds; round++ {
		existing, err := s.repo.ExistingCodes(ctx, codes)
		if err != nil {
			return nil, fmt.Errorf("failed to check existing codes: %w", err)
		}
		if len(existing) == 0 {
			return codes, nil
		}

		taken := make(map[string]struct{}, len(existing))
		for _, c := range existing {
			taken[c] = struct{}{}
		}
		exclude := make(map[string]struct{}, len(codes))
		kept := codes[:0:0]
		for _, c := range codes {
			exclude[c] = struct{}{}
			if _, ok := taken[c]; !ok {
				kept = append(kept, c)
			}
		}

		replacements, err := s.gen.GenerateExcluding(len(existing), s.cfg.Length, s.cfg.Prefix, exclude)
		if err != nil {
			return nil, err
		}
		codes = append(kept, replacements...)
	}
	return nil, ierr.ErrGenerationExhausted
}

// Verify is a read-only check in the order format, existence, exhausted,
// disabled, expired, awaiting payment.
func (s *LedgerService) Verify(ctx context.Context, code, userID string) (*VerifyResult, error) {
	code = normalizeCode(code)
	if !codegen.FormatValid(code, s.cfg.Prefix) {
		return verifyFailure(ierr.ErrInvalidCodeFormat), nil
	}

	c, err := s.repo.FindByCode(ctx, code)
	if err != nil {
		if errors.Is(err, ierr.ErrCodeNotFound) {
			return verifyFailure(ierr.ErrCodeNotFound), nil
		}
		return nil, fmt.Errorf("failed to load activation code: %w", err)
	}

	if err := c.CheckRedeemable(s.now()); err != nil {
		res := verifyFailure(err)
		res.Code = c
		return res, nil
	}

	s.logger.Debug("Code verified", zap.String("code", codegen.Mask(code)), zap.String("userID", userID))
	return &VerifyResult{
		Valid:     true,
		Message:   "activation code is valid",
		Remaining: c.Remaining(),
		Code:      c,
	}, nil
}

func verifyFailure(err error) *VerifyResult {
	return &VerifyResult{Reason: ierr.Reason(err), Message: err.Error(), Err: err}
}

// Redeem consumes one activation under the code's row lock.
func (s *LedgerService) Redeem(ctx context.Context, req RedeemRequest) (*RedeemResult, error) {
	res, err := s.redeem(ctx, req)
	if err != nil {
		s.metrics.Redemption("internal")
		return nil, err
	}
	s.metrics.Redemption(outcome(res.Err))
	return res, nil
}

func (s *LedgerService) redeem(ctx context.Context, req RedeemRequest) (*RedeemResult, error) {
	code := normalizeCode(req.Code)
	if req.UserID == "" {
		return redeemFailure(ierr.ErrInvalidUser), nil
	}
	if !codegen.FormatValid(code, s.cfg.Prefix) {
		return redeemFailure(ierr.ErrInvalidCodeFormat), nil
	}

	var (
		rec       activation.Record
		remaining int
	)
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		c, err := s.repo.FindByCodeForUpdate(ctx, code)
		if err != nil {
			return err
		}
		now := s.now()
		if err := c.CheckRedeemable(now); err != nil {
			return err
		}

		rec = activation.Record{
			UserID:      req.UserID,
			ActivatedAt: now,
			DeviceInfo:  req.DeviceInfo,
			IPAddress:   req.IPAddress,
		}
		c.Redeem(rec)
		remaining = c.Remaining()
		return s.repo.Update(ctx, c)
	})
	if err != nil {
		if isDomainError(err) {
			s.logger.Info("Redemption rejected", zap.String("code", codegen.Mask(code)), zap.String("reason", ierr.Reason(err)))
			return redeemFailure(err), nil
		}
		s.logger.Error("Redemption failed", zap.String("code", codegen.Mask(code)), zap.Error(err))
		return nil, fmt.Errorf("failed to redeem activation code: %w", err)
	}

	s.logger.Info("Code redeemed", zap.String("code", codegen.Mask(code)), zap.String("userID", req.UserID), zap.Int("remaining", remaining))
	return &RedeemResult{
		Success:   true,
		Message:   "activation successful",
		Remaining: remaining,
		Record:    &rec,
	}, nil
}

func redeemFailure(err error) *RedeemResult {
	return &RedeemResult{Reason: ierr.Reason(err), Message: err.Error(), Err: err}
}

// Disable is terminal and idempotent.
func (s *LedgerService) Disable(ctx context.Context, code, reason string) error {
	code = normalizeCode(code)
	return s.tx.WithinTx(ctx, func(ctx context.Context) error {
		c, err := s.repo.FindByCodeForUpdate(ctx, code)
		if err != nil {
			return err
		}
		return s.disable(ctx, c, reason)
	})
}

func (s *LedgerService) DisableByID(ctx context.Context, id uuid.UUID, reason string) error {
	return s.tx.WithinTx(ctx, func(ctx context.Context) error {
		c, err := s.repo.FindByIDForUpdate(ctx, id)
		if err != nil {
			return err
		}
		return s.disable(ctx, c, reason)
	})
}

func (s *LedgerService) disable(ctx context.Context, c *activation.ActivationCode, reason string) error {
	if c.Status == activation.StatusDisabled {
		return nil
	}
	c.Disable(reason)
	if err := s.repo.Update(ctx, c); err != nil {
		return fmt.Errorf("failed to disable activation code: %w", err)
	}
	s.logger.Info("Code disabled", zap.String("code", codegen.Mask(c.Code)), zap.String("reason", reason))
	return nil
}

// Release makes a purchased code redeemable once its payment settles. A code
// disabled only because its order could not be opened is re-enabled, since the
// buyer has now paid for it.
func (s *LedgerService) Release(ctx context.Context, id uuid.UUID) error {
	return s.tx.WithinTx(ctx, func(ctx context.Context) error {
		c, err := s.repo.FindByIDForUpdate(ctx, id)
		if err != nil {
			return err
		}
		revive := c.Status == activation.StatusDisabled &&
			c.DisabledReason.String == reasonOrderCreationFailed &&
			c.CurrentActivations == 0
		if !c.AwaitingPayment && !revive {
			return nil
		}
		c.AwaitingPayment = false
		if revive {
			c.Reenable()
			s.logger.Info("Code re-enabled after late payment", zap.String("code", codegen.Mask(c.Code)))
		}
		return s.repo.Update(ctx, c)
	})
}

func (s *LedgerService) Get(ctx context.Context, code string) (*activation.ActivationCode, error) {
	return s.repo.FindByCode(ctx, normalizeCode(code))
}

func (s *LedgerService) Records(ctx context.Context, code string) (*CodeRecords, error) {
	c, err := s.repo.FindByCode(ctx, normalizeCode(code))
	if err != nil {
		return nil, err
	}
	return &CodeRecords{
		Code:               c.Code,
		Status:             c.Status,
		MaxActivations:     c.MaxActivations,
		CurrentActivations: c.CurrentActivations,
		Remaining:          c.Remaining(),
		Records:            c.Records,
	}, nil
}

func (s *LedgerService) ListByProduct(ctx context.Context, productID string, limit, offset int) ([]*activation.ActivationCode, int64, error) {
	if limit <= 0 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.ListByProduct(ctx, productID, limit, offset)
}

// ExpireOverdue marks UNUSED codes past their expiry as EXPIRED.
func (s *LedgerService) ExpireOverdue(ctx context.Context) (int64, error) {
	n, err := s.repo.ExpireOverdue(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("failed to expire overdue codes: %w", err)
	}
	if n > 0 {
		s.logger.Info("Expired overdue activation codes", zap.Int64("count", n))
	}
	return n, nil
}
