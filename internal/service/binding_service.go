package service

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/makkenzo/activation-platform/internal/codegen"
	"github.com/makkenzo/activation-platform/internal/config"
	"github.com/makkenzo/activation-platform/internal/domain/activation"
	"github.com/makkenzo/activation-platform/internal/fingerprint"
	"github.com/makkenzo/activation-platform/internal/ierr"
	"github.com/makkenzo/activation-platform/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

type BindRequest struct {
	Code        string
	Fingerprint string
	UserID      string
	DeviceInfo  map[string]any
	IPAddress   string
}

type BindResult struct {
	Success bool                `json:"success"`
	Reason  string              `json:"reason,omitempty"`
	Message string              `json:"message"`
	Binding *activation.Binding `json:"binding,omitempty"`
	Err     error               `json:"-"`
}

type BindingCheck struct {
	Valid   bool                `json:"valid"`
	Reason  string              `json:"reason,omitempty"`
	Message string              `json:"message"`
	Binding *activation.Binding `json:"binding,omitempty"`
	Err     error               `json:"-"`
}

type BindingInfo struct {
	Code    string              `json:"code"`
	Status  activation.Status   `json:"status"`
	Bound   bool                `json:"bound"`
	Binding *activation.Binding `json:"binding,omitempty"`
	UsedAt  sql.NullTime        `json:"used_at,omitempty"`
	UsedBy  sql.NullString      `json:"used_by,omitempty"`
}

// BindingService ties a code to exactly one machine and a machine to at most
// one USED code.
type BindingService struct {
	repo         activation.Repository
	tx           Transactor
	adminKeyHash []byte
	prefix       string
	metrics      *metrics.Metrics
	now          func() time.Time
	logger       *zap.Logger
}

func NewBindingService(repo activation.Repository, tx Transactor, cfg config.BindingConfig, codePrefix string, m *metrics.Metrics, logger *zap.Logger) *BindingService {
	return &BindingService{
		repo:         repo,
		tx:           tx,
		adminKeyHash: []byte(cfg.AdminKeyHash),
		prefix:       codePrefix,
		metrics:      m,
		now:          time.Now,
		logger:       logger.Named("BindingService"),
	}
}

func (s *BindingService) Bind(ctx context.Context, req BindRequest) (*BindResult, error) {
	res, err := s.bind(ctx, req)
	if err != nil {
		s.metrics.Binding("internal")
		return nil, err
	}
	s.metrics.Binding(outcome(res.Err))
	return res, nil
}

func (s *BindingService) bind(ctx context.Context, req BindRequest) (*BindResult, error) {
	fp := fingerprint.Normalize(req.Fingerprint)
	if !fingerprint.Valid(fp) {
		return bindFailure(ierr.ErrInvalidFingerprint), nil
	}
	code := normalizeCode(req.Code)
	if !codegen.FormatValid(code, s.prefix) {
		return bindFailure(ierr.ErrInvalidCodeFormat), nil
	}

	var binding activation.Binding
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		c, err := s.repo.FindByCodeForUpdate(ctx, code)
		if err != nil {
			return err
		}
		if err := s.repo.LockFingerprint(ctx, fp); err != nil {
			return fmt.Errorf("failed to lock fingerprint: %w", err)
		}

		now := s.now()
		if err := c.CheckBindable(now); err != nil {
			return err
		}

		holder, err := s.repo.FindBoundByFingerprint(ctx, fp)
		switch {
		case err == nil && holder.ID != c.ID:
			return ierr.ErrHardwareAlreadyBound
		case err != nil && !errors.Is(err, ierr.ErrCodeNotFound):
			return fmt.Errorf("failed to look up fingerprint holder: %w", err)
		}

		binding = activation.Binding{
			Fingerprint: fp,
			BoundAt:     now,
			UserID:      req.UserID,
			DeviceInfo:  req.DeviceInfo,
		}
		c.Bind(binding, activation.Record{
			UserID:      req.UserID,
			ActivatedAt: now,
			DeviceInfo:  req.DeviceInfo,
			IPAddress:   req.IPAddress,
		})
		return s.repo.Update(ctx, c)
	})
	if err != nil {
		if isDomainError(err) {
			s.logger.Info("Binding rejected", zap.String("code", codegen.Mask(code)), zap.String("reason", ierr.Reason(err)))
			return bindFailure(err), nil
		}
		s.logger.Error("Binding failed", zap.String("code", codegen.Mask(code)), zap.Error(err))
		return nil, fmt.Errorf("failed to bind hardware: %w", err)
	}

	s.logger.Info("Hardware bound", zap.String("code", codegen.Mask(code)), zap.String("fingerprint", fp[:12]))
	return &BindResult{Success: true, Message: "hardware bound", Binding: &binding}, nil
}

func bindFailure(err error) *BindResult {
	return &BindResult{Reason: ierr.Reason(err), Message: err.Error(), Err: err}
}

// Verify reports whether fp is the fingerprint bound to code.
func (s *BindingService) Verify(ctx context.Context, code, fp string) (*BindingCheck, error) {
	fp = fingerprint.Normalize(fp)
	if !fingerprint.Valid(fp) {
		return checkFailure(ierr.ErrInvalidFingerprint), nil
	}
	code = normalizeCode(code)
	if !codegen.FormatValid(code, s.prefix) {
		return checkFailure(ierr.ErrInvalidCodeFormat), nil
	}

	c, err := s.repo.FindByCode(ctx, code)
	if err != nil {
		if errors.Is(err, ierr.ErrCodeNotFound) {
			return checkFailure(err), nil
		}
		return nil, fmt.Errorf("failed to load activation code: %w", err)
	}

	switch {
	case c.Status == activation.StatusDisabled:
		return checkFailure(ierr.ErrCodeDisabled), nil
	case c.Binding == nil || c.Status != activation.StatusUsed:
		return checkFailure(ierr.ErrCodeNotBound), nil
	}
	if subtle.ConstantTimeCompare([]byte(c.Binding.Fingerprint), []byte(fp)) != 1 {
		return checkFailure(ierr.ErrFingerprintMismatch), nil
	}
	return &BindingCheck{Valid: true, Message: "hardware binding verified", Binding: c.Binding}, nil
}

func checkFailure(err error) *BindingCheck {
	return &BindingCheck{Reason: ierr.Reason(err), Message: err.Error(), Err: err}
}

func (s *BindingService) Info(ctx context.Context, code string) (*BindingInfo, error) {
	c, err := s.repo.FindByCode(ctx, normalizeCode(code))
	if err != nil {
		return nil, err
	}
	return &BindingInfo{
		Code:    c.Code,
		Status:  c.Status,
		Bound:   c.Binding != nil,
		Binding: c.Binding,
		UsedAt:  c.UsedAt,
		UsedBy:  c.UsedBy,
	}, nil
}

// Unbind fully reverts a bound code to UNUSED. The admin key is compared
// against the configured bcrypt hash; an unset hash disables unbinding.
func (s *BindingService) Unbind(ctx context.Context, code, adminKey string) error {
	if len(s.adminKeyHash) == 0 || adminKey == "" {
		return ierr.ErrInvalidAdminKey
	}
	if err := bcrypt.CompareHashAndPassword(s.adminKeyHash, []byte(adminKey)); err != nil {
		s.logger.Warn("Unbind with invalid admin key", zap.String("code", codegen.Mask(code)))
		return ierr.ErrInvalidAdminKey
	}

	code = normalizeCode(code)
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		c, err := s.repo.FindByCodeForUpdate(ctx, code)
		if err != nil {
			return err
		}
		if c.Binding == nil {
			return ierr.ErrCodeNotBound
		}
		if c.Status == activation.StatusDisabled {
			return ierr.ErrCodeDisabled
		}
		c.Unbind()
		return s.repo.Update(ctx, c)
	})
	if err != nil {
		return err
	}

	s.logger.Info("Hardware unbound", zap.String("code", codegen.Mask(code)))
	return nil
}
