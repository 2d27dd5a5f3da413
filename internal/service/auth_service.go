package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"github.com/makkenzo/activation-platform/internal/config"
	"github.com/makkenzo/activation-platform/internal/ierr"
	"go.uber.org/zap"
)

// AdminClaims is the subset of an admin bearer token the API relies on. The
// same shape is decoded from OIDC access tokens and from HS256 tokens.
type AdminClaims struct {
	Email             string   `json:"email,omitempty"`
	PreferredUsername string   `json:"preferred_username,omitempty"`
	Roles             []string `json:"roles,omitempty"`
	Scope             string   `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

func (c *AdminClaims) HasRole(role string) bool {
	if slices.Contains(c.Roles, role) {
		return true
	}
	return slices.Contains(strings.Fields(c.Scope), role)
}

// AdminAuthService verifies admin bearer tokens. Tokens are issued elsewhere.
type AdminAuthService struct {
	verifier *oidc.IDTokenVerifier
	secret   []byte
	role     string
	now      func() time.Time
	logger   *zap.Logger
}

func NewAdminAuthService(ctx context.Context, cfg config.AdminConfig, logger *zap.Logger) (*AdminAuthService, error) {
	log := logger.Named("AdminAuthService")
	s := &AdminAuthService{
		role:   cfg.Role,
		now:    time.Now,
		logger: log,
	}

	if cfg.OIDC.IssuerURL == "" {
		if cfg.JWTSecret == "" {
			return nil, fmt.Errorf("admin.jwtSecret or admin.oidc.issuerURL is required")
		}
		log.Info("Admin tokens verified with HS256 shared secret")
		s.secret = []byte(cfg.JWTSecret)
		return s, nil
	}

	if cfg.OIDC.ClientID == "" {
		return nil, fmt.Errorf("admin.oidc.clientID is required when an issuer is configured")
	}

	log.Info("Initializing OIDC provider", zap.String("issuer", cfg.OIDC.IssuerURL))
	provider, err := oidc.NewProvider(ctx, cfg.OIDC.IssuerURL)
	if err != nil {
		log.Error("Failed to create OIDC provider", zap.String("issuer", cfg.OIDC.IssuerURL), zap.Error(err))
		return nil, fmt.Errorf("oidc provider setup failed: %w", err)
	}

	var discoveryClaims struct {
		JWKSURI string `json:"jwks_uri"`
		Issuer  string `json:"issuer"`
	}
	if err := provider.Claims(&discoveryClaims); err != nil {
		return nil, fmt.Errorf("failed to get OIDC discovery claims: %w", err)
	}

	log.Info("Creating OIDC keyset from JWKS URI", zap.String("jwks_uri", discoveryClaims.JWKSURI))
	keySet := oidc.NewRemoteKeySet(ctx, discoveryClaims.JWKSURI)
	s.verifier = oidc.NewVerifier(discoveryClaims.Issuer, keySet, &oidc.Config{ClientID: cfg.OIDC.ClientID})
	return s, nil
}

// ValidateToken authenticates rawToken and checks the configured admin role.
func (s *AdminAuthService) ValidateToken(ctx context.Context, rawToken string) (*AdminClaims, error) {
	var (
		claims *AdminClaims
		err    error
	)
	if s.verifier != nil {
		claims, err = s.validateOIDC(ctx, rawToken)
	} else {
		claims, err = s.validateHS256(rawToken)
	}
	if err != nil {
		return nil, err
	}

	if s.role != "" && !claims.HasRole(s.role) {
		s.logger.Warn("Admin token lacks required role", zap.String("subject", claims.Subject), zap.String("role", s.role))
		return nil, fmt.Errorf("%w: role %q required", ierr.ErrForbidden, s.role)
	}

	s.logger.Debug("Admin token validated", zap.String("subject", claims.Subject))
	return claims, nil
}

func (s *AdminAuthService) validateOIDC(ctx context.Context, rawToken string) (*AdminClaims, error) {
	token, err := s.verifier.Verify(ctx, rawToken)
	if err != nil {
		s.logger.Warn("Failed to verify admin access token", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ierr.ErrInvalidToken, err)
	}

	var claims AdminClaims
	if err := token.Claims(&claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ierr.ErrTokenInvalidClaims, err)
	}
	claims.Subject = token.Subject
	return &claims, nil
}

func (s *AdminAuthService) validateHS256(rawToken string) (*AdminClaims, error) {
	var claims AdminClaims
	_, err := jwt.ParseWithClaims(rawToken, &claims, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenMalformed) {
			return nil, fmt.Errorf("%w: %v", ierr.ErrTokenParsingFailed, err)
		}
		s.logger.Warn("Failed to verify admin token", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ierr.ErrInvalidToken, err)
	}
	return &claims, nil
}
