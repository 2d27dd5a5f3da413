package service

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/makkenzo/activation-platform/internal/config"
	"github.com/makkenzo/activation-platform/internal/ierr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testAdminSecret = "admin-secret-for-tests"

func signAdminToken(t *testing.T, secret string, roles []string, ttl time.Duration) string {
	t.Helper()
	claims := AdminClaims{
		Email: "ops@example.com",
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "ops",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func TestAdminAuth_HS256(t *testing.T) {
	svc, err := NewAdminAuthService(context.Background(), config.AdminConfig{JWTSecret: testAdminSecret, Role: "admin"}, zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	claims, err := svc.ValidateToken(ctx, signAdminToken(t, testAdminSecret, []string{"admin"}, time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "ops", claims.Subject)

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"wrong secret", signAdminToken(t, "other", []string{"admin"}, time.Hour), ierr.ErrInvalidToken},
		{"expired", signAdminToken(t, testAdminSecret, []string{"admin"}, -time.Minute), ierr.ErrInvalidToken},
		{"missing role", signAdminToken(t, testAdminSecret, []string{"viewer"}, time.Hour), ierr.ErrForbidden},
		{"garbage", "not-a-jwt", ierr.ErrTokenParsingFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.ValidateToken(ctx, tt.token)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestAdminAuth_RoleFromScope(t *testing.T) {
	c := &AdminClaims{Scope: "openid admin profile"}
	assert.True(t, c.HasRole("admin"))
	assert.False(t, c.HasRole("root"))
}

func TestAdminAuth_RequiresSecretOrIssuer(t *testing.T) {
	_, err := NewAdminAuthService(context.Background(), config.AdminConfig{}, zap.NewNop())
	assert.Error(t, err)

	_, err = NewAdminAuthService(context.Background(), config.AdminConfig{OIDC: config.OIDCConfig{IssuerURL: "https://issuer.example"}}, zap.NewNop())
	assert.Error(t, err)
}
