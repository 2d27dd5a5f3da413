package postgres

import (
	"testing"
	"time"

	"github.com/makkenzo/activation-platform/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolConfig(t *testing.T) {
	cfg, err := poolConfig(&config.DatabaseConfig{
		URL:              "postgres://u:p@localhost:5432/activation?sslmode=disable",
		MaxOpenConns:     12,
		MaxIdleConns:     40,
		ConnMaxLifetime:  30 * time.Minute,
		ConnMaxIdleTime:  time.Minute,
		ConnectTimeout:   3 * time.Second,
		StatementTimeout: 2500 * time.Millisecond,
		ApplicationName:  "activation-worker",
	})
	require.NoError(t, err)

	assert.EqualValues(t, 12, cfg.MaxConns)
	assert.EqualValues(t, 12, cfg.MinConns, "idle connections are capped by the pool size")
	assert.Equal(t, 30*time.Minute, cfg.MaxConnLifetime)
	assert.Equal(t, time.Minute, cfg.MaxConnIdleTime)
	assert.Equal(t, 3*time.Second, cfg.ConnConfig.ConnectTimeout)
	assert.Equal(t, "activation-worker", cfg.ConnConfig.RuntimeParams["application_name"])
	assert.Equal(t, "2500", cfg.ConnConfig.RuntimeParams["statement_timeout"])
}

func TestPoolConfig_Defaults(t *testing.T) {
	cfg, err := poolConfig(&config.DatabaseConfig{URL: "postgres://u:p@localhost:5432/activation"})
	require.NoError(t, err)
	assert.Equal(t, defaultApplicationName, cfg.ConnConfig.RuntimeParams["application_name"])
	assert.NotContains(t, cfg.ConnConfig.RuntimeParams, "statement_timeout")

	cfg, err = poolConfig(&config.DatabaseConfig{URL: "postgres://u:p@localhost:5432/activation?application_name=ops"})
	require.NoError(t, err)
	assert.Equal(t, "ops", cfg.ConnConfig.RuntimeParams["application_name"])
}

func TestPoolConfig_BadURL(t *testing.T) {
	_, err := poolConfig(&config.DatabaseConfig{URL: "postgres://%zz"})
	assert.Error(t, err)
}
