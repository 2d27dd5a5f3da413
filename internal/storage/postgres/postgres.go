package postgres

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/makkenzo/activation-platform/internal/config"
	"go.uber.org/zap"
)

const defaultApplicationName = "activation-platform"

func NewPgxPool(ctx context.Context, cfg *config.DatabaseConfig, logger *zap.Logger) (*pgxpool.Pool, error) {
	pgxConfig, err := poolConfig(cfg)
	if err != nil {
		return nil, err
	}

	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, pgxConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres connection pool: %w", err)
	}

	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	logger.Info("Successfully connected to PostgreSQL",
		zap.Int32("maxConns", pgxConfig.MaxConns),
		zap.String("applicationName", pgxConfig.ConnConfig.RuntimeParams["application_name"]),
	)
	return pool, nil
}

// poolConfig maps the database section onto pgx. The statement timeout bounds
// every query, including those holding row locks inside settlement transactions.
func poolConfig(cfg *config.DatabaseConfig) (*pgxpool.Config, error) {
	pgxConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres connection string: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		pgxConfig.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		pgxConfig.MinConns = int32(min(cfg.MaxIdleConns, int(pgxConfig.MaxConns)))
	}
	if cfg.ConnMaxLifetime > 0 {
		pgxConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}
	if cfg.ConnMaxIdleTime > 0 {
		pgxConfig.MaxConnIdleTime = cfg.ConnMaxIdleTime
	}
	if cfg.ConnectTimeout > 0 {
		pgxConfig.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}

	params := pgxConfig.ConnConfig.RuntimeParams
	if _, ok := params["application_name"]; !ok || cfg.ApplicationName != "" {
		name := cfg.ApplicationName
		if name == "" {
			name = defaultApplicationName
		}
		params["application_name"] = name
	}
	if cfg.StatementTimeout > 0 {
		params["statement_timeout"] = strconv.FormatInt(cfg.StatementTimeout.Milliseconds(), 10)
	}
	return pgxConfig, nil
}

// Ping adapts the pool for health checks.
func Ping(pool *pgxpool.Pool) func(ctx context.Context) error {
	return pool.Ping
}
