package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BradenHooton/sentinel/internal/config"
	"github.com/jackc/pgx/v5/pgxpool"
)

const applicationName = "sentinel"

type DB struct {
	Pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewConnection opens the pgx pool and verifies it with a ping.
func NewConnection(ctx context.Context, cfg *config.DatabaseConfig, logger *slog.Logger) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = cfg.MaxConns
	poolConfig.MinConns = cfg.MinConns
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	poolConfig.HealthCheckPeriod = cfg.HealthCheckPeriod
	poolConfig.ConnConfig.RuntimeParams["application_name"] = applicationName

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	logger.Info("database connection established",
		slog.String("host", cfg.Host),
		slog.String("database", cfg.Name),
		slog.Int("max_conns", int(cfg.MaxConns)),
	)

	return &DB{Pool: pool, logger: logger}, nil
}

// NewFromPool wraps an existing pool, mainly for integration tests.
func NewFromPool(pool *pgxpool.Pool, logger *slog.Logger) *DB {
	return &DB{Pool: pool, logger: logger}
}

func (db *DB) Close() {
	db.logger.Info("closing database connection pool")
	db.Pool.Close()
}

// HealthCheck pings the database with a short deadline.
func (db *DB) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := db.Pool.Ping(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}
