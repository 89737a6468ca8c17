//go:build integration

package integration

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/BradenHooton/sentinel/internal/database"
	"github.com/BradenHooton/sentinel/internal/models"
	"github.com/BradenHooton/sentinel/internal/repositories"
	"github.com/BradenHooton/sentinel/migrations"
	pkgauth "github.com/BradenHooton/sentinel/pkg/auth"
)

// TestDB manages PostgreSQL testcontainer and database operations
type TestDB struct {
	Container  testcontainers.Container
	ConnString string
	Pool       *pgxpool.Pool
	DB         *database.DB
}

// SetupTestDatabase creates a PostgreSQL testcontainer, runs migrations, returns TestDB
func SetupTestDatabase(ctx context.Context) (*TestDB, error) {
	container, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:16-alpine"),
		postgres.WithDatabase("sentinel"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start postgres container: %w", err)
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get connection string: %w", err)
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		container.Terminate(ctx)
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		container.Terminate(ctx)
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(ctx, pool); err != nil {
		pool.Close()
		container.Terminate(ctx)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &TestDB{
		Container:  container,
		ConnString: connStr,
		Pool:       pool,
		DB:         database.NewFromPool(pool, slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, nil
}

// runMigrations applies the embedded goose migrations
func runMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	goose.SetLogger(log.New(io.Discard, "", 0))
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}

	// Goose needs a database/sql handle
	sqlDB := stdlib.OpenDB(*pool.Config().ConnConfig)
	defer sqlDB.Close()

	if err := goose.UpContext(ctx, sqlDB, "."); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}

// Teardown stops the container and closes the connection pool
func (db *TestDB) Teardown(ctx context.Context) error {
	if db.Pool != nil {
		db.Pool.Close()
	}
	if db.Container != nil {
		return db.Container.Terminate(ctx)
	}
	return nil
}

// CleanupTables truncates all tables for test isolation
func (db *TestDB) CleanupTables(ctx context.Context) error {
	for _, table := range []string{"trusted_devices", "audit_logs", "admin_accounts"} {
		if _, err := db.Pool.Exec(ctx, fmt.Sprintf("TRUNCATE TABLE %s CASCADE", table)); err != nil {
			return fmt.Errorf("failed to truncate table %s: %w", table, err)
		}
	}
	return nil
}

// testHasher keeps Argon2id cheap enough for tests.
func testHasher() *pkgauth.Hasher {
	params := pkgauth.DefaultArgon2Params()
	params.Memory = 8 * 1024
	params.Time = 1
	params.Parallelism = 1
	return pkgauth.NewHasher(params)
}

// SeedAccount inserts an active admin with the given password
func SeedAccount(ctx context.Context, db *database.DB, email, password string) (*models.Account, error) {
	hash, err := testHasher().Hash(password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	account, err := repositories.NewAccountRepository(db).Create(ctx, &models.Account{
		Email:        email,
		PasswordHash: hash,
		IsActive:     true,
		Role:         models.RoleAdmin,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to insert account: %w", err)
	}
	return account, nil
}
