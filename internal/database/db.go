package database

import (
	"context"
	"errors"

	"github.com/BradenHooton/sentinel/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// MapPostgresError translates driver errors into model sentinels.
func MapPostgresError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, pgx.ErrNoRows) {
		return models.ErrNotFound
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return models.ErrConflict
		case "23503", "23502", "23514": // foreign key, not null, check
			return models.ErrBadRequest
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return models.ErrStoreUnavailable
	}

	return err
}

// WithTransaction runs fn inside a transaction, rolling back on error or panic.
func (db *DB) WithTransaction(ctx context.Context, fn func(pgx.Tx) error) (err error) {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		err = tx.Commit(ctx)
	}()

	return fn(tx)
}
