package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/BradenHooton/sentinel/internal/database"
	"github.com/BradenHooton/sentinel/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// AuditLogRepository handles audit log data access
type AuditLogRepository struct {
	pool *pgxpool.Pool
}

// NewAuditLogRepository creates a new AuditLogRepository
func NewAuditLogRepository(db *database.DB) *AuditLogRepository {
	return &AuditLogRepository{pool: db.Pool}
}

const auditLogColumns = `id, event_type, account_id, email, success, failure_reason, ip_address, user_agent, metadata, created_at`

// scanAuditLogRow handles nullable fields and populates an AuditLog model from a database row
func scanAuditLogRow(row rowScanner) (*models.AuditLog, error) {
	var log models.AuditLog

	err := row.Scan(
		&log.ID, &log.EventType, &log.AccountID, &log.Email, &log.Success,
		&log.FailureReason, &log.IPAddress, &log.UserAgent, &log.Metadata,
		&log.CreatedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	return &log, nil
}

// scanAuditLogRows iterates through rows and scans each into AuditLog models
func scanAuditLogRows(rows pgx.Rows) ([]*models.AuditLog, error) {
	defer rows.Close()

	logs := make([]*models.AuditLog, 0)

	for rows.Next() {
		log, err := scanAuditLogRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}
		logs = append(logs, log)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit log rows: %w", err)
	}

	return logs, nil
}

// Create creates a new audit log entry
func (r *AuditLogRepository) Create(ctx context.Context, log *models.AuditLog) (*models.AuditLog, error) {
	query := `
		INSERT INTO audit_logs (event_type, account_id, email, success, failure_reason, ip_address, user_agent, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING ` + auditLogColumns

	result, err := scanAuditLogRow(r.pool.QueryRow(
		ctx, query,
		log.EventType, log.AccountID, log.Email, log.Success,
		log.FailureReason, log.IPAddress, log.UserAgent, log.Metadata,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create audit log: %w", err)
	}

	return result, nil
}

// ListByAccount returns the newest audit entries for an account.
func (r *AuditLogRepository) ListByAccount(ctx context.Context, accountID string, limit, offset int) ([]*models.AuditLog, error) {
	query := `
		SELECT ` + auditLogColumns + `
		FROM audit_logs
		WHERE account_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.pool.Query(ctx, query, accountID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit logs: %w", err)
	}

	return scanAuditLogRows(rows)
}

// DeleteOlderThan removes audit rows created before cutoff
func (r *AuditLogRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.pool.Exec(ctx, `DELETE FROM audit_logs WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup audit logs: %w", err)
	}

	return result.RowsAffected(), nil
}
