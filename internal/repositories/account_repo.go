package repositories

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BradenHooton/sentinel/internal/database"
	"github.com/BradenHooton/sentinel/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// AccountRepository persists admin accounts and their trusted devices. Every
// security counter is mutated by a single conditional statement or a
// transaction holding the account row lock.
type AccountRepository struct {
	db   *database.DB
	pool *pgxpool.Pool
}

func NewAccountRepository(db *database.DB) *AccountRepository {
	return &AccountRepository{db: db, pool: db.Pool}
}

const accountColumns = `id, email, password_hash, is_active, role, failed_login_attempts, lockout_until,
	totp_enabled, totp_secret_encrypted, totp_secret_nonce, totp_last_step, backup_code_hashes,
	last_credential_change_at, created_at, updated_at`

// rowScanner interface for scanning rows (supports both single row and multiple rows)
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanAccountRow handles nullable fields and populates an Account from a database row
func scanAccountRow(scanner rowScanner) (*models.Account, error) {
	var a models.Account
	var id uuid.UUID

	err := scanner.Scan(
		&id, &a.Email, &a.PasswordHash, &a.IsActive, &a.Role,
		&a.FailedLoginAttempts, &a.LockoutUntil,
		&a.TOTPEnabled, &a.TOTPSecretEncrypted, &a.TOTPSecretNonce, &a.TOTPLastStep, &a.BackupCodeHashes,
		&a.LastCredentialChangeAt, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	a.ID = id.String()
	if a.BackupCodeHashes == nil {
		a.BackupCodeHashes = []string{}
	}
	return &a, nil
}

func (r *AccountRepository) FindByEmail(ctx context.Context, email string) (*models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM admin_accounts WHERE lower(email) = lower($1)`
	return scanAccountRow(r.pool.QueryRow(ctx, query, strings.TrimSpace(email)))
}

func (r *AccountRepository) GetByID(ctx context.Context, id string) (*models.Account, error) {
	accountID, err := uuid.Parse(id)
	if err != nil {
		return nil, models.ErrNotFound
	}

	query := `SELECT ` + accountColumns + ` FROM admin_accounts WHERE id = $1`
	return scanAccountRow(r.pool.QueryRow(ctx, query, accountID))
}

// Create inserts a new account with a generated ID. The email is stored
// lower-cased.
func (r *AccountRepository) Create(ctx context.Context, account *models.Account) (*models.Account, error) {
	if account.Role == "" {
		account.Role = models.RoleAdmin
	}
	now := time.Now().UTC()

	query := `
		INSERT INTO admin_accounts (id, email, password_hash, is_active, role, last_credential_change_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6, $6)
		RETURNING ` + accountColumns

	created, err := scanAccountRow(r.pool.QueryRow(ctx, query,
		uuid.New(), strings.ToLower(strings.TrimSpace(account.Email)), account.PasswordHash,
		account.IsActive, account.Role, now,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create account: %w", err)
	}
	return created, nil
}

// RecordLoginFailure increments the failure counter. When the increment
// reaches threshold the counter is zeroed and the lockout window opened in the
// same statement. An account that is already locked is left untouched and its
// current state is returned.
func (r *AccountRepository) RecordLoginFailure(ctx context.Context, id string, threshold int, lockUntil, now time.Time) (*models.LoginFailure, error) {
	query := `
		UPDATE admin_accounts SET
			failed_login_attempts = CASE WHEN failed_login_attempts + 1 >= $2 THEN 0 ELSE failed_login_attempts + 1 END,
			lockout_until = CASE WHEN failed_login_attempts + 1 >= $2 THEN $3 ELSE lockout_until END,
			updated_at = $4
		WHERE id = $1 AND (lockout_until IS NULL OR lockout_until <= $4)
		RETURNING failed_login_attempts, lockout_until
	`

	var result models.LoginFailure
	err := r.pool.QueryRow(ctx, query, id, threshold, lockUntil, now).Scan(&result.FailedAttempts, &result.LockoutUntil)
	if err == nil {
		result.LockedNow = result.FailedAttempts == 0 && result.LockoutUntil != nil && result.LockoutUntil.After(now)
		return &result, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to record login failure: %w", database.MapPostgresError(err))
	}

	err = r.pool.QueryRow(ctx,
		`SELECT failed_login_attempts, lockout_until FROM admin_accounts WHERE id = $1`, id,
	).Scan(&result.FailedAttempts, &result.LockoutUntil)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	return &result, nil
}

// ResetFailureCounters clears the failure counter and any lockout.
func (r *AccountRepository) ResetFailureCounters(ctx context.Context, id string) error {
	query := `
		UPDATE admin_accounts
		SET failed_login_attempts = 0, lockout_until = NULL, updated_at = now()
		WHERE id = $1 AND (failed_login_attempts <> 0 OR lockout_until IS NOT NULL)
	`
	if _, err := r.pool.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("failed to reset failure counters: %w", database.MapPostgresError(err))
	}
	return nil
}

// RemoveBackupCode deletes codeHash from the account's unused codes. It
// reports true only for the single caller whose statement removed it.
func (r *AccountRepository) RemoveBackupCode(ctx context.Context, id, codeHash string) (bool, error) {
	query := `
		UPDATE admin_accounts
		SET backup_code_hashes = array_remove(backup_code_hashes, $2), updated_at = now()
		WHERE id = $1 AND $2 = ANY(backup_code_hashes)
	`
	tag, err := r.pool.Exec(ctx, query, id, codeHash)
	if err != nil {
		return false, fmt.Errorf("failed to remove backup code: %w", database.MapPostgresError(err))
	}
	return tag.RowsAffected() == 1, nil
}

func (r *AccountRepository) ReplaceBackupCodes(ctx context.Context, id string, codeHashes []string) error {
	query := `UPDATE admin_accounts SET backup_code_hashes = $2, updated_at = now() WHERE id = $1`
	return r.execOne(ctx, "replace backup codes", query, id, codeHashes)
}

// AdvanceTOTPStep records step as the last accepted TOTP step. It returns
// false when an equal or later step was already used.
func (r *AccountRepository) AdvanceTOTPStep(ctx context.Context, id string, step int64) (bool, error) {
	query := `
		UPDATE admin_accounts
		SET totp_last_step = $2, updated_at = now()
		WHERE id = $1 AND (totp_last_step IS NULL OR totp_last_step < $2)
	`
	tag, err := r.pool.Exec(ctx, query, id, step)
	if err != nil {
		return false, fmt.Errorf("failed to advance TOTP step: %w", database.MapPostgresError(err))
	}
	return tag.RowsAffected() == 1, nil
}

// SetTOTP stores a pending secret and backup codes. TOTP stays disabled until
// EnableTOTP confirms the first code.
func (r *AccountRepository) SetTOTP(ctx context.Context, id string, encrypted, nonce []byte, codeHashes []string) error {
	query := `
		UPDATE admin_accounts
		SET totp_secret_encrypted = $2, totp_secret_nonce = $3, backup_code_hashes = $4,
		    totp_last_step = NULL, updated_at = now()
		WHERE id = $1 AND totp_enabled = FALSE
	`
	tag, err := r.pool.Exec(ctx, query, id, encrypted, nonce, codeHashes)
	if err != nil {
		return fmt.Errorf("failed to store TOTP secret: %w", database.MapPostgresError(err))
	}
	if tag.RowsAffected() == 0 {
		return models.ErrTwoFactorAlreadyEnabled
	}
	return nil
}

// EnableTOTP activates a pending secret and records the confirming step.
func (r *AccountRepository) EnableTOTP(ctx context.Context, id string, step int64) error {
	query := `
		UPDATE admin_accounts
		SET totp_enabled = TRUE, totp_last_step = $2, updated_at = now()
		WHERE id = $1 AND totp_enabled = FALSE AND totp_secret_encrypted IS NOT NULL
	`
	tag, err := r.pool.Exec(ctx, query, id, step)
	if err != nil {
		return fmt.Errorf("failed to enable TOTP: %w", database.MapPostgresError(err))
	}
	if tag.RowsAffected() == 0 {
		return models.ErrConflict
	}
	return nil
}

func (r *AccountRepository) ClearTOTP(ctx context.Context, id string) error {
	query := `
		UPDATE admin_accounts
		SET totp_enabled = FALSE, totp_secret_encrypted = NULL, totp_secret_nonce = NULL,
		    totp_last_step = NULL, backup_code_hashes = '{}', updated_at = now()
		WHERE id = $1
	`
	return r.execOne(ctx, "clear TOTP", query, id)
}

// AppendTrustedDevice stores device for its account. Under the account row
// lock it purges expired records and evicts least recently used ones until
// fewer than max remain.
func (r *AccountRepository) AppendTrustedDevice(ctx context.Context, device *models.TrustedDevice, max int, now time.Time) error {
	return r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		var locked uuid.UUID
		err := tx.QueryRow(ctx, `SELECT id FROM admin_accounts WHERE id = $1 FOR UPDATE`, device.AccountID).Scan(&locked)
		if err != nil {
			return database.MapPostgresError(err)
		}

		if _, err := tx.Exec(ctx,
			`DELETE FROM trusted_devices WHERE account_id = $1 AND expires_at <= $2`,
			device.AccountID, now,
		); err != nil {
			return fmt.Errorf("failed to purge expired devices: %w", err)
		}

		if _, err := tx.Exec(ctx, `
			DELETE FROM trusted_devices WHERE id IN (
				SELECT id FROM trusted_devices
				WHERE account_id = $1
				ORDER BY last_used_at DESC, created_at DESC
				OFFSET $2
			)`, device.AccountID, max-1,
		); err != nil {
			return fmt.Errorf("failed to evict trusted devices: %w", err)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO trusted_devices (id, account_id, fingerprint_hash, expires_at, last_used_at, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			device.ID, device.AccountID, device.FingerprintHash, device.ExpiresAt, device.LastUsedAt, now,
		)
		if err != nil {
			return fmt.Errorf("failed to insert trusted device: %w", database.MapPostgresError(err))
		}
		device.CreatedAt = now
		return nil
	})
}

func (r *AccountRepository) FindTrustedDevice(ctx context.Context, accountID, deviceID string) (*models.TrustedDevice, error) {
	query := `
		SELECT id, account_id, fingerprint_hash, expires_at, last_used_at, created_at
		FROM trusted_devices WHERE id = $1 AND account_id = $2
	`

	var d models.TrustedDevice
	var owner uuid.UUID
	err := r.pool.QueryRow(ctx, query, deviceID, accountID).Scan(
		&d.ID, &owner, &d.FingerprintHash, &d.ExpiresAt, &d.LastUsedAt, &d.CreatedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	d.AccountID = owner.String()
	return &d, nil
}

// ListTrustedDevices returns the account's devices, most recently used first.
func (r *AccountRepository) ListTrustedDevices(ctx context.Context, accountID string) ([]*models.TrustedDevice, error) {
	query := `
		SELECT id, account_id, fingerprint_hash, expires_at, last_used_at, created_at
		FROM trusted_devices WHERE account_id = $1
		ORDER BY last_used_at DESC
	`
	rows, err := r.pool.Query(ctx, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to query trusted devices: %w", err)
	}
	defer rows.Close()

	devices := make([]*models.TrustedDevice, 0)
	for rows.Next() {
		var d models.TrustedDevice
		var owner uuid.UUID
		if err := rows.Scan(&d.ID, &owner, &d.FingerprintHash, &d.ExpiresAt, &d.LastUsedAt, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan trusted device: %w", err)
		}
		d.AccountID = owner.String()
		devices = append(devices, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return devices, nil
}

func (r *AccountRepository) TouchTrustedDevice(ctx context.Context, deviceID string, now time.Time) error {
	query := `UPDATE trusted_devices SET last_used_at = $2 WHERE id = $1`
	if _, err := r.pool.Exec(ctx, query, deviceID, now); err != nil {
		return fmt.Errorf("failed to touch trusted device: %w", database.MapPostgresError(err))
	}
	return nil
}

func (r *AccountRepository) DeleteTrustedDevices(ctx context.Context, accountID string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM trusted_devices WHERE account_id = $1`, accountID); err != nil {
		return fmt.Errorf("failed to delete trusted devices: %w", database.MapPostgresError(err))
	}
	return nil
}

// DeleteExpiredTrustedDevices removes every device record expired at now.
func (r *AccountRepository) DeleteExpiredTrustedDevices(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM trusted_devices WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired devices: %w", err)
	}
	return tag.RowsAffected(), nil
}

// UpdatePassword replaces the hash, marks the credential change and revokes
// every trusted device in one transaction.
func (r *AccountRepository) UpdatePassword(ctx context.Context, id, passwordHash string, changedAt time.Time) error {
	return r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE admin_accounts
			SET password_hash = $2, last_credential_change_at = $3,
			    failed_login_attempts = 0, lockout_until = NULL, updated_at = $3
			WHERE id = $1`, id, passwordHash, changedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to update password: %w", database.MapPostgresError(err))
		}
		if tag.RowsAffected() == 0 {
			return models.ErrNotFound
		}

		if _, err := tx.Exec(ctx, `DELETE FROM trusted_devices WHERE account_id = $1`, id); err != nil {
			return fmt.Errorf("failed to revoke trusted devices: %w", err)
		}
		return nil
	})
}

// UpdatePasswordHash swaps the stored hash for an equivalent one without
// touching the credential change marker.
func (r *AccountRepository) UpdatePasswordHash(ctx context.Context, id, passwordHash string) error {
	query := `UPDATE admin_accounts SET password_hash = $2, updated_at = now() WHERE id = $1`
	return r.execOne(ctx, "update password hash", query, id, passwordHash)
}

// TouchCredentialChange invalidates every session issued before at.
func (r *AccountRepository) TouchCredentialChange(ctx context.Context, id string, at time.Time) error {
	query := `
		UPDATE admin_accounts
		SET last_credential_change_at = GREATEST(last_credential_change_at, $2), updated_at = now()
		WHERE id = $1
	`
	return r.execOne(ctx, "touch credential change", query, id, at)
}

func (r *AccountRepository) SetActive(ctx context.Context, id string, active bool) error {
	query := `UPDATE admin_accounts SET is_active = $2, updated_at = now() WHERE id = $1`
	return r.execOne(ctx, "set account status", query, id, active)
}

func (r *AccountRepository) execOne(ctx context.Context, op, query string, args ...interface{}) error {
	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, database.MapPostgresError(err))
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}
