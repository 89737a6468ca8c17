package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event types for audit logging
const (
	AuditEventLoginSuccess      = "LOGIN_SUCCESS"
	AuditEventLoginFailure      = "LOGIN_FAILURE"
	AuditEventAccountLocked     = "ACCOUNT_LOCKED"
	AuditEventTwoFactorFailure  = "TWO_FACTOR_FAILURE"
	AuditEventBackupCodeUsed    = "BACKUP_CODE_USED"
	AuditEventDeviceTrusted     = "DEVICE_TRUSTED"
	AuditEventPasswordChanged   = "PASSWORD_CHANGED"
	AuditEventSessionsRevoked   = "SESSIONS_REVOKED"
	AuditEventTwoFactorEnabled  = "TWO_FACTOR_ENABLED"
	AuditEventTwoFactorDisabled = "TWO_FACTOR_DISABLED"
	AuditEventBackupCodesReset  = "BACKUP_CODES_REGENERATED"
	AuditEventAccountReset      = "ACCOUNT_RESET"
	AuditEventAccountActivated  = "ACCOUNT_ACTIVATED"
	AuditEventAccountDisabled   = "ACCOUNT_DISABLED"
)

type AuditLog struct {
	ID            uuid.UUID     `db:"id"`
	EventType     string        `db:"event_type"`
	AccountID     *string       `db:"account_id"`
	Email         *string       `db:"email"`
	Success       bool          `db:"success"`
	FailureReason *string       `db:"failure_reason"`
	IPAddress     *string       `db:"ip_address"`
	UserAgent     *string       `db:"user_agent"`
	Metadata      AuditMetadata `db:"metadata"`
	CreatedAt     time.Time     `db:"created_at"`
}

// AuditMetadata holds additional context for audit events
type AuditMetadata map[string]interface{}

// NewLoginMetadata builds metadata for a login decision. Zero values are
// omitted.
func NewLoginMetadata(stage string, remainingAttempts int, retryAfterSeconds int, trustedDevice bool) AuditMetadata {
	m := AuditMetadata{"stage": stage}
	if remainingAttempts > 0 {
		m["remaining_attempts"] = remainingAttempts
	}
	if retryAfterSeconds > 0 {
		m["retry_after_seconds"] = retryAfterSeconds
	}
	if trustedDevice {
		m["trusted_device"] = true
	}
	return m
}

// Scan implements sql.Scanner for JSONB
func (am *AuditMetadata) Scan(value interface{}) error {
	if value == nil {
		*am = make(AuditMetadata)
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return ErrBadRequest
	}

	var m map[string]interface{}
	if err := json.Unmarshal(bytes, &m); err != nil {
		return err
	}
	*am = AuditMetadata(m)
	return nil
}

// Value implements driver.Valuer for JSONB
func (am AuditMetadata) Value() (driver.Value, error) {
	if am == nil {
		return nil, nil
	}
	return json.Marshal(am)
}
