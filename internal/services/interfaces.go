package services

import (
	"context"
	"time"

	"github.com/BradenHooton/sentinel/internal/auth"
	"github.com/BradenHooton/sentinel/internal/models"
)

// AccountStore is the persistence boundary for accounts and their trusted
// devices. Counter mutations must be atomic in the store.
type AccountStore interface {
	FindByEmail(ctx context.Context, email string) (*models.Account, error)
	GetByID(ctx context.Context, id string) (*models.Account, error)
	Create(ctx context.Context, account *models.Account) (*models.Account, error)

	RecordLoginFailure(ctx context.Context, id string, threshold int, lockUntil, now time.Time) (*models.LoginFailure, error)
	ResetFailureCounters(ctx context.Context, id string) error

	RemoveBackupCode(ctx context.Context, id, codeHash string) (bool, error)
	ReplaceBackupCodes(ctx context.Context, id string, codeHashes []string) error
	AdvanceTOTPStep(ctx context.Context, id string, step int64) (bool, error)
	SetTOTP(ctx context.Context, id string, encrypted, nonce []byte, codeHashes []string) error
	EnableTOTP(ctx context.Context, id string, step int64) error
	ClearTOTP(ctx context.Context, id string) error

	AppendTrustedDevice(ctx context.Context, device *models.TrustedDevice, max int, now time.Time) error
	FindTrustedDevice(ctx context.Context, accountID, deviceID string) (*models.TrustedDevice, error)
	TouchTrustedDevice(ctx context.Context, deviceID string, now time.Time) error
	DeleteTrustedDevices(ctx context.Context, accountID string) error

	UpdatePassword(ctx context.Context, id, passwordHash string, changedAt time.Time) error
	UpdatePasswordHash(ctx context.Context, id, passwordHash string) error
	TouchCredentialChange(ctx context.Context, id string, at time.Time) error
}

// DeviceTokens seals and opens trusted device tokens.
type DeviceTokens interface {
	Issue(email, deviceID, fingerprintHash string, expiresAt time.Time) (string, error)
	Parse(token string) (*auth.DeviceClaims, error)
}

// RateLimitStore keeps fixed-window attempt counters.
type RateLimitStore interface {
	Increment(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
	Peek(ctx context.Context, key string) (int64, time.Duration, error)
	Delete(ctx context.Context, keys ...string) error
}

// AuditLogRepository persists audit rows.
type AuditLogRepository interface {
	Create(ctx context.Context, log *models.AuditLog) (*models.AuditLog, error)
}

// AuditSink receives security decisions. Implementations must not block the
// login path.
type AuditSink interface {
	Record(ctx context.Context, entry AuditEntry)
}

// Notifier delivers login notifications to the account holder.
type Notifier interface {
	NotifyLogin(ctx context.Context, n LoginNotification) error
}

// CaptchaVerifier checks a human-verification token with its provider.
type CaptchaVerifier interface {
	Verify(ctx context.Context, token, remoteIP string) (bool, error)
}

// LoginNotification describes a login event for the account holder.
type LoginNotification struct {
	Kind      NotificationKind
	Email     string
	IPAddress string
	UserAgent string
	At        time.Time
	Until     *time.Time // set for lockouts
}

// NotificationKind names the event behind a LoginNotification.
type NotificationKind string

const (
	NotificationLoginSuccess  NotificationKind = "login_success"
	NotificationLoginFailure  NotificationKind = "login_failure"
	NotificationAccountLocked NotificationKind = "account_locked"
)
