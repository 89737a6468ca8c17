package models

import (
	"time"
)

// RoleAdmin is the only role permitted to hold a session.
const RoleAdmin = "admin"

// Account is an administrative principal.
type Account struct {
	ID                     string
	Email                  string // stored lower-cased
	PasswordHash           string // Argon2id PHC string; legacy bcrypt accepted
	IsActive               bool
	Role                   string
	FailedLoginAttempts    int
	LockoutUntil           *time.Time
	TOTPEnabled            bool
	TOTPSecretEncrypted    []byte
	TOTPSecretNonce        []byte
	TOTPLastStep           *int64 // last accepted TOTP time step, replay marker
	BackupCodeHashes       []string
	LastCredentialChangeAt time.Time
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// IsLocked reports whether the lockout window is still open at now.
func (a *Account) IsLocked(now time.Time) bool {
	return a.LockoutUntil != nil && a.LockoutUntil.After(now)
}

// TrustedDevice is a device that may skip the second factor until ExpiresAt.
type TrustedDevice struct {
	ID              string // ULID
	AccountID       string
	FingerprintHash string
	ExpiresAt       time.Time
	LastUsedAt      time.Time
	CreatedAt       time.Time
}

// LoginFailure is the result of atomically recording a failed password check.
type LoginFailure struct {
	FailedAttempts int
	LockoutUntil   *time.Time
	LockedNow      bool // this failure opened the lockout window
}
