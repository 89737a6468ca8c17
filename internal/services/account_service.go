package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BradenHooton/sentinel/internal/models"
	pkgauth "github.com/BradenHooton/sentinel/pkg/auth"
	pkglogger "github.com/BradenHooton/sentinel/pkg/logger"
)

// DeviceLister lists the trusted devices of an account.
type DeviceLister interface {
	ListTrustedDevices(ctx context.Context, accountID string) ([]*models.TrustedDevice, error)
}

// AccountService covers credential changes made by a signed-in admin.
type AccountService struct {
	store        AccountStore
	devices      DeviceLister
	verifier     *pkgauth.CredentialVerifier
	lockout      *LockoutService
	audit        AuditSink
	logger       *slog.Logger
	storeTimeout time.Duration
	now          func() time.Time
}

func NewAccountService(store AccountStore, devices DeviceLister, verifier *pkgauth.CredentialVerifier, lockout *LockoutService, audit AuditSink, storeTimeout time.Duration, logger *slog.Logger) *AccountService {
	if audit == nil {
		audit = NopAuditSink{}
	}
	return &AccountService{
		store:        store,
		devices:      devices,
		verifier:     verifier,
		lockout:      lockout,
		audit:        audit,
		logger:       logger,
		storeTimeout: storeTimeout,
		now:          time.Now,
	}
}

// ChangePassword replaces the password after checking the current one. The
// change moves the credential change marker, so every session issued before
// it stops validating, and forgets all trusted devices.
func (s *AccountService) ChangePassword(ctx context.Context, account *models.Account, current, next string, meta RequestMeta) error {
	if !s.verifier.Verify(current, &account.PasswordHash) {
		// A stolen session must not become an unthrottled password oracle.
		if _, err := s.lockout.RecordFailure(ctx, account); err != nil {
			s.logger.Error("failed to record password change failure", slog.String("account_id", account.ID), slog.Any("error", err))
		}
		s.record(ctx, models.AuditEventPasswordChanged, account, meta, "invalid_current_password")
		return models.ErrInvalidPassword
	}

	if err := pkgauth.ValidatePassword(next); err != nil {
		return err
	}

	hash, err := s.verifier.Hash(next)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	ctx, cancel := withStoreTimeout(ctx, s.storeTimeout)
	defer cancel()

	if err := s.store.UpdatePassword(ctx, account.ID, hash, s.now()); err != nil {
		return fmt.Errorf("update password: %w", err)
	}

	s.record(ctx, models.AuditEventPasswordChanged, account, meta, "")
	s.logger.Info("admin password changed", slog.String("account_id", account.ID))
	return nil
}

// RevokeSessions invalidates every session and trusted device of the account.
func (s *AccountService) RevokeSessions(ctx context.Context, account *models.Account, meta RequestMeta) error {
	ctx, cancel := withStoreTimeout(ctx, s.storeTimeout)
	defer cancel()

	if err := s.store.TouchCredentialChange(ctx, account.ID, s.now()); err != nil {
		return fmt.Errorf("touch credential change: %w", err)
	}
	if err := s.store.DeleteTrustedDevices(ctx, account.ID); err != nil {
		return fmt.Errorf("delete trusted devices: %w", err)
	}

	s.record(ctx, models.AuditEventSessionsRevoked, account, meta, "")
	return nil
}

// Devices lists the trusted devices of the account, most recently used first.
func (s *AccountService) Devices(ctx context.Context, accountID string) ([]*models.TrustedDevice, error) {
	ctx, cancel := withStoreTimeout(ctx, s.storeTimeout)
	defer cancel()
	return s.devices.ListTrustedDevices(ctx, accountID)
}

// EnsureAdmin creates the bootstrap admin when no account exists for email.
// An existing account is left untouched.
func (s *AccountService) EnsureAdmin(ctx context.Context, email, password string) (bool, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	_, err := s.store.FindByEmail(ctx, email)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return false, fmt.Errorf("failed to check if admin exists: %w", err)
	}

	if err := pkgauth.ValidatePassword(password); err != nil {
		return false, fmt.Errorf("bootstrap admin password rejected: %w", err)
	}

	hash, err := s.verifier.Hash(password)
	if err != nil {
		return false, fmt.Errorf("failed to hash admin password: %w", err)
	}

	now := s.now()
	account, err := s.store.Create(ctx, &models.Account{
		Email:                  email,
		PasswordHash:           hash,
		IsActive:               true,
		Role:                   models.RoleAdmin,
		LastCredentialChangeAt: now,
		CreatedAt:              now,
		UpdatedAt:              now,
	})
	if err != nil {
		if errors.Is(err, models.ErrConflict) {
			return false, nil
		}
		return false, fmt.Errorf("failed to create admin: %w", err)
	}

	s.logger.Info("bootstrap admin created",
		slog.String("account_id", account.ID),
		slog.String("email", pkglogger.SanitizedEmail(email)))
	return true, nil
}

func (s *AccountService) record(ctx context.Context, eventType string, account *models.Account, meta RequestMeta, reason string) {
	s.audit.Record(ctx, AuditEntry{
		EventType:     eventType,
		AccountID:     account.ID,
		Email:         account.Email,
		Success:       reason == "",
		FailureReason: reason,
		IPAddress:     meta.IPAddress,
		UserAgent:     meta.UserAgent,
	})
}
