package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BradenHooton/sentinel/internal/auth"
	"github.com/BradenHooton/sentinel/internal/models"
)

// TwoFactorResult is the outcome of a second-factor check.
type TwoFactorResult int

const (
	TwoFactorFail TwoFactorResult = iota
	TwoFactorPass
	TwoFactorBackupUsed
)

func (r TwoFactorResult) String() string {
	switch r {
	case TwoFactorPass:
		return "pass"
	case TwoFactorBackupUsed:
		return "backup_used"
	default:
		return "fail"
	}
}

// TwoFactorService verifies TOTP and backup codes and manages enrollment.
type TwoFactorService struct {
	store        AccountStore
	totp         *auth.TOTPManager
	limiter      *SecondFactorLimiter
	audit        AuditSink
	logger       *slog.Logger
	storeTimeout time.Duration
	now          func() time.Time
}

func NewTwoFactorService(store AccountStore, totp *auth.TOTPManager, limiter *SecondFactorLimiter, audit AuditSink, storeTimeout time.Duration, logger *slog.Logger) *TwoFactorService {
	return &TwoFactorService{
		store:        store,
		totp:         totp,
		limiter:      limiter,
		audit:        audit,
		logger:       logger,
		storeTimeout: storeTimeout,
		now:          time.Now,
	}
}

// Required reports whether the account must present a second factor.
func (s *TwoFactorService) Required(account *models.Account) bool {
	return account.TOTPEnabled
}

// CheckLimit reports whether the account may submit another code.
func (s *TwoFactorService) CheckLimit(ctx context.Context, accountID string) (RateDecision, error) {
	return s.limiter.Check(ctx, accountID)
}

// Verify checks code as a backup code first and then as a TOTP code. A
// backup code is consumed exactly once; a TOTP step is accepted at most once.
// Wrong codes count against the second-factor limiter. The error is reserved
// for store failures.
func (s *TwoFactorService) Verify(ctx context.Context, account *models.Account, code string) (TwoFactorResult, error) {
	result, err := s.check(ctx, account, code)
	if err != nil {
		return TwoFactorFail, err
	}

	if result == TwoFactorFail {
		s.limiter.RecordFailure(ctx, account.ID)
	} else {
		s.limiter.Reset(ctx, account.ID)
	}
	return result, nil
}

func (s *TwoFactorService) check(ctx context.Context, account *models.Account, code string) (TwoFactorResult, error) {
	ctx, cancel := withStoreTimeout(ctx, s.storeTimeout)
	defer cancel()

	if auth.LooksLikeBackupCode(code) {
		removed, err := s.store.RemoveBackupCode(ctx, account.ID, s.totp.HashBackupCode(code))
		if err != nil {
			return TwoFactorFail, fmt.Errorf("remove backup code: %w", err)
		}
		if removed {
			return TwoFactorBackupUsed, nil
		}
		return TwoFactorFail, nil
	}

	secret, err := s.secret(account)
	if err != nil {
		s.logger.Error("failed to decrypt TOTP secret", slog.String("account_id", account.ID), slog.Any("error", err))
		return TwoFactorFail, nil
	}

	step, ok, err := s.totp.MatchStep(secret, code, s.now())
	if err != nil {
		s.logger.Error("failed to match TOTP code", slog.String("account_id", account.ID), slog.Any("error", err))
		return TwoFactorFail, nil
	}
	if !ok {
		return TwoFactorFail, nil
	}

	advanced, err := s.store.AdvanceTOTPStep(ctx, account.ID, step)
	if err != nil {
		return TwoFactorFail, fmt.Errorf("advance TOTP step: %w", err)
	}
	if !advanced {
		s.logger.Warn("TOTP code replay rejected", slog.String("account_id", account.ID), slog.Int64("step", step))
		return TwoFactorFail, nil
	}
	return TwoFactorPass, nil
}

func (s *TwoFactorService) secret(account *models.Account) (string, error) {
	if len(account.TOTPSecretEncrypted) == 0 {
		return "", models.ErrTwoFactorNotEnabled
	}
	plain, err := s.totp.DecryptSecret(account.TOTPSecretEncrypted, account.TOTPSecretNonce)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// BeginEnrollment creates a pending secret and fresh backup codes. TOTP is
// not enforced until ConfirmEnrollment succeeds.
func (s *TwoFactorService) BeginEnrollment(ctx context.Context, account *models.Account) (*models.TwoFactorEnrollment, error) {
	if account.TOTPEnabled {
		return nil, models.ErrTwoFactorAlreadyEnabled
	}

	secret, err := s.totp.GenerateSecretWithQR(account.Email)
	if err != nil {
		return nil, err
	}
	codes, hashes, err := s.newBackupCodes()
	if err != nil {
		return nil, err
	}

	ctx, cancel := withStoreTimeout(ctx, s.storeTimeout)
	defer cancel()

	if err := s.store.SetTOTP(ctx, account.ID, secret.Encrypted, secret.Nonce, hashes); err != nil {
		return nil, err
	}

	return &models.TwoFactorEnrollment{
		Secret:        secret.Secret,
		QRCodeDataURL: secret.QRCodeDataURL,
		BackupCodes:   codes,
	}, nil
}

// ConfirmEnrollment enables TOTP once code matches the pending secret.
func (s *TwoFactorService) ConfirmEnrollment(ctx context.Context, account *models.Account, code string, meta RequestMeta) error {
	if account.TOTPEnabled {
		return models.ErrTwoFactorAlreadyEnabled
	}
	if len(account.TOTPSecretEncrypted) == 0 {
		return models.ErrTwoFactorNotPending
	}

	decision, err := s.limiter.Check(ctx, account.ID)
	if err != nil {
		return err
	}
	if !decision.Allowed {
		return models.ErrTwoFactorRateLimited
	}

	secret, err := s.secret(account)
	if err != nil {
		return fmt.Errorf("decrypt pending secret: %w", err)
	}
	step, ok, err := s.totp.MatchStep(secret, code, s.now())
	if err != nil {
		return err
	}
	if !ok {
		s.limiter.RecordFailure(ctx, account.ID)
		return models.ErrInvalidTwoFactorCode
	}

	storeCtx, cancel := withStoreTimeout(ctx, s.storeTimeout)
	defer cancel()

	if err := s.store.EnableTOTP(storeCtx, account.ID, step); err != nil {
		return err
	}
	s.limiter.Reset(ctx, account.ID)

	s.audit.Record(ctx, AuditEntry{
		EventType: models.AuditEventTwoFactorEnabled,
		AccountID: account.ID,
		Email:     account.Email,
		Success:   true,
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
	})
	return nil
}

// RegenerateBackupCodes replaces every unused backup code after verifying a
// current code.
func (s *TwoFactorService) RegenerateBackupCodes(ctx context.Context, account *models.Account, code string, meta RequestMeta) ([]string, error) {
	if err := s.requireCode(ctx, account, code); err != nil {
		return nil, err
	}

	codes, hashes, err := s.newBackupCodes()
	if err != nil {
		return nil, err
	}

	storeCtx, cancel := withStoreTimeout(ctx, s.storeTimeout)
	defer cancel()

	if err := s.store.ReplaceBackupCodes(storeCtx, account.ID, hashes); err != nil {
		return nil, err
	}

	s.audit.Record(ctx, AuditEntry{
		EventType: models.AuditEventBackupCodesReset,
		AccountID: account.ID,
		Email:     account.Email,
		Success:   true,
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
	})
	return codes, nil
}

// Disable turns TOTP off after verifying a current code.
func (s *TwoFactorService) Disable(ctx context.Context, account *models.Account, code string, meta RequestMeta) error {
	if err := s.requireCode(ctx, account, code); err != nil {
		return err
	}

	storeCtx, cancel := withStoreTimeout(ctx, s.storeTimeout)
	defer cancel()

	if err := s.store.ClearTOTP(storeCtx, account.ID); err != nil {
		return err
	}

	s.audit.Record(ctx, AuditEntry{
		EventType: models.AuditEventTwoFactorDisabled,
		AccountID: account.ID,
		Email:     account.Email,
		Success:   true,
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
	})
	return nil
}

func (s *TwoFactorService) requireCode(ctx context.Context, account *models.Account, code string) error {
	if !account.TOTPEnabled {
		return models.ErrTwoFactorNotEnabled
	}

	decision, err := s.limiter.Check(ctx, account.ID)
	if err != nil {
		return err
	}
	if !decision.Allowed {
		return models.ErrTwoFactorRateLimited
	}

	result, err := s.Verify(ctx, account, code)
	if err != nil {
		return err
	}
	if result == TwoFactorFail {
		return models.ErrInvalidTwoFactorCode
	}
	return nil
}

func (s *TwoFactorService) newBackupCodes() ([]string, []string, error) {
	codes, err := s.totp.GenerateBackupCodes(models.BackupCodeCount)
	if err != nil {
		return nil, nil, err
	}
	hashes := make([]string, len(codes))
	for i, c := range codes {
		hashes[i] = s.totp.HashBackupCode(c)
	}
	return codes, hashes, nil
}
