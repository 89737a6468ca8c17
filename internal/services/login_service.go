package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BradenHooton/sentinel/internal/auth"
	"github.com/BradenHooton/sentinel/internal/metrics"
	"github.com/BradenHooton/sentinel/internal/models"
	pkgauth "github.com/BradenHooton/sentinel/pkg/auth"
	pkglogger "github.com/BradenHooton/sentinel/pkg/logger"
)

// ErrTransient marks infrastructure failures during login. The attempt was
// neither counted nor decided and may be retried.
var ErrTransient = errors.New("login temporarily unavailable")

// LoginConfig holds orchestration settings.
type LoginConfig struct {
	CaptchaRequired  bool
	LockoutThreshold int
	LockoutDuration  time.Duration
	StoreTimeout     time.Duration
}

// LoginDeps are the collaborators of LoginService. Captcha, Notifications and
// Metrics may be nil.
type LoginDeps struct {
	Store         AccountStore
	Transport     *auth.TransportDecryptor
	Captcha       CaptchaVerifier
	RateLimiter   *RateLimitService
	Lockout       *LockoutService
	Verifier      *pkgauth.CredentialVerifier
	Devices       *TrustedDeviceService
	TwoFactor     *TwoFactorService
	Tokens        *auth.TokenManager
	Timing        *auth.TimingDelay
	Audit         AuditSink
	Notifications *NotificationDispatcher
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
}

// LoginService decides whether a login attempt may obtain a session. Stages
// run strictly in order and the first rejection ends the attempt.
type LoginService struct {
	LoginDeps
	config LoginConfig
	now    func() time.Time
}

func NewLoginService(deps LoginDeps, config LoginConfig) *LoginService {
	if deps.Audit == nil {
		deps.Audit = NopAuditSink{}
	}
	if config.LockoutThreshold <= 0 {
		config.LockoutThreshold = 5
	}
	if config.LockoutDuration <= 0 {
		config.LockoutDuration = 30 * time.Minute
	}
	return &LoginService{LoginDeps: deps, config: config, now: time.Now}
}

// Login runs one attempt. The error is non-nil only for infrastructure
// failures (wrapping ErrTransient); every security decision is an Outcome.
// Responses are padded to the timing envelope so rejection stages cannot be
// told apart by latency.
func (s *LoginService) Login(ctx context.Context, attempt models.LoginAttempt) (Outcome, error) {
	start := time.Now()
	attempt.Email = strings.ToLower(strings.TrimSpace(attempt.Email))

	outcome, err := s.login(ctx, attempt)
	if err != nil {
		s.Metrics.LoginOutcome("error", "")
		s.Logger.Error("login attempt failed",
			slog.String("email", pkglogger.SanitizedEmail(attempt.Email)),
			slog.Any("error", err))
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}

	label, reason := outcomeLabel(outcome)
	s.Metrics.LoginOutcome(label, reason)

	_, rejected := outcome.(Rejected)
	s.Timing.WaitFrom(ctx, start, !rejected)
	return outcome, nil
}

func (s *LoginService) login(ctx context.Context, attempt models.LoginAttempt) (Outcome, error) {
	rejection, err := s.checkCaptcha(ctx, attempt)
	if err != nil {
		return nil, err
	}
	if rejection != nil {
		return *rejection, nil
	}

	// Rate limit pre-check
	decision, err := s.RateLimiter.Check(ctx, attempt.IPAddress, attempt.Email)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		s.record(ctx, models.AuditEventLoginFailure, nil, attempt, string(RejectRateLimited),
			models.AuditMetadata{"stage": "rate_limit", "binding_key": decision.BindingKey})
		return Rejected{Reason: RejectRateLimited, RetryAfter: decision.RetryAfter}, nil
	}

	account, err := s.findAccount(ctx, attempt.Email)
	if err != nil {
		return nil, err
	}

	// Lockout is checked before the password is looked at.
	var (
		remaining time.Duration
		locked    bool
	)
	if account != nil {
		remaining, locked = s.Lockout.CheckLocked(account)
	} else {
		remaining, locked = s.RateLimiter.UnknownLocked(ctx, attempt.Email)
	}
	if locked {
		s.record(ctx, models.AuditEventLoginFailure, account, attempt, string(RejectAccountLocked),
			models.NewLoginMetadata("lockout", 0, ceilSeconds(remaining), false))
		return Rejected{Reason: RejectAccountLocked, RetryAfter: remaining}, nil
	}

	password := s.Transport.Decrypt(attempt.Password)
	var storedHash *string
	if account != nil {
		storedHash = &account.PasswordHash
	}
	if !s.Verifier.Verify(password, storedHash) || account == nil {
		return s.passwordFailure(ctx, account, attempt)
	}

	// Account state is only disclosed to callers holding the password, and
	// even then with the generic message.
	if !account.IsActive {
		s.record(ctx, models.AuditEventLoginFailure, account, attempt, string(RejectInactiveAccount),
			models.NewLoginMetadata("account_state", 0, 0, false))
		return Rejected{Reason: RejectInactiveAccount}, nil
	}
	if account.Role != models.RoleAdmin {
		s.record(ctx, models.AuditEventLoginFailure, account, attempt, string(RejectForbidden),
			models.NewLoginMetadata("account_state", 0, 0, false))
		return Rejected{Reason: RejectForbidden}, nil
	}

	trusted := false
	secondFactorVerified := false
	backupUsed := false

	if s.TwoFactor.Required(account) {
		trusted = s.Devices.Verify(ctx, account, attempt.DeviceToken, attempt.UserAgent)
		if !trusted {
			outcome, result, err := s.secondFactor(ctx, account, attempt)
			if err != nil || outcome != nil {
				return outcome, err
			}
			secondFactorVerified = true
			backupUsed = result == TwoFactorBackupUsed
		}
	}

	return s.succeed(ctx, account, attempt, password, trusted, secondFactorVerified, backupUsed), nil
}

func (s *LoginService) checkCaptcha(ctx context.Context, attempt models.LoginAttempt) (*Rejected, error) {
	if !s.config.CaptchaRequired {
		return nil, nil
	}

	// A resubmission carrying a live challenge for the same email already
	// passed captcha on its first submission.
	if attempt.ChallengeToken != "" {
		if _, err := s.Tokens.ValidateChallengeToken(attempt.ChallengeToken, attempt.Email); err == nil {
			return nil, nil
		}
	}

	if s.Captcha == nil {
		s.Logger.Error("captcha is required but no verifier is configured")
		return &Rejected{Reason: RejectConfigurationError}, nil
	}

	ok, err := s.Captcha.Verify(ctx, attempt.CaptchaToken, attempt.IPAddress)
	if err != nil {
		return nil, fmt.Errorf("captcha verification: %w", err)
	}
	if !ok {
		s.record(ctx, models.AuditEventLoginFailure, nil, attempt, string(RejectCaptchaFailed),
			models.NewLoginMetadata("captcha", 0, 0, false))
		return &Rejected{Reason: RejectCaptchaFailed}, nil
	}
	return nil, nil
}

func (s *LoginService) findAccount(ctx context.Context, email string) (*models.Account, error) {
	ctx, cancel := withStoreTimeout(ctx, s.config.StoreTimeout)
	defer cancel()

	account, err := s.Store.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, nil
		}
		s.Metrics.StoreError("accounts")
		return nil, fmt.Errorf("find account: %w", err)
	}
	return account, nil
}

// passwordFailure counts a wrong password against both limiter buckets and
// the account lockout. Unknown emails get a remaining-attempts figure derived
// from the email bucket, and a lockout of their own at each threshold, so
// they read like known accounts.
func (s *LoginService) passwordFailure(ctx context.Context, account *models.Account, attempt models.LoginAttempt) (Outcome, error) {
	decision := s.RateLimiter.ConsumeOnFailure(ctx, attempt.IPAddress, attempt.Email)

	threshold := s.config.LockoutThreshold
	remaining := threshold - decision.EmailCount%threshold

	if account != nil {
		result, err := s.Lockout.RecordFailure(ctx, account)
		if err != nil {
			s.Logger.Error("failed to record login failure", slog.String("account_id", account.ID), slog.Any("error", err))
		} else if result.Locked {
			retryAfter := time.Duration(result.LockoutSeconds) * time.Second
			if result.LockedNow {
				until := s.now().Add(retryAfter)
				s.record(ctx, models.AuditEventAccountLocked, account, attempt, string(RejectAccountLocked),
					models.NewLoginMetadata("password", 0, result.LockoutSeconds, false))
				s.notify(NotificationAccountLocked, account, attempt, &until)
			}
			return Rejected{Reason: RejectAccountLocked, RetryAfter: retryAfter}, nil
		} else {
			remaining = result.RemainingAttempts
		}
		s.notify(NotificationLoginFailure, account, attempt, nil)
	} else if decision.EmailCount > 0 && decision.EmailCount%threshold == 0 {
		s.RateLimiter.LockUnknown(ctx, attempt.Email, s.config.LockoutDuration)
		s.record(ctx, models.AuditEventLoginFailure, nil, attempt, string(RejectAccountLocked),
			models.NewLoginMetadata("password", 0, ceilSeconds(s.config.LockoutDuration), false))
		return Rejected{Reason: RejectAccountLocked, RetryAfter: s.config.LockoutDuration}, nil
	}

	if decision.RemainingAttempts < remaining {
		remaining = decision.RemainingAttempts
	}

	s.record(ctx, models.AuditEventLoginFailure, account, attempt, string(RejectInvalidCredentials),
		models.NewLoginMetadata("password", remaining, 0, false))
	return Rejected{Reason: RejectInvalidCredentials, RemainingAttempts: remaining}, nil
}

// secondFactor returns a non-nil Outcome when the attempt stops here.
func (s *LoginService) secondFactor(ctx context.Context, account *models.Account, attempt models.LoginAttempt) (Outcome, TwoFactorResult, error) {
	if strings.TrimSpace(attempt.SecondFactorCode) == "" {
		challenge, err := s.Tokens.GenerateChallengeToken(account.ID, account.Email)
		if err != nil {
			return nil, TwoFactorFail, fmt.Errorf("issue challenge token: %w", err)
		}
		return TwoFactorRequired{Kind: TwoFactorKindTOTP, ChallengeToken: challenge}, TwoFactorFail, nil
	}

	decision, err := s.TwoFactor.CheckLimit(ctx, account.ID)
	if err != nil {
		return nil, TwoFactorFail, err
	}
	if !decision.Allowed {
		s.record(ctx, models.AuditEventTwoFactorFailure, account, attempt, string(RejectRateLimited),
			models.AuditMetadata{"stage": "two_factor", "retry_after_seconds": ceilSeconds(decision.RetryAfter)})
		return Rejected{Reason: RejectRateLimited, RetryAfter: decision.RetryAfter}, TwoFactorFail, nil
	}

	result, err := s.TwoFactor.Verify(ctx, account, attempt.SecondFactorCode)
	if err != nil {
		return nil, TwoFactorFail, err
	}
	if result == TwoFactorFail {
		s.record(ctx, models.AuditEventTwoFactorFailure, account, attempt, string(RejectInvalidTwoFactorCode),
			models.NewLoginMetadata("two_factor", max(decision.RemainingAttempts-1, 0), 0, false))
		return Rejected{Reason: RejectInvalidTwoFactorCode}, TwoFactorFail, nil
	}
	if result == TwoFactorBackupUsed {
		s.Metrics.BackupCodeUsed()
		s.record(ctx, models.AuditEventBackupCodeUsed, account, attempt, "",
			models.AuditMetadata{"remaining_backup_codes": max(len(account.BackupCodeHashes)-1, 0)})
	}
	return nil, result, nil
}

// succeed performs success bookkeeping. Failures here are logged and never
// change the decision.
func (s *LoginService) succeed(ctx context.Context, account *models.Account, attempt models.LoginAttempt, password string, trusted, secondFactorVerified, backupUsed bool) Outcome {
	s.RateLimiter.Reset(ctx, attempt.IPAddress, attempt.Email)

	if err := s.Lockout.RecordSuccess(ctx, account); err != nil {
		s.Logger.Error("failed to clear lockout state", slog.String("account_id", account.ID), slog.Any("error", err))
	}

	s.rehash(ctx, account, password)

	out := Authorized{
		Subject:        account.ID,
		Email:          account.Email,
		BackupCodeUsed: backupUsed,
		TrustedDevice:  trusted,
	}

	if attempt.TrustDevice && secondFactorVerified {
		device, err := s.Devices.Issue(ctx, account, attempt.UserAgent)
		if err != nil {
			s.Logger.Error("failed to register trusted device", slog.String("account_id", account.ID), slog.Any("error", err))
		} else {
			out.DeviceToken = device.Token
			out.DeviceTokenExpiresAt = device.ExpiresAt
			s.record(ctx, models.AuditEventDeviceTrusted, account, attempt, "",
				models.AuditMetadata{"expires_at": device.ExpiresAt.UTC().Format(time.RFC3339)})
		}
	}

	s.record(ctx, models.AuditEventLoginSuccess, account, attempt, "",
		models.NewLoginMetadata("complete", 0, 0, trusted))
	s.notify(NotificationLoginSuccess, account, attempt, nil)

	s.Logger.Info("admin logged in", slog.String("account_id", account.ID))
	return out
}

// rehash upgrades legacy or weaker hashes while the plaintext is at hand.
func (s *LoginService) rehash(ctx context.Context, account *models.Account, password string) {
	if !s.Verifier.NeedsRehash(account.PasswordHash) {
		return
	}

	hash, err := s.Verifier.Hash(password)
	if err != nil {
		s.Logger.Error("failed to rehash password", slog.String("account_id", account.ID), slog.Any("error", err))
		return
	}

	ctx, cancel := withStoreTimeout(ctx, s.config.StoreTimeout)
	defer cancel()

	if err := s.Store.UpdatePasswordHash(ctx, account.ID, hash); err != nil {
		s.Logger.Error("failed to store rehashed password", slog.String("account_id", account.ID), slog.Any("error", err))
		return
	}
	s.Logger.Info("password hash upgraded", slog.String("account_id", account.ID))
}

func (s *LoginService) record(ctx context.Context, eventType string, account *models.Account, attempt models.LoginAttempt, reason string, metadata models.AuditMetadata) {
	entry := AuditEntry{
		EventType:     eventType,
		Email:         attempt.Email,
		Success:       reason == "",
		FailureReason: reason,
		IPAddress:     attempt.IPAddress,
		UserAgent:     attempt.UserAgent,
		Metadata:      metadata,
	}
	if account != nil {
		entry.AccountID = account.ID
	}
	s.Audit.Record(ctx, entry)
}

func (s *LoginService) notify(kind NotificationKind, account *models.Account, attempt models.LoginAttempt, until *time.Time) {
	s.Notifications.Notify(LoginNotification{
		Kind:      kind,
		Email:     account.Email,
		IPAddress: attempt.IPAddress,
		UserAgent: attempt.UserAgent,
		At:        s.now(),
		Until:     until,
	})
}
