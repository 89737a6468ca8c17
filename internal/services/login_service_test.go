package services

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BradenHooton/sentinel/internal/auth"
	"github.com/BradenHooton/sentinel/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const loginTestSecret = "login-test-secret-at-least-32-bytes"

var (
	transportOnce   sync.Once
	sharedTransport *auth.TransportDecryptor
)

func testTransport(t *testing.T) *auth.TransportDecryptor {
	t.Helper()
	transportOnce.Do(func() {
		sharedTransport, _ = auth.NewTransportDecryptor("", discardLogger())
	})
	require.NotNil(t, sharedTransport)
	return sharedTransport
}

type loginFixture struct {
	svc     *LoginService
	deps    LoginDeps
	config  LoginConfig
	store   *memoryStore
	totp    *auth.TOTPManager
	audit   *recordingAudit
	account *models.Account
	rate    RateLimitStore

	secret      string
	backupCodes []string
}

func newLoginFixture(t *testing.T) *loginFixture {
	t.Helper()

	account := NewTestAccount(t, "admin@example.com")
	store := newMemoryStore(account)
	_, rateStore := newTestRateStore(t)
	tm := newTestTOTPManager(t)
	audit := &recordingAudit{}

	secondFactor := NewSecondFactorLimiter(rateStore, SecondFactorConfig{MaxAttempts: 5, Window: 5 * time.Minute, FailClosed: true}, discardLogger(), nil)

	f := &loginFixture{
		store:   store,
		totp:    tm,
		audit:   audit,
		account: account,
		rate:    rateStore,
		config:  LoginConfig{LockoutThreshold: 5, StoreTimeout: time.Second},
	}
	f.deps = LoginDeps{
		Store:       store,
		Transport:   testTransport(t),
		RateLimiter: f.rateLimiter(50, 20, false),
		Lockout:     NewLockoutService(store, LockoutConfig{Threshold: 5, Duration: 30 * time.Minute}, discardLogger(), nil),
		Verifier:    newTestVerifier(t),
		Devices:     NewTrustedDeviceService(store, newTestDeviceTokens(t), TrustedDeviceConfig{TTL: 72 * time.Hour, MaxDevices: 5}, discardLogger()),
		TwoFactor:   NewTwoFactorService(store, tm, secondFactor, audit, time.Second, discardLogger()),
		Tokens:      auth.NewTokenManager(loginTestSecret, 15*time.Minute, 5*time.Minute),
		Audit:       audit,
		Logger:      discardLogger(),
	}
	f.rebuild()
	return f
}

func (f *loginFixture) rateLimiter(perIP, perEmail int, failClosed bool) *RateLimitService {
	return NewRateLimitService(f.rate, RateLimitConfig{
		MaxAttemptsPerIP:    perIP,
		MaxAttemptsPerEmail: perEmail,
		Window:              15 * time.Minute,
		FailClosed:          failClosed,
	}, discardLogger(), nil)
}

func (f *loginFixture) rebuild() {
	f.svc = NewLoginService(f.deps, f.config)
}

func (f *loginFixture) enableTOTP(t *testing.T) {
	t.Helper()
	f.store.update(f.account.ID, func(a *models.Account) {
		f.secret, f.backupCodes = enrollTOTP(t, f.totp, a)
	})
}

func (f *loginFixture) attempt(password string) models.LoginAttempt {
	return models.LoginAttempt{
		Email:     f.account.Email,
		Password:  models.PlaintextPassword(password),
		IPAddress: "203.0.113.10",
		UserAgent: chromeUA,
	}
}

func (f *loginFixture) login(t *testing.T, attempt models.LoginAttempt) Outcome {
	t.Helper()
	outcome, err := f.svc.Login(context.Background(), attempt)
	require.NoError(t, err)
	return outcome
}

func (f *loginFixture) currentCode(t *testing.T) string {
	t.Helper()
	code, err := f.totp.GenerateCode(f.secret, time.Now())
	require.NoError(t, err)
	return code
}

func requireRejected(t *testing.T, outcome Outcome, reason RejectReason) Rejected {
	t.Helper()
	rejected, ok := outcome.(Rejected)
	require.True(t, ok, "expected Rejected, got %T", outcome)
	require.Equal(t, reason, rejected.Reason)
	return rejected
}

// ============================================================================
// Password-only accounts
// ============================================================================

func TestLoginService_Success(t *testing.T) {
	f := newLoginFixture(t)

	outcome := f.login(t, f.attempt(testPassword))

	authorized, ok := outcome.(Authorized)
	require.True(t, ok, "expected Authorized, got %T", outcome)
	assert.Equal(t, f.account.ID, authorized.Subject)
	assert.Equal(t, "admin@example.com", authorized.Email)
	assert.Empty(t, authorized.DeviceToken)
	assert.False(t, authorized.TrustedDevice)
	assert.Equal(t, models.AuditEventLoginSuccess, f.audit.last().EventType)
}

func TestLoginService_EmailIsCaseInsensitive(t *testing.T) {
	f := newLoginFixture(t)
	attempt := f.attempt(testPassword)
	attempt.Email = "  ADMIN@Example.COM "

	_, ok := f.login(t, attempt).(Authorized)
	assert.True(t, ok)
}

func TestLoginService_EncryptedPassword(t *testing.T) {
	f := newLoginFixture(t)

	ct, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, f.deps.Transport.PublicKey(), []byte(testPassword), nil)
	require.NoError(t, err)

	attempt := f.attempt("")
	attempt.Password = models.EncryptedPassword(base64.StdEncoding.EncodeToString(ct))

	_, ok := f.login(t, attempt).(Authorized)
	assert.True(t, ok)
}

func TestLoginService_WrongPassword(t *testing.T) {
	f := newLoginFixture(t)

	rejected := requireRejected(t, f.login(t, f.attempt("Wrong-Password-1")), RejectInvalidCredentials)
	assert.Equal(t, 4, rejected.RemainingAttempts)

	rejected = requireRejected(t, f.login(t, f.attempt("Wrong-Password-1")), RejectInvalidCredentials)
	assert.Equal(t, 3, rejected.RemainingAttempts)

	entry := f.audit.last()
	assert.Equal(t, models.AuditEventLoginFailure, entry.EventType)
	assert.Equal(t, f.account.ID, entry.AccountID)
	assert.False(t, entry.Success)
}

func TestLoginService_UnknownEmailLooksLikeWrongPassword(t *testing.T) {
	f := newLoginFixture(t)

	known := requireRejected(t, f.login(t, f.attempt("Wrong-Password-1")), RejectInvalidCredentials)

	attempt := f.attempt("Wrong-Password-1")
	attempt.Email = "nobody@example.com"
	unknown := requireRejected(t, f.login(t, attempt), RejectInvalidCredentials)

	assert.Equal(t, known.RemainingAttempts, unknown.RemainingAttempts)
	assert.Equal(t, known.Reason.PublicMessage(), unknown.Reason.PublicMessage())
	assert.Empty(t, f.audit.last().AccountID)
}

func TestLoginService_UnknownEmailLocksLikeKnownAccount(t *testing.T) {
	f := newLoginFixture(t)

	known := f.attempt("Wrong-Password-1")
	unknown := f.attempt("Wrong-Password-1")
	unknown.Email = "nobody@example.com"
	unknown.IPAddress = "198.51.100.20"

	for i := 1; i <= 6; i++ {
		k, ok := f.login(t, known).(Rejected)
		require.True(t, ok, "attempt %d", i)
		u, ok := f.login(t, unknown).(Rejected)
		require.True(t, ok, "attempt %d", i)

		assert.Equal(t, k.Reason, u.Reason, "attempt %d", i)
		assert.Equal(t, k.RemainingAttempts, u.RemainingAttempts, "attempt %d", i)
		assert.InDelta(t, k.RetryAfter.Seconds(), u.RetryAfter.Seconds(), 5, "attempt %d", i)

		if i >= 5 {
			assert.Equal(t, RejectAccountLocked, u.Reason, "attempt %d", i)
			assert.Greater(t, u.RetryAfter, 29*time.Minute)
		}
	}
}

func TestLoginService_UnknownEmailLockExpires(t *testing.T) {
	f := newLoginFixture(t)
	mr, rateStore := newTestRateStore(t)
	f.rate = rateStore
	f.deps.RateLimiter = f.rateLimiter(50, 20, false)
	f.rebuild()

	attempt := f.attempt("Wrong-Password-1")
	attempt.Email = "nobody@example.com"

	for i := 0; i < 5; i++ {
		f.login(t, attempt)
	}
	requireRejected(t, f.login(t, attempt), RejectAccountLocked)

	mr.FastForward(31 * time.Minute)

	rejected := requireRejected(t, f.login(t, attempt), RejectInvalidCredentials)
	assert.Equal(t, 4, rejected.RemainingAttempts)
}

func TestLoginService_LockoutAfterFiveFailures(t *testing.T) {
	f := newLoginFixture(t)
	var notes []LoginNotification
	var mu sync.Mutex
	f.deps.Notifications = NewNotificationDispatcher(&MockNotifier{
		NotifyLoginFunc: func(ctx context.Context, n LoginNotification) error {
			mu.Lock()
			defer mu.Unlock()
			notes = append(notes, n)
			return nil
		},
	}, 16, time.Second, discardLogger(), nil)
	f.rebuild()

	for i := 0; i < 4; i++ {
		requireRejected(t, f.login(t, f.attempt("Wrong-Password-1")), RejectInvalidCredentials)
	}

	locked := requireRejected(t, f.login(t, f.attempt("Wrong-Password-1")), RejectAccountLocked)
	assert.Equal(t, 30*time.Minute, locked.RetryAfter)
	assert.Contains(t, f.audit.events(), models.AuditEventAccountLocked)

	// The correct password does not get through while locked.
	locked = requireRejected(t, f.login(t, f.attempt(testPassword)), RejectAccountLocked)
	assert.Greater(t, locked.RetryAfter, 29*time.Minute)
	assert.LessOrEqual(t, locked.RetryAfter, 30*time.Minute)

	f.deps.Notifications.Close()
	mu.Lock()
	defer mu.Unlock()
	counts := map[NotificationKind]int{}
	for _, n := range notes {
		counts[n.Kind]++
	}
	assert.Equal(t, 4, counts[NotificationLoginFailure])
	assert.Equal(t, 1, counts[NotificationAccountLocked])
}

func TestLoginService_LockoutSurvivesIPRotation(t *testing.T) {
	f := newLoginFixture(t)

	var outcome Outcome
	for i := 0; i < 5; i++ {
		attempt := f.attempt("Wrong-Password-1")
		attempt.IPAddress = fmt.Sprintf("198.51.100.%d", i+1)
		outcome = f.login(t, attempt)
	}
	requireRejected(t, outcome, RejectAccountLocked)
}

func TestLoginService_LockExpires(t *testing.T) {
	f := newLoginFixture(t)
	for i := 0; i < 5; i++ {
		f.login(t, f.attempt("Wrong-Password-1"))
	}

	f.deps.Lockout.now = func() time.Time { return time.Now().Add(31 * time.Minute) }
	_, ok := f.login(t, f.attempt(testPassword)).(Authorized)
	assert.True(t, ok)
	assert.Zero(t, f.store.snapshot(f.account.ID).FailedLoginAttempts)
}

func TestLoginService_SuccessResetsCounters(t *testing.T) {
	f := newLoginFixture(t)
	for i := 0; i < 3; i++ {
		f.login(t, f.attempt("Wrong-Password-1"))
	}

	_, ok := f.login(t, f.attempt(testPassword)).(Authorized)
	require.True(t, ok)
	assert.Zero(t, f.store.snapshot(f.account.ID).FailedLoginAttempts)

	rejected := requireRejected(t, f.login(t, f.attempt("Wrong-Password-1")), RejectInvalidCredentials)
	assert.Equal(t, 4, rejected.RemainingAttempts)
}

func TestLoginService_RateLimited(t *testing.T) {
	f := newLoginFixture(t)
	f.deps.RateLimiter = f.rateLimiter(50, 3, false)
	f.rebuild()

	for i := 0; i < 3; i++ {
		f.login(t, f.attempt("Wrong-Password-1"))
	}

	rejected := requireRejected(t, f.login(t, f.attempt(testPassword)), RejectRateLimited)
	assert.Greater(t, rejected.RetryAfter, time.Duration(0))
}

func TestLoginService_InactiveAccount(t *testing.T) {
	f := newLoginFixture(t)
	f.store.update(f.account.ID, func(a *models.Account) { a.IsActive = false })

	rejected := requireRejected(t, f.login(t, f.attempt(testPassword)), RejectInactiveAccount)
	assert.Equal(t, RejectInvalidCredentials.PublicMessage(), rejected.Reason.PublicMessage())

	// Without the password the account state is not revealed.
	requireRejected(t, f.login(t, f.attempt("Wrong-Password-1")), RejectInvalidCredentials)
}

func TestLoginService_NonAdminForbidden(t *testing.T) {
	f := newLoginFixture(t)
	f.store.update(f.account.ID, func(a *models.Account) { a.Role = "viewer" })

	requireRejected(t, f.login(t, f.attempt(testPassword)), RejectForbidden)
}

func TestLoginService_RehashesLegacyBcrypt(t *testing.T) {
	f := newLoginFixture(t)
	legacy, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	require.NoError(t, err)
	f.store.update(f.account.ID, func(a *models.Account) { a.PasswordHash = string(legacy) })

	_, ok := f.login(t, f.attempt(testPassword)).(Authorized)
	require.True(t, ok)

	stored := f.store.snapshot(f.account.ID)
	assert.True(t, strings.HasPrefix(stored.PasswordHash, "$argon2id$"))
	assert.Equal(t, f.account.LastCredentialChangeAt, stored.LastCredentialChangeAt)
}

// ============================================================================
// Second factor
// ============================================================================

func TestLoginService_TwoFactorFlow(t *testing.T) {
	f := newLoginFixture(t)
	f.enableTOTP(t)

	outcome := f.login(t, f.attempt(testPassword))
	required, ok := outcome.(TwoFactorRequired)
	require.True(t, ok, "expected TwoFactorRequired, got %T", outcome)
	assert.Equal(t, TwoFactorKindTOTP, required.Kind)

	_, err := f.deps.Tokens.ValidateChallengeToken(required.ChallengeToken, f.account.Email)
	require.NoError(t, err)

	attempt := f.attempt(testPassword)
	attempt.ChallengeToken = required.ChallengeToken
	attempt.SecondFactorCode = f.currentCode(t)

	authorized, ok := f.login(t, attempt).(Authorized)
	require.True(t, ok)
	assert.False(t, authorized.BackupCodeUsed)
	assert.Empty(t, authorized.DeviceToken)
}

func TestLoginService_WrongSecondFactor(t *testing.T) {
	f := newLoginFixture(t)
	f.enableTOTP(t)

	attempt := f.attempt(testPassword)
	attempt.SecondFactorCode = "ZZZZ-ZZZZ"

	for i := 0; i < 5; i++ {
		requireRejected(t, f.login(t, attempt), RejectInvalidTwoFactorCode)
	}
	assert.Equal(t, models.AuditEventTwoFactorFailure, f.audit.last().EventType)

	attempt.SecondFactorCode = f.currentCode(t)
	rejected := requireRejected(t, f.login(t, attempt), RejectRateLimited)
	assert.Greater(t, rejected.RetryAfter, time.Duration(0))

	// Second factor failures do not count toward the password lockout.
	assert.Zero(t, f.store.snapshot(f.account.ID).FailedLoginAttempts)
}

func TestLoginService_BackupCode(t *testing.T) {
	f := newLoginFixture(t)
	f.enableTOTP(t)

	attempt := f.attempt(testPassword)
	attempt.SecondFactorCode = f.backupCodes[2]

	authorized, ok := f.login(t, attempt).(Authorized)
	require.True(t, ok)
	assert.True(t, authorized.BackupCodeUsed)
	assert.Contains(t, f.audit.events(), models.AuditEventBackupCodeUsed)

	requireRejected(t, f.login(t, attempt), RejectInvalidTwoFactorCode)
}

func TestLoginService_TrustedDevice(t *testing.T) {
	f := newLoginFixture(t)
	f.enableTOTP(t)

	attempt := f.attempt(testPassword)
	attempt.SecondFactorCode = f.currentCode(t)
	attempt.TrustDevice = true

	authorized, ok := f.login(t, attempt).(Authorized)
	require.True(t, ok)
	require.NotEmpty(t, authorized.DeviceToken)
	assert.WithinDuration(t, time.Now().Add(72*time.Hour), authorized.DeviceTokenExpiresAt, 5*time.Second)
	assert.Contains(t, f.audit.events(), models.AuditEventDeviceTrusted)

	// Same browser skips the second factor.
	next := f.attempt(testPassword)
	next.DeviceToken = authorized.DeviceToken
	trusted, ok := f.login(t, next).(Authorized)
	require.True(t, ok)
	assert.True(t, trusted.TrustedDevice)
	assert.Empty(t, trusted.DeviceToken)

	// A different browser presenting the same token does not.
	next.UserAgent = firefoxUA
	_, ok = f.login(t, next).(TwoFactorRequired)
	assert.True(t, ok)

	// The token never replaces the password.
	next.UserAgent = chromeUA
	next.Password = models.PlaintextPassword("Wrong-Password-1")
	requireRejected(t, f.login(t, next), RejectInvalidCredentials)
}

func TestLoginService_NoDeviceTokenWithoutSecondFactor(t *testing.T) {
	f := newLoginFixture(t)

	attempt := f.attempt(testPassword)
	attempt.TrustDevice = true

	authorized, ok := f.login(t, attempt).(Authorized)
	require.True(t, ok)
	assert.Empty(t, authorized.DeviceToken)
}

// ============================================================================
// Captcha
// ============================================================================

func TestLoginService_CaptchaNotConfigured(t *testing.T) {
	f := newLoginFixture(t)
	f.config.CaptchaRequired = true
	f.rebuild()

	requireRejected(t, f.login(t, f.attempt(testPassword)), RejectConfigurationError)
}

func TestLoginService_CaptchaFailed(t *testing.T) {
	f := newLoginFixture(t)
	f.config.CaptchaRequired = true
	f.deps.Captcha = captchaFunc(func(ctx context.Context, token, remoteIP string) (bool, error) {
		assert.Equal(t, "203.0.113.10", remoteIP)
		return token == "human", nil
	})
	f.rebuild()

	attempt := f.attempt(testPassword)
	attempt.CaptchaToken = "bot"
	requireRejected(t, f.login(t, attempt), RejectCaptchaFailed)

	// Captcha failures are not password failures.
	assert.Zero(t, f.store.snapshot(f.account.ID).FailedLoginAttempts)

	attempt.CaptchaToken = "human"
	_, ok := f.login(t, attempt).(Authorized)
	assert.True(t, ok)
}

func TestLoginService_CaptchaProviderDown(t *testing.T) {
	f := newLoginFixture(t)
	f.config.CaptchaRequired = true
	f.deps.Captcha = captchaFunc(func(ctx context.Context, token, remoteIP string) (bool, error) {
		return false, errors.New("siteverify timeout")
	})
	f.rebuild()

	_, err := f.svc.Login(context.Background(), f.attempt(testPassword))
	assert.ErrorIs(t, err, ErrTransient)
}

func TestLoginService_ChallengeSkipsCaptcha(t *testing.T) {
	f := newLoginFixture(t)
	f.enableTOTP(t)
	f.config.CaptchaRequired = true
	calls := 0
	f.deps.Captcha = captchaFunc(func(ctx context.Context, token, remoteIP string) (bool, error) {
		calls++
		return token == "human", nil
	})
	f.rebuild()

	attempt := f.attempt(testPassword)
	attempt.CaptchaToken = "human"
	required, ok := f.login(t, attempt).(TwoFactorRequired)
	require.True(t, ok)

	resubmit := f.attempt(testPassword)
	resubmit.ChallengeToken = required.ChallengeToken
	resubmit.SecondFactorCode = f.currentCode(t)
	_, ok = f.login(t, resubmit).(Authorized)
	assert.True(t, ok)
	assert.Equal(t, 1, calls)

	// A challenge for another email does not help.
	other := f.attempt(testPassword)
	other.Email = "someone@example.com"
	other.ChallengeToken = required.ChallengeToken
	requireRejected(t, f.login(t, other), RejectCaptchaFailed)
}

// ============================================================================
// Infrastructure failures and timing
// ============================================================================

func TestLoginService_StoreUnavailable(t *testing.T) {
	f := newLoginFixture(t)
	f.store.err = errStoreDown

	outcome, err := f.svc.Login(context.Background(), f.attempt(testPassword))
	assert.Nil(t, outcome)
	assert.ErrorIs(t, err, ErrTransient)
}

func TestLoginService_LimiterFailClosed(t *testing.T) {
	f := newLoginFixture(t)
	f.deps.RateLimiter = NewRateLimitService(failingRateStore{}, RateLimitConfig{MaxAttemptsPerIP: 10, MaxAttemptsPerEmail: 5, Window: time.Minute, FailClosed: true}, discardLogger(), nil)
	f.rebuild()

	_, err := f.svc.Login(context.Background(), f.attempt(testPassword))
	assert.ErrorIs(t, err, ErrTransient)
}

func TestLoginService_LimiterFailOpen(t *testing.T) {
	f := newLoginFixture(t)
	f.deps.RateLimiter = NewRateLimitService(failingRateStore{}, RateLimitConfig{MaxAttemptsPerIP: 10, MaxAttemptsPerEmail: 5, Window: time.Minute}, discardLogger(), nil)
	f.rebuild()

	_, ok := f.login(t, f.attempt(testPassword)).(Authorized)
	assert.True(t, ok)
}

func TestLoginService_TimingEnvelope(t *testing.T) {
	f := newLoginFixture(t)
	f.deps.Timing = auth.NewTimingDelay(auth.TimingConfig{BaseDelayMs: 150, RandomDelayMs: 20})
	f.rebuild()

	measure := func(attempt models.LoginAttempt) time.Duration {
		start := time.Now()
		f.login(t, attempt)
		return time.Since(start)
	}

	unknown := f.attempt("Wrong-Password-1")
	unknown.Email = "nobody@example.com"

	assert.GreaterOrEqual(t, measure(unknown), 150*time.Millisecond)
	assert.GreaterOrEqual(t, measure(f.attempt("Wrong-Password-1")), 150*time.Millisecond)

	f.store.update(f.account.ID, func(a *models.Account) { a.IsActive = false })
	assert.GreaterOrEqual(t, measure(f.attempt(testPassword)), 150*time.Millisecond)
}
