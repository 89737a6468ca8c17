package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/BradenHooton/sentinel/internal/metrics"
)

// ErrLimiterUnavailable is returned by fail-closed limiters when the counter
// store cannot be reached.
var ErrLimiterUnavailable = errors.New("rate limiter unavailable")

// RateLimitConfig holds configuration for rate limiting behavior
type RateLimitConfig struct {
	MaxAttemptsPerIP    int
	MaxAttemptsPerEmail int
	Window              time.Duration
	FailClosed          bool
	StoreTimeout        time.Duration
}

// RateDecision is the limiter verdict for one identity pair.
type RateDecision struct {
	Allowed           bool
	RetryAfter        time.Duration
	RemainingAttempts int
	BindingKey        string // "ip" or "email" when a bucket is exhausted
	EmailCount        int    // failures counted against the email bucket
}

// RateLimitService counts failed first-factor attempts per client IP and per
// email in independent buckets. An attempt is allowed only while both have
// budget.
type RateLimitService struct {
	store   RateLimitStore
	config  RateLimitConfig
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewRateLimitService creates a new RateLimitService
func NewRateLimitService(store RateLimitStore, config RateLimitConfig, logger *slog.Logger, m *metrics.Metrics) *RateLimitService {
	return &RateLimitService{
		store:   store,
		config:  config,
		logger:  logger,
		metrics: m,
	}
}

func ipBucket(ip string) string {
	return "login:ip:" + ip
}

// emailBucket hashes the address so raw emails never become Redis keys.
func emailBucket(email string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(email))))
	return "login:email:" + hex.EncodeToString(sum[:16])
}

func unknownLockKey(email string) string {
	return "login:lock:" + strings.TrimPrefix(emailBucket(email), "login:email:")
}

// LockUnknown opens a lockout window for an email with no account, so that
// repeated failures against it end the same way they do for a real account.
// Store errors are logged and never block.
func (s *RateLimitService) LockUnknown(ctx context.Context, email string, d time.Duration) {
	ctx, cancel := withStoreTimeout(ctx, s.config.StoreTimeout)
	defer cancel()

	if _, _, err := s.store.Increment(ctx, unknownLockKey(email), d); err != nil {
		s.metrics.StoreError("rate_limit")
		s.logger.Error("failed to lock unknown email", slog.Any("error", err))
	}
}

// UnknownLocked returns the time left on a lockout opened by LockUnknown.
// Store errors read as not locked.
func (s *RateLimitService) UnknownLocked(ctx context.Context, email string) (time.Duration, bool) {
	ctx, cancel := withStoreTimeout(ctx, s.config.StoreTimeout)
	defer cancel()

	count, ttl, err := s.store.Peek(ctx, unknownLockKey(email))
	if err != nil {
		s.metrics.StoreError("rate_limit")
		s.logger.Error("failed to read unknown email lock", slog.Any("error", err))
		return 0, false
	}
	if count == 0 || ttl <= 0 {
		return 0, false
	}
	return ttl, true
}

// Check peeks at both buckets without counting. Store errors allow the
// attempt unless the limiter is configured to fail closed, in which case
// ErrLimiterUnavailable is returned.
func (s *RateLimitService) Check(ctx context.Context, ip, email string) (RateDecision, error) {
	ctx, cancel := withStoreTimeout(ctx, s.config.StoreTimeout)
	defer cancel()

	ipCount, ipTTL, err := s.store.Peek(ctx, ipBucket(ip))
	if err != nil {
		return s.storeFailure(err, "check")
	}
	emailCount, emailTTL, err := s.store.Peek(ctx, emailBucket(email))
	if err != nil {
		return s.storeFailure(err, "check")
	}

	return s.decide(ipCount, ipTTL, emailCount, emailTTL), nil
}

// ConsumeOnFailure counts a confirmed credential failure against both
// buckets. Store errors are logged and never block.
func (s *RateLimitService) ConsumeOnFailure(ctx context.Context, ip, email string) RateDecision {
	ctx, cancel := withStoreTimeout(ctx, s.config.StoreTimeout)
	defer cancel()

	ipCount, ipTTL, err := s.store.Increment(ctx, ipBucket(ip), s.config.Window)
	if err != nil {
		d, _ := s.storeFailure(err, "consume")
		return d
	}
	emailCount, emailTTL, err := s.store.Increment(ctx, emailBucket(email), s.config.Window)
	if err != nil {
		d, _ := s.storeFailure(err, "consume")
		return d
	}

	d := s.decide(ipCount, ipTTL, emailCount, emailTTL)
	if !d.Allowed {
		s.logger.Warn("login rate limit reached",
			slog.String("binding_key", d.BindingKey),
			slog.String("ip_address", ip),
			slog.Duration("retry_after", d.RetryAfter))
	}
	return d
}

// Reset clears both buckets after a successful login.
func (s *RateLimitService) Reset(ctx context.Context, ip, email string) {
	ctx, cancel := withStoreTimeout(ctx, s.config.StoreTimeout)
	defer cancel()

	if err := s.store.Delete(ctx, ipBucket(ip), emailBucket(email)); err != nil {
		s.metrics.StoreError("rate_limit")
		s.logger.Error("failed to reset rate limit buckets", slog.Any("error", err))
	}
}

func (s *RateLimitService) decide(ipCount int64, ipTTL time.Duration, emailCount int64, emailTTL time.Duration) RateDecision {
	ipLeft := s.config.MaxAttemptsPerIP - int(ipCount)
	emailLeft := s.config.MaxAttemptsPerEmail - int(emailCount)

	d := RateDecision{Allowed: true, RemainingAttempts: min(ipLeft, emailLeft), EmailCount: int(emailCount)}
	if ipLeft <= 0 {
		d.Allowed = false
		d.BindingKey = "ip"
		d.RetryAfter = ipTTL
	}
	if emailLeft <= 0 {
		d.Allowed = false
		if emailTTL > d.RetryAfter {
			d.RetryAfter = emailTTL
			d.BindingKey = "email"
		} else if d.BindingKey == "" {
			d.BindingKey = "email"
		}
	}
	if d.RemainingAttempts < 0 {
		d.RemainingAttempts = 0
	}
	return d
}

func (s *RateLimitService) storeFailure(err error, op string) (RateDecision, error) {
	s.metrics.StoreError("rate_limit")
	s.logger.Error("rate limit store failure",
		slog.String("op", op),
		slog.Bool("fail_closed", s.config.FailClosed),
		slog.Any("error", err))

	if s.config.FailClosed && op == "check" {
		return RateDecision{}, ErrLimiterUnavailable
	}
	return RateDecision{Allowed: true, RemainingAttempts: min(s.config.MaxAttemptsPerIP, s.config.MaxAttemptsPerEmail)}, nil
}

func withStoreTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// SecondFactorConfig bounds second-factor guesses per account.
type SecondFactorConfig struct {
	MaxAttempts  int
	Window       time.Duration
	FailClosed   bool
	StoreTimeout time.Duration
}

// SecondFactorLimiter counts failed second-factor codes per account in its
// own namespace, separate from the first-factor buckets.
type SecondFactorLimiter struct {
	store   RateLimitStore
	config  SecondFactorConfig
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func NewSecondFactorLimiter(store RateLimitStore, config SecondFactorConfig, logger *slog.Logger, m *metrics.Metrics) *SecondFactorLimiter {
	return &SecondFactorLimiter{store: store, config: config, logger: logger, metrics: m}
}

func secondFactorBucket(accountID string) string {
	return "2fa:account:" + accountID
}

// Check reports whether accountID may submit another code.
func (l *SecondFactorLimiter) Check(ctx context.Context, accountID string) (RateDecision, error) {
	ctx, cancel := withStoreTimeout(ctx, l.config.StoreTimeout)
	defer cancel()

	count, ttl, err := l.store.Peek(ctx, secondFactorBucket(accountID))
	if err != nil {
		l.metrics.StoreError("rate_limit")
		l.logger.Error("second factor limiter store failure", slog.Any("error", err))
		if l.config.FailClosed {
			return RateDecision{}, ErrLimiterUnavailable
		}
		return RateDecision{Allowed: true, RemainingAttempts: l.config.MaxAttempts}, nil
	}

	left := l.config.MaxAttempts - int(count)
	if left <= 0 {
		return RateDecision{Allowed: false, RetryAfter: ttl, BindingKey: "account"}, nil
	}
	return RateDecision{Allowed: true, RemainingAttempts: left}, nil
}

// RecordFailure counts one wrong code.
func (l *SecondFactorLimiter) RecordFailure(ctx context.Context, accountID string) {
	ctx, cancel := withStoreTimeout(ctx, l.config.StoreTimeout)
	defer cancel()

	count, _, err := l.store.Increment(ctx, secondFactorBucket(accountID), l.config.Window)
	if err != nil {
		l.metrics.StoreError("rate_limit")
		l.logger.Error("failed to record second factor failure", slog.Any("error", err))
		return
	}
	if int(count) >= l.config.MaxAttempts {
		l.logger.Warn("second factor attempts exhausted", slog.String("account_id", accountID))
	}
}

// Reset clears the bucket after a successful second factor.
func (l *SecondFactorLimiter) Reset(ctx context.Context, accountID string) {
	ctx, cancel := withStoreTimeout(ctx, l.config.StoreTimeout)
	defer cancel()

	if err := l.store.Delete(ctx, secondFactorBucket(accountID)); err != nil {
		l.logger.Error("failed to reset second factor limiter", slog.Any("error", err))
	}
}
