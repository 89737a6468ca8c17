package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BradenHooton/sentinel/internal/metrics"
	"github.com/BradenHooton/sentinel/internal/models"
)

// LockoutConfig sets the failure threshold and cooldown.
type LockoutConfig struct {
	Threshold    int
	Duration     time.Duration
	StoreTimeout time.Duration
}

// LockoutResult describes the account state after a recorded failure.
type LockoutResult struct {
	Locked            bool
	LockedNow         bool // this failure triggered the lockout
	LockoutSeconds    int
	RemainingAttempts int
}

// LockoutService locks an account after repeated password failures. It is
// keyed by account identity only, so it survives IP rotation.
type LockoutService struct {
	store   AccountStore
	config  LockoutConfig
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewLockoutService(store AccountStore, config LockoutConfig, logger *slog.Logger, m *metrics.Metrics) *LockoutService {
	return &LockoutService{store: store, config: config, logger: logger, metrics: m, now: time.Now}
}

// CheckLocked returns the time left on an active lockout.
func (s *LockoutService) CheckLocked(account *models.Account) (time.Duration, bool) {
	now := s.now()
	if !account.IsLocked(now) {
		return 0, false
	}
	return account.LockoutUntil.Sub(now), true
}

// RecordFailure counts a wrong password. Reaching the threshold opens the
// lockout window and zeroes the counter in one store operation.
func (s *LockoutService) RecordFailure(ctx context.Context, account *models.Account) (LockoutResult, error) {
	ctx, cancel := withStoreTimeout(ctx, s.config.StoreTimeout)
	defer cancel()

	now := s.now()
	failure, err := s.store.RecordLoginFailure(ctx, account.ID, s.config.Threshold, now.Add(s.config.Duration), now)
	if err != nil {
		s.metrics.StoreError("accounts")
		return LockoutResult{}, fmt.Errorf("record login failure: %w", err)
	}

	if failure.LockoutUntil != nil && failure.LockoutUntil.After(now) {
		remaining := failure.LockoutUntil.Sub(now)
		if failure.LockedNow {
			s.metrics.Lockout()
			s.logger.Warn("account locked after repeated failures",
				slog.String("account_id", account.ID),
				slog.Duration("duration", remaining))
		}
		return LockoutResult{Locked: true, LockedNow: failure.LockedNow, LockoutSeconds: ceilSeconds(remaining)}, nil
	}

	remaining := s.config.Threshold - failure.FailedAttempts
	if remaining < 0 {
		remaining = 0
	}
	return LockoutResult{RemainingAttempts: remaining}, nil
}

// RecordSuccess clears the counter and any lockout.
func (s *LockoutService) RecordSuccess(ctx context.Context, account *models.Account) error {
	if account.FailedLoginAttempts == 0 && account.LockoutUntil == nil {
		return nil
	}

	ctx, cancel := withStoreTimeout(ctx, s.config.StoreTimeout)
	defer cancel()

	if err := s.store.ResetFailureCounters(ctx, account.ID); err != nil {
		s.metrics.StoreError("accounts")
		return fmt.Errorf("reset failure counters: %w", err)
	}
	return nil
}

func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}
