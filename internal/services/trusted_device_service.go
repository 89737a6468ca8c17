package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BradenHooton/sentinel/internal/auth"
	"github.com/BradenHooton/sentinel/internal/ids"
	"github.com/BradenHooton/sentinel/internal/models"
)

// TrustedDeviceConfig bounds device trust.
type TrustedDeviceConfig struct {
	TTL          time.Duration
	MaxDevices   int
	StoreTimeout time.Duration
}

// IssuedDevice is a freshly registered device token.
type IssuedDevice struct {
	Token     string
	ExpiresAt time.Time
}

// TrustedDeviceService registers devices that may skip the second factor and
// verifies their tokens against the presenting user agent.
type TrustedDeviceService struct {
	store  AccountStore
	tokens DeviceTokens
	config TrustedDeviceConfig
	logger *slog.Logger
	now    func() time.Time
}

func NewTrustedDeviceService(store AccountStore, tokens DeviceTokens, config TrustedDeviceConfig, logger *slog.Logger) *TrustedDeviceService {
	return &TrustedDeviceService{store: store, tokens: tokens, config: config, logger: logger, now: time.Now}
}

// Issue stores a device record for the account, evicting the least recently
// used one when the account is at capacity, and returns its token.
func (s *TrustedDeviceService) Issue(ctx context.Context, account *models.Account, userAgent string) (*IssuedDevice, error) {
	now := s.now()
	device := &models.TrustedDevice{
		ID:              ids.NewAt(now),
		AccountID:       account.ID,
		FingerprintHash: auth.DeviceFingerprint(userAgent),
		ExpiresAt:       now.Add(s.config.TTL),
		LastUsedAt:      now,
	}

	// The record is stored only once its token exists.
	token, err := s.tokens.Issue(account.Email, device.ID, device.FingerprintHash, device.ExpiresAt)
	if err != nil {
		return nil, err
	}

	ctx, cancel := withStoreTimeout(ctx, s.config.StoreTimeout)
	defer cancel()

	if err := s.store.AppendTrustedDevice(ctx, device, s.config.MaxDevices, now); err != nil {
		return nil, fmt.Errorf("append trusted device: %w", err)
	}

	return &IssuedDevice{Token: token, ExpiresAt: device.ExpiresAt}, nil
}

// Verify reports whether token names a live device of account that matches
// the presenting user agent. Every failure, including store errors, is false.
func (s *TrustedDeviceService) Verify(ctx context.Context, account *models.Account, token, userAgent string) bool {
	if token == "" {
		return false
	}

	claims, err := s.tokens.Parse(token)
	if err != nil {
		return false
	}
	if claims.Subject != strings.ToLower(account.Email) {
		return false
	}

	fingerprint := auth.DeviceFingerprint(userAgent)
	if claims.FingerprintHash != fingerprint {
		s.logger.Info("trusted device fingerprint mismatch", slog.String("account_id", account.ID))
		return false
	}

	ctx, cancel := withStoreTimeout(ctx, s.config.StoreTimeout)
	defer cancel()

	device, err := s.store.FindTrustedDevice(ctx, account.ID, claims.DeviceID)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			s.logger.Error("failed to load trusted device", slog.String("account_id", account.ID), slog.Any("error", err))
		}
		return false
	}

	now := s.now()
	if device.FingerprintHash != fingerprint || !device.ExpiresAt.After(now) {
		return false
	}

	if err := s.store.TouchTrustedDevice(ctx, device.ID, now); err != nil {
		s.logger.Warn("failed to update trusted device usage", slog.String("device_id", device.ID), slog.Any("error", err))
	}
	return true
}

// RevokeAll forgets every trusted device of the account.
func (s *TrustedDeviceService) RevokeAll(ctx context.Context, accountID string) error {
	ctx, cancel := withStoreTimeout(ctx, s.config.StoreTimeout)
	defer cancel()
	return s.store.DeleteTrustedDevices(ctx, accountID)
}
