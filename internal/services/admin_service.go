package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BradenHooton/sentinel/internal/models"
)

// AdminAccountStore is the subset of account storage needed by AdminService.
type AdminAccountStore interface {
	GetByID(ctx context.Context, id string) (*models.Account, error)
	ResetFailureCounters(ctx context.Context, id string) error
	TouchCredentialChange(ctx context.Context, id string, at time.Time) error
	DeleteTrustedDevices(ctx context.Context, accountID string) error
	SetActive(ctx context.Context, id string, active bool) error
}

// AdminAuditRepository is the subset of audit storage needed by AdminService.
type AdminAuditRepository interface {
	ListByAccount(ctx context.Context, accountID string, limit, offset int) ([]*models.AuditLog, error)
}

// ActivityEntry is a single item in an account's activity feed.
type ActivityEntry struct {
	Timestamp     string               `json:"timestamp"`
	EventType     string               `json:"event_type"`
	Success       bool                 `json:"success"`
	FailureReason *string              `json:"failure_reason,omitempty"`
	IPAddress     *string              `json:"ip_address,omitempty"`
	Metadata      models.AuditMetadata `json:"metadata,omitempty"`
}

// AdminService lets one admin act on another admin account.
type AdminService struct {
	accounts     AdminAccountStore
	auditRepo    AdminAuditRepository
	audit        AuditSink
	logger       *slog.Logger
	storeTimeout time.Duration
	now          func() time.Time
}

// NewAdminService creates a new AdminService.
func NewAdminService(accounts AdminAccountStore, auditRepo AdminAuditRepository, audit AuditSink, storeTimeout time.Duration, logger *slog.Logger) *AdminService {
	if audit == nil {
		audit = NopAuditSink{}
	}
	return &AdminService{
		accounts:     accounts,
		auditRepo:    auditRepo,
		audit:        audit,
		logger:       logger,
		storeTimeout: storeTimeout,
		now:          time.Now,
	}
}

// ResetAccount lifts any lockout on the target, invalidates its sessions and
// forgets its trusted devices.
func (s *AdminService) ResetAccount(ctx context.Context, actor *models.Account, targetID string, meta RequestMeta) error {
	ctx, cancel := withStoreTimeout(ctx, s.storeTimeout)
	defer cancel()

	target, err := s.accounts.GetByID(ctx, targetID)
	if err != nil {
		return err
	}

	if err := s.accounts.TouchCredentialChange(ctx, target.ID, s.now()); err != nil {
		return fmt.Errorf("touch credential change: %w", err)
	}
	if err := s.accounts.DeleteTrustedDevices(ctx, target.ID); err != nil {
		return fmt.Errorf("delete trusted devices: %w", err)
	}
	if err := s.accounts.ResetFailureCounters(ctx, target.ID); err != nil {
		return fmt.Errorf("reset failure counters: %w", err)
	}

	s.record(ctx, models.AuditEventAccountReset, actor, target, meta)
	s.logger.Warn("admin account reset",
		slog.String("actor_id", actor.ID),
		slog.String("account_id", target.ID))
	return nil
}

// SetActive enables or disables the target. Disabling also revokes its
// sessions. Admins cannot disable themselves.
func (s *AdminService) SetActive(ctx context.Context, actor *models.Account, targetID string, active bool, meta RequestMeta) error {
	if actor.ID == targetID && !active {
		return models.ErrForbidden
	}

	ctx, cancel := withStoreTimeout(ctx, s.storeTimeout)
	defer cancel()

	target, err := s.accounts.GetByID(ctx, targetID)
	if err != nil {
		return err
	}

	if err := s.accounts.SetActive(ctx, target.ID, active); err != nil {
		return fmt.Errorf("set active: %w", err)
	}

	eventType := models.AuditEventAccountActivated
	if !active {
		eventType = models.AuditEventAccountDisabled
		if err := s.accounts.TouchCredentialChange(ctx, target.ID, s.now()); err != nil {
			return fmt.Errorf("touch credential change: %w", err)
		}
	}

	s.record(ctx, eventType, actor, target, meta)
	return nil
}

// RecentActivity returns the newest audit entries of the target account.
// limit is clamped to a maximum of 100.
func (s *AdminService) RecentActivity(ctx context.Context, targetID string, limit int) ([]ActivityEntry, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	ctx, cancel := withStoreTimeout(ctx, s.storeTimeout)
	defer cancel()

	if _, err := s.accounts.GetByID(ctx, targetID); err != nil {
		return nil, err
	}

	logs, err := s.auditRepo.ListByAccount(ctx, targetID, limit, 0)
	if err != nil {
		s.logger.Error("failed to list account activity", slog.String("account_id", targetID), slog.Any("error", err))
		return nil, err
	}

	entries := make([]ActivityEntry, 0, len(logs))
	for _, l := range logs {
		entries = append(entries, ActivityEntry{
			Timestamp:     l.CreatedAt.UTC().Format(time.RFC3339),
			EventType:     l.EventType,
			Success:       l.Success,
			FailureReason: l.FailureReason,
			IPAddress:     l.IPAddress,
			Metadata:      l.Metadata,
		})
	}
	return entries, nil
}

func (s *AdminService) record(ctx context.Context, eventType string, actor, target *models.Account, meta RequestMeta) {
	s.audit.Record(ctx, AuditEntry{
		EventType: eventType,
		AccountID: target.ID,
		Email:     target.Email,
		Success:   true,
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
		Metadata:  models.AuditMetadata{"actor_id": actor.ID},
	})
}
