package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/BradenHooton/sentinel/internal/models"
	pkglogger "github.com/BradenHooton/sentinel/pkg/logger"
)

// AuditEntry is one security decision bound for the audit trail.
type AuditEntry struct {
	EventType     string
	AccountID     string
	Email         string
	Success       bool
	FailureReason string
	IPAddress     string
	UserAgent     string
	Metadata      models.AuditMetadata
}

// RequestMeta identifies the client behind an account operation.
type RequestMeta struct {
	IPAddress string
	UserAgent string
}

// AuditService handles audit logging with dual-write pattern (slog + database)
type AuditService struct {
	repo        AuditLogRepository
	auditLogger *pkglogger.AuditLogger
	logger      *slog.Logger
}

// NewAuditService creates a new AuditService
func NewAuditService(repo AuditLogRepository, auditLogger *pkglogger.AuditLogger, logger *slog.Logger) *AuditService {
	return &AuditService{
		repo:        repo,
		auditLogger: auditLogger,
		logger:      logger,
	}
}

// Record writes the entry to the structured log and persists it. Persistence
// errors are logged and swallowed.
func (s *AuditService) Record(ctx context.Context, entry AuditEntry) {
	// Dual-write: immediate slog output
	s.auditLogger.Log(ctx, pkglogger.AuditEvent{
		EventType:     entry.EventType,
		AccountID:     entry.AccountID,
		Email:         entry.Email,
		IPAddress:     entry.IPAddress,
		UserAgent:     entry.UserAgent,
		Success:       entry.Success,
		FailureReason: entry.FailureReason,
		Metadata:      entry.Metadata,
	})

	if s.repo == nil {
		return
	}

	_, err := s.repo.Create(ctx, &models.AuditLog{
		EventType:     entry.EventType,
		AccountID:     optional(entry.AccountID),
		Email:         optional(entry.Email),
		Success:       entry.Success,
		FailureReason: optional(entry.FailureReason),
		IPAddress:     optional(entry.IPAddress),
		UserAgent:     optional(entry.UserAgent),
		Metadata:      entry.Metadata,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to persist audit log",
			slog.String("event_type", entry.EventType),
			slog.Any("error", err),
		)
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// AuditDispatcher records entries on a background worker so audit storage
// never adds latency to, or fails, the login path.
type AuditDispatcher struct {
	*Dispatcher[AuditEntry]
}

func NewAuditDispatcher(sink AuditSink, bufferSize int, timeout time.Duration, logger *slog.Logger) *AuditDispatcher {
	return &AuditDispatcher{
		Dispatcher: NewDispatcher("audit", bufferSize, timeout, logger, sink.Record),
	}
}

// Record queues the entry. The caller's context is not carried over.
func (d *AuditDispatcher) Record(_ context.Context, entry AuditEntry) {
	d.Submit(entry)
}

// NopAuditSink discards entries.
type NopAuditSink struct{}

func (NopAuditSink) Record(context.Context, AuditEntry) {}
