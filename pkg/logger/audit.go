package logger

import (
	"context"
	"log/slog"
	"sort"
	"time"
)

// AuditEvent is a security decision mirrored to the structured log.
type AuditEvent struct {
	EventType     string
	AccountID     string
	Email         string
	IPAddress     string
	UserAgent     string
	Success       bool
	FailureReason string
	Metadata      map[string]interface{}
}

// AuditLogger writes audit events as structured log records. Emails are
// masked and credentials never reach it.
type AuditLogger struct {
	logger *slog.Logger
}

// NewAuditLogger creates a new audit logger
func NewAuditLogger(logger *slog.Logger) *AuditLogger {
	return &AuditLogger{
		logger: logger,
	}
}

// Log emits event at Info on success and Warn otherwise.
func (al *AuditLogger) Log(ctx context.Context, event AuditEvent) {
	attrs := []slog.Attr{
		slog.String("audit_type", "auth"),
		slog.String("event_type", event.EventType),
		slog.Bool("success", event.Success),
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
	}

	if event.AccountID != "" {
		attrs = append(attrs, slog.String("account_id", event.AccountID))
	}
	if event.Email != "" {
		attrs = append(attrs, slog.String("email", SanitizedEmail(event.Email)))
	}
	if event.IPAddress != "" {
		attrs = append(attrs, slog.String("ip_address", event.IPAddress))
	}
	if event.UserAgent != "" {
		attrs = append(attrs, slog.String("user_agent", event.UserAgent))
	}
	if event.FailureReason != "" {
		attrs = append(attrs, slog.String("failure_reason", event.FailureReason))
	}

	keys := make([]string, 0, len(event.Metadata))
	for key := range event.Metadata {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		attrs = append(attrs, slog.Any(key, event.Metadata[key]))
	}

	level := slog.LevelInfo
	if !event.Success {
		level = slog.LevelWarn
	}
	al.logger.LogAttrs(ctx, level, "audit", attrs...)
}
