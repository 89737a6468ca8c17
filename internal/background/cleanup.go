package background

import (
	"context"
	"log/slog"
	"time"
)

// DeviceReaper removes trusted device rows past their expiry.
type DeviceReaper interface {
	DeleteExpiredTrustedDevices(ctx context.Context, now time.Time) (int64, error)
}

// AuditPruner removes audit rows older than the retention window.
type AuditPruner interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// CleanupManager periodically removes expired trusted devices and old audit
// rows. Expired devices are already refused at login; this only reclaims
// storage.
type CleanupManager struct {
	devices        DeviceReaper
	audit          AuditPruner
	auditRetention time.Duration
	logger         *slog.Logger
	interval       time.Duration
	now            func() time.Time
	stopCh         chan struct{}
}

// NewCleanupManager creates a new cleanup manager. A nil audit pruner or a
// zero retention keeps audit rows forever.
func NewCleanupManager(
	devices DeviceReaper,
	audit AuditPruner,
	auditRetention time.Duration,
	logger *slog.Logger,
	interval time.Duration,
) *CleanupManager {
	return &CleanupManager{
		devices:        devices,
		audit:          audit,
		auditRetention: auditRetention,
		logger:         logger,
		interval:       interval,
		now:            time.Now,
		stopCh:         make(chan struct{}),
	}
}

// Start begins the periodic cleanup task
func (cm *CleanupManager) Start(ctx context.Context) {
	ticker := time.NewTicker(cm.interval)
	defer ticker.Stop()

	// Run immediately on startup
	cm.RunOnce(ctx)

	for {
		select {
		case <-ticker.C:
			cm.RunOnce(ctx)
		case <-cm.stopCh:
			cm.logger.Info("cleanup manager stopped")
			return
		case <-ctx.Done():
			cm.logger.Info("cleanup manager context cancelled")
			return
		}
	}
}

// RunOnce performs a single cleanup pass. Failures are logged and retried on
// the next tick.
func (cm *CleanupManager) RunOnce(ctx context.Context) {
	cleanupCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	now := cm.now()

	rows, err := cm.devices.DeleteExpiredTrustedDevices(cleanupCtx, now)
	if err != nil {
		cm.logger.Error("failed to cleanup expired trusted devices", slog.Any("error", err))
	} else if rows > 0 {
		cm.logger.Info("expired trusted device cleanup completed", slog.Int64("rows_deleted", rows))
	}

	if cm.audit == nil || cm.auditRetention <= 0 {
		return
	}

	rows, err = cm.audit.DeleteOlderThan(cleanupCtx, now.Add(-cm.auditRetention))
	if err != nil {
		cm.logger.Error("failed to prune audit logs", slog.Any("error", err))
		return
	}
	if rows > 0 {
		cm.logger.Info("audit log pruning completed", slog.Int64("rows_deleted", rows))
	}
}

// Stop signals the cleanup manager to stop
func (cm *CleanupManager) Stop() {
	close(cm.stopCh)
}
