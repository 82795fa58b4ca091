package lifecycle

import (
	"context"
	"time"

	"encore.dev/cron"
	"encore.dev/rlog"

	"encore.app/registry"
)

// auditRetention is how long a DLC lifecycle audit row is kept before the
// housekeeping cron prunes it.
const auditRetention = 30 * 24 * time.Hour

// AuditCleanup runs daily, leader-gated so exactly one instance prunes the
// audit log even when several kernel instances are running, the Go-native
// analog of core.py's single-process cleanup assumption now that the
// kernel can run as more than one replica.
var _ = cron.NewJob("audit-log-cleanup", cron.JobConfig{
	Title:    "DLC audit log cleanup",
	Schedule: "0 3 * * *",
	Endpoint: AuditCleanup,
})

//encore:api private
func AuditCleanup(ctx context.Context) error {
	if !IsLeader() {
		return nil
	}
	removed, err := registry.CleanupAuditLogs(ctx, auditRetention)
	if err != nil {
		rlog.Error("audit log cleanup failed", "err", err)
		return err
	}
	rlog.Info("audit log cleanup complete", "removed", removed)
	return nil
}
