package registry

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"encore.dev/storage/sqldb"
)

// AuditLog records one DLC lifecycle transition for compliance and
// debugging. Renamed and re-fielded from invalidation's cache-invalidation
// audit row: Pattern/Keys became Name/BundleVersion/Action, matching the
// teacher's own "one append-only row per event" design.
type AuditLog struct {
	ID          int64           `json:"id"`
	Action      LifecycleAction `json:"action"`
	Name        string          `json:"name"`
	BundleVer   string          `json:"bundle_version"`
	TriggeredBy string          `json:"triggered_by"`
	Error       string          `json:"error,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	RequestID   string          `json:"request_id"`
	Latency     int64           `json:"latency"`
}

// AuditLoggerInterface defines the audit logging operations the registry
// service depends on, letting tests substitute an in-memory logger
// instead of a real database.
type AuditLoggerInterface interface {
	Insert(ctx context.Context, log AuditLog) error
	GetRecent(ctx context.Context, limit, offset int, nameFilter string) ([]AuditLog, error)
	GetCount(ctx context.Context, nameFilter string) (int, error)
	GetByRequestID(ctx context.Context, requestID string) ([]AuditLog, error)
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
}

// AuditLogger provides persistent storage of DLC lifecycle events.
//
// Design decisions (ported from invalidation/audit.go):
//   - PostgreSQL for ACID compliance and audit integrity
//   - Append-only log: rows are never updated; Cleanup deletes rows past retention
//   - Indexed by timestamp for efficient time-range queries
type AuditLogger struct {
	db *sqldb.Database
}

// NewAuditLogger creates a new audit logger with database connection.
func NewAuditLogger(db *sqldb.Database) (*AuditLogger, error) {
	logger := &AuditLogger{db: db}
	if err := logger.ensureSchema(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to initialize audit schema: %w", err)
	}
	return logger, nil
}

func (al *AuditLogger) ensureSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS dlc_audit (
			id BIGSERIAL PRIMARY KEY,
			action TEXT NOT NULL,
			name TEXT NOT NULL,
			bundle_version TEXT NOT NULL DEFAULT '',
			triggered_by TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			timestamp TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			request_id TEXT NOT NULL,
			latency_ms BIGINT DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_dlc_audit_timestamp
		ON dlc_audit(timestamp DESC);

		CREATE INDEX IF NOT EXISTS idx_dlc_audit_name
		ON dlc_audit(name);

		CREATE INDEX IF NOT EXISTS idx_dlc_audit_request_id
		ON dlc_audit(request_id);
	`
	_, err := al.db.Exec(ctx, query)
	return err
}

// Insert adds a new audit log entry.
func (al *AuditLogger) Insert(ctx context.Context, log AuditLog) error {
	query := `
		INSERT INTO dlc_audit
		(action, name, bundle_version, triggered_by, error, timestamp, request_id, latency_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT DO NOTHING
	`
	_, err := al.db.Exec(ctx, query,
		string(log.Action),
		log.Name,
		log.BundleVer,
		log.TriggeredBy,
		log.Error,
		log.Timestamp,
		log.RequestID,
		log.Latency,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit log: %w", err)
	}
	return nil
}

// GetRecent retrieves recent audit logs with pagination, optionally
// filtered by bundle name.
func (al *AuditLogger) GetRecent(ctx context.Context, limit, offset int, nameFilter string) ([]AuditLog, error) {
	var query string
	var args []interface{}

	if nameFilter != "" {
		query = `
			SELECT id, action, name, bundle_version, triggered_by, error, timestamp, request_id, latency_ms
			FROM dlc_audit
			WHERE name LIKE $1
			ORDER BY timestamp DESC
			LIMIT $2 OFFSET $3
		`
		args = []interface{}{"%" + nameFilter + "%", limit, offset}
	} else {
		query = `
			SELECT id, action, name, bundle_version, triggered_by, error, timestamp, request_id, latency_ms
			FROM dlc_audit
			ORDER BY timestamp DESC
			LIMIT $1 OFFSET $2
		`
		args = []interface{}{limit, offset}
	}

	rows, err := al.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit logs: %w", err)
	}
	defer rows.Close()

	logs := make([]AuditLog, 0, limit)
	for rows.Next() {
		var log AuditLog
		var action string
		if err := rows.Scan(&log.ID, &action, &log.Name, &log.BundleVer, &log.TriggeredBy,
			&log.Error, &log.Timestamp, &log.RequestID, &log.Latency); err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}
		log.Action = LifecycleAction(action)
		logs = append(logs, log)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit logs: %w", err)
	}
	return logs, nil
}

// GetCount returns the total number of audit logs, optionally filtered by
// bundle name.
func (al *AuditLogger) GetCount(ctx context.Context, nameFilter string) (int, error) {
	var query string
	var args []interface{}
	var count int

	if nameFilter != "" {
		query = `SELECT COUNT(*) FROM dlc_audit WHERE name LIKE $1`
		args = []interface{}{"%" + nameFilter + "%"}
	} else {
		query = `SELECT COUNT(*) FROM dlc_audit`
	}

	if err := al.db.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count audit logs: %w", err)
	}
	return count, nil
}

// GetByRequestID retrieves audit logs by request ID for tracing.
func (al *AuditLogger) GetByRequestID(ctx context.Context, requestID string) ([]AuditLog, error) {
	query := `
		SELECT id, action, name, bundle_version, triggered_by, error, timestamp, request_id, latency_ms
		FROM dlc_audit
		WHERE request_id = $1
		ORDER BY timestamp DESC
	`
	rows, err := al.db.Query(ctx, query, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit logs by request ID: %w", err)
	}
	defer rows.Close()

	logs := make([]AuditLog, 0)
	for rows.Next() {
		var log AuditLog
		var action string
		if err := rows.Scan(&log.ID, &action, &log.Name, &log.BundleVer, &log.TriggeredBy,
			&log.Error, &log.Timestamp, &log.RequestID, &log.Latency); err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}
		log.Action = LifecycleAction(action)
		logs = append(logs, log)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit logs: %w", err)
	}
	return logs, nil
}

// AuditStats summarizes DLC lifecycle activity since a given time.
type AuditStats struct {
	TotalEvents int64            `json:"total_events"`
	ByAction    map[string]int64 `json:"by_action"`
	AvgLatency  float64          `json:"avg_latency_ms"`
}

// GetStats returns aggregated lifecycle statistics, ported from
// invalidation/audit.go's GetStats.
func (al *AuditLogger) GetStats(ctx context.Context, since time.Time) (*AuditStats, error) {
	stats := &AuditStats{ByAction: make(map[string]int64)}

	query := `
		SELECT COUNT(*) as total, COALESCE(AVG(latency_ms), 0) as avg_latency
		FROM dlc_audit
		WHERE timestamp >= $1
	`
	if err := al.db.QueryRow(ctx, query, since).Scan(&stats.TotalEvents, &stats.AvgLatency); err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to get total stats: %w", err)
	}

	actionQuery := `
		SELECT action, COUNT(*) as count
		FROM dlc_audit
		WHERE timestamp >= $1
		GROUP BY action
	`
	rows, err := al.db.Query(ctx, actionQuery, since)
	if err != nil {
		return nil, fmt.Errorf("failed to get action breakdown: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var action string
		var count int64
		if err := rows.Scan(&action, &count); err != nil {
			continue
		}
		stats.ByAction[action] = count
	}

	return stats, nil
}

// Cleanup removes audit logs older than olderThan. Run periodically to
// prevent unbounded growth.
func (al *AuditLogger) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	query := `DELETE FROM dlc_audit WHERE timestamp < $1`
	result, err := al.db.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup audit logs: %w", err)
	}
	return result.RowsAffected(), nil
}
