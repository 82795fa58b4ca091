package lifecycle

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"encore.dev/rlog"
	"encore.dev/storage/sqldb"
)

// LeaderLease is a TTL-refreshed distributed lock backed by a Postgres
// advisory lock, the Go-native realization of ha.py's LeaderElector —
// same acquire/renew/release loop, different backend: a session-scoped
// pg_advisory_lock instead of a Redis lock, since the app already depends
// on encore.dev/storage/sqldb and nothing else in this stack pulls in a
// Redis client.
//
// Advisory locks are held by the Postgres session (connection) that took
// them, so a single dedicated *sql.Conn is checked out for the lifetime
// of leadership and returned (and the lock implicitly released) the
// moment that connection closes or the process dies — no TTL expiry race
// to reconcile, unlike a lease key that must be actively renewed against
// a separate store.
type LeaderLease struct {
	db       *sqldb.Database
	lockKey  int64
	holderID string
	interval time.Duration

	mu       sync.RWMutex
	isLeader bool
	expiry   time.Time
	conn     *sql.Conn
}

// NewLeaderLease creates a lease over name, renewed every interval.
func NewLeaderLease(db *sqldb.Database, name, holderID string, interval time.Duration) (*LeaderLease, error) {
	return &LeaderLease{
		db:       db,
		lockKey:  hashLockKey(name),
		holderID: holderID,
		interval: interval,
	}, nil
}

// Run acquires and repeatedly attempts to (re)acquire the lease until
// stopCh closes, mirroring LeaderElector.start's background thread: try
// to acquire when not leader, otherwise ping the holding connection and
// step down if it has been lost (Postgres drops a session's advisory lock
// with the session).
func (l *LeaderLease) Run(stopCh <-chan struct{}) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	l.tryAcquire(context.Background())

	for {
		select {
		case <-stopCh:
			l.Release(context.Background())
			return
		case <-ticker.C:
			l.mu.RLock()
			holding := l.isLeader
			l.mu.RUnlock()

			if !holding {
				l.tryAcquire(context.Background())
			} else {
				l.mu.Lock()
				if l.conn == nil {
					l.isLeader = false
				} else if err := l.conn.PingContext(context.Background()); err != nil {
					rlog.Warn("leader lease: holding connection lost, stepping down", "err", err)
					l.conn.Close()
					l.conn = nil
					l.isLeader = false
				} else {
					l.expiry = time.Now().Add(l.interval * 3)
				}
				l.mu.Unlock()
			}
		}
	}
}

func (l *LeaderLease) tryAcquire(ctx context.Context) {
	conn, err := l.db.Stdlib().Conn(ctx)
	if err != nil {
		rlog.Warn("leader lease: failed to acquire connection", "err", err)
		return
	}

	var acquired bool
	row := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.lockKey)
	if err := row.Scan(&acquired); err != nil {
		rlog.Warn("leader lease: advisory lock query failed", "err", err)
		conn.Close()
		return
	}

	if !acquired {
		conn.Close()
		return
	}

	l.mu.Lock()
	l.conn = conn
	l.isLeader = true
	l.expiry = time.Now().Add(l.interval * 3)
	l.mu.Unlock()

	rlog.Info("leader lease acquired", "holder_id", l.holderID)
}

// Status reports whether this process currently holds the lease and its
// informational deadline, three intervals after the last successful
// acquire or connection check (the lock itself never silently expires the
// way a TTL key would).
func (l *LeaderLease) Status() (bool, time.Time) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.isLeader, l.expiry
}

// Release gives up leadership, closing the holding connection so
// Postgres drops the advisory lock immediately, ported from
// LeaderElector.stop's "release if held" step.
func (l *LeaderLease) Release(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.isLeader {
		return
	}
	if l.conn != nil {
		_, _ = l.conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.lockKey)
		l.conn.Close()
		l.conn = nil
	}
	l.isLeader = false
	rlog.Info("leader lease released", "holder_id", l.holderID)
}

// hashLockKey folds name into an int64 advisory-lock key via FNV-1a,
// since pg_advisory_lock takes a bigint rather than an arbitrary string.
func hashLockKey(name string) int64 {
	var h uint64 = 1469598103934665603
	for i := 0; i < len(name); i++ {
		h ^= uint64(name[i])
		h *= 1099511628211
	}
	return int64(h)
}
