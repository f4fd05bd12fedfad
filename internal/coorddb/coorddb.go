// Package coorddb implements the shared on-disk coordination database:
// session directory, advisory file locks, a change journal, and a
// structured conflict table. It is the only component in the coordination
// runtime intended to be shared across OS processes; every other component
// is per-process and mirrors state through this database when cross-process
// visibility is required.
package coorddb

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"goa.design/coordctl/internal/eventbus"
)

// DB wraps the shared sqlite-backed coordination database.
type DB struct {
	sql  *sql.DB
	path string
	bus  *eventbus.Bus

	// StaleSessionThreshold is how long a session may go without a
	// heartbeat before it is a candidate for cleanup.
	StaleSessionThreshold time.Duration
	// DefaultLockTTL is the lifetime of a newly acquired file lock.
	DefaultLockTTL time.Duration
}

// Open creates or opens the coordination database at path, creating the
// schema if absent.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("coorddb: create directory: %w", err)
	}
	dsn := buildDSN(path)
	sqldb, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("coorddb: open: %w", err)
	}
	sqldb.SetMaxOpenConns(4)
	sqldb.SetMaxIdleConns(2)

	if _, err := sqldb.Exec(schema); err != nil {
		sqldb.Close()
		return nil, fmt.Errorf("coorddb: create schema: %w", err)
	}

	return &DB{
		sql:                   sqldb,
		path:                  path,
		bus:                   eventbus.New(),
		StaleSessionThreshold: 5 * time.Minute,
		DefaultLockTTL:        30 * time.Second,
	}, nil
}

func buildDSN(path string) string {
	v := url.Values{}
	v.Set("_pragma", "journal_mode=WAL")
	v.Add("_pragma", "busy_timeout=30000")
	v.Add("_pragma", "synchronous=NORMAL")
	v.Add("_txlock", "immediate")
	return path + "?" + v.Encode()
}

// Events returns the bus conflict and pruning notifications are published
// on.
func (db *DB) Events() *eventbus.Bus { return db.bus }

// Close releases the underlying connection pool.
func (db *DB) Close() error { return db.sql.Close() }

// RegisterSession inserts or refreshes a session's heartbeat in the session
// directory.
func (db *DB) RegisterSession(ctx context.Context, id, path, role string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := db.sql.ExecContext(ctx, `
		INSERT INTO sessions (id, path, role, registered_at, last_heartbeat)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET last_heartbeat = excluded.last_heartbeat`,
		id, path, role, now, now)
	if err != nil {
		return fmt.Errorf("coorddb: register session: %w", err)
	}
	return nil
}

// StaleSessions returns session ids whose last heartbeat predates
// StaleSessionThreshold.
func (db *DB) StaleSessions(ctx context.Context) ([]string, error) {
	cutoff := time.Now().Add(-db.StaleSessionThreshold).UTC().Format(time.RFC3339Nano)
	rows, err := db.sql.QueryContext(ctx, `SELECT id FROM sessions WHERE last_heartbeat < ?`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("coorddb: stale sessions: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// PersistRateLimitSnapshot implements ratelimit.Persister.
func (db *DB) PersistRateLimitSnapshot(ctx context.Context, plan string, snapshot map[string]any) error {
	data, err := marshalJSON(snapshot)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = db.sql.ExecContext(ctx, `
		INSERT INTO rate_limit_snapshots (plan, snapshot, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(plan) DO UPDATE SET snapshot = excluded.snapshot, updated_at = excluded.updated_at`,
		plan, string(data), now)
	if err != nil {
		return fmt.Errorf("coorddb: persist rate limit snapshot: %w", err)
	}
	return nil
}
