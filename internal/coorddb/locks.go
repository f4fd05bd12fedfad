package coorddb

import (
	"context"
	"fmt"
	"time"
)

// AcquireLock attempts to acquire a short-lived advisory lock on resource
// for sessionID. An expired existing lock is reclaimed. Returns false
// without error when the resource is actively locked by another session.
func (db *DB) AcquireLock(ctx context.Context, resource, sessionID string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = db.DefaultLockTTL
	}
	now := time.Now().UTC()
	expiresAt := now.Add(ttl)

	tx, err := db.sql.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("coorddb: acquire lock: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var holder string
	var expiresAtStr string
	err = tx.QueryRowContext(ctx, `SELECT session_id, expires_at FROM file_locks WHERE resource = ?`, resource).
		Scan(&holder, &expiresAtStr)
	switch {
	case err == nil:
		expiry, perr := time.Parse(time.RFC3339Nano, expiresAtStr)
		if perr == nil && now.Before(expiry) && holder != sessionID {
			return false, nil
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE file_locks SET session_id = ?, acquired_at = ?, expires_at = ? WHERE resource = ?`,
			sessionID, now.Format(time.RFC3339Nano), expiresAt.Format(time.RFC3339Nano), resource); err != nil {
			return false, err
		}
	default:
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO file_locks (resource, session_id, acquired_at, expires_at) VALUES (?, ?, ?, ?)`,
			resource, sessionID, now.Format(time.RFC3339Nano), expiresAt.Format(time.RFC3339Nano)); err != nil {
			return false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("coorddb: acquire lock: %w", err)
	}
	return true, nil
}

// ReleaseLock releases resource's lock if sessionID currently holds it.
func (db *DB) ReleaseLock(ctx context.Context, resource, sessionID string) error {
	_, err := db.sql.ExecContext(ctx, `DELETE FROM file_locks WHERE resource = ? AND session_id = ?`, resource, sessionID)
	if err != nil {
		return fmt.Errorf("coorddb: release lock: %w", err)
	}
	return nil
}
