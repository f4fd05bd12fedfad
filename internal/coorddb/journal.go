package coorddb

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Operation classifies a change-journal entry.
type Operation string

// The set of change-journal operations.
const (
	OpCreate Operation = "CREATE"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

// ChangeEntry is a single change-journal record.
type ChangeEntry struct {
	ID         string
	SessionID  string
	Resource   string
	Operation  Operation
	ChangeData string
	CreatedAt  time.Time
}

// RecordChange appends a change-journal entry and returns its generated id.
func (db *DB) RecordChange(ctx context.Context, sessionID, resource string, op Operation, changeData string) (string, error) {
	id := uuid.NewString()
	now := time.Now().UTC()
	_, err := db.sql.ExecContext(ctx, `
		INSERT INTO change_journal (id, session_id, resource, operation, change_data, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id, sessionID, resource, string(op), changeData, now.Format(time.RFC3339Nano))
	if err != nil {
		return "", fmt.Errorf("coorddb: record change: %w", err)
	}
	return id, nil
}

// GetChangesBySession returns ordered change-journal entries for sessionID.
func (db *DB) GetChangesBySession(ctx context.Context, sessionID string) ([]ChangeEntry, error) {
	rows, err := db.sql.QueryContext(ctx, `
		SELECT id, session_id, resource, operation, change_data, created_at
		FROM change_journal WHERE session_id = ? ORDER BY created_at ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("coorddb: get changes by session: %w", err)
	}
	defer rows.Close()
	return scanChangeEntries(rows)
}

// GetChangesByResource returns ordered change-journal entries for resource.
func (db *DB) GetChangesByResource(ctx context.Context, resource string) ([]ChangeEntry, error) {
	rows, err := db.sql.QueryContext(ctx, `
		SELECT id, session_id, resource, operation, change_data, created_at
		FROM change_journal WHERE resource = ? ORDER BY created_at ASC`, resource)
	if err != nil {
		return nil, fmt.Errorf("coorddb: get changes by resource: %w", err)
	}
	defer rows.Close()
	return scanChangeEntries(rows)
}

func scanChangeEntries(rows interface {
	Next() bool
	Scan(...any) error
	Err() error
}) ([]ChangeEntry, error) {
	var out []ChangeEntry
	for rows.Next() {
		var e ChangeEntry
		var op, createdAt string
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Resource, &op, &e.ChangeData, &createdAt); err != nil {
			return nil, err
		}
		e.Operation = Operation(op)
		t, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, err
		}
		e.CreatedAt = t
		out = append(out, e)
	}
	return out, rows.Err()
}
