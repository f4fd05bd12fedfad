package coorddb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"goa.design/coordctl/internal/eventbus"
)

// ConflictType enumerates the kinds of conflict the coordination database
// records. The type string is enum-constrained: recording any other value
// fails.
type ConflictType string

// The complete set of recordable conflict types.
const (
	ConflictVersion       ConflictType = "VERSION_CONFLICT"
	ConflictConcurrentEdit ConflictType = "CONCURRENT_EDIT"
	ConflictStaleLock     ConflictType = "STALE_LOCK"
	ConflictMergeFailure  ConflictType = "MERGE_FAILURE"
)

var validConflictTypes = map[ConflictType]bool{
	ConflictVersion: true, ConflictConcurrentEdit: true, ConflictStaleLock: true, ConflictMergeFailure: true,
}

// Severity classifies how urgently a conflict needs attention.
type Severity string

// The complete set of severities.
const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

var validSeverities = map[Severity]bool{SeverityInfo: true, SeverityWarning: true, SeverityCritical: true}

// ConflictStatus tracks a conflict's resolution lifecycle.
type ConflictStatus string

// The complete set of conflict statuses. Transitions pending -> resolved /
// auto-resolved are one-way.
const (
	ConflictPending      ConflictStatus = "pending"
	ConflictResolved     ConflictStatus = "resolved"
	ConflictAutoResolved ConflictStatus = "auto-resolved"
)

// Resolution names how a conflict was settled.
type Resolution string

// The complete set of resolutions.
const (
	ResolutionVersionA Resolution = "version_a"
	ResolutionVersionB Resolution = "version_b"
	ResolutionMerged   Resolution = "merged"
	ResolutionManual   Resolution = "manual"
)

// Conflict is a single recorded conflict row.
type Conflict struct {
	ID               string
	Type             ConflictType
	Resource         string
	DetectedAt       time.Time
	Severity         Severity
	SessionAID       string
	SessionAVersion  int
	SessionAData     json.RawMessage
	SessionBID       string
	SessionBVersion  int
	SessionBData     json.RawMessage
	AffectedTaskIDs  []string
	FieldConflicts   []string
	Status           ConflictStatus
	Resolution       Resolution
	ResolvedAt       *time.Time
	ResolvedBy       string
	ResolutionData   json.RawMessage
	ResolutionNotes  string
}

// RecordConflictInput is the input to RecordConflict.
type RecordConflictInput struct {
	ID              string // optional, auto-generated when empty
	Type            ConflictType
	Resource        string
	Severity        Severity
	SessionAID      string
	SessionAVersion int
	SessionAData    any
	SessionBID      string
	SessionBVersion int
	SessionBData    any
	AffectedTaskIDs []string
	FieldConflicts  []string
}

// ConflictDetected is published on RecordConflict success.
type ConflictDetected struct{ Conflict Conflict }

// ConflictResolvedEvt is published on ResolveConflict success.
type ConflictResolvedEvt struct{ Conflict Conflict }

// ConflictsPruned is published when PruneOldConflicts deletes rows.
type ConflictsPruned struct{ Count int }

// RecordConflict inserts a new conflict row. The type and severity must be
// one of the enumerated values. Auto-generates an id when absent.
func (db *DB) RecordConflict(ctx context.Context, in RecordConflictInput) (Conflict, error) {
	if !validConflictTypes[in.Type] {
		return Conflict{}, fmt.Errorf("coorddb: invalid conflict type %q", in.Type)
	}
	if in.Severity == "" {
		in.Severity = SeverityWarning
	}
	if !validSeverities[in.Severity] {
		return Conflict{}, fmt.Errorf("coorddb: invalid severity %q", in.Severity)
	}
	id := in.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now().UTC()

	sessionAData, err := marshalJSON(in.SessionAData)
	if err != nil {
		return Conflict{}, err
	}
	sessionBData, err := marshalJSON(in.SessionBData)
	if err != nil {
		return Conflict{}, err
	}
	affected, err := marshalJSON(in.AffectedTaskIDs)
	if err != nil {
		return Conflict{}, err
	}
	fields, err := marshalJSON(in.FieldConflicts)
	if err != nil {
		return Conflict{}, err
	}

	_, err = db.sql.ExecContext(ctx, `
		INSERT INTO conflicts (
			id, type, resource, detected_at, severity,
			session_a_id, session_a_version, session_a_data,
			session_b_id, session_b_version, session_b_data,
			affected_task_ids, field_conflicts, status
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, string(in.Type), in.Resource, now.Format(time.RFC3339Nano), string(in.Severity),
		in.SessionAID, in.SessionAVersion, string(sessionAData),
		in.SessionBID, in.SessionBVersion, string(sessionBData),
		string(affected), string(fields), string(ConflictPending))
	if err != nil {
		return Conflict{}, fmt.Errorf("coorddb: record conflict: %w", err)
	}

	c := Conflict{
		ID: id, Type: in.Type, Resource: in.Resource, DetectedAt: now, Severity: in.Severity,
		SessionAID: in.SessionAID, SessionAVersion: in.SessionAVersion, SessionAData: sessionAData,
		SessionBID: in.SessionBID, SessionBVersion: in.SessionBVersion, SessionBData: sessionBData,
		AffectedTaskIDs: in.AffectedTaskIDs, FieldConflicts: in.FieldConflicts, Status: ConflictPending,
	}
	_ = db.bus.Publish(ctx, eventbus.Event{Type: "conflict:detected", Payload: ConflictDetected{Conflict: c}})
	return c, nil
}

// GetConflict returns the conflict for id, or (Conflict{}, false) when
// unknown.
func (db *DB) GetConflict(ctx context.Context, id string) (Conflict, bool, error) {
	row := db.sql.QueryRowContext(ctx, `
		SELECT id, type, resource, detected_at, severity,
			session_a_id, session_a_version, session_a_data,
			session_b_id, session_b_version, session_b_data,
			affected_task_ids, field_conflicts, status,
			resolution, resolved_at, resolved_by, resolution_data, resolution_notes
		FROM conflicts WHERE id = ?`, id)
	c, err := scanConflict(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Conflict{}, false, nil
		}
		return Conflict{}, false, err
	}
	return c, true, nil
}

// GetPendingConflicts returns all pending conflicts ordered newest-first.
func (db *DB) GetPendingConflicts(ctx context.Context) ([]Conflict, error) {
	rows, err := db.sql.QueryContext(ctx, `
		SELECT id, type, resource, detected_at, severity,
			session_a_id, session_a_version, session_a_data,
			session_b_id, session_b_version, session_b_data,
			affected_task_ids, field_conflicts, status,
			resolution, resolved_at, resolved_by, resolution_data, resolution_notes
		FROM conflicts WHERE status = ? ORDER BY detected_at DESC`, string(ConflictPending))
	if err != nil {
		return nil, fmt.Errorf("coorddb: get pending conflicts: %w", err)
	}
	defer rows.Close()
	return scanConflicts(rows)
}

// ConflictsPage is a paginated GetConflicts result.
type ConflictsPage struct {
	Conflicts []Conflict
	Summary   map[ConflictStatus]int
}

// GetConflictsQuery narrows GetConflicts.
type GetConflictsQuery struct {
	Resource        string
	IncludeResolved bool
	Limit           int
	Offset          int
}

// GetConflicts returns a paginated, filtered conflict list plus a summary of
// counts by status.
func (db *DB) GetConflicts(ctx context.Context, q GetConflictsQuery) (ConflictsPage, error) {
	where := "WHERE 1=1"
	args := []any{}
	if q.Resource != "" {
		where += " AND resource = ?"
		args = append(args, q.Resource)
	}
	if !q.IncludeResolved {
		where += " AND status = ?"
		args = append(args, string(ConflictPending))
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, q.Offset)

	rows, err := db.sql.QueryContext(ctx, `
		SELECT id, type, resource, detected_at, severity,
			session_a_id, session_a_version, session_a_data,
			session_b_id, session_b_version, session_b_data,
			affected_task_ids, field_conflicts, status,
			resolution, resolved_at, resolved_by, resolution_data, resolution_notes
		FROM conflicts `+where+` ORDER BY detected_at DESC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return ConflictsPage{}, fmt.Errorf("coorddb: get conflicts: %w", err)
	}
	defer rows.Close()
	conflicts, err := scanConflicts(rows)
	if err != nil {
		return ConflictsPage{}, err
	}

	counts, err := db.GetConflictCounts(ctx)
	if err != nil {
		return ConflictsPage{}, err
	}
	return ConflictsPage{
		Conflicts: conflicts,
		Summary: map[ConflictStatus]int{
			ConflictPending:      counts.Pending,
			ConflictResolved:     counts.Resolved,
			ConflictAutoResolved: counts.AutoResolved,
		},
	}, nil
}

// ResolveInput is the input to ResolveConflict.
type ResolveInput struct {
	ResolutionData any
	ResolvedBy     string
	Notes          string
	AutoResolved   bool
}

// ResolveResult is the output of ResolveConflict.
type ResolveResult struct {
	Success            bool
	Error              string
	ExistingResolution Resolution
	Conflict           Conflict
}

// Sentinel error codes returned in ResolveResult.Error.
const (
	ErrConflictNotFound  = "CONFLICT_NOT_FOUND"
	ErrAlreadyResolved   = "ALREADY_RESOLVED"
)

// ResolveConflict resolves a pending conflict. Unknown ids return
// CONFLICT_NOT_FOUND; already-resolved conflicts return ALREADY_RESOLVED
// with the original resolution and are not mutated (idempotent refusal).
func (db *DB) ResolveConflict(ctx context.Context, id string, resolution Resolution, in ResolveInput) (ResolveResult, error) {
	c, ok, err := db.GetConflict(ctx, id)
	if err != nil {
		return ResolveResult{}, err
	}
	if !ok {
		return ResolveResult{Success: false, Error: ErrConflictNotFound}, nil
	}
	if c.Status != ConflictPending {
		return ResolveResult{Success: false, Error: ErrAlreadyResolved, ExistingResolution: c.Resolution, Conflict: c}, nil
	}

	status := ConflictResolved
	if in.AutoResolved {
		status = ConflictAutoResolved
	}
	now := time.Now().UTC()
	resolutionData, err := marshalJSON(in.ResolutionData)
	if err != nil {
		return ResolveResult{}, err
	}

	_, err = db.sql.ExecContext(ctx, `
		UPDATE conflicts SET resolution = ?, status = ?, resolved_at = ?, resolved_by = ?,
			resolution_data = ?, resolution_notes = ?
		WHERE id = ?`,
		string(resolution), string(status), now.Format(time.RFC3339Nano), in.ResolvedBy,
		string(resolutionData), in.Notes, id)
	if err != nil {
		return ResolveResult{}, fmt.Errorf("coorddb: resolve conflict: %w", err)
	}

	c.Resolution = resolution
	c.Status = status
	c.ResolvedAt = &now
	c.ResolvedBy = in.ResolvedBy
	c.ResolutionData = resolutionData
	c.ResolutionNotes = in.Notes

	_ = db.bus.Publish(ctx, eventbus.Event{Type: "conflict:resolved", Payload: ConflictResolvedEvt{Conflict: c}})
	return ResolveResult{Success: true, Conflict: c}, nil
}

// ConflictCounts summarises conflicts by status.
type ConflictCounts struct {
	Pending      int
	Resolved     int
	AutoResolved int
	Total        int
}

// GetConflictCounts returns counts of conflicts by status.
func (db *DB) GetConflictCounts(ctx context.Context) (ConflictCounts, error) {
	rows, err := db.sql.QueryContext(ctx, `SELECT status, COUNT(*) FROM conflicts GROUP BY status`)
	if err != nil {
		return ConflictCounts{}, fmt.Errorf("coorddb: get conflict counts: %w", err)
	}
	defer rows.Close()
	var c ConflictCounts
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return ConflictCounts{}, err
		}
		switch ConflictStatus(status) {
		case ConflictPending:
			c.Pending = n
		case ConflictResolved:
			c.Resolved = n
		case ConflictAutoResolved:
			c.AutoResolved = n
		}
		c.Total += n
	}
	return c, rows.Err()
}

// PruneOldConflicts deletes resolved/auto-resolved conflicts older than
// ageMs. Pending conflicts are never pruned. Emits "conflicts:pruned" with
// the deleted count when non-zero.
func (db *DB) PruneOldConflicts(ctx context.Context, ageMs int64) (int, error) {
	cutoff := time.Now().Add(-time.Duration(ageMs) * time.Millisecond).UTC().Format(time.RFC3339Nano)
	res, err := db.sql.ExecContext(ctx, `
		DELETE FROM conflicts
		WHERE status IN (?, ?) AND resolved_at IS NOT NULL AND resolved_at < ?`,
		string(ConflictResolved), string(ConflictAutoResolved), cutoff)
	if err != nil {
		return 0, fmt.Errorf("coorddb: prune old conflicts: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		_ = db.bus.Publish(ctx, eventbus.Event{Type: "conflicts:pruned", Payload: ConflictsPruned{Count: int(n)}})
	}
	return int(n), nil
}

type rowScanner interface {
	Scan(...any) error
}

func scanConflict(row rowScanner) (Conflict, error) {
	var c Conflict
	var typ, severity, status, detectedAt string
	var sessionAData, sessionBData, affected, fields, resolutionData sql.NullString
	var resolution, resolvedBy, resolvedAt, notes sql.NullString

	err := row.Scan(&c.ID, &typ, &c.Resource, &detectedAt, &severity,
		&c.SessionAID, &c.SessionAVersion, &sessionAData,
		&c.SessionBID, &c.SessionBVersion, &sessionBData,
		&affected, &fields, &status,
		&resolution, &resolvedAt, &resolvedBy, &resolutionData, &notes)
	if err != nil {
		return Conflict{}, err
	}
	c.Type = ConflictType(typ)
	c.Severity = Severity(severity)
	c.Status = ConflictStatus(status)
	if t, perr := time.Parse(time.RFC3339Nano, detectedAt); perr == nil {
		c.DetectedAt = t
	}
	if sessionAData.Valid {
		c.SessionAData = json.RawMessage(sessionAData.String)
	}
	if sessionBData.Valid {
		c.SessionBData = json.RawMessage(sessionBData.String)
	}
	if affected.Valid {
		_ = json.Unmarshal([]byte(affected.String), &c.AffectedTaskIDs)
	}
	if fields.Valid {
		_ = json.Unmarshal([]byte(fields.String), &c.FieldConflicts)
	}
	if resolution.Valid {
		c.Resolution = Resolution(resolution.String)
	}
	if resolvedBy.Valid {
		c.ResolvedBy = resolvedBy.String
	}
	if resolutionData.Valid {
		c.ResolutionData = json.RawMessage(resolutionData.String)
	}
	if notes.Valid {
		c.ResolutionNotes = notes.String
	}
	if resolvedAt.Valid {
		if t, perr := time.Parse(time.RFC3339Nano, resolvedAt.String); perr == nil {
			c.ResolvedAt = &t
		}
	}
	return c, nil
}

func scanConflicts(rows *sql.Rows) ([]Conflict, error) {
	var out []Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
