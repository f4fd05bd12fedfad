package coorddb

import (
	"context"
	"fmt"

	"gopkg.in/yaml.v3"
)

// conflictRecord is the YAML-friendly projection of Conflict, keeping the
// binary json.RawMessage payloads out of the human-diffable export.
type conflictRecord struct {
	ID              string     `yaml:"id"`
	Type            string     `yaml:"type"`
	Resource        string     `yaml:"resource"`
	Severity        string     `yaml:"severity"`
	Status          string     `yaml:"status"`
	SessionAID      string     `yaml:"session_a_id"`
	SessionBID      string     `yaml:"session_b_id"`
	AffectedTaskIDs []string   `yaml:"affected_task_ids,omitempty"`
	Resolution      Resolution `yaml:"resolution,omitempty"`
}

func toRecord(c Conflict) conflictRecord {
	return conflictRecord{
		ID: c.ID, Type: string(c.Type), Resource: c.Resource, Severity: string(c.Severity),
		Status: string(c.Status), SessionAID: c.SessionAID, SessionBID: c.SessionBID,
		AffectedTaskIDs: c.AffectedTaskIDs, Resolution: c.Resolution,
	}
}

// ExportConflicts renders every pending conflict as human-diffable YAML,
// for offline review the way spec.md asks the task file itself to stay
// diffable.
func (db *DB) ExportConflicts(ctx context.Context) ([]byte, error) {
	conflicts, err := db.GetPendingConflicts(ctx)
	if err != nil {
		return nil, fmt.Errorf("coorddb: export conflicts: %w", err)
	}
	records := make([]conflictRecord, 0, len(conflicts))
	for _, c := range conflicts {
		records = append(records, toRecord(c))
	}
	return yaml.Marshal(records)
}

// ImportConflicts parses a YAML export back into RecordConflictInput
// values suitable for re-recording, e.g. after a manual review pass on a
// different host. It does not write to the database itself.
func ImportConflicts(data []byte) ([]RecordConflictInput, error) {
	var records []conflictRecord
	if err := yaml.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("coorddb: import conflicts: %w", err)
	}
	inputs := make([]RecordConflictInput, 0, len(records))
	for _, r := range records {
		inputs = append(inputs, RecordConflictInput{
			Type: ConflictType(r.Type), Resource: r.Resource, Severity: Severity(r.Severity),
			SessionAID: r.SessionAID, SessionBID: r.SessionBID, AffectedTaskIDs: r.AffectedTaskIDs,
		})
	}
	return inputs, nil
}
