package coorddb

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	path TEXT NOT NULL,
	role TEXT NOT NULL,
	registered_at TEXT NOT NULL,
	last_heartbeat TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS file_locks (
	resource TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	acquired_at TEXT NOT NULL,
	expires_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS change_journal (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	resource TEXT NOT NULL,
	operation TEXT NOT NULL,
	change_data TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_change_journal_session ON change_journal(session_id);
CREATE INDEX IF NOT EXISTS idx_change_journal_resource ON change_journal(resource);

CREATE TABLE IF NOT EXISTS conflicts (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	resource TEXT NOT NULL,
	detected_at TEXT NOT NULL,
	severity TEXT NOT NULL,
	session_a_id TEXT NOT NULL,
	session_a_version INTEGER NOT NULL,
	session_a_data TEXT,
	session_b_id TEXT NOT NULL,
	session_b_version INTEGER NOT NULL,
	session_b_data TEXT,
	affected_task_ids TEXT,
	field_conflicts TEXT,
	status TEXT NOT NULL,
	resolution TEXT,
	resolved_at TEXT,
	resolved_by TEXT,
	resolution_data TEXT,
	resolution_notes TEXT
);
CREATE INDEX IF NOT EXISTS idx_conflicts_status ON conflicts(status);
CREATE INDEX IF NOT EXISTS idx_conflicts_resource ON conflicts(resource);
CREATE INDEX IF NOT EXISTS idx_conflicts_detected_at ON conflicts(detected_at);

CREATE TABLE IF NOT EXISTS rate_limit_snapshots (
	plan TEXT PRIMARY KEY,
	snapshot TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
`
