package sqlite

const createPolicyVersionsTable = `
CREATE TABLE IF NOT EXISTS policy_versions (
	id          TEXT PRIMARY KEY,
	label       TEXT NOT NULL UNIQUE,
	source      TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	created_at  TEXT NOT NULL,
	active      INTEGER NOT NULL DEFAULT 0
)`

// At most one row may be active. The partial index makes the database
// enforce what the stores promise.
const createPolicyActiveIndex = `
CREATE UNIQUE INDEX IF NOT EXISTS idx_policy_versions_active
	ON policy_versions(active) WHERE active = 1`

const createSessionsTable = `
CREATE TABLE IF NOT EXISTS sessions (
	id              TEXT PRIMARY KEY,
	created_at      TEXT NOT NULL,
	last_seen       TEXT NOT NULL,
	agent_id        TEXT NOT NULL DEFAULT '',
	user_id         TEXT NOT NULL DEFAULT '',
	metadata        TEXT,
	archived        INTEGER NOT NULL DEFAULT 0,
	archived_at     TEXT,
	archived_by     TEXT NOT NULL DEFAULT '',
	retention_until TEXT
)`

const createSessionsAgentIndex = `
CREATE INDEX IF NOT EXISTS idx_sessions_agent ON sessions(agent_id)`

const createSessionsRetentionIndex = `
CREATE INDEX IF NOT EXISTS idx_sessions_retention
	ON sessions(retention_until) WHERE retention_until IS NOT NULL`

const createLogEntriesTable = `
CREATE TABLE IF NOT EXISTS log_entries (
	id             TEXT PRIMARY KEY,
	session_id     TEXT NOT NULL,
	seq_index      INTEGER NOT NULL,
	timestamp      TEXT NOT NULL,
	tool_name      TEXT NOT NULL,
	tool_args      TEXT,
	policy_version TEXT NOT NULL,
	decision       TEXT NOT NULL CHECK(decision IN ('allow', 'deny', 'approve')),
	rule_name      TEXT NOT NULL DEFAULT '',
	reason         TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL CHECK(status IN ('pending', 'success', 'error')),
	result         TEXT,
	error_message  TEXT NOT NULL DEFAULT '',
	duration_ms    INTEGER NOT NULL DEFAULT 0,
	prev_hash      TEXT NOT NULL,
	own_hash       TEXT NOT NULL,
	UNIQUE(session_id, seq_index)
)`

const createLogEntriesSessionIndex = `
CREATE INDEX IF NOT EXISTS idx_log_entries_session
	ON log_entries(session_id, seq_index)`

const createLogEntriesPendingIndex = `
CREATE INDEX IF NOT EXISTS idx_log_entries_pending
	ON log_entries(status) WHERE status = 'pending'`

const createLogEntriesTimestampIndex = `
CREATE INDEX IF NOT EXISTS idx_log_entries_timestamp
	ON log_entries(timestamp)`

// schemaStatements returns the DDL in execution order.
func schemaStatements() []string {
	return []string{
		createPolicyVersionsTable,
		createPolicyActiveIndex,
		createSessionsTable,
		createSessionsAgentIndex,
		createSessionsRetentionIndex,
		createLogEntriesTable,
		createLogEntriesSessionIndex,
		createLogEntriesPendingIndex,
		createLogEntriesTimestampIndex,
	}
}
