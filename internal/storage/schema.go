package storage

import "fmt"

// The schema is idempotent: every statement is CREATE ... IF NOT EXISTS, so
// re-running the DDL on a populated database preserves data.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS services (
		id          TEXT PRIMARY KEY,
		port        INTEGER NOT NULL,
		pid         INTEGER,
		status      TEXT NOT NULL DEFAULT 'assigned',
		agent_id    TEXT,
		health_url  TEXT,
		metadata    TEXT,
		created_at  INTEGER NOT NULL,
		last_seen   INTEGER NOT NULL,
		expires_at  INTEGER
	)`,
	// At most one assigned service per port; released rows keep their port
	// for history without blocking reallocation.
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_services_assigned_port
		ON services(port) WHERE status = 'assigned'`,
	`CREATE INDEX IF NOT EXISTS idx_services_status ON services(status)`,

	`CREATE TABLE IF NOT EXISTS endpoints (
		service_id  TEXT NOT NULL REFERENCES services(id) ON DELETE CASCADE,
		name        TEXT NOT NULL,
		url         TEXT NOT NULL,
		updated_at  INTEGER NOT NULL,
		PRIMARY KEY (service_id, name)
	)`,

	`CREATE TABLE IF NOT EXISTS locks (
		name        TEXT PRIMARY KEY,
		owner       TEXT NOT NULL,
		pid         INTEGER,
		acquired_at INTEGER NOT NULL,
		expires_at  INTEGER NOT NULL,
		metadata    TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_locks_owner ON locks(owner)`,
	`CREATE INDEX IF NOT EXISTS idx_locks_expires ON locks(expires_at)`,

	`CREATE TABLE IF NOT EXISTS agents (
		id             TEXT PRIMARY KEY,
		name           TEXT,
		pid            INTEGER,
		type           TEXT NOT NULL DEFAULT 'cli',
		registered_at  INTEGER NOT NULL,
		last_heartbeat INTEGER NOT NULL,
		max_services   INTEGER NOT NULL DEFAULT 50,
		max_locks      INTEGER NOT NULL DEFAULT 20,
		metadata       TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_agents_heartbeat ON agents(last_heartbeat)`,

	`CREATE TABLE IF NOT EXISTS messages (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		channel    TEXT NOT NULL,
		payload    TEXT NOT NULL,
		sender     TEXT,
		created_at INTEGER NOT NULL,
		expires_at INTEGER
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_channel ON messages(channel, id)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_expires ON messages(expires_at)
		WHERE expires_at IS NOT NULL`,

	`CREATE TABLE IF NOT EXISTS activity (
		id        INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp INTEGER NOT NULL,
		type      TEXT NOT NULL,
		agent_id  TEXT,
		target_id TEXT,
		details   TEXT,
		metadata  TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_activity_timestamp ON activity(timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_activity_type ON activity(type)`,

	`CREATE TABLE IF NOT EXISTS sessions (
		id           TEXT PRIMARY KEY,
		purpose      TEXT NOT NULL,
		agent_id     TEXT,
		status       TEXT NOT NULL DEFAULT 'active',
		metadata     TEXT,
		created_at   INTEGER NOT NULL,
		updated_at   INTEGER NOT NULL,
		completed_at INTEGER
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status, updated_at)`,

	`CREATE TABLE IF NOT EXISTS session_notes (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		content    TEXT NOT NULL,
		type       TEXT NOT NULL DEFAULT 'note',
		created_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_session_notes_session ON session_notes(session_id, created_at)`,

	`CREATE TABLE IF NOT EXISTS file_claims (
		session_id  TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		file_path   TEXT NOT NULL,
		claimed_at  INTEGER NOT NULL,
		released_at INTEGER,
		PRIMARY KEY (session_id, file_path)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_file_claims_path ON file_claims(file_path)
		WHERE released_at IS NULL`,

	`CREATE TABLE IF NOT EXISTS webhooks (
		id             TEXT PRIMARY KEY,
		url            TEXT NOT NULL,
		events         TEXT NOT NULL,
		filter_pattern TEXT,
		secret         TEXT,
		active         INTEGER NOT NULL DEFAULT 1,
		success_count  INTEGER NOT NULL DEFAULT 0,
		failure_count  INTEGER NOT NULL DEFAULT 0,
		created_at     INTEGER NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS webhook_deliveries (
		id              TEXT PRIMARY KEY,
		webhook_id      TEXT NOT NULL REFERENCES webhooks(id) ON DELETE CASCADE,
		event           TEXT NOT NULL,
		payload         TEXT NOT NULL,
		status          TEXT NOT NULL DEFAULT 'pending',
		attempts        INTEGER NOT NULL DEFAULT 0,
		last_attempt_at INTEGER,
		response_status INTEGER,
		response_body   TEXT,
		next_attempt_at INTEGER,
		created_at      INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_deliveries_webhook ON webhook_deliveries(webhook_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_deliveries_status ON webhook_deliveries(status)`,
}

func (s *Store) migrate() error {
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
