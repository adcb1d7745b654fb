package database

import (
	"database/sql"
	"fmt"
)

// Schema DDL. Sessions archive their curriculum as JSON; participants and
// notifications are flat rows keyed by session code.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS sessions (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	code            TEXT NOT NULL UNIQUE,
	title           TEXT NOT NULL,
	created_by      TEXT NOT NULL,
	status          TEXT NOT NULL,
	units_json      TEXT NOT NULL DEFAULT '[]',
	started_at      DATETIME,
	ended_at        DATETIME,
	created_at      DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS participants (
	session_code      TEXT NOT NULL,
	user_id           TEXT NOT NULL,
	device_id         TEXT NOT NULL DEFAULT '',
	username          TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL,
	current_step      INTEGER NOT NULL DEFAULT 0,
	completed_json    TEXT NOT NULL DEFAULT '[]',
	last_heartbeat_at DATETIME,
	joined_at         DATETIME NOT NULL,
	PRIMARY KEY (session_code, user_id)
);

CREATE TABLE IF NOT EXISTS notifications (
	id             TEXT PRIMARY KEY,
	session_code   TEXT NOT NULL,
	participant_id TEXT NOT NULL,
	username       TEXT NOT NULL DEFAULT '',
	message        TEXT NOT NULL DEFAULT '',
	screenshot_url TEXT NOT NULL DEFAULT '',
	subtask_id     INTEGER,
	resolved       INTEGER NOT NULL DEFAULT 0,
	created_at     DATETIME NOT NULL,
	resolved_at    DATETIME
);

CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
CREATE INDEX IF NOT EXISTS idx_sessions_code ON sessions(code);
CREATE INDEX IF NOT EXISTS idx_participants_session ON participants(session_code);
CREATE INDEX IF NOT EXISTS idx_notifications_session ON notifications(session_code, created_at);
`

// EnsureSchema creates all tables and indexes if needed. Idempotent.
func EnsureSchema(db *sql.DB) error {
	if _, err := db.Exec(schemaDDL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// ValidateSchema verifies the required tables exist. Used at startup to fail
// fast on a corrupt or foreign database file.
func ValidateSchema(db *sql.DB) error {
	required := []string{"sessions", "participants", "notifications"}

	for _, table := range required {
		var count int
		err := db.QueryRow(
			"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?",
			table,
		).Scan(&count)
		if err != nil {
			return fmt.Errorf("error checking table %s: %w", table, err)
		}
		if count == 0 {
			return fmt.Errorf("required table %s does not exist", table)
		}
	}
	return nil
}
