package storage

import (
	"database/sql"
	"strings"

	_ "modernc.org/sqlite"
)

const defaultSQLiteDSN = "file:sessionguard.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"

// NewSQLite opens a sqlite store. Write transactions take the database lock
// up front (_txlock=immediate) so concurrent writers queue on busy_timeout
// instead of failing on lock upgrade.
func NewSQLite(dsn string) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		dsn = defaultSQLiteDSN
	}
	if !strings.Contains(dsn, "_txlock=") {
		if strings.Contains(dsn, "?") {
			dsn += "&_txlock=immediate"
		} else {
			dsn += "?_txlock=immediate"
		}
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	return &sqlStore{db: db, schema: sqliteSchema}, nil
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		last_activity INTEGER NOT NULL,
		total_requests INTEGER NOT NULL DEFAULT 0,
		failed_logins INTEGER NOT NULL DEFAULT 0,
		avg_interval REAL NOT NULL DEFAULT 0,
		max_request_rate REAL NOT NULL DEFAULT 0,
		authenticated INTEGER NOT NULL DEFAULT 0,
		blocked INTEGER NOT NULL DEFAULT 0,
		terminated_at INTEGER
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_activity ON sessions(terminated_at, last_activity)`,
	`CREATE TABLE IF NOT EXISTS request_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		account_id TEXT NOT NULL DEFAULT '',
		ts INTEGER NOT NULL,
		endpoint TEXT NOT NULL,
		method TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_request_events_session_ts ON request_events(session_id, ts)`,
	`CREATE TABLE IF NOT EXISTS evaluations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		account_id TEXT NOT NULL DEFAULT '',
		trigger_kind TEXT NOT NULL,
		boundary INTEGER NOT NULL,
		rule_score INTEGER NOT NULL,
		ml_score REAL,
		rules_json TEXT NOT NULL,
		verdict TEXT NOT NULL,
		features_json TEXT NOT NULL,
		ts INTEGER NOT NULL,
		UNIQUE (session_id, trigger_kind, boundary)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_evaluations_ts ON evaluations(ts)`,
	`CREATE TABLE IF NOT EXISTS account_blocks (
		account_id TEXT PRIMARY KEY,
		reason TEXT NOT NULL,
		blocked_at INTEGER NOT NULL,
		session_id TEXT NOT NULL DEFAULT ''
	)`,
}
