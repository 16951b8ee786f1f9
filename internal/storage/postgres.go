package storage

import (
	"database/sql"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/sessionguard?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &sqlStore{db: db, schema: postgresSchema, dollar: true}, nil
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL DEFAULT '',
		created_at BIGINT NOT NULL,
		last_activity BIGINT NOT NULL,
		total_requests INTEGER NOT NULL DEFAULT 0,
		failed_logins INTEGER NOT NULL DEFAULT 0,
		avg_interval DOUBLE PRECISION NOT NULL DEFAULT 0,
		max_request_rate DOUBLE PRECISION NOT NULL DEFAULT 0,
		authenticated INTEGER NOT NULL DEFAULT 0,
		blocked INTEGER NOT NULL DEFAULT 0,
		terminated_at BIGINT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_activity ON sessions(terminated_at, last_activity)`,
	`CREATE TABLE IF NOT EXISTS request_events (
		id BIGSERIAL PRIMARY KEY,
		session_id TEXT NOT NULL,
		account_id TEXT NOT NULL DEFAULT '',
		ts BIGINT NOT NULL,
		endpoint TEXT NOT NULL,
		method TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_request_events_session_ts ON request_events(session_id, ts)`,
	`CREATE TABLE IF NOT EXISTS evaluations (
		id BIGSERIAL PRIMARY KEY,
		session_id TEXT NOT NULL,
		account_id TEXT NOT NULL DEFAULT '',
		trigger_kind TEXT NOT NULL,
		boundary INTEGER NOT NULL,
		rule_score INTEGER NOT NULL,
		ml_score DOUBLE PRECISION,
		rules_json TEXT NOT NULL,
		verdict TEXT NOT NULL,
		features_json TEXT NOT NULL,
		ts BIGINT NOT NULL,
		UNIQUE (session_id, trigger_kind, boundary)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_evaluations_ts ON evaluations(ts)`,
	`CREATE TABLE IF NOT EXISTS account_blocks (
		account_id TEXT PRIMARY KEY,
		reason TEXT NOT NULL,
		blocked_at BIGINT NOT NULL,
		session_id TEXT NOT NULL DEFAULT ''
	)`,
}
