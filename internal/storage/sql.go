package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"sessionguard/internal/model"
)

// sqlStore carries the queries shared by the sqlite and postgres drivers.
// Queries are written with '?' placeholders and rebound per dialect.
type sqlStore struct {
	db     *sql.DB
	schema []string
	dollar bool
}

const sessionColumns = `session_id, account_id, created_at, last_activity, total_requests, failed_logins,
	avg_interval, max_request_rate, authenticated, blocked, terminated_at`

func (s *sqlStore) q(query string) string {
	if !s.dollar {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(ch)
	}
	return b.String()
}

func (s *sqlStore) Init(ctx context.Context) error {
	for _, stmt := range s.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqlStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *sqlStore) StartSession(ctx context.Context, rec model.SessionRecord) (model.SessionRecord, error) {
	if rec.SessionID == "" {
		return model.SessionRecord{}, ErrInvalidKey
	}
	now := rec.CreatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.SessionRecord{}, err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, s.q(`INSERT INTO sessions (session_id, account_id, created_at, last_activity, authenticated)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (session_id) DO UPDATE SET
			account_id = excluded.account_id,
			last_activity = excluded.last_activity,
			authenticated = CASE WHEN excluded.authenticated = 1 THEN 1 ELSE sessions.authenticated END`),
		rec.SessionID, rec.AccountID, toNanos(now), toNanos(now), boolInt(rec.Authenticated),
	); err != nil {
		return model.SessionRecord{}, err
	}
	out, _, err := s.getSession(ctx, tx, rec.SessionID)
	if err != nil {
		return model.SessionRecord{}, err
	}
	return out, tx.Commit()
}

func (s *sqlStore) RecordRequest(ctx context.Context, ev model.RequestEvent) (model.SessionRecord, error) {
	if ev.SessionID == "" {
		return model.SessionRecord{}, ErrInvalidKey
	}
	ts := toNanos(ev.Timestamp)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.SessionRecord{}, err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, s.q(`INSERT INTO sessions (session_id, account_id, created_at, last_activity)
		VALUES (?, ?, ?, ?) ON CONFLICT (session_id) DO NOTHING`),
		ev.SessionID, ev.AccountID, ts, ts,
	); err != nil {
		return model.SessionRecord{}, err
	}
	if _, err := tx.ExecContext(ctx, s.q(`UPDATE sessions SET
			total_requests = total_requests + 1,
			last_activity = CASE WHEN last_activity < ? THEN ? ELSE last_activity END,
			account_id = CASE WHEN account_id = '' THEN ? ELSE account_id END
		WHERE session_id = ?`),
		ts, ts, ev.AccountID, ev.SessionID,
	); err != nil {
		return model.SessionRecord{}, err
	}
	if _, err := tx.ExecContext(ctx, s.q(`INSERT INTO request_events (session_id, account_id, ts, endpoint, method)
		VALUES (?, ?, ?, ?, ?)`),
		ev.SessionID, ev.AccountID, ts, ev.Endpoint, ev.Method,
	); err != nil {
		return model.SessionRecord{}, err
	}
	rec, _, err := s.getSession(ctx, tx, ev.SessionID)
	if err != nil {
		return model.SessionRecord{}, err
	}
	return rec, tx.Commit()
}

func (s *sqlStore) RecordFailedLogin(ctx context.Context, sessionID, accountID string, at time.Time) (model.SessionRecord, error) {
	if sessionID == "" {
		return model.SessionRecord{}, ErrInvalidKey
	}
	ts := toNanos(at)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.SessionRecord{}, err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, s.q(`INSERT INTO sessions (session_id, account_id, created_at, last_activity, failed_logins)
		VALUES (?, ?, ?, ?, 1)
		ON CONFLICT (session_id) DO UPDATE SET
			failed_logins = sessions.failed_logins + 1,
			last_activity = excluded.last_activity`),
		sessionID, accountID, ts, ts,
	); err != nil {
		return model.SessionRecord{}, err
	}
	rec, _, err := s.getSession(ctx, tx, sessionID)
	if err != nil {
		return model.SessionRecord{}, err
	}
	return rec, tx.Commit()
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *sqlStore) getSession(ctx context.Context, qr queryer, sessionID string) (model.SessionRecord, bool, error) {
	row := qr.QueryRowContext(ctx, s.q(`SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`), sessionID)
	var (
		rec                    model.SessionRecord
		created, last          int64
		authenticated, blocked int
		terminated             sql.NullInt64
	)
	err := row.Scan(&rec.SessionID, &rec.AccountID, &created, &last, &rec.TotalRequests, &rec.FailedLogins,
		&rec.AvgInterval, &rec.MaxRequestRate, &authenticated, &blocked, &terminated)
	if errors.Is(err, sql.ErrNoRows) {
		return model.SessionRecord{}, false, nil
	}
	if err != nil {
		return model.SessionRecord{}, false, err
	}
	rec.CreatedAt = fromNanos(created)
	rec.LastActivity = fromNanos(last)
	rec.Authenticated = authenticated == 1
	rec.Blocked = blocked == 1
	if terminated.Valid {
		t := fromNanos(terminated.Int64)
		rec.TerminatedAt = &t
	}
	return rec, true, nil
}

func (s *sqlStore) GetSession(ctx context.Context, sessionID string) (model.SessionRecord, bool, error) {
	return s.getSession(ctx, s.db, sessionID)
}

func (s *sqlStore) TrailingEvents(ctx context.Context, sessionID string, limit int) ([]model.RequestEvent, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT session_id, account_id, ts, endpoint, method
		FROM request_events WHERE session_id = ? ORDER BY ts DESC, id DESC LIMIT ?`), sessionID, limit)
	if err != nil {
		return nil, err
	}
	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

func (s *sqlStore) AllEvents(ctx context.Context, sessionID string) ([]model.RequestEvent, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT session_id, account_id, ts, endpoint, method
		FROM request_events WHERE session_id = ? ORDER BY ts, id`), sessionID)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]model.RequestEvent, error) {
	defer rows.Close()
	var out []model.RequestEvent
	for rows.Next() {
		var ev model.RequestEvent
		var ts int64
		if err := rows.Scan(&ev.SessionID, &ev.AccountID, &ts, &ev.Endpoint, &ev.Method); err != nil {
			return nil, err
		}
		ev.Timestamp = fromNanos(ts)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *sqlStore) UpdateRolling(ctx context.Context, sessionID string, avgInterval, rate float64) error {
	_, err := s.db.ExecContext(ctx, s.q(`UPDATE sessions SET
			avg_interval = ?,
			max_request_rate = CASE WHEN max_request_rate < ? THEN ? ELSE max_request_rate END
		WHERE session_id = ?`),
		avgInterval, rate, rate, sessionID,
	)
	return err
}

func (s *sqlStore) TerminateSession(ctx context.Context, sessionID string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE sessions SET terminated_at = ?
		WHERE session_id = ? AND terminated_at IS NULL`), toNanos(at), sessionID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *sqlStore) IdleSessions(ctx context.Context, before time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT session_id FROM sessions
		WHERE terminated_at IS NULL AND last_activity < ? ORDER BY last_activity LIMIT ?`), toNanos(before), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *sqlStore) TryBlockSession(ctx context.Context, sessionID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE sessions SET blocked = 1 WHERE session_id = ? AND blocked = 0`), sessionID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	if _, ok, err := s.getSession(ctx, s.db, sessionID); err != nil {
		return false, err
	} else if !ok {
		return false, ErrSessionNotFound
	}
	return false, nil
}

func (s *sqlStore) BlockAccount(ctx context.Context, block model.AccountBlock) error {
	if block.AccountID == "" {
		return ErrInvalidKey
	}
	at := block.BlockedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO account_blocks (account_id, reason, blocked_at, session_id)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (account_id) DO UPDATE SET reason = excluded.reason`),
		block.AccountID, block.Reason, toNanos(at), block.SessionID,
	)
	return err
}

func (s *sqlStore) IsAccountBlocked(ctx context.Context, accountID string) (bool, error) {
	_, ok, err := s.GetAccountBlock(ctx, accountID)
	return ok, err
}

func (s *sqlStore) GetAccountBlock(ctx context.Context, accountID string) (model.AccountBlock, bool, error) {
	var (
		b  model.AccountBlock
		at int64
	)
	err := s.db.QueryRowContext(ctx, s.q(`SELECT account_id, reason, blocked_at, session_id
		FROM account_blocks WHERE account_id = ?`), accountID).Scan(&b.AccountID, &b.Reason, &at, &b.SessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return model.AccountBlock{}, false, nil
	}
	if err != nil {
		return model.AccountBlock{}, false, err
	}
	b.BlockedAt = fromNanos(at)
	return b, true, nil
}

func (s *sqlStore) SaveEvaluation(ctx context.Context, res model.EvaluationResult) (bool, error) {
	var ml sql.NullFloat64
	if res.MLScore.Available {
		ml = sql.NullFloat64{Float64: res.MLScore.Value, Valid: true}
	}
	out, err := s.db.ExecContext(ctx, s.q(`INSERT INTO evaluations
		(session_id, account_id, trigger_kind, boundary, rule_score, ml_score, rules_json, verdict, features_json, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_id, trigger_kind, boundary) DO NOTHING`),
		res.SessionID, res.AccountID, string(res.Trigger), res.Boundary, res.RuleScore, ml,
		encodeJSON(res.Rules), string(res.Verdict), encodeJSON(res.Features), toNanos(res.Timestamp),
	)
	if err != nil {
		return false, err
	}
	n, err := out.RowsAffected()
	return n == 1, err
}

func (s *sqlStore) ListEvaluations(ctx context.Context, sessionID string, from, to time.Time) ([]model.EvaluationResult, error) {
	query := `SELECT session_id, account_id, trigger_kind, boundary, rule_score, ml_score, rules_json, verdict, features_json, ts
		FROM evaluations WHERE 1 = 1`
	var args []any
	if sessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, sessionID)
	}
	if !from.IsZero() {
		query += ` AND ts >= ?`
		args = append(args, toNanos(from))
	}
	if !to.IsZero() {
		query += ` AND ts <= ?`
		args = append(args, toNanos(to))
	}
	query += ` ORDER BY ts, id`
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.EvaluationResult
	for rows.Next() {
		var (
			r                   model.EvaluationResult
			trigger, verdict    string
			rulesJSON, features string
			ml                  sql.NullFloat64
			ts                  int64
		)
		if err := rows.Scan(&r.SessionID, &r.AccountID, &trigger, &r.Boundary, &r.RuleScore, &ml,
			&rulesJSON, &verdict, &features, &ts); err != nil {
			return nil, err
		}
		r.Trigger = model.Trigger(trigger)
		r.Verdict = model.Verdict(verdict)
		r.MLScore = model.MLScore{Value: ml.Float64, Available: ml.Valid}
		r.Timestamp = fromNanos(ts)
		_ = json.Unmarshal([]byte(rulesJSON), &r.Rules)
		_ = json.Unmarshal([]byte(features), &r.Features)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqlStore) Stats(ctx context.Context) (model.Stats, error) {
	var st model.Stats
	err := s.db.QueryRowContext(ctx, `SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN terminated_at IS NULL THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(blocked), 0)
		FROM sessions`).Scan(&st.Sessions, &st.ActiveSessions, &st.BlockedSessions)
	if err != nil {
		return st, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM evaluations`).Scan(&st.Evaluations); err != nil {
		return st, err
	}
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM account_blocks`).Scan(&st.BlockedAccounts)
	return st, err
}
