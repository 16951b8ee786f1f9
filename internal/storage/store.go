package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"sessionguard/internal/config"
	"sessionguard/internal/model"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrInvalidKey      = errors.New("empty session or account id")
)

// Store is the durable enforcement state. Implementations serialize writes
// per key and give read-your-writes for the key last written.
type Store interface {
	Init(ctx context.Context) error
	Close() error

	StartSession(ctx context.Context, rec model.SessionRecord) (model.SessionRecord, error)
	RecordRequest(ctx context.Context, ev model.RequestEvent) (model.SessionRecord, error)
	RecordFailedLogin(ctx context.Context, sessionID, accountID string, at time.Time) (model.SessionRecord, error)
	GetSession(ctx context.Context, sessionID string) (model.SessionRecord, bool, error)
	TrailingEvents(ctx context.Context, sessionID string, limit int) ([]model.RequestEvent, error)
	AllEvents(ctx context.Context, sessionID string) ([]model.RequestEvent, error)
	UpdateRolling(ctx context.Context, sessionID string, avgInterval, rate float64) error
	TerminateSession(ctx context.Context, sessionID string, at time.Time) (bool, error)
	IdleSessions(ctx context.Context, before time.Time, limit int) ([]string, error)

	TryBlockSession(ctx context.Context, sessionID string) (bool, error)
	BlockAccount(ctx context.Context, block model.AccountBlock) error
	IsAccountBlocked(ctx context.Context, accountID string) (bool, error)
	GetAccountBlock(ctx context.Context, accountID string) (model.AccountBlock, bool, error)

	SaveEvaluation(ctx context.Context, res model.EvaluationResult) (bool, error)
	ListEvaluations(ctx context.Context, sessionID string, from, to time.Time) ([]model.EvaluationResult, error)

	Stats(ctx context.Context) (model.Stats, error)
}

func NewStore(cfg config.StorageConfig) (Store, error) {
	var (
		st  Store
		err error
	)
	switch strings.ToLower(cfg.Driver) {
	case "sqlite", "":
		st, err = NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		st, err = NewPostgres(cfg.DSN)
	case "memory":
		st = NewMemory()
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	return WithRetry(st, cfg.RetryAttempts, cfg.RetryBackoff), nil
}

func encodeJSON(value any) string {
	data, _ := json.Marshal(value)
	return string(data)
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
