package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sessionguard/internal/metrics"
	"sessionguard/internal/model"
)

var ErrStoreUnavailable = errors.New("store unavailable")

// retryStore retries failed operations a bounded number of times. Once the
// attempts are spent the error is wrapped with ErrStoreUnavailable so the
// caller can fail closed.
type retryStore struct {
	inner    Store
	attempts int
	backoff  time.Duration
}

func WithRetry(inner Store, attempts int, backoff time.Duration) Store {
	if attempts <= 0 {
		attempts = 1
	}
	if backoff <= 0 {
		backoff = 50 * time.Millisecond
	}
	return &retryStore{inner: inner, attempts: attempts, backoff: backoff}
}

func retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrInvalidKey):
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

func do[T any](ctx context.Context, r *retryStore, op string, fn func() (T, error)) (T, error) {
	var (
		out T
		err error
	)
	delay := r.backoff
	for attempt := 1; attempt <= r.attempts; attempt++ {
		out, err = fn()
		if !retryable(err) {
			return out, err
		}
		if attempt == r.attempts {
			break
		}
		metrics.StoreRetries.WithLabelValues(op).Inc()
		if !sleep(ctx, delay) {
			return out, fmt.Errorf("storage %s: %w", op, ctx.Err())
		}
		delay *= 2
	}
	metrics.StoreFailures.WithLabelValues(op).Inc()
	return out, fmt.Errorf("storage %s: %w: %w", op, ErrStoreUnavailable, err)
}

// once runs a write that is not idempotent. A failure may have committed,
// so it is not retried; it still surfaces as ErrStoreUnavailable.
func once[T any](op string, fn func() (T, error)) (T, error) {
	out, err := fn()
	if !retryable(err) {
		return out, err
	}
	metrics.StoreFailures.WithLabelValues(op).Inc()
	return out, fmt.Errorf("storage %s: %w: %w", op, ErrStoreUnavailable, err)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

type none struct{}

func (r *retryStore) Init(ctx context.Context) error {
	_, err := do(ctx, r, "init", func() (none, error) { return none{}, r.inner.Init(ctx) })
	return err
}

func (r *retryStore) Close() error {
	return r.inner.Close()
}

func (r *retryStore) StartSession(ctx context.Context, rec model.SessionRecord) (model.SessionRecord, error) {
	return do(ctx, r, "start_session", func() (model.SessionRecord, error) { return r.inner.StartSession(ctx, rec) })
}

func (r *retryStore) RecordRequest(ctx context.Context, ev model.RequestEvent) (model.SessionRecord, error) {
	return once("record_request", func() (model.SessionRecord, error) { return r.inner.RecordRequest(ctx, ev) })
}

func (r *retryStore) RecordFailedLogin(ctx context.Context, sessionID, accountID string, at time.Time) (model.SessionRecord, error) {
	return once("record_failed_login", func() (model.SessionRecord, error) {
		return r.inner.RecordFailedLogin(ctx, sessionID, accountID, at)
	})
}

func (r *retryStore) GetSession(ctx context.Context, sessionID string) (model.SessionRecord, bool, error) {
	type result struct {
		rec model.SessionRecord
		ok  bool
	}
	res, err := do(ctx, r, "get_session", func() (result, error) {
		rec, ok, err := r.inner.GetSession(ctx, sessionID)
		return result{rec, ok}, err
	})
	return res.rec, res.ok, err
}

func (r *retryStore) TrailingEvents(ctx context.Context, sessionID string, limit int) ([]model.RequestEvent, error) {
	return do(ctx, r, "trailing_events", func() ([]model.RequestEvent, error) {
		return r.inner.TrailingEvents(ctx, sessionID, limit)
	})
}

func (r *retryStore) AllEvents(ctx context.Context, sessionID string) ([]model.RequestEvent, error) {
	return do(ctx, r, "all_events", func() ([]model.RequestEvent, error) { return r.inner.AllEvents(ctx, sessionID) })
}

func (r *retryStore) UpdateRolling(ctx context.Context, sessionID string, avgInterval, rate float64) error {
	_, err := do(ctx, r, "update_rolling", func() (none, error) {
		return none{}, r.inner.UpdateRolling(ctx, sessionID, avgInterval, rate)
	})
	return err
}

func (r *retryStore) TerminateSession(ctx context.Context, sessionID string, at time.Time) (bool, error) {
	return do(ctx, r, "terminate_session", func() (bool, error) { return r.inner.TerminateSession(ctx, sessionID, at) })
}

func (r *retryStore) IdleSessions(ctx context.Context, before time.Time, limit int) ([]string, error) {
	return do(ctx, r, "idle_sessions", func() ([]string, error) { return r.inner.IdleSessions(ctx, before, limit) })
}

func (r *retryStore) TryBlockSession(ctx context.Context, sessionID string) (bool, error) {
	return do(ctx, r, "try_block_session", func() (bool, error) { return r.inner.TryBlockSession(ctx, sessionID) })
}

func (r *retryStore) BlockAccount(ctx context.Context, block model.AccountBlock) error {
	_, err := do(ctx, r, "block_account", func() (none, error) { return none{}, r.inner.BlockAccount(ctx, block) })
	return err
}

func (r *retryStore) IsAccountBlocked(ctx context.Context, accountID string) (bool, error) {
	return do(ctx, r, "is_account_blocked", func() (bool, error) { return r.inner.IsAccountBlocked(ctx, accountID) })
}

func (r *retryStore) GetAccountBlock(ctx context.Context, accountID string) (model.AccountBlock, bool, error) {
	type result struct {
		block model.AccountBlock
		ok    bool
	}
	res, err := do(ctx, r, "get_account_block", func() (result, error) {
		b, ok, err := r.inner.GetAccountBlock(ctx, accountID)
		return result{b, ok}, err
	})
	return res.block, res.ok, err
}

func (r *retryStore) SaveEvaluation(ctx context.Context, res model.EvaluationResult) (bool, error) {
	return do(ctx, r, "save_evaluation", func() (bool, error) { return r.inner.SaveEvaluation(ctx, res) })
}

func (r *retryStore) ListEvaluations(ctx context.Context, sessionID string, from, to time.Time) ([]model.EvaluationResult, error) {
	return do(ctx, r, "list_evaluations", func() ([]model.EvaluationResult, error) {
		return r.inner.ListEvaluations(ctx, sessionID, from, to)
	})
}

func (r *retryStore) Stats(ctx context.Context) (model.Stats, error) {
	return do(ctx, r, "stats", func() (model.Stats, error) { return r.inner.Stats(ctx) })
}
