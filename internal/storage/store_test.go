package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sessionguard/internal/model"
)

func sqliteDSN(path string) string {
	return "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

func openSQLite(t *testing.T, path string) Store {
	t.Helper()
	st, err := NewSQLite(sqliteDSN(path))
	require.NoError(t, err)
	require.NoError(t, st.Init(context.Background()))
	return st
}

func drivers(t *testing.T) map[string]Store {
	t.Helper()
	sq := openSQLite(t, filepath.Join(t.TempDir(), "guard.db"))
	t.Cleanup(func() { _ = sq.Close() })
	return map[string]Store{
		"sqlite": sq,
		"memory": NewMemory(),
	}
}

func TestRecordRequestCountsAndOrders(t *testing.T) {
	for name, st := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
			for i := 0; i < 15; i++ {
				rec, err := st.RecordRequest(ctx, model.RequestEvent{
					SessionID: "s1",
					AccountID: "alice",
					Timestamp: base.Add(time.Duration(i) * time.Second),
					Endpoint:  "/home",
					Method:    "GET",
				})
				require.NoError(t, err)
				require.Equal(t, i+1, rec.TotalRequests)
			}
			events, err := st.TrailingEvents(ctx, "s1", 10)
			require.NoError(t, err)
			require.Len(t, events, 10)
			require.Equal(t, base.Add(5*time.Second), events[0].Timestamp)
			require.Equal(t, base.Add(14*time.Second), events[9].Timestamp)

			all, err := st.AllEvents(ctx, "s1")
			require.NoError(t, err)
			require.Len(t, all, 15)

			rec, ok, err := st.GetSession(ctx, "s1")
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, "alice", rec.AccountID)
			require.Equal(t, base.Add(14*time.Second), rec.LastActivity)
		})
	}
}

func TestRecordFailedLoginCreatesSession(t *testing.T) {
	for name, st := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().UTC()
			for i := 1; i <= 3; i++ {
				rec, err := st.RecordFailedLogin(ctx, "pre-auth", "bob", now)
				require.NoError(t, err)
				require.Equal(t, i, rec.FailedLogins)
			}
			rec, err := st.StartSession(ctx, model.SessionRecord{SessionID: "pre-auth", AccountID: "bob", Authenticated: true})
			require.NoError(t, err)
			require.True(t, rec.Authenticated)
			require.Equal(t, 3, rec.FailedLogins)
		})
	}
}

func TestTryBlockSessionTransitionsOnce(t *testing.T) {
	for name, st := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := st.RecordRequest(ctx, model.RequestEvent{SessionID: "s1", AccountID: "a", Timestamp: time.Now(), Endpoint: "/", Method: "GET"})
			require.NoError(t, err)

			first, err := st.TryBlockSession(ctx, "s1")
			require.NoError(t, err)
			require.True(t, first)

			second, err := st.TryBlockSession(ctx, "s1")
			require.NoError(t, err)
			require.False(t, second)

			rec, _, err := st.GetSession(ctx, "s1")
			require.NoError(t, err)
			require.True(t, rec.Blocked)

			_, err = st.TryBlockSession(ctx, "missing")
			require.ErrorIs(t, err, ErrSessionNotFound)
		})
	}
}

func TestTryBlockSessionConcurrent(t *testing.T) {
	for name, st := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := st.RecordRequest(ctx, model.RequestEvent{SessionID: "race", AccountID: "a", Timestamp: time.Now(), Endpoint: "/", Method: "GET"})
			require.NoError(t, err)

			var wins atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 16; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					ok, err := st.TryBlockSession(ctx, "race")
					if err == nil && ok {
						wins.Add(1)
					}
				}()
			}
			wg.Wait()
			require.Equal(t, int32(1), wins.Load())
		})
	}
}

func TestBlockAccountIsIdempotent(t *testing.T) {
	for name, st := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			at := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
			require.NoError(t, st.BlockAccount(ctx, model.AccountBlock{AccountID: "mallory", Reason: "first", BlockedAt: at, SessionID: "s1"}))
			require.NoError(t, st.BlockAccount(ctx, model.AccountBlock{AccountID: "mallory", Reason: "second", BlockedAt: at.Add(time.Hour), SessionID: "s2"}))

			b, ok, err := st.GetAccountBlock(ctx, "mallory")
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, "second", b.Reason)
			require.Equal(t, "s1", b.SessionID)
			require.Equal(t, at, b.BlockedAt)

			blocked, err := st.IsAccountBlocked(ctx, "someone-else")
			require.NoError(t, err)
			require.False(t, blocked)
		})
	}
}

func TestAccountBlockSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "durable.db")
	ctx := context.Background()

	st := openSQLite(t, path)
	require.NoError(t, st.BlockAccount(ctx, model.AccountBlock{AccountID: "mallory", Reason: "critical rate", SessionID: "s1"}))
	_, err := st.RecordRequest(ctx, model.RequestEvent{SessionID: "s1", AccountID: "mallory", Timestamp: time.Now(), Endpoint: "/", Method: "GET"})
	require.NoError(t, err)
	_, err = st.TryBlockSession(ctx, "s1")
	require.NoError(t, err)
	require.NoError(t, st.Close())

	reopened := openSQLite(t, path)
	defer reopened.Close()
	blocked, err := reopened.IsAccountBlocked(ctx, "mallory")
	require.NoError(t, err)
	require.True(t, blocked)

	rec, ok, err := reopened.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, rec.Blocked)
}

func TestSaveEvaluationOncePerBoundary(t *testing.T) {
	for name, st := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			ts := time.Date(2026, 3, 3, 12, 0, 0, 0, time.UTC)
			res := model.EvaluationResult{
				SessionID: "s1",
				AccountID: "a",
				Trigger:   model.TriggerPeriodic,
				Boundary:  5,
				RuleScore: 95,
				MLScore:   model.MLScore{Value: 0.4, Available: true},
				Rules:     []string{"critical rate (20.0 req/s)", "bot-like interval (0.050s)"},
				Verdict:   model.VerdictBlock,
				Features:  model.FeatureVector{RequestRate: 20, AvgInterval: 0.05, TotalRequests: 5},
				Timestamp: ts,
			}
			inserted, err := st.SaveEvaluation(ctx, res)
			require.NoError(t, err)
			require.True(t, inserted)

			inserted, err = st.SaveEvaluation(ctx, res)
			require.NoError(t, err)
			require.False(t, inserted)

			res.Boundary = 10
			res.Timestamp = ts.Add(time.Minute)
			res.MLScore = model.MLScore{}
			inserted, err = st.SaveEvaluation(ctx, res)
			require.NoError(t, err)
			require.True(t, inserted)

			list, err := st.ListEvaluations(ctx, "s1", time.Time{}, time.Time{})
			require.NoError(t, err)
			require.Len(t, list, 2)
			require.Equal(t, model.VerdictBlock, list[0].Verdict)
			require.Equal(t, []string{"critical rate (20.0 req/s)", "bot-like interval (0.050s)"}, list[0].Rules)
			require.True(t, list[0].MLScore.Available)
			require.False(t, list[1].MLScore.Available)

			ranged, err := st.ListEvaluations(ctx, "s1", ts.Add(30*time.Second), time.Time{})
			require.NoError(t, err)
			require.Len(t, ranged, 1)
			require.Equal(t, 10, ranged[0].Boundary)
		})
	}
}

func TestTerminateAndIdleSessions(t *testing.T) {
	for name, st := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			old := time.Now().Add(-time.Hour).UTC()
			_, err := st.RecordRequest(ctx, model.RequestEvent{SessionID: "idle", AccountID: "a", Timestamp: old, Endpoint: "/", Method: "GET"})
			require.NoError(t, err)
			_, err = st.RecordRequest(ctx, model.RequestEvent{SessionID: "fresh", AccountID: "b", Timestamp: time.Now().UTC(), Endpoint: "/", Method: "GET"})
			require.NoError(t, err)

			ids, err := st.IdleSessions(ctx, time.Now().Add(-30*time.Minute), 10)
			require.NoError(t, err)
			require.Equal(t, []string{"idle"}, ids)

			done, err := st.TerminateSession(ctx, "idle", time.Now())
			require.NoError(t, err)
			require.True(t, done)
			done, err = st.TerminateSession(ctx, "idle", time.Now())
			require.NoError(t, err)
			require.False(t, done)

			ids, err = st.IdleSessions(ctx, time.Now().Add(-30*time.Minute), 10)
			require.NoError(t, err)
			require.Empty(t, ids)

			stats, err := st.Stats(ctx)
			require.NoError(t, err)
			require.Equal(t, 2, stats.Sessions)
			require.Equal(t, 1, stats.ActiveSessions)
		})
	}
}

func TestUpdateRollingKeepsMaxRate(t *testing.T) {
	for name, st := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := st.RecordRequest(ctx, model.RequestEvent{SessionID: "s1", Timestamp: time.Now(), Endpoint: "/", Method: "GET"})
			require.NoError(t, err)
			require.NoError(t, st.UpdateRolling(ctx, "s1", 0.2, 8))
			require.NoError(t, st.UpdateRolling(ctx, "s1", 1.5, 2))
			rec, _, err := st.GetSession(ctx, "s1")
			require.NoError(t, err)
			require.InDelta(t, 1.5, rec.AvgInterval, 1e-9)
			require.InDelta(t, 8, rec.MaxRequestRate, 1e-9)
		})
	}
}

type flakyStore struct {
	Store
	failures int
	calls    int
}

func (f *flakyStore) TryBlockSession(ctx context.Context, sessionID string) (bool, error) {
	f.calls++
	if f.calls <= f.failures {
		return false, errors.New("database is locked")
	}
	return f.Store.TryBlockSession(ctx, sessionID)
}

func TestRetryRecoversFromTransientFailure(t *testing.T) {
	ctx := context.Background()
	inner := NewMemory()
	_, err := inner.RecordRequest(ctx, model.RequestEvent{SessionID: "s1", Timestamp: time.Now(), Endpoint: "/", Method: "GET"})
	require.NoError(t, err)
	flaky := &flakyStore{Store: inner, failures: 2}
	st := WithRetry(flaky, 3, time.Millisecond)

	ok, err := st.TryBlockSession(ctx, "s1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 3, flaky.calls)
}

func TestRetryGivesUpWithStoreUnavailable(t *testing.T) {
	flaky := &flakyStore{Store: NewMemory(), failures: 10}
	st := WithRetry(flaky, 3, time.Millisecond)

	_, err := st.TryBlockSession(context.Background(), "s1")
	require.ErrorIs(t, err, ErrStoreUnavailable)
	require.Equal(t, 3, flaky.calls)
}

func TestRetrySkipsPermanentErrors(t *testing.T) {
	st := WithRetry(NewMemory(), 5, time.Millisecond)
	_, err := st.TryBlockSession(context.Background(), "missing")
	require.ErrorIs(t, err, ErrSessionNotFound)
	require.NotErrorIs(t, err, ErrStoreUnavailable)
}

func TestTrailingEventsOrderLateArrivals(t *testing.T) {
	for name, st := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
			for _, sec := range []int{0, 1, 3, 4, 2, 5} {
				_, err := st.RecordRequest(ctx, model.RequestEvent{
					SessionID: "late",
					Timestamp: base.Add(time.Duration(sec) * time.Second),
					Endpoint:  "/",
					Method:    "GET",
				})
				require.NoError(t, err)
			}
			events, err := st.TrailingEvents(ctx, "late", 4)
			require.NoError(t, err)
			require.Len(t, events, 4)
			for i, want := range []int{2, 3, 4, 5} {
				require.Equal(t, base.Add(time.Duration(want)*time.Second), events[i].Timestamp)
			}

			events[0].Endpoint = "/changed"
			again, err := st.TrailingEvents(ctx, "late", 4)
			require.NoError(t, err)
			require.Equal(t, "/", again[0].Endpoint)
		})
	}
}

// lostCommitStore applies the write and then reports a failure, as a
// connection dropped after COMMIT would.
type lostCommitStore struct {
	Store
	calls int
}

func (l *lostCommitStore) RecordRequest(ctx context.Context, ev model.RequestEvent) (model.SessionRecord, error) {
	l.calls++
	if _, err := l.Store.RecordRequest(ctx, ev); err != nil {
		return model.SessionRecord{}, err
	}
	return model.SessionRecord{}, errors.New("connection reset by peer")
}

func (l *lostCommitStore) RecordFailedLogin(ctx context.Context, sessionID, accountID string, at time.Time) (model.SessionRecord, error) {
	l.calls++
	if _, err := l.Store.RecordFailedLogin(ctx, sessionID, accountID, at); err != nil {
		return model.SessionRecord{}, err
	}
	return model.SessionRecord{}, errors.New("connection reset by peer")
}

func TestRetryDoesNotRepeatCounterWrites(t *testing.T) {
	ctx := context.Background()
	inner := NewMemory()
	lost := &lostCommitStore{Store: inner}
	st := WithRetry(lost, 3, time.Millisecond)

	_, err := st.RecordRequest(ctx, model.RequestEvent{SessionID: "s1", Timestamp: time.Now(), Endpoint: "/", Method: "GET"})
	require.ErrorIs(t, err, ErrStoreUnavailable)
	require.Equal(t, 1, lost.calls)

	_, err = st.RecordFailedLogin(ctx, "s1", "alice", time.Now())
	require.ErrorIs(t, err, ErrStoreUnavailable)
	require.Equal(t, 2, lost.calls)

	rec, ok, err := inner.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, rec.TotalRequests)
	require.Equal(t, 1, rec.FailedLogins)
}
