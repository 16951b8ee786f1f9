package audit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sessionguard/internal/model"
)

func result(id string, at time.Time, v model.Verdict) model.EvaluationResult {
	return model.EvaluationResult{SessionID: id, Timestamp: at, Verdict: v}
}

func TestStoreDropsOldest(t *testing.T) {
	s := NewStore(2)
	base := time.Unix(1700000000, 0).UTC()
	s.Add(result("a", base, model.VerdictAllow))
	s.Add(result("b", base.Add(time.Second), model.VerdictBlock))
	s.Add(result("c", base.Add(2*time.Second), model.VerdictWarn))

	got := s.List(0)
	require.Len(t, got, 2)
	require.Equal(t, "b", got[0].SessionID)
	require.Equal(t, "c", got[1].SessionID)
	require.Equal(t, 1, s.Blocks())

	require.Len(t, s.List(1), 1)
	require.Equal(t, "c", s.List(1)[0].SessionID)
}

func TestStoreQueries(t *testing.T) {
	s := NewStore(10)
	base := time.Unix(1700000000, 0).UTC()
	s.Add(result("a", base, model.VerdictAllow))
	s.Add(result("b", base.Add(time.Minute), model.VerdictAllow))
	s.Add(result("a", base.Add(2*time.Minute), model.VerdictBlock))

	require.Len(t, s.ForSession("a"), 2)
	require.Len(t, s.Since(base.Add(time.Minute)), 2)

	s.Clear()
	require.Empty(t, s.List(0))
}
