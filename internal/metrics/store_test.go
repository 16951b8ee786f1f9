package metrics

import (
	"testing"

	"github.com/stretchr/testify/require"

	"sessionguard/internal/model"
)

func TestStoreKeepsLatestPerSession(t *testing.T) {
	s := NewStore(10)
	s.Update("a", model.FeatureVector{TotalRequests: 5})
	s.Update("a", model.FeatureVector{TotalRequests: 10})
	s.Update("", model.FeatureVector{TotalRequests: 1})

	fv, updated, ok := s.Get("a")
	require.True(t, ok)
	require.False(t, updated.IsZero())
	require.Equal(t, 10, fv.TotalRequests)
	require.Len(t, s.GetAll(), 1)

	s.Forget("a")
	_, _, ok = s.Get("a")
	require.False(t, ok)
}

func TestStoreEvictsOverLimit(t *testing.T) {
	s := NewStore(2)
	s.Update("a", model.FeatureVector{})
	s.Update("b", model.FeatureVector{})
	s.Update("c", model.FeatureVector{})
	require.Len(t, s.GetAll(), 2)

	s.Clear()
	require.Empty(t, s.GetAll())
}
