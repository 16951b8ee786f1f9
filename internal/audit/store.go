// Package audit keeps the most recent evaluation results in memory for the
// admin API. The durable audit trail lives in storage.
package audit

import (
	"sync"
	"time"

	"sessionguard/internal/model"
)

type Store struct {
	mu    sync.RWMutex
	buf   []model.EvaluationResult
	limit int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 1000
	}
	return &Store{limit: limit}
}

func (s *Store) Add(res model.EvaluationResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) < s.limit {
		s.buf = append(s.buf, res)
		return
	}
	copy(s.buf, s.buf[1:])
	s.buf[len(s.buf)-1] = res
}

// List returns up to limit results, newest last.
func (s *Store) List(limit int) []model.EvaluationResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.buf) {
		limit = len(s.buf)
	}
	out := make([]model.EvaluationResult, limit)
	copy(out, s.buf[len(s.buf)-limit:])
	return out
}

func (s *Store) Since(ts time.Time) []model.EvaluationResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.EvaluationResult, 0)
	for _, r := range s.buf {
		if !r.Timestamp.Before(ts) {
			out = append(out, r)
		}
	}
	return out
}

func (s *Store) ForSession(sessionID string) []model.EvaluationResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.EvaluationResult, 0)
	for _, r := range s.buf {
		if r.SessionID == sessionID {
			out = append(out, r)
		}
	}
	return out
}

// Blocks counts retained results with a BLOCK verdict.
func (s *Store) Blocks() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, r := range s.buf {
		if r.Verdict == model.VerdictBlock {
			n++
		}
	}
	return n
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = nil
}
