package metrics

import (
	"sync"
	"time"

	"sessionguard/internal/model"
)

// Store keeps the most recent feature vector computed for each session so
// operators can see what the last evaluation looked at.
type Store struct {
	mu        sync.RWMutex
	bySession map[string]model.FeatureVector
	updatedAt map[string]time.Time
	limit     int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 5000
	}
	return &Store{
		bySession: make(map[string]model.FeatureVector),
		updatedAt: make(map[string]time.Time),
		limit:     limit,
	}
}

func (s *Store) Update(sessionID string, fv model.FeatureVector) {
	if sessionID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bySession[sessionID] = fv
	s.updatedAt[sessionID] = time.Now().UTC()
	if len(s.bySession) > s.limit {
		s.evictOldest()
	}
}

func (s *Store) Get(sessionID string) (model.FeatureVector, time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fv, ok := s.bySession[sessionID]
	if !ok {
		return model.FeatureVector{}, time.Time{}, false
	}
	return fv, s.updatedAt[sessionID], true
}

func (s *Store) GetAll() map[string]model.FeatureVector {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]model.FeatureVector, len(s.bySession))
	for id, fv := range s.bySession {
		out[id] = fv
	}
	return out
}

func (s *Store) Forget(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bySession, sessionID)
	delete(s.updatedAt, sessionID)
}

func (s *Store) evictOldest() {
	var oldestSession string
	var oldest time.Time
	for id, ts := range s.updatedAt {
		if oldestSession == "" || ts.Before(oldest) {
			oldestSession = id
			oldest = ts
		}
	}
	if oldestSession != "" {
		delete(s.bySession, oldestSession)
		delete(s.updatedAt, oldestSession)
	}
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bySession = make(map[string]model.FeatureVector)
	s.updatedAt = make(map[string]time.Time)
}
