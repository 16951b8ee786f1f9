package storage

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"sessionguard/internal/model"
)

// memoryStore keeps everything in process. State is lost on restart, so it
// is only meant for tests and throwaway deployments.
type memoryStore struct {
	mu          sync.RWMutex
	sessions    map[string]*model.SessionRecord
	events      map[string][]model.RequestEvent
	blocks      map[string]model.AccountBlock
	evaluations []model.EvaluationResult
	evalKeys    map[string]struct{}
}

func NewMemory() Store {
	return &memoryStore{
		sessions: make(map[string]*model.SessionRecord),
		events:   make(map[string][]model.RequestEvent),
		blocks:   make(map[string]model.AccountBlock),
		evalKeys: make(map[string]struct{}),
	}
}

func (m *memoryStore) Init(context.Context) error { return nil }
func (m *memoryStore) Close() error               { return nil }

func (m *memoryStore) session(id, accountID string, at time.Time) *model.SessionRecord {
	rec, ok := m.sessions[id]
	if !ok {
		rec = &model.SessionRecord{SessionID: id, AccountID: accountID, CreatedAt: at, LastActivity: at}
		m.sessions[id] = rec
	}
	return rec
}

func (m *memoryStore) StartSession(_ context.Context, rec model.SessionRecord) (model.SessionRecord, error) {
	if rec.SessionID == "" {
		return model.SessionRecord{}, ErrInvalidKey
	}
	at := rec.CreatedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.session(rec.SessionID, rec.AccountID, at)
	cur.AccountID = rec.AccountID
	cur.LastActivity = at
	if rec.Authenticated {
		cur.Authenticated = true
	}
	return *cur, nil
}

func (m *memoryStore) RecordRequest(_ context.Context, ev model.RequestEvent) (model.SessionRecord, error) {
	if ev.SessionID == "" {
		return model.SessionRecord{}, ErrInvalidKey
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.session(ev.SessionID, ev.AccountID, ev.Timestamp)
	rec.TotalRequests++
	if ev.Timestamp.After(rec.LastActivity) {
		rec.LastActivity = ev.Timestamp
	}
	if rec.AccountID == "" {
		rec.AccountID = ev.AccountID
	}
	// events stay ordered by timestamp; a late event moves back from the tail
	evs := append(m.events[ev.SessionID], ev)
	for i := len(evs) - 1; i > 0 && evs[i].Timestamp.Before(evs[i-1].Timestamp); i-- {
		evs[i], evs[i-1] = evs[i-1], evs[i]
	}
	m.events[ev.SessionID] = evs
	return *rec, nil
}

func (m *memoryStore) RecordFailedLogin(_ context.Context, sessionID, accountID string, at time.Time) (model.SessionRecord, error) {
	if sessionID == "" {
		return model.SessionRecord{}, ErrInvalidKey
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.session(sessionID, accountID, at)
	rec.FailedLogins++
	rec.LastActivity = at
	return *rec, nil
}

func (m *memoryStore) GetSession(_ context.Context, sessionID string) (model.SessionRecord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		return model.SessionRecord{}, false, nil
	}
	return *rec, true, nil
}

func (m *memoryStore) TrailingEvents(_ context.Context, sessionID string, limit int) ([]model.RequestEvent, error) {
	if limit <= 0 {
		return nil, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	evs := m.events[sessionID]
	if len(evs) > limit {
		evs = evs[len(evs)-limit:]
	}
	return append([]model.RequestEvent(nil), evs...), nil
}

func (m *memoryStore) AllEvents(_ context.Context, sessionID string) ([]model.RequestEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]model.RequestEvent(nil), m.events[sessionID]...), nil
}

func (m *memoryStore) UpdateRolling(_ context.Context, sessionID string, avgInterval, rate float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		return nil
	}
	rec.AvgInterval = avgInterval
	if rate > rec.MaxRequestRate {
		rec.MaxRequestRate = rate
	}
	return nil
}

func (m *memoryStore) TerminateSession(_ context.Context, sessionID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[sessionID]
	if !ok || rec.TerminatedAt != nil {
		return false, nil
	}
	t := at.UTC()
	rec.TerminatedAt = &t
	return true, nil
}

func (m *memoryStore) IdleSessions(_ context.Context, before time.Time, limit int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for id, rec := range m.sessions {
		if rec.TerminatedAt == nil && rec.LastActivity.Before(before) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memoryStore) TryBlockSession(_ context.Context, sessionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		return false, ErrSessionNotFound
	}
	if rec.Blocked {
		return false, nil
	}
	rec.Blocked = true
	return true, nil
}

func (m *memoryStore) BlockAccount(_ context.Context, block model.AccountBlock) error {
	if block.AccountID == "" {
		return ErrInvalidKey
	}
	if block.BlockedAt.IsZero() {
		block.BlockedAt = time.Now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.blocks[block.AccountID]; ok {
		cur.Reason = block.Reason
		m.blocks[block.AccountID] = cur
		return nil
	}
	m.blocks[block.AccountID] = block
	return nil
}

func (m *memoryStore) IsAccountBlocked(_ context.Context, accountID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.blocks[accountID]
	return ok, nil
}

func (m *memoryStore) GetAccountBlock(_ context.Context, accountID string) (model.AccountBlock, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.blocks[accountID]
	return b, ok, nil
}

func evaluationKey(res model.EvaluationResult) string {
	return res.SessionID + "|" + string(res.Trigger) + "|" + strconv.Itoa(res.Boundary)
}

func (m *memoryStore) SaveEvaluation(_ context.Context, res model.EvaluationResult) (bool, error) {
	key := evaluationKey(res)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.evalKeys[key]; ok {
		return false, nil
	}
	m.evalKeys[key] = struct{}{}
	res.Rules = append([]string(nil), res.Rules...)
	m.evaluations = append(m.evaluations, res)
	return true, nil
}

func (m *memoryStore) ListEvaluations(_ context.Context, sessionID string, from, to time.Time) ([]model.EvaluationResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.EvaluationResult
	for _, r := range m.evaluations {
		if sessionID != "" && r.SessionID != sessionID {
			continue
		}
		if !from.IsZero() && r.Timestamp.Before(from) {
			continue
		}
		if !to.IsZero() && r.Timestamp.After(to) {
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (m *memoryStore) Stats(context.Context) (model.Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := model.Stats{
		Sessions:        len(m.sessions),
		Evaluations:     len(m.evaluations),
		BlockedAccounts: len(m.blocks),
	}
	for _, rec := range m.sessions {
		if rec.TerminatedAt == nil {
			st.ActiveSessions++
		}
		if rec.Blocked {
			st.BlockedSessions++
		}
	}
	return st, nil
}
