// Package engine runs the per-session evaluation pipeline: record the
// request, extract features, score with rules and the classifier, fuse the
// scores and commit the verdict.
package engine

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"sessionguard/internal/audit"
	"sessionguard/internal/classifier"
	"sessionguard/internal/config"
	"sessionguard/internal/locking"
	"sessionguard/internal/metrics"
	"sessionguard/internal/model"
	"sessionguard/internal/normalize"
	"sessionguard/internal/storage"
)

var ErrInvalidEvent = errors.New("invalid event")

type Action string

const (
	ActionAllow  Action = "allow"
	ActionReject Action = "reject"
)

// Decision is what the request path is told to do with one request or
// login attempt.
type Decision struct {
	Action     Action                  `json:"action"`
	Reason     string                  `json:"reason,omitempty"`
	SessionID  string                  `json:"session_id,omitempty"`
	Evaluation *model.EvaluationResult `json:"evaluation,omitempty"`
}

func (d Decision) Rejected() bool {
	return d.Action == ActionReject
}

type LoginAttempt struct {
	SessionID string    `json:"session_id"`
	AccountID string    `json:"account_id"`
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
}

type Engine struct {
	logger   *slog.Logger
	store    storage.Store
	locker   locking.Locker
	scorer   *classifier.Scorer
	features *metrics.Store
	audit    *audit.Store
	cfg      atomic.Value
	delivery *DeliveryCache
	started  time.Time
}

func NewEngine(cfg *config.Config, logger *slog.Logger, store storage.Store, locker locking.Locker, scorer *classifier.Scorer, featureStore *metrics.Store, auditStore *audit.Store) *Engine {
	if locker == nil {
		locker = locking.NewLocal()
	}
	if scorer == nil {
		scorer = classifier.NewScorer(nil, cfg.Classifier, logger)
	}
	if featureStore == nil {
		featureStore = metrics.NewStore(cfg.Metrics.StoreLimit)
	}
	if auditStore == nil {
		auditStore = audit.NewStore(cfg.Audit.StoreLimit)
	}
	e := &Engine{
		logger:   logger,
		store:    store,
		locker:   locker,
		scorer:   scorer,
		features: featureStore,
		audit:    auditStore,
		delivery: NewDeliveryCache(),
		started:  time.Now().UTC(),
	}
	e.cfg.Store(cfg)
	return e
}

func (e *Engine) UpdateConfig(cfg *config.Config) {
	e.cfg.Store(cfg)
	e.scorer.SetLimits(cfg.Classifier.Timeout, cfg.Classifier.MinRequests)
}

func (e *Engine) config() *config.Config {
	if v := e.cfg.Load(); v != nil {
		return v.(*config.Config)
	}
	return config.DefaultConfig()
}

func (e *Engine) Started() time.Time {
	return e.started
}

// Start consumes asynchronously delivered request events and sweeps idle
// sessions until ctx is done. Events are sharded over ingest.workers
// goroutines by session id; each session's events are handled in order.
func (e *Engine) Start(ctx context.Context, in <-chan model.RequestEvent) {
	workers := e.config().Ingest.Workers
	if workers <= 0 {
		workers = 1
	}
	shards := make([]chan model.RequestEvent, workers)
	for i := range shards {
		shards[i] = make(chan model.RequestEvent, shardBuffer)
		go e.consume(ctx, shards[i])
	}
	go func() {
		for {
			select {
			case ev := <-in:
				select {
				case shards[shardFor(ev.SessionID, workers)] <- ev:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	go func() {
		ticker := time.NewTicker(e.config().Detection.ExpirySweep)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := e.ExpireIdle(ctx, time.Now().UTC()); err != nil && e.logger != nil {
					e.logger.Warn("idle sweep failed", "stage", "expiry", "err", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

const shardBuffer = 256

func (e *Engine) consume(ctx context.Context, in <-chan model.RequestEvent) {
	for {
		select {
		case ev := <-in:
			if _, err := e.HandleRequest(ctx, ev); err != nil && e.logger != nil {
				e.logger.Warn("request event failed",
					"session_id", ev.SessionID,
					"source", ev.Source,
					"err", err,
				)
			}
		case <-ctx.Done():
			return
		}
	}
}

func shardFor(sessionID string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(strings.TrimSpace(sessionID)))
	return int(h.Sum32() % uint32(n))
}

// HandleRequest records one request and, on every Nth request of the
// session, evaluates it. A session that is already blocked is rejected
// without recording anything. A request that produces a fresh BLOCK is
// itself rejected. Store errors reject the request and are returned.
func (e *Engine) HandleRequest(ctx context.Context, ev model.RequestEvent) (Decision, error) {
	cfg := e.config()
	ev, err := normalize.Request(ev)
	if err != nil {
		metrics.RequestDecisions.WithLabelValues("invalid").Inc()
		return Decision{Action: ActionReject, Reason: "invalid event"}, fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}
	now := time.Now().UTC()
	ev.Timestamp = clampTimestamp(ev.Timestamp, now, cfg.Detection.MaxClockSkew, cfg.Detection.MaxFutureSkew)

	unlock, err := e.lock(ctx, cfg, ev.SessionID)
	if err != nil {
		return e.reject(ev.SessionID, "session lock unavailable"), fmt.Errorf("lock session %s: %w", ev.SessionID, err)
	}
	defer unlock()

	rec, ok, err := e.store.GetSession(ctx, ev.SessionID)
	if err != nil {
		return e.reject(ev.SessionID, "store unavailable"), fmt.Errorf("read session: %w", err)
	}
	if ok && rec.Blocked {
		return e.reject(ev.SessionID, "session blocked"), nil
	}
	if ok && rec.Terminated() {
		return e.reject(ev.SessionID, "session terminated"), nil
	}
	if e.isDuplicate(ev, cfg.Detection.DedupeWindow) {
		return e.allow(ev.SessionID, nil), nil
	}

	rec, err = e.store.RecordRequest(ctx, ev)
	if err != nil {
		return e.reject(ev.SessionID, "store unavailable"), fmt.Errorf("record request: %w", err)
	}
	every := cfg.Detection.EvaluateEvery
	if every <= 0 || rec.TotalRequests%every != 0 {
		return e.allow(ev.SessionID, nil), nil
	}

	events, err := e.store.TrailingEvents(ctx, ev.SessionID, cfg.Detection.WindowSize)
	if err != nil {
		return e.reject(ev.SessionID, "store unavailable"), fmt.Errorf("read window: %w", err)
	}
	res, err := e.evaluate(ctx, cfg, rec, events, model.TriggerPeriodic, ev.Timestamp)
	if err != nil {
		return e.reject(ev.SessionID, "enforcement failed"), err
	}
	if res.Verdict == model.VerdictBlock {
		d := e.reject(ev.SessionID, "session blocked")
		d.Evaluation = &res
		return d, nil
	}
	return e.allow(ev.SessionID, &res), nil
}

// LoginAttempt gates an authentication attempt on the account block list
// and keeps the failed login counter of the pre-auth session. A missing
// session id gets a fresh one. An archived session id is rejected.
func (e *Engine) LoginAttempt(ctx context.Context, attempt LoginAttempt) (Decision, error) {
	attempt.AccountID = strings.TrimSpace(attempt.AccountID)
	if attempt.AccountID == "" {
		return Decision{Action: ActionReject, Reason: "invalid attempt"}, fmt.Errorf("%w: empty account id", ErrInvalidEvent)
	}
	attempt.SessionID = strings.TrimSpace(attempt.SessionID)
	if attempt.SessionID == "" {
		attempt.SessionID = uuid.NewString()
	}
	if err := normalize.ValidateID(attempt.SessionID); err != nil {
		return Decision{Action: ActionReject, Reason: "invalid attempt"}, fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}
	if attempt.Timestamp.IsZero() {
		attempt.Timestamp = time.Now().UTC()
	}

	blocked, err := e.store.IsAccountBlocked(ctx, attempt.AccountID)
	if err != nil {
		return e.reject(attempt.SessionID, "store unavailable"), fmt.Errorf("check account block: %w", err)
	}
	if blocked {
		if e.logger != nil {
			e.logger.Warn("login attempt on blocked account", "account_id", attempt.AccountID, "session_id", attempt.SessionID)
		}
		return e.reject(attempt.SessionID, "account blocked"), nil
	}

	unlock, err := e.lock(ctx, e.config(), attempt.SessionID)
	if err != nil {
		return e.reject(attempt.SessionID, "session lock unavailable"), fmt.Errorf("lock session %s: %w", attempt.SessionID, err)
	}
	defer unlock()

	current, ok, err := e.store.GetSession(ctx, attempt.SessionID)
	if err != nil {
		return e.reject(attempt.SessionID, "store unavailable"), fmt.Errorf("read session: %w", err)
	}
	if ok && current.Terminated() {
		return e.reject(attempt.SessionID, "session terminated"), nil
	}

	if !attempt.Success {
		if _, err := e.store.RecordFailedLogin(ctx, attempt.SessionID, attempt.AccountID, attempt.Timestamp); err != nil {
			return e.reject(attempt.SessionID, "store unavailable"), fmt.Errorf("record failed login: %w", err)
		}
		return e.reject(attempt.SessionID, "invalid credentials"), nil
	}
	rec, err := e.store.StartSession(ctx, model.SessionRecord{
		SessionID:     attempt.SessionID,
		AccountID:     attempt.AccountID,
		CreatedAt:     attempt.Timestamp,
		Authenticated: true,
	})
	if err != nil {
		return e.reject(attempt.SessionID, "store unavailable"), fmt.Errorf("start session: %w", err)
	}
	if rec.Blocked {
		return e.reject(attempt.SessionID, "session blocked"), nil
	}
	return e.allow(attempt.SessionID, nil), nil
}

// Terminate runs the final evaluation over the whole session history and
// archives the session. A blocked session is archived without another
// evaluation. Terminating twice is a no-op that returns nil.
func (e *Engine) Terminate(ctx context.Context, sessionID string, at time.Time) (*model.EvaluationResult, error) {
	cfg := e.config()
	if err := normalize.ValidateID(sessionID); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}
	unlock, err := e.lock(ctx, cfg, sessionID)
	if err != nil {
		return nil, fmt.Errorf("lock session %s: %w", sessionID, err)
	}
	defer unlock()

	rec, ok, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("read session: %w", err)
	}
	if !ok {
		return nil, storage.ErrSessionNotFound
	}
	if rec.Terminated() {
		return nil, nil
	}

	var res *model.EvaluationResult
	if !rec.Blocked {
		events, err := e.store.AllEvents(ctx, sessionID)
		if err != nil {
			return nil, fmt.Errorf("read history: %w", err)
		}
		r, err := e.evaluate(ctx, cfg, rec, events, model.TriggerTermination, at)
		if err != nil {
			return nil, err
		}
		res = &r
	}
	if _, err := e.store.TerminateSession(ctx, sessionID, at); err != nil {
		return res, fmt.Errorf("archive session: %w", err)
	}
	e.features.Forget(sessionID)
	if e.logger != nil {
		e.logger.Info("session terminated", "session_id", sessionID, "account_id", rec.AccountID)
	}
	return res, nil
}

// ExpireIdle terminates sessions whose last activity is older than the
// configured timeout. One failing session does not stop the sweep.
func (e *Engine) ExpireIdle(ctx context.Context, now time.Time) (int, error) {
	cfg := e.config()
	ids, err := e.store.IdleSessions(ctx, now.Add(-cfg.Detection.SessionTimeout), 500)
	if err != nil {
		return 0, fmt.Errorf("list idle sessions: %w", err)
	}
	expired := 0
	for _, id := range ids {
		if _, err := e.Terminate(ctx, id, now); err != nil {
			if e.logger != nil {
				e.logger.Warn("expire session failed", "session_id", id, "stage", "expiry", "err", err)
			}
			continue
		}
		expired++
	}
	return expired, nil
}

func (e *Engine) IsAccountBlocked(ctx context.Context, accountID string) (bool, error) {
	return e.store.IsAccountBlocked(ctx, accountID)
}

// Reset clears in-memory caches. Durable state is untouched.
func (e *Engine) Reset() {
	e.delivery.Clear()
	e.features.Clear()
	e.audit.Clear()
}

// lock waits at most locking.wait_timeout for the session. The wait
// deadline does not bound how long the lock is held.
func (e *Engine) lock(ctx context.Context, cfg *config.Config, sessionID string) (func(), error) {
	if wait := cfg.Locking.WaitTimeout; wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, wait)
		defer cancel()
	}
	return e.locker.Lock(ctx, sessionID)
}

// evaluate must run with the session lock held.
func (e *Engine) evaluate(ctx context.Context, cfg *config.Config, rec model.SessionRecord, events []model.RequestEvent, trigger model.Trigger, at time.Time) (model.EvaluationResult, error) {
	start := time.Now()
	defer func() { metrics.EvaluationDuration.Observe(time.Since(start).Seconds()) }()

	fv := Extract(events, rec, at, cfg.Detection.Rules.BurstRateSentinel)
	ruleScore, rules := Score(cfg.Detection.Rules, fv)
	ml := e.scorer.Score(ctx, rec.SessionID, fv)
	res := model.EvaluationResult{
		SessionID: rec.SessionID,
		AccountID: rec.AccountID,
		Trigger:   trigger,
		Boundary:  rec.TotalRequests,
		RuleScore: ruleScore,
		MLScore:   ml,
		Rules:     rules,
		Verdict:   Fuse(cfg.Detection.Fusion, ruleScore, ml),
		Features:  fv,
		Timestamp: at.UTC(),
	}
	metrics.Evaluations.WithLabelValues(string(trigger), string(res.Verdict)).Inc()
	e.features.Update(rec.SessionID, fv)
	e.audit.Add(res)

	if inserted, err := e.store.SaveEvaluation(ctx, res); err != nil {
		if e.logger != nil {
			e.logger.Error("audit write failed", "session_id", rec.SessionID, "stage", "save_evaluation", "err", err)
		}
	} else if !inserted && e.logger != nil {
		e.logger.Warn("evaluation already recorded", "session_id", rec.SessionID, "trigger", trigger, "boundary", res.Boundary)
	}
	if !fv.Insufficient {
		if err := e.store.UpdateRolling(ctx, rec.SessionID, fv.AvgInterval, fv.RequestRate); err != nil && e.logger != nil {
			e.logger.Warn("rolling update failed", "session_id", rec.SessionID, "stage", "update_rolling", "err", err)
		}
	}

	logArgs := []any{
		"session_id", rec.SessionID,
		"trigger", trigger,
		"boundary", res.Boundary,
		"rule_score", ruleScore,
		"ml_available", ml.Available,
		"ml_score", ml.Value,
		"rules", rules,
		"verdict", res.Verdict,
	}
	switch res.Verdict {
	case model.VerdictBlock:
		if e.logger != nil {
			e.logger.Warn("block verdict", logArgs...)
		}
		if err := e.enforce(ctx, res); err != nil {
			return res, err
		}
	case model.VerdictWarn:
		if e.logger != nil {
			e.logger.Info("warn verdict", logArgs...)
		}
	default:
		if e.logger != nil {
			e.logger.Debug("evaluation", logArgs...)
		}
	}
	return res, nil
}

func (e *Engine) enforce(ctx context.Context, res model.EvaluationResult) error {
	changed, err := e.store.TryBlockSession(ctx, res.SessionID)
	if err != nil {
		return fmt.Errorf("block session %s: %w", res.SessionID, err)
	}
	if changed {
		metrics.SessionsBlocked.Inc()
	}
	if res.AccountID == "" {
		return nil
	}
	err = e.store.BlockAccount(ctx, model.AccountBlock{
		AccountID: res.AccountID,
		Reason:    blockReason(res),
		BlockedAt: res.Timestamp,
		SessionID: res.SessionID,
	})
	if err != nil {
		return fmt.Errorf("block account %s: %w", res.AccountID, err)
	}
	if changed {
		metrics.AccountsBlocked.Inc()
	}
	return nil
}

func blockReason(res model.EvaluationResult) string {
	if len(res.Rules) == 0 {
		return fmt.Sprintf("classifier score %.2f", res.MLScore.Value)
	}
	return strings.Join(res.Rules, "; ")
}

func (e *Engine) allow(sessionID string, res *model.EvaluationResult) Decision {
	metrics.RequestDecisions.WithLabelValues(string(ActionAllow)).Inc()
	return Decision{Action: ActionAllow, SessionID: sessionID, Evaluation: res}
}

func (e *Engine) reject(sessionID, reason string) Decision {
	metrics.RequestDecisions.WithLabelValues(string(ActionReject)).Inc()
	return Decision{Action: ActionReject, Reason: reason, SessionID: sessionID}
}

func (e *Engine) isDuplicate(ev model.RequestEvent, window time.Duration) bool {
	return e.delivery.Redelivered(ev, time.Now().UTC(), window)
}

func clampTimestamp(ts, now time.Time, maxPast, maxFuture time.Duration) time.Time {
	if ts.IsZero() {
		return now
	}
	if maxPast > 0 {
		if now.Sub(ts) > maxPast {
			return now
		}
	}
	if maxFuture > 0 {
		if ts.Sub(now) > maxFuture {
			return now
		}
	}
	return ts
}
