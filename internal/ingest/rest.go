package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"sessionguard/internal/config"
	"sessionguard/internal/engine"
	"sessionguard/internal/model"
	"sessionguard/internal/normalize"
	"sessionguard/internal/storage"
)

// Gate is the part of the engine the request path talks to.
type Gate interface {
	HandleRequest(ctx context.Context, ev model.RequestEvent) (engine.Decision, error)
	LoginAttempt(ctx context.Context, attempt engine.LoginAttempt) (engine.Decision, error)
	Terminate(ctx context.Context, sessionID string, at time.Time) (*model.EvaluationResult, error)
}

type RESTServer struct {
	cfg    *config.Manager
	gate   Gate
	out    chan<- model.RequestEvent
	logger *slog.Logger
}

func NewRESTServer(cfg *config.Manager, gate Gate, out chan<- model.RequestEvent, logger *slog.Logger) *RESTServer {
	return &RESTServer{cfg: cfg, gate: gate, out: out, logger: logger}
}

func StartREST(ctx context.Context, cfg *config.Manager, gate Gate, out chan<- model.RequestEvent, logger *slog.Logger) *http.Server {
	current := cfg.Get().Ingest.REST
	if !current.Enabled {
		if logger != nil {
			logger.Info("rest ingest disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("rest ingest enabled", "addr", current.Addr)
	}
	server := NewRESTServer(cfg, gate, out, logger)
	httpServer := &http.Server{Addr: current.Addr, Handler: server.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("rest ingest server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *RESTServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /events", s.handleEvents)
	mux.HandleFunc("POST /auth/attempt", s.handleLogin)
	mux.HandleFunc("POST /sessions/{id}/end", s.handleEnd)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return mux
}

// handleEvents answers a single event synchronously with the decision. A
// JSON array is treated as a batch and queued for the engine.
func (s *RESTServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	trim, ok := readBody(w, r)
	if !ok {
		return
	}
	if trim[0] == '[' {
		s.handleBatch(w, r, trim)
		return
	}
	fields, err := ParseJSONBytes(trim)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed json")
		return
	}
	ev, err := normalize.Normalize(*fields, "rest")
	if err != nil {
		countInvalid("rest")
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	d, err := s.gate.HandleRequest(r.Context(), ev)
	s.writeDecision(w, d, err)
}

func (s *RESTServer) handleBatch(w http.ResponseWriter, r *http.Request, body []byte) {
	var list []map[string]interface{}
	if err := json.Unmarshal(body, &list); err != nil {
		writeError(w, http.StatusBadRequest, "malformed json")
		return
	}
	accepted, failed := 0, 0
	for _, obj := range list {
		ev, err := normalize.Normalize(*ParseJSONMap(obj), "rest")
		if err != nil {
			countInvalid("rest")
			failed++
			continue
		}
		if SendNonBlocking(r.Context(), s.out, ev, s.logger) {
			accepted++
		} else {
			failed++
		}
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"accepted": accepted, "failed": failed})
}

func (s *RESTServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	trim, ok := readBody(w, r)
	if !ok {
		return
	}
	fields, err := ParseJSONBytes(trim)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed json")
		return
	}
	attempt := engine.LoginAttempt{SessionID: fields.SessionID, AccountID: fields.AccountID}
	if v := fields.Extras["success"]; v != "" {
		attempt.Success, err = strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "success must be a boolean")
			return
		}
	}
	if fields.Timestamp != "" {
		ts, err := normalize.ParseTimestamp(fields.Timestamp, time.UTC)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		attempt.Timestamp = ts.UTC()
	}
	d, err := s.gate.LoginAttempt(r.Context(), attempt)
	s.writeDecision(w, d, err)
}

func (s *RESTServer) handleEnd(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	res, err := s.gate.Terminate(r.Context(), id, time.Now().UTC())
	switch {
	case errors.Is(err, engine.ErrInvalidEvent):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, storage.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session not found")
	case err != nil:
		s.logError("terminate failed", id, err)
		writeError(w, http.StatusServiceUnavailable, "terminate failed")
	default:
		writeJSON(w, http.StatusOK, map[string]interface{}{"session_id": id, "evaluation": res})
	}
}

func (s *RESTServer) writeDecision(w http.ResponseWriter, d engine.Decision, err error) {
	switch {
	case errors.Is(err, engine.ErrInvalidEvent):
		writeJSON(w, http.StatusBadRequest, d)
	case err != nil:
		s.logError("request decision failed", d.SessionID, err)
		writeJSON(w, http.StatusServiceUnavailable, d)
	case d.Rejected():
		writeJSON(w, http.StatusForbidden, d)
	default:
		writeJSON(w, http.StatusOK, d)
	}
}

func (s *RESTServer) logError(msg, sessionID string, err error) {
	if s.logger != nil {
		s.logger.Error(msg, "session_id", sessionID, "stage", "rest", "err", err)
	}
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 2<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return nil, false
	}
	trim := bytesTrim(body)
	if len(trim) == 0 {
		writeError(w, http.StatusBadRequest, "empty body")
		return nil, false
	}
	return trim, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func bytesTrim(b []byte) []byte {
	start := 0
	for start < len(b) && (b[start] == ' ' || b[start] == '\n' || b[start] == '\r' || b[start] == '\t') {
		start++
	}
	end := len(b)
	for end > start && (b[end-1] == ' ' || b[end-1] == '\n' || b[end-1] == '\r' || b[end-1] == '\t') {
		end--
	}
	return b[start:end]
}
