// Package api serves the operator view: evaluation history, account
// blocks, session state, feature snapshots and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sessionguard/internal/audit"
	"sessionguard/internal/config"
	"sessionguard/internal/metrics"
	"sessionguard/internal/model"
	"sessionguard/internal/normalize"
	"sessionguard/internal/storage"
)

type EngineControl interface {
	Reset()
	UpdateConfig(cfg *config.Config)
}

type BreakerState interface {
	State() string
}

type Deps struct {
	Store      storage.Store
	Features   *metrics.Store
	Audit      *audit.Store
	Engine     EngineControl
	Classifier BreakerState
}

type Server struct {
	cfg     *config.Manager
	deps    Deps
	logger  *slog.Logger
	version string
	started time.Time
}

type statusResponse struct {
	Status     string          `json:"status"`
	Time       string          `json:"time"`
	Uptime     string          `json:"uptime"`
	Version    string          `json:"version"`
	ConfigPath string          `json:"config_path"`
	Ingest     ingestStatus    `json:"ingest"`
	Storage    string          `json:"storage"`
	Locking    string          `json:"locking"`
	Classifier string          `json:"classifier"`
	Detection  detectionStatus `json:"detection"`
	Stats      *model.Stats    `json:"stats,omitempty"`
}

type ingestStatus struct {
	REST     bool `json:"rest"`
	FileTail bool `json:"file_tail"`
	Kafka    bool `json:"kafka"`
}

type detectionStatus struct {
	WindowSize     int    `json:"window_size"`
	EvaluateEvery  int    `json:"evaluate_every"`
	SessionTimeout string `json:"session_timeout"`
}

func NewServer(cfg *config.Manager, deps Deps, logger *slog.Logger, version string) *Server {
	return &Server{cfg: cfg, deps: deps, logger: logger, version: version, started: time.Now().UTC()}
}

func Start(ctx context.Context, cfg *config.Manager, deps Deps, logger *slog.Logger, version string) *http.Server {
	if cfg == nil {
		return nil
	}
	current := cfg.Get().API
	if !current.Enabled {
		if logger != nil {
			logger.Info("api disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("api enabled", "addr", current.Addr)
	}
	server := NewServer(cfg, deps, logger, version)
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
				logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /evaluations", s.handleEvaluations)
	mux.HandleFunc("GET /evaluations/recent", s.handleRecent)
	mux.HandleFunc("GET /accounts/{id}/block", s.handleAccountBlock)
	mux.HandleFunc("GET /sessions/{id}", s.handleSession)
	mux.HandleFunc("GET /features", s.handleFeatures)
	mux.HandleFunc("GET /features/{id}", s.handleFeatures)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("POST /admin/clear", s.handleClear)
	mux.HandleFunc("POST /admin/reload", s.handleReload)
	return mux
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	cfg := s.cfg.Get()
	resp := statusResponse{
		Status:     "ok",
		Time:       time.Now().UTC().Format(time.RFC3339Nano),
		Uptime:     time.Since(s.started).Truncate(time.Second).String(),
		Version:    s.version,
		ConfigPath: s.cfg.Path(),
		Ingest: ingestStatus{
			REST:     cfg.Ingest.REST.Enabled,
			FileTail: cfg.Ingest.FileTail.Enabled,
			Kafka:    cfg.Ingest.Kafka.Enabled,
		},
		Storage:    cfg.Storage.Driver,
		Locking:    cfg.Locking.Driver,
		Classifier: "disabled",
		Detection: detectionStatus{
			WindowSize:     cfg.Detection.WindowSize,
			EvaluateEvery:  cfg.Detection.EvaluateEvery,
			SessionTimeout: cfg.Detection.SessionTimeout.String(),
		},
	}
	if s.deps.Classifier != nil {
		resp.Classifier = s.deps.Classifier.State()
	}
	if s.deps.Store != nil {
		stats, err := s.deps.Store.Stats(r.Context())
		if err != nil {
			s.warn("stats unavailable", err)
			resp.Status = "degraded"
		} else {
			resp.Stats = &stats
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEvaluations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, ok := parseTime(w, q.Get("since"))
	if !ok {
		return
	}
	to, ok := parseTime(w, q.Get("until"))
	if !ok {
		return
	}
	list, err := s.deps.Store.ListEvaluations(r.Context(), q.Get("session_id"), from, to)
	if err != nil {
		s.warn("list evaluations failed", err)
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	if list == nil {
		list = []model.EvaluationResult{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"evaluations": list,
		"count":       len(list),
	})
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	var list []model.EvaluationResult
	if id := r.URL.Query().Get("session_id"); id != "" {
		list = s.deps.Audit.ForSession(id)
	} else {
		list = s.deps.Audit.List(limit)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"evaluations": list,
		"count":       len(list),
		"blocks":      s.deps.Audit.Blocks(),
	})
}

func (s *Server) handleAccountBlock(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	block, ok, err := s.deps.Store.GetAccountBlock(r.Context(), id)
	if err != nil {
		s.warn("account block lookup failed", err)
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"account_id": id, "blocked": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"account_id": id, "blocked": true, "block": block})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := normalize.ValidateID(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rec, ok, err := s.deps.Store.GetSession(r.Context(), id)
	if err != nil {
		s.warn("session lookup failed", err)
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleFeatures(w http.ResponseWriter, r *http.Request) {
	if id := r.PathValue("id"); id != "" {
		fv, updated, ok := s.deps.Features.Get(id)
		if !ok {
			writeError(w, http.StatusNotFound, "no features for session")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"session_id": id,
			"updated_at": updated.Format(time.RFC3339Nano),
			"features":   fv,
		})
		return
	}
	all := s.deps.Features.GetAll()
	writeJSON(w, http.StatusOK, map[string]any{
		"features": all,
		"count":    len(all),
	})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	var req struct {
		Target string `json:"target"`
	}
	_ = json.Unmarshal(body, &req)
	target := strings.ToLower(strings.TrimSpace(req.Target))
	if target == "" {
		target = "all"
	}
	switch target {
	case "all":
		if s.deps.Engine != nil {
			s.deps.Engine.Reset()
		}
	case "audit":
		s.deps.Audit.Clear()
	case "features":
		s.deps.Features.Clear()
	default:
		writeError(w, http.StatusBadRequest, "unknown target")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "target": target})
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Path() == "" {
		writeError(w, http.StatusConflict, "no config file to reload")
		return
	}
	cfg, err := s.cfg.Reload()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.deps.Engine != nil {
		s.deps.Engine.UpdateConfig(cfg)
	}
	if s.logger != nil {
		s.logger.Info("config reloaded", "path", s.cfg.Path())
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) warn(msg string, err error) {
	if s.logger != nil {
		s.logger.Warn(msg, "stage", "api", "err", err)
	}
}

func parseTime(w http.ResponseWriter, v string) (time.Time, bool) {
	if v == "" {
		return time.Time{}, true
	}
	ts, err := normalize.ParseTimestamp(v, time.UTC)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return time.Time{}, false
	}
	return ts.UTC(), true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
