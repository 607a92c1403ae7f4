// Package api is the daemon's HTTP surface: audit submission, read
// endpoints over the repository, the per-audit WebSocket stream, and the
// Prometheus scrape handler.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/veritaslabs/veritas/log"
	"github.com/veritaslabs/veritas/metrics"
	"github.com/veritaslabs/veritas/runner"
	"github.com/veritaslabs/veritas/store"
	"github.com/veritaslabs/veritas/types"
)

// DefaultMaxConcurrentAudits bounds simultaneously running engines.
const DefaultMaxConcurrentAudits = 4

// Launcher runs one audit to completion. *runner.Runner implements it.
type Launcher interface {
	Execute(ctx context.Context, req *runner.AuditRequest) (*runner.Result, error)
}

// StreamHub serves per-audit WebSocket subscriptions. *ws.Hub implements it.
type StreamHub interface {
	Subscribe(w http.ResponseWriter, r *http.Request, auditID string)
}

// Server wires the HTTP handlers.
type Server struct {
	repo      *store.Repository
	launcher  Launcher
	hub       StreamHub
	collector *metrics.Collector
	logger    *log.Logger
	validate  *validator.Validate

	// sem bounds concurrent engines; submissions beyond it queue.
	sem chan struct{}

	// baseCtx outlives individual requests so audits survive client
	// disconnects.
	baseCtx context.Context
}

// Config tunes the server.
type Config struct {
	// MaxConcurrentAudits bounds simultaneously running engines.
	// Zero means DefaultMaxConcurrentAudits.
	MaxConcurrentAudits int
}

// NewServer creates the API server. baseCtx scopes background audit
// execution, typically the daemon's run context.
func NewServer(baseCtx context.Context, repo *store.Repository, launcher Launcher, hub StreamHub, collector *metrics.Collector, cfg Config, logger *log.Logger) *Server {
	limit := cfg.MaxConcurrentAudits
	if limit <= 0 {
		limit = DefaultMaxConcurrentAudits
	}
	return &Server{
		repo:      repo,
		launcher:  launcher,
		hub:       hub,
		collector: collector,
		logger:    logger,
		validate:  validator.New(),
		sem:       make(chan struct{}, limit),
		baseCtx:   baseCtx,
	}
}

// Router builds the mux router with all routes mounted.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/audits", s.handleStartAudit).Methods(http.MethodPost)
	r.HandleFunc("/api/audits", s.handleListAudits).Methods(http.MethodGet)
	r.HandleFunc("/api/audits/{id}", s.handleGetAudit).Methods(http.MethodGet)
	r.HandleFunc("/api/audits/{id}/events", s.handleGetEvents).Methods(http.MethodGet)
	r.HandleFunc("/ws/audits/{id}", s.handleStream).Methods(http.MethodGet)
	r.Handle("/metrics", s.metricsHandler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	return r
}

func (s *Server) metricsHandler() http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(metrics.NewExporter(s.collector))
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// StartAuditRequest is the POST /api/audits body.
type StartAuditRequest struct {
	URL         string   `json:"url" validate:"required,url"`
	Tier        string   `json:"tier" validate:"omitempty,oneof=quick_scan standard_audit deep_forensic"`
	VerdictMode string   `json:"verdict_mode" validate:"omitempty,oneof=simple expert"`
	Modules     []string `json:"modules" validate:"omitempty,dive,required"`
}

// StartAuditResponse acknowledges an accepted audit.
type StartAuditResponse struct {
	AuditID string `json:"audit_id"`
	URL     string `json:"url"`
	Tier    string `json:"tier"`
	Status  string `json:"status"`
}

func (s *Server) handleStartAudit(w http.ResponseWriter, r *http.Request) {
	var req StartAuditRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.Tier == "" {
		req.Tier = string(types.TierStandardAudit)
	}
	if req.VerdictMode == "" {
		req.VerdictMode = string(types.VerdictModeSimple)
	}
	if err := s.validate.Struct(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}

	auditID := uuid.NewString()
	areq := &runner.AuditRequest{
		AuditID:     auditID,
		URL:         req.URL,
		Tier:        types.Tier(req.Tier),
		VerdictMode: types.VerdictMode(req.VerdictMode),
		Modules:     req.Modules,
	}

	// Create the row synchronously so reads after the 202 always find it;
	// the runner's own create is idempotent.
	if err := s.repo.Create(r.Context(), auditID, req.URL, areq.Tier, areq.VerdictMode, req.Modules); err != nil {
		writeError(w, http.StatusInternalServerError, "create audit: "+err.Error())
		return
	}

	go s.runAudit(areq)

	writeJSON(w, http.StatusAccepted, StartAuditResponse{
		AuditID: auditID,
		URL:     req.URL,
		Tier:    req.Tier,
		Status:  string(types.StatusQueued),
	})
}

func (s *Server) runAudit(req *runner.AuditRequest) {
	select {
	case s.sem <- struct{}{}:
	case <-s.baseCtx.Done():
		return
	}
	defer func() { <-s.sem }()

	if _, err := s.launcher.Execute(s.baseCtx, req); err != nil {
		s.logger.Error("audit execution failed", map[string]any{
			"audit_id": req.AuditID,
			"error":    err.Error(),
		})
	}
}

func (s *Server) handleListAudits(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	rows, err := s.repo.ListRecent(r.Context(), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]auditJSON, 0, len(rows))
	for i := range rows {
		out = append(out, toAuditJSON(&rows[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"audits": out, "count": len(out)})
}

func (s *Server) handleGetAudit(w http.ResponseWriter, r *http.Request) {
	auditID := mux.Vars(r)["id"]
	detail, err := s.repo.GetWithChildren(r.Context(), auditID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown audit "+auditID)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toDetailJSON(detail))
}

func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	auditID := mux.Vars(r)["id"]
	if _, err := s.repo.Get(r.Context(), auditID); errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown audit "+auditID)
		return
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	events, err := s.repo.EventsFor(r.Context(), auditID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]eventJSON, 0, len(events))
	for i := range events {
		out = append(out, toEventJSON(&events[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"audit_id": auditID, "events": out})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	auditID := mux.Vars(r)["id"]
	if _, err := s.repo.Get(r.Context(), auditID); errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown audit "+auditID)
		return
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.hub.Subscribe(w, r, auditID)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
