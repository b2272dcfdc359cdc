// Package server wires the session, pool, storage, and streaming components
// behind the Auriscribe HTTP API.
//
// Routes:
//
//	POST   /api/sessions          — create a session (admission-controlled)
//	GET    /api/sessions          — list persisted recordings
//	GET    /api/sessions/{id}     — session snapshot, falling back to storage
//	DELETE /api/sessions/{id}     — remove a session from the registry
//	GET    /api/stats             — registry and worker-pool statistics
//	POST   /api/feedback          — submit a note rating
//	GET    /api/feedback/summary  — aggregated feedback
//	GET    /api/transcribe/{id}   — websocket upgrade for audio streaming
//	GET    /healthz, /readyz      — health probes
//	GET    /metrics               — Prometheus scrape endpoint
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/auriscribe/auriscribe/internal/health"
	"github.com/auriscribe/auriscribe/internal/observe"
	"github.com/auriscribe/auriscribe/internal/pool"
	"github.com/auriscribe/auriscribe/internal/session"
	"github.com/auriscribe/auriscribe/internal/storage"
	"github.com/auriscribe/auriscribe/internal/stream"
)

// defaultListLimit caps GET /api/sessions responses.
const defaultListLimit = 100

// Server holds the handler dependencies. Construct with [New], mount with
// [Server.Handler].
type Server struct {
	registry     *session.Registry
	pool         *pool.Pool
	store        storage.Store
	orchestrator *stream.Orchestrator
	metrics      *observe.Metrics
}

// Config carries the Server dependencies. Registry, Pool, Store, and
// Orchestrator are required; Metrics defaults to the global instruments.
type Config struct {
	Registry     *session.Registry
	Pool         *pool.Pool
	Store        storage.Store
	Orchestrator *stream.Orchestrator
	Metrics      *observe.Metrics
}

// New creates a Server from its dependencies.
func New(cfg Config) *Server {
	m := cfg.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &Server{
		registry:     cfg.Registry,
		pool:         cfg.Pool,
		store:        cfg.Store,
		orchestrator: cfg.Orchestrator,
		metrics:      m,
	}
}

// Handler returns the fully routed HTTP handler, wrapped in the observability
// middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/sessions", s.createSession)
	mux.HandleFunc("GET /api/sessions", s.listSessions)
	mux.HandleFunc("GET /api/sessions/{id}", s.getSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.deleteSession)
	mux.HandleFunc("GET /api/stats", s.stats)
	mux.HandleFunc("POST /api/feedback", s.submitFeedback)
	mux.HandleFunc("GET /api/feedback/summary", s.feedbackSummary)

	mux.HandleFunc("GET /api/transcribe/{id}", func(w http.ResponseWriter, r *http.Request) {
		s.orchestrator.Handle(w, r, r.PathValue("id"))
	})

	health.New(health.StoreChecker(s.store)).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	return observe.Middleware(s.metrics)(mux)
}

// createRequest is the POST /api/sessions body. An absent processing_mode
// defaults to standard.
type createRequest struct {
	Mode session.Mode `json:"processing_mode"`
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	// An empty body is allowed and selects the default mode.
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Mode == "" {
		req.Mode = session.ModeStandard
	}
	if !req.Mode.IsValid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid processing_mode %q", req.Mode))
		return
	}

	sess, err := s.registry.Create(req.Mode)
	if err != nil {
		if errors.Is(err, session.ErrTooManySessions) {
			s.metrics.SessionsRejected.Add(r.Context(), 1)
			writeError(w, http.StatusTooManyRequests, "session limit reached, try again later")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.metrics.ActiveSessions.Add(r.Context(), 1)
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.ListRecordings(r.Context(), defaultListLimit)
	if err != nil {
		slog.Error("list recordings", "error", err)
		writeError(w, http.StatusInternalServerError, "storage unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"recordings": recs,
		"count":      len(recs),
	})
}

// getSession prefers the live registry snapshot and falls back to the
// persisted recording once the reaper has evicted the session.
func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	sess, err := s.registry.Get(id)
	if err == nil {
		writeJSON(w, http.StatusOK, sess)
		return
	}
	if !errors.Is(err, session.ErrNotFound) {
		writeError(w, http.StatusInternalServerError, "registry lookup failed")
		return
	}

	rec, err := s.store.GetRecording(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		slog.Error("get recording", "session_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "storage unavailable")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.registry.Get(id)
	if !s.registry.Delete(id) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err == nil && sess.Active {
		s.metrics.ActiveSessions.Add(r.Context(), -1)
	}
	slog.Info("session deleted", "session_id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": s.registry.Stats(),
		"pool":     s.pool.Stats(),
	})
}

// feedbackRequest is the POST /api/feedback body.
type feedbackRequest struct {
	SessionID string `json:"session_id"`
	Rating    int    `json:"rating"`
	Comment   string `json:"comment"`
}

func (s *Server) submitFeedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}
	if req.Rating < 1 || req.Rating > 5 {
		writeError(w, http.StatusBadRequest, "rating must be between 1 and 5")
		return
	}

	fb := storage.Feedback{
		SessionID: req.SessionID,
		Rating:    req.Rating,
		Comment:   req.Comment,
	}
	if err := s.store.SaveFeedback(r.Context(), fb); err != nil {
		slog.Error("save feedback", "session_id", req.SessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "storage unavailable")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "received"})
}

func (s *Server) feedbackSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := s.store.FeedbackSummary(r.Context())
	if err != nil {
		slog.Error("feedback summary", "error", err)
		writeError(w, http.StatusInternalServerError, "storage unavailable")
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// writeJSON encodes v with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error body with the given status code.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
