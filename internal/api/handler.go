package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/nidhogg/recall/internal/memory"
	"github.com/nidhogg/recall/internal/retrieval"
)

// SessionReader lists the events a session logger recorded.
type SessionReader interface {
	Recent(ctx context.Context, sessionID string, count int64) ([]*retrieval.SurfacedEvent, error)
}

// Pinger reports whether a backend is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds the HTTP handlers and their dependencies.
type Handler struct {
	engine   *retrieval.Engine
	ledger   *retrieval.Ledger
	sessions SessionReader
	checks   map[string]Pinger
	origins  []string
	logger   *zap.Logger
}

// NewHandler creates a Handler. sessions may be nil when no session log
// is configured.
func NewHandler(engine *retrieval.Engine, ledger *retrieval.Ledger, sessions SessionReader, logger *zap.Logger) *Handler {
	return &Handler{
		engine:   engine,
		ledger:   ledger,
		sessions: sessions,
		checks:   make(map[string]Pinger),
		origins:  []string{"*"},
		logger:   logger,
	}
}

// AddHealthCheck registers a backend reported by /api/health.
func (h *Handler) AddHealthCheck(name string, p Pinger) {
	h.checks[name] = p
}

// SetAllowedOrigins restricts CORS. An empty list keeps the wildcard.
func (h *Handler) SetAllowedOrigins(origins []string) {
	if len(origins) > 0 {
		h.origins = origins
	}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   h.origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)

		r.Post("/retrieve", h.retrieve)

		r.Post("/feedback", h.submitFeedback)
		r.Get("/memories/{id}/feedback", h.feedbackHistory)

		r.Get("/sessions/{id}/surfaced", h.sessionSurfaced)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status, code := "ok", http.StatusOK
	backends := make(map[string]string, len(h.checks))
	for name, p := range h.checks {
		if err := p.Ping(ctx); err != nil {
			h.logger.Warn("health check failed", zap.String("backend", name), zap.Error(err))
			backends[name] = err.Error()
			status, code = "degraded", http.StatusServiceUnavailable
			continue
		}
		backends[name] = "ok"
	}
	writeJSON(w, code, map[string]interface{}{"status": status, "backends": backends})
}

type retrieveRequest struct {
	Query     string             `json:"query"`
	SessionID string             `json:"session_id"`
	EntityIDs []string           `json:"entity_ids"`
	Options   *retrieval.Options `json:"options"`
}

type retrieveResponse struct {
	*retrieval.Result
	Context string `json:"context"`
}

func (h *Handler) retrieve(w http.ResponseWriter, r *http.Request) {
	var req retrieveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	res, err := h.engine.Retrieve(r.Context(), retrieval.Query{
		Text:      req.Query,
		SessionID: req.SessionID,
		EntityIDs: req.EntityIDs,
		Options:   req.Options,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, retrieveResponse{Result: res, Context: retrieval.FormatContext(res)})
}

type feedbackRequest struct {
	MemoryID     string              `json:"memory_id"`
	SessionID    string              `json:"session_id"`
	FeedbackType memory.FeedbackType `json:"feedback_type"`
}

func (h *Handler) submitFeedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	rec, err := h.ledger.Submit(r.Context(), req.MemoryID, req.SessionID, req.FeedbackType)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (h *Handler) feedbackHistory(w http.ResponseWriter, r *http.Request) {
	recs, err := h.ledger.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if recs == nil {
		recs = []*memory.FeedbackRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (h *Handler) sessionSurfaced(w http.ResponseWriter, r *http.Request) {
	if h.sessions == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session log not configured"})
		return
	}

	count := int64(20)
	if v := r.URL.Query().Get("count"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 1 || n > 1000 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "count must be between 1 and 1000"})
			return
		}
		count = n
	}

	events, err := h.sessions.Recent(r.Context(), chi.URLParam(r, "id"), count)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if events == nil {
		events = []*retrieval.SurfacedEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, memory.ErrInvalidInput):
		code = http.StatusBadRequest
	case errors.Is(err, memory.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, memory.ErrStoreUnavailable):
		code = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		code = http.StatusGatewayTimeout
	}
	if code >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err))
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
