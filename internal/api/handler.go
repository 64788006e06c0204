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

	"github.com/nidhogg/nuka-memory/internal/consolidation"
	"github.com/nidhogg/nuka-memory/internal/memory"
	"github.com/nidhogg/nuka-memory/internal/recall"
)

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	recall  *recall.Service
	engine  *consolidation.Engine
	origins []string
	logger  *zap.Logger
}

// NewHandler creates a new API handler. An empty origins list allows any origin.
func NewHandler(svc *recall.Service, engine *consolidation.Engine, origins []string, logger *zap.Logger) *Handler {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return &Handler{
		recall:  svc,
		engine:  engine,
		origins: origins,
		logger:  logger,
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
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)

		r.Post("/nodes", h.remember)
		r.Get("/nodes/{id}", h.getNode)
		r.Delete("/nodes/{id}", h.forget)
		r.Post("/nodes/{id}/recall", h.recallNode)
		r.Post("/nodes/{id}/review", h.review)

		r.Post("/cue", h.cue)
		r.Post("/query", h.query)

		// Consolidation routes
		r.Post("/cycles/dream", h.runDream)
		r.Post("/cycles/sleep", h.runSleep)
		r.Get("/history", h.listHistory)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "nuka-memory"})
}

type rememberRequest struct {
	Content   string         `json:"content"`
	Kind      string         `json:"kind"`
	Tags      []string       `json:"tags"`
	Emotion   memory.Emotion `json:"emotion"`
	Pinned    bool           `json:"pinned"`
	ValidFrom *time.Time     `json:"valid_from"`
	ValidTo   *time.Time     `json:"valid_to"`
}

func (h *Handler) remember(w http.ResponseWriter, r *http.Request) {
	var req rememberRequest
	if !decodeBody(w, r, &req) {
		return
	}
	n, err := h.recall.Remember(r.Context(), req.Content, memory.NodeKind(req.Kind), recall.RememberOptions{
		Tags:      req.Tags,
		Emotion:   req.Emotion,
		Pinned:    req.Pinned,
		ValidFrom: req.ValidFrom,
		ValidTo:   req.ValidTo,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, n)
}

func (h *Handler) getNode(w http.ResponseWriter, r *http.Request) {
	n, err := h.recall.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (h *Handler) forget(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.recall.Get(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}
	if err := h.recall.Forget(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "id": id})
}

func (h *Handler) recallNode(w http.ResponseWriter, r *http.Request) {
	res, err := h.recall.Recall(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type reviewRequest struct {
	// Rating is a name ("good") or a number ("3").
	Rating string `json:"rating"`
}

func (h *Handler) review(w http.ResponseWriter, r *http.Request) {
	var req reviewRequest
	if !decodeBody(w, r, &req) {
		return
	}
	rating, err := memory.ParseRating(req.Rating)
	if err != nil {
		h.writeError(w, err)
		return
	}
	n, err := h.recall.Review(r.Context(), chi.URLParam(r, "id"), rating)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

type cueRequest struct {
	Text     string  `json:"text"`
	Strength float64 `json:"strength"`
}

func (h *Handler) cue(w http.ResponseWriter, r *http.Request) {
	var req cueRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Strength == 0 {
		req.Strength = 1
	}
	transitions, err := h.recall.Cue(r.Context(), req.Text, req.Strength)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"reactivated": len(transitions),
		"transitions": transitions,
	})
}

type queryRequest struct {
	Text  string `json:"text"`
	Limit int    `json:"limit"`
}

func (h *Handler) query(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if !decodeBody(w, r, &req) {
		return
	}
	hits, err := h.recall.Query(r.Context(), req.Text, req.Limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if hits == nil {
		hits = []recall.Hit{}
	}
	writeJSON(w, http.StatusOK, hits)
}

type dreamRequest struct {
	Seed int64 `json:"seed"`
}

// runDream runs a four-phase cycle. The body is optional; a non-zero seed
// makes the creative phase reproducible.
func (h *Handler) runDream(w http.ResponseWriter, r *http.Request) {
	cfg := h.engine.DreamConfig()
	if r.ContentLength != 0 {
		var req dreamRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Seed != 0 {
			cfg.Seed = req.Seed
		}
	}
	res, err := h.engine.RunDreamCycle(r.Context(), cfg)
	if err != nil && res.CycleID == "" {
		h.writeError(w, err)
		return
	}
	// A partial cycle still committed work; the report carries the error.
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) runSleep(w http.ResponseWriter, r *http.Request) {
	// The pipeline stops between stages when ctx ends; a client hanging up
	// must not interrupt it.
	res, err := h.engine.RunSleepConsolidation(context.WithoutCancel(r.Context()))
	if err != nil && res.CycleID == "" {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) listHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		limit = n
	}
	records, err := h.engine.History().ListHistory(r.Context(), limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if records == nil {
		records = []consolidation.HistoryRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return false
	}
	return true
}

// writeError maps engine errors onto HTTP status codes.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, memory.ErrValidation), errors.Is(err, memory.ErrInvalidRating):
		status = http.StatusBadRequest
	case errors.Is(err, memory.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, memory.ErrBusy):
		status = http.StatusConflict
	case errors.Is(err, memory.ErrStoreUnavailable):
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
