package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/nidhogg/nuka-memory/internal/bridge"
	"github.com/nidhogg/nuka-memory/internal/memory"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

// Memory is the part of the bridge the HTTP layer calls.
type Memory interface {
	Add(ctx context.Context, req bridge.AddRequest) (bridge.AddResult, error)
	Search(ctx context.Context, req bridge.SearchRequest) (bridge.SearchResponse, error)
	Stats(ctx context.Context) (bridge.Stats, error)
	Config() bridge.IngestConfig
	SetConfig(p bridge.ConfigPatch) (bridge.IngestConfig, error)
	Health(ctx context.Context) error
}

// Options configures the router's middleware.
type Options struct {
	AllowedOrigins []string
	RateLimit      RateLimitConfig
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	mem    Memory
	opts   Options
	logger *zap.Logger
}

// NewHandler creates a new API handler.
func NewHandler(mem Memory, opts Options, logger *zap.Logger) *Handler {
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	return &Handler{mem: mem, opts: opts, logger: logger}
}

// Router builds the chi router with all routes. ctx bounds the rate
// limiter's cleanup goroutine.
func (h *Handler) Router(ctx context.Context) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: h.opts.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))
	if h.opts.RateLimit.RequestsPerMin > 0 {
		r.Use(RateLimit(ctx, h.opts.RateLimit))
	}

	r.Get("/health", h.health)
	r.Get("/stats", h.stats)
	r.Get("/config", h.getConfig)
	r.Post("/config", h.setConfig)

	r.Route("/memory", func(r chi.Router) {
		r.Post("/add", h.add)
		r.Post("/search", h.search)
	})

	return r
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if err := h.mem.Health(r.Context()); err != nil {
		h.logger.Warn("health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *Handler) add(w http.ResponseWriter, r *http.Request) {
	var req bridge.AddRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.mem.Add(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) search(w http.ResponseWriter, r *http.Request) {
	var req bridge.SearchRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.mem.Search(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	s, err := h.mem.Stats(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *Handler) getConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.mem.Config())
}

func (h *Handler) setConfig(w http.ResponseWriter, r *http.Request) {
	var p bridge.ConfigPatch
	if !h.decode(w, r, &p) {
		return
	}
	cfg, err := h.mem.SetConfig(p)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// decode reads a JSON body into v, answering 400 itself on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("malformed request body: %v", err)})
		return false
	}
	return true
}

// statusFor maps the memory error taxonomy onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, memory.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, memory.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, memory.ErrEmbeddingUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, memory.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Int("status", status),
			zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
