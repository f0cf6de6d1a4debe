// Package api provides HTTP handlers for the deskrelay API.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/deskrelay/internal/queue"
	"github.com/ashureev/deskrelay/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/oklog/ulid/v2"
)

// defaultMaxRequestBodySize is the default maximum allowed request body size (1MB).
const defaultMaxRequestBodySize = 1 << 20

// Options tunes request intake.
type Options struct {
	MaxRequestBodyBytes int64
	RatePerMinute       int
}

// Handler serves the intake and history endpoints of one tenant-scoped router.
type Handler struct {
	repo    store.Repository
	pub     queue.Publisher
	limiter *TenantLimiter
	maxBody int64
	logger  *slog.Logger
	newID   func() string
	now     func() time.Time
}

// NewHandler creates a Handler that persists to repo and dispatches work to pub.
func NewHandler(repo store.Repository, pub queue.Publisher, opts Options, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	maxBody := opts.MaxRequestBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxRequestBodySize
	}
	return &Handler{
		repo:    repo,
		pub:     pub,
		limiter: NewTenantLimiter(opts.RatePerMinute),
		maxBody: maxBody,
		logger:  logger,
		newID:   func() string { return ulid.Make().String() },
		now:     time.Now,
	}
}

// Limiter exposes the per-tenant limiter so its eviction loop can be supervised.
func (h *Handler) Limiter() *TenantLimiter {
	return h.limiter
}

// RegisterRoutes registers tenant-scoped routes. The router must already
// carry the {tenantID} parameter and the identity middleware.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/chat", h.HandleChat)
	r.Get("/conversations", h.ListConversations)
	r.Get("/conversations/{conversationID}/messages", h.ListMessages)
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}
