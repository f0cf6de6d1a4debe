package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/ashureev/deskrelay/internal/domain"
	"github.com/ashureev/deskrelay/internal/identity"
	"github.com/ashureev/deskrelay/internal/store"
	"github.com/go-chi/chi/v5"
)

// ListConversations handles GET /api/tenants/{tenantID}/conversations.
func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	tenantID := identity.TenantFromContext(r.Context())
	limit, ok := intParam(w, r, "limit")
	if !ok {
		return
	}

	convs, err := h.repo.ListConversations(r.Context(), tenantID, int(limit))
	if err != nil {
		h.logger.Error("Failed to list conversations", "error", err, "tenant_id", tenantID)
		Error(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}
	if convs == nil {
		convs = []domain.Conversation{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"conversations": convs})
}

// ListMessages handles GET /api/tenants/{tenantID}/conversations/{conversationID}/messages.
// after=0 loads the whole conversation; a positive cursor serves gap recovery.
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	tenantID := identity.TenantFromContext(r.Context())
	conversationID := chi.URLParam(r, "conversationID")

	after, ok := intParam(w, r, "after")
	if !ok {
		return
	}
	limit, ok := intParam(w, r, "limit")
	if !ok {
		return
	}
	role := domain.Role(r.URL.Query().Get("role"))
	if role != "" && !role.Valid() {
		Error(w, http.StatusBadRequest, "invalid role")
		return
	}

	if _, err := h.repo.GetConversation(r.Context(), tenantID, conversationID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			Error(w, http.StatusNotFound, "conversation not found")
			return
		}
		h.logger.Error("Failed to load conversation", "error", err, "tenant_id", tenantID, "conversation_id", conversationID)
		Error(w, http.StatusInternalServerError, "failed to load conversation")
		return
	}

	msgs, err := h.repo.MessagesSince(r.Context(), tenantID, conversationID, after, role, int(limit))
	if err != nil {
		h.logger.Error("Failed to read messages", "error", err, "tenant_id", tenantID, "conversation_id", conversationID)
		Error(w, http.StatusInternalServerError, "failed to read messages")
		return
	}
	if msgs == nil {
		msgs = []domain.ChatMessage{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"messages": msgs})
}

// intParam parses an optional non-negative integer query parameter, writing
// a 400 and returning false when it is malformed.
func intParam(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, true
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		Error(w, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return v, true
}
