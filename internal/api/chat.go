package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/ashureev/deskrelay/internal/domain"
	"github.com/ashureev/deskrelay/internal/identity"
	"github.com/ashureev/deskrelay/internal/metrics"
	"github.com/ashureev/deskrelay/internal/store"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

type chatRequest struct {
	ConversationID string `json:"conversation_id,omitempty"`
	Message        string `json:"message"`
}

// HandleChat handles POST /api/tenants/{tenantID}/chat. It persists the user
// message, dispatches a WorkItem and answers 202 with a provisional Receipt
// without waiting for the assistant reply, which arrives over the push channel.
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	tenantID := identity.TenantFromContext(r.Context())
	if tenantID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	if !h.limiter.Allow(tenantID) {
		metrics.ChatRequests.WithLabelValues("rate_limited").Inc()
		Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		metrics.ChatRequests.WithLabelValues("invalid").Inc()
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		metrics.ChatRequests.WithLabelValues("invalid").Inc()
		Error(w, http.StatusBadRequest, "message is required")
		return
	}

	ctx := r.Context()
	conversationID := strings.TrimSpace(req.ConversationID)
	if conversationID == "" {
		conversationID = h.newID()
	} else if _, err := h.repo.GetConversation(ctx, tenantID, conversationID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			Error(w, http.StatusNotFound, "conversation not found")
			return
		}
		h.logger.Error("Failed to load conversation", "error", err, "tenant_id", tenantID, "conversation_id", conversationID)
		Error(w, http.StatusInternalServerError, "failed to load conversation")
		return
	}

	msg := &domain.ChatMessage{
		MessageID:      h.newID(),
		ConversationID: conversationID,
		TenantID:       tenantID,
		Role:           domain.RoleUser,
		Body:           req.Message,
	}
	log := h.logger.With(
		"tenant_id", tenantID,
		"conversation_id", conversationID,
		"message_id", msg.MessageID,
		"request_id", chiMiddleware.GetReqID(ctx),
	)

	if _, err := h.repo.AppendMessage(ctx, msg); err != nil {
		if errors.Is(err, store.ErrTenantMismatch) {
			Error(w, http.StatusNotFound, "conversation not found")
			return
		}
		log.Error("Failed to persist user message", "error", err)
		Error(w, http.StatusInternalServerError, "failed to store message")
		return
	}

	payload, err := json.Marshal(domain.WorkItem{
		MessageID:      msg.MessageID,
		ConversationID: conversationID,
		TenantID:       tenantID,
		Message:        req.Message,
		SubmittedAt:    h.now().UTC(),
	})
	if err != nil {
		log.Error("Failed to encode work item", "error", err)
		Error(w, http.StatusInternalServerError, "failed to dispatch message")
		return
	}
	if _, err := h.pub.Publish(ctx, payload); err != nil {
		metrics.ChatRequests.WithLabelValues("dispatch_failed").Inc()
		metrics.QueueErrors.WithLabelValues("publish").Inc()
		log.Error("Failed to dispatch work item", "error", err)
		Error(w, http.StatusServiceUnavailable, "failed to dispatch message")
		return
	}

	metrics.ChatRequests.WithLabelValues("accepted").Inc()
	log.Info("Chat request accepted", "message_length", len(req.Message))
	JSON(w, http.StatusAccepted, domain.Receipt{
		MessageID:      msg.MessageID,
		ConversationID: conversationID,
		Status:         domain.ReceiptPending,
	})
}
