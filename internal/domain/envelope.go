package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMalformedEnvelope is returned when a queue payload is not valid JSON.
	ErrMalformedEnvelope = errors.New("malformed delivery envelope")
	// ErrIncompleteEnvelope is returned when required envelope fields are missing.
	ErrIncompleteEnvelope = errors.New("incomplete delivery envelope")
)

// DeliveryEnvelope is a completed AI turn taken off the work queue.
type DeliveryEnvelope struct {
	MessageID        string   `json:"message_id"`
	ConversationID   string   `json:"conversation_id"`
	TenantID         string   `json:"tenant_id"`
	Response         string   `json:"response"`
	Sources          []string `json:"sources,omitempty"`
	ProcessingTimeMs *int64   `json:"processing_time_ms,omitempty"`
}

// ParseEnvelope decodes and validates a raw queue payload.
// Both failure modes wrap a sentinel so callers can classify them as poison.
func ParseEnvelope(payload []byte) (*DeliveryEnvelope, error) {
	var env DeliveryEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

// Validate checks that every required field is present.
func (e *DeliveryEnvelope) Validate() error {
	var missing []string
	if strings.TrimSpace(e.MessageID) == "" {
		missing = append(missing, "message_id")
	}
	if strings.TrimSpace(e.ConversationID) == "" {
		missing = append(missing, "conversation_id")
	}
	if strings.TrimSpace(e.TenantID) == "" {
		missing = append(missing, "tenant_id")
	}
	if e.Response == "" {
		missing = append(missing, "response")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrIncompleteEnvelope, strings.Join(missing, ", "))
	}
	return nil
}

// AssistantMessage converts a valid envelope into the assistant ChatMessage to persist.
func (e *DeliveryEnvelope) AssistantMessage() *ChatMessage {
	return &ChatMessage{
		MessageID:      e.MessageID,
		ConversationID: e.ConversationID,
		TenantID:       e.TenantID,
		Role:           RoleAssistant,
		Body:           e.Response,
		Sources:        e.Sources,
		ResponseTimeMs: e.ProcessingTimeMs,
	}
}

// Excerpt truncates a payload for logging.
func Excerpt(payload []byte, limit int) string {
	if len(payload) <= limit {
		return string(payload)
	}
	return string(payload[:limit]) + "...(truncated)"
}
