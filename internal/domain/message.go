// Package domain contains core domain types for the delivery pipeline.
package domain

import (
	"time"
)

// Role identifies the author of a chat turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// ChatMessage is a single turn in a conversation.
// Seq is assigned by the store and grows monotonically; it is the cursor
// used when reading messages since a given point.
type ChatMessage struct {
	Seq            int64     `json:"seq"`
	MessageID      string    `json:"message_id"`
	ConversationID string    `json:"conversation_id"`
	TenantID       string    `json:"tenant_id"`
	Role           Role      `json:"role"`
	Body           string    `json:"body"`
	Sources        []string  `json:"sources,omitempty"`
	ResponseTimeMs *int64    `json:"response_time_ms,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Conversation groups messages into a thread owned by one tenant.
type Conversation struct {
	ConversationID string    `json:"conversation_id"`
	TenantID       string    `json:"tenant_id"`
	Title          string    `json:"title"`
	MessageCount   int       `json:"message_count"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Receipt is the provisional acknowledgment returned by request intake
// before the assistant reply exists.
type Receipt struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
	Status         string `json:"status"`
}

// ReceiptPending is the only status intake ever returns.
const ReceiptPending = "pending"

// WorkItem is the unit of work dispatched to the external AI worker.
type WorkItem struct {
	MessageID      string    `json:"message_id"`
	ConversationID string    `json:"conversation_id"`
	TenantID       string    `json:"tenant_id"`
	Message        string    `json:"message"`
	SubmittedAt    time.Time `json:"submitted_at"`
}

// TitleFrom derives a conversation title from the first user message.
func TitleFrom(body string) string {
	const maxTitle = 60
	runes := []rune(body)
	if len(runes) <= maxTitle {
		return body
	}
	return string(runes[:maxTitle]) + "…"
}
