package domain

import "time"

// EventType names a push channel frame.
type EventType string

const (
	EventChatResponse EventType = "chat-response"
	EventConnected    EventType = "connected"
	EventHeartbeat    EventType = "heartbeat"
)

// Event is a frame written to a push channel.
type Event struct {
	Type           EventType `json:"type"`
	ConversationID string    `json:"conversation_id,omitempty"`
	MessageID      string    `json:"message_id,omitempty"`
	AIResponse     string    `json:"ai_response,omitempty"`
	Sources        []string  `json:"sources,omitempty"`
	Timestamp      string    `json:"timestamp,omitempty"`
}

// ResponseEvent builds the chat-response event for a persisted envelope.
func ResponseEvent(env *DeliveryEnvelope, at time.Time) Event {
	return Event{
		Type:           EventChatResponse,
		ConversationID: env.ConversationID,
		MessageID:      env.MessageID,
		AIResponse:     env.Response,
		Sources:        env.Sources,
		Timestamp:      at.UTC().Format(time.RFC3339),
	}
}

// HeartbeatEvent builds a heartbeat frame.
func HeartbeatEvent(at time.Time) Event {
	return Event{Type: EventHeartbeat, Timestamp: at.UTC().Format(time.RFC3339)}
}

// ConnectedEvent builds the first frame written after a channel opens.
func ConnectedEvent(at time.Time) Event {
	return Event{Type: EventConnected, Timestamp: at.UTC().Format(time.RFC3339)}
}
