// Package client is the consumer side of the delivery pipeline: it keeps a
// push channel open for the active conversation, recovers missed replies
// while reconnecting, and coordinates conversation loads.
package client

import (
	"context"
	"errors"

	"github.com/ashureev/deskrelay/internal/domain"
)

// ErrUnauthorized is returned by transports when the server answers 401 or 403.
var ErrUnauthorized = errors.New("unauthorized")

// Stream is an open push channel.
type Stream interface {
	// Next blocks until the next event arrives or the stream fails.
	Next(ctx context.Context) (domain.Event, error)
	Close() error
}

// Dialer opens the tenant's push channel. A returned Stream means the
// handshake succeeded.
type Dialer interface {
	Dial(ctx context.Context) (Stream, error)
}

// Poller reads assistant messages with Seq greater than afterSeq; it backs
// gap recovery.
type Poller interface {
	MessagesSince(ctx context.Context, conversationID string, afterSeq int64) ([]domain.ChatMessage, error)
}

// Loader reads a whole conversation.
type Loader interface {
	LoadConversation(ctx context.Context, conversationID string) ([]domain.ChatMessage, error)
}

// Lister reads the tenant's conversation list.
type Lister interface {
	ListConversations(ctx context.Context) ([]domain.Conversation, error)
}

// Sender submits a user message. An empty conversationID starts a new conversation.
type Sender interface {
	Send(ctx context.Context, conversationID, message string) (domain.Receipt, error)
}
