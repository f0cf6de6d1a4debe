// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"

	"github.com/ashureev/deskrelay/internal/domain"
)

var (
	// ErrTenantMismatch is returned when a message targets a conversation owned by another tenant.
	ErrTenantMismatch = errors.New("conversation belongs to another tenant")
	// ErrMessageConflict is returned when a message_id is already stored for a
	// different tenant or conversation. Nothing is written.
	ErrMessageConflict = errors.New("message id already stored for another conversation")
	// ErrNotFound is returned when a conversation does not exist for the tenant.
	ErrNotFound = errors.New("not found")
)

// DefaultPageSize bounds reads that do not specify a limit.
const DefaultPageSize = 200

// Repository defines the interface for persisting conversations and chat messages.
type Repository interface {
	// AppendMessage stores a message, creating its conversation on first use.
	// Writes are idempotent per (message_id, role): a repeated append for the
	// same tenant and conversation returns created=false and fills msg with the
	// stored row's Seq and CreatedAt. A repeat under another tenant or
	// conversation returns ErrMessageConflict and rolls back.
	AppendMessage(ctx context.Context, msg *domain.ChatMessage) (created bool, err error)

	// GetConversation returns a conversation scoped to the tenant, or ErrNotFound.
	GetConversation(ctx context.Context, tenantID, conversationID string) (*domain.Conversation, error)

	// ListConversations returns the tenant's conversations, most recently updated first.
	ListConversations(ctx context.Context, tenantID string, limit int) ([]domain.Conversation, error)

	// MessagesSince returns messages with Seq > afterSeq in ascending order.
	// An empty role returns both roles.
	MessagesSince(ctx context.Context, tenantID, conversationID string, afterSeq int64, role domain.Role, limit int) ([]domain.ChatMessage, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > DefaultPageSize {
		return DefaultPageSize
	}
	return limit
}
