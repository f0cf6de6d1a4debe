package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ashureev/deskrelay/internal/domain"
)

// PostgresStore implements Repository using PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a new PostgreSQL-backed repository with a connection pool.
func NewPostgres(ctx context.Context, databaseURL string) (Repository, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &PostgresStore{pool: pool}
	if err := store.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return store, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
	CREATE TABLE IF NOT EXISTS conversations (
		conversation_id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		message_count INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_tenant ON conversations(tenant_id, updated_at DESC);

	CREATE TABLE IF NOT EXISTS chat_messages (
		seq BIGSERIAL PRIMARY KEY,
		message_id TEXT NOT NULL,
		conversation_id TEXT NOT NULL REFERENCES conversations(conversation_id),
		tenant_id TEXT NOT NULL,
		role TEXT NOT NULL CHECK (role IN ('user', 'assistant')),
		body TEXT NOT NULL,
		sources TEXT[],
		response_time_ms BIGINT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (message_id, role)
	);
	CREATE INDEX IF NOT EXISTS idx_chat_messages_conversation ON chat_messages(conversation_id, seq);
	`)
	if err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// AppendMessage stores a message idempotently per (message_id, role).
func (s *PostgresStore) AppendMessage(ctx context.Context, msg *domain.ChatMessage) (bool, error) {
	if !msg.Role.Valid() {
		return false, fmt.Errorf("append message: invalid role %q", msg.Role)
	}

	var created bool
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var owner string
		err := tx.QueryRow(ctx, `
			INSERT INTO conversations (conversation_id, tenant_id)
			VALUES ($1, $2)
			ON CONFLICT (conversation_id) DO UPDATE SET conversation_id = EXCLUDED.conversation_id
			RETURNING tenant_id`,
			msg.ConversationID, msg.TenantID,
		).Scan(&owner)
		if err != nil {
			return fmt.Errorf("ensure conversation: %w", err)
		}
		if owner != msg.TenantID {
			return fmt.Errorf("%w: conversation %s", ErrTenantMismatch, msg.ConversationID)
		}

		err = tx.QueryRow(ctx, `
			INSERT INTO chat_messages (
				message_id, conversation_id, tenant_id, role, body, sources, response_time_ms
			) VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (message_id, role) DO NOTHING
			RETURNING seq, created_at`,
			msg.MessageID, msg.ConversationID, msg.TenantID, string(msg.Role), msg.Body,
			msg.Sources, msg.ResponseTimeMs,
		).Scan(&msg.Seq, &msg.CreatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			var tenantID, conversation string
			err = tx.QueryRow(ctx,
				`SELECT seq, created_at, tenant_id, conversation_id FROM chat_messages WHERE message_id = $1 AND role = $2`,
				msg.MessageID, string(msg.Role),
			).Scan(&msg.Seq, &msg.CreatedAt, &tenantID, &conversation)
			if err != nil {
				return fmt.Errorf("load existing chat message: %w", err)
			}
			if tenantID != msg.TenantID || conversation != msg.ConversationID {
				msg.Seq = 0
				return fmt.Errorf("%w: message %s", ErrMessageConflict, msg.MessageID)
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("insert chat message: %w", err)
		}
		created = true

		_, err = tx.Exec(ctx, `
			UPDATE conversations SET
				message_count = message_count + 1,
				updated_at = now(),
				title = CASE WHEN title = '' AND $1 = 'user' THEN $2 ELSE title END
			WHERE conversation_id = $3`,
			string(msg.Role), domain.TitleFrom(msg.Body), msg.ConversationID,
		)
		if err != nil {
			return fmt.Errorf("touch conversation: %w", err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return created, nil
}

// GetConversation returns a conversation scoped to the tenant.
func (s *PostgresStore) GetConversation(ctx context.Context, tenantID, conversationID string) (*domain.Conversation, error) {
	var conv domain.Conversation
	err := s.pool.QueryRow(ctx, `
		SELECT conversation_id, tenant_id, title, message_count, created_at, updated_at
		FROM conversations WHERE conversation_id = $1 AND tenant_id = $2`,
		conversationID, tenantID,
	).Scan(&conv.ConversationID, &conv.TenantID, &conv.Title, &conv.MessageCount, &conv.CreatedAt, &conv.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation row: %w", err)
	}
	return &conv, nil
}

// ListConversations returns the tenant's conversations, most recently updated first.
func (s *PostgresStore) ListConversations(ctx context.Context, tenantID string, limit int) ([]domain.Conversation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT conversation_id, tenant_id, title, message_count, created_at, updated_at
		FROM conversations WHERE tenant_id = $1
		ORDER BY updated_at DESC, conversation_id DESC
		LIMIT $2`,
		tenantID, normalizeLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	convs := make([]domain.Conversation, 0)
	for rows.Next() {
		var conv domain.Conversation
		if err := rows.Scan(&conv.ConversationID, &conv.TenantID, &conv.Title, &conv.MessageCount, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		convs = append(convs, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}
	return convs, nil
}

// MessagesSince returns messages with Seq > afterSeq in ascending order.
func (s *PostgresStore) MessagesSince(ctx context.Context, tenantID, conversationID string, afterSeq int64, role domain.Role, limit int) ([]domain.ChatMessage, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT seq, message_id, conversation_id, tenant_id, role, body, sources, response_time_ms, created_at
		FROM chat_messages
		WHERE tenant_id = $1 AND conversation_id = $2 AND seq > $3 AND ($4 = '' OR role = $4)
		ORDER BY seq ASC
		LIMIT $5`,
		tenantID, conversationID, afterSeq, string(role), normalizeLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	msgs := make([]domain.ChatMessage, 0)
	for rows.Next() {
		var msg domain.ChatMessage
		var roleStr string
		var createdAt time.Time
		if err := rows.Scan(
			&msg.Seq, &msg.MessageID, &msg.ConversationID, &msg.TenantID, &roleStr, &msg.Body,
			&msg.Sources, &msg.ResponseTimeMs, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		msg.Role = domain.Role(roleStr)
		msg.CreatedAt = createdAt
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return msgs, nil
}
