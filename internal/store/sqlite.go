package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/deskrelay/internal/domain"
	"github.com/ashureev/deskrelay/internal/shared"
	_ "modernc.org/sqlite"
)

const (
	sqliteRetryAttempts = 3
	sqliteRetryDelay    = 50 * time.Millisecond
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL for concurrent readers; immediate transactions so writers queue on busy_timeout.
	dsn := "file:" + dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS conversations (
		conversation_id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		message_count INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_tenant ON conversations(tenant_id, updated_at);

	CREATE TABLE IF NOT EXISTS chat_messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		message_id TEXT NOT NULL,
		conversation_id TEXT NOT NULL REFERENCES conversations(conversation_id),
		tenant_id TEXT NOT NULL,
		role TEXT NOT NULL CHECK (role IN ('user', 'assistant')),
		body TEXT NOT NULL,
		sources_json TEXT,
		response_time_ms INTEGER,
		created_at INTEGER NOT NULL,
		UNIQUE(message_id, role)
	);
	CREATE INDEX IF NOT EXISTS idx_chat_messages_conversation ON chat_messages(conversation_id, seq);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// AppendMessage stores a message idempotently per (message_id, role).
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *domain.ChatMessage) (bool, error) {
	if !msg.Role.Valid() {
		return false, fmt.Errorf("append message: invalid role %q", msg.Role)
	}
	var created bool
	err := shared.RetryOnConflict(ctx, "append_message", sqliteRetryAttempts, sqliteRetryDelay, func() error {
		var err error
		created, err = s.appendMessageOnce(ctx, msg)
		return err
	})
	return created, err
}

func (s *SQLiteStore) appendMessageOnce(ctx context.Context, msg *domain.ChatMessage) (created bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				slog.Warn("failed to roll back append", "error", rbErr)
			}
		}
	}()

	now := time.Now()
	if err = s.ensureConversation(ctx, tx, msg, now); err != nil {
		return false, err
	}

	var sourcesJSON interface{}
	if len(msg.Sources) > 0 {
		raw, marshalErr := json.Marshal(msg.Sources)
		if marshalErr != nil {
			return false, fmt.Errorf("marshal sources: %w", marshalErr)
		}
		sourcesJSON = string(raw)
	}
	var responseTime interface{}
	if msg.ResponseTimeMs != nil {
		responseTime = *msg.ResponseTimeMs
	}

	result, err := tx.ExecContext(ctx, `
		INSERT INTO chat_messages (
			message_id, conversation_id, tenant_id, role, body,
			sources_json, response_time_ms, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(message_id, role) DO NOTHING`,
		msg.MessageID, msg.ConversationID, msg.TenantID, string(msg.Role), msg.Body,
		sourcesJSON, responseTime, now.UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("insert chat message: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}

	if rows == 0 {
		var (
			createdAt              int64
			tenantID, conversation string
		)
		err = tx.QueryRowContext(ctx,
			`SELECT seq, created_at, tenant_id, conversation_id FROM chat_messages WHERE message_id = ? AND role = ?`,
			msg.MessageID, string(msg.Role),
		).Scan(&msg.Seq, &createdAt, &tenantID, &conversation)
		if err != nil {
			return false, fmt.Errorf("load existing chat message: %w", err)
		}
		if tenantID != msg.TenantID || conversation != msg.ConversationID {
			msg.Seq = 0
			return false, fmt.Errorf("%w: message %s", ErrMessageConflict, msg.MessageID)
		}
		msg.CreatedAt = time.UnixMilli(createdAt)
		if err = tx.Commit(); err != nil {
			return false, fmt.Errorf("commit: %w", err)
		}
		return false, nil
	}

	msg.Seq, err = result.LastInsertId()
	if err != nil {
		return false, fmt.Errorf("get last insert id: %w", err)
	}
	msg.CreatedAt = time.UnixMilli(now.UnixMilli())

	_, err = tx.ExecContext(ctx, `
		UPDATE conversations SET
			message_count = message_count + 1,
			updated_at = ?,
			title = CASE WHEN title = '' AND ? = 'user' THEN ? ELSE title END
		WHERE conversation_id = ?`,
		now.UnixMilli(), string(msg.Role), domain.TitleFrom(msg.Body), msg.ConversationID,
	)
	if err != nil {
		return false, fmt.Errorf("touch conversation: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

func (s *SQLiteStore) ensureConversation(ctx context.Context, tx *sql.Tx, msg *domain.ChatMessage, now time.Time) error {
	var owner string
	err := tx.QueryRowContext(ctx,
		`SELECT tenant_id FROM conversations WHERE conversation_id = ?`, msg.ConversationID,
	).Scan(&owner)
	if err == nil {
		if owner != msg.TenantID {
			return fmt.Errorf("%w: conversation %s", ErrTenantMismatch, msg.ConversationID)
		}
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("lookup conversation: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversations (conversation_id, tenant_id, title, message_count, created_at, updated_at)
		VALUES (?, ?, '', 0, ?, ?)`,
		msg.ConversationID, msg.TenantID, now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}
	return nil
}

// GetConversation returns a conversation scoped to the tenant.
func (s *SQLiteStore) GetConversation(ctx context.Context, tenantID, conversationID string) (*domain.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT conversation_id, tenant_id, title, message_count, created_at, updated_at
		FROM conversations WHERE conversation_id = ? AND tenant_id = ?`,
		conversationID, tenantID,
	)
	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation row: %w", err)
	}
	return conv, nil
}

// ListConversations returns the tenant's conversations, most recently updated first.
func (s *SQLiteStore) ListConversations(ctx context.Context, tenantID string, limit int) ([]domain.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT conversation_id, tenant_id, title, message_count, created_at, updated_at
		FROM conversations WHERE tenant_id = ?
		ORDER BY updated_at DESC, conversation_id DESC
		LIMIT ?`,
		tenantID, normalizeLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close conversation rows", "error", closeErr)
		}
	}()

	convs := make([]domain.Conversation, 0)
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		convs = append(convs, *conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}
	return convs, nil
}

// MessagesSince returns messages with Seq > afterSeq in ascending order.
func (s *SQLiteStore) MessagesSince(ctx context.Context, tenantID, conversationID string, afterSeq int64, role domain.Role, limit int) ([]domain.ChatMessage, error) {
	query := `
		SELECT seq, message_id, conversation_id, tenant_id, role, body,
		       sources_json, response_time_ms, created_at
		FROM chat_messages
		WHERE tenant_id = ? AND conversation_id = ? AND seq > ?`
	args := []interface{}{tenantID, conversationID, afterSeq}
	if role != "" {
		query += ` AND role = ?`
		args = append(args, string(role))
	}
	query += ` ORDER BY seq ASC LIMIT ?`
	args = append(args, normalizeLimit(limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close message rows", "error", closeErr)
		}
	}()

	msgs := make([]domain.ChatMessage, 0)
	for rows.Next() {
		var msg domain.ChatMessage
		var roleStr string
		var sourcesJSON sql.NullString
		var responseTime sql.NullInt64
		var createdAt int64

		if err := rows.Scan(
			&msg.Seq, &msg.MessageID, &msg.ConversationID, &msg.TenantID, &roleStr, &msg.Body,
			&sourcesJSON, &responseTime, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		msg.Role = domain.Role(roleStr)
		msg.CreatedAt = time.UnixMilli(createdAt)
		if responseTime.Valid {
			v := responseTime.Int64
			msg.ResponseTimeMs = &v
		}
		if sourcesJSON.Valid && sourcesJSON.String != "" {
			if err := json.Unmarshal([]byte(sourcesJSON.String), &msg.Sources); err != nil {
				return nil, fmt.Errorf("decode sources for %s: %w", msg.MessageID, err)
			}
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return msgs, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanConversation(row rowScanner) (*domain.Conversation, error) {
	var conv domain.Conversation
	var createdAt, updatedAt int64
	if err := row.Scan(
		&conv.ConversationID, &conv.TenantID, &conv.Title, &conv.MessageCount,
		&createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	conv.CreatedAt = time.UnixMilli(createdAt)
	conv.UpdatedAt = time.UnixMilli(updatedAt)
	return &conv, nil
}
