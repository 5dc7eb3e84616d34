package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/venia-ai/docsearch/internal/repository"
)

// SessionRepo implements repository.SessionRepository
type SessionRepo struct {
	db *DB
}

// NewSessionRepo creates a new session repository
func NewSessionRepo(db *DB) *SessionRepo {
	return &SessionRepo{db: db}
}

// Create creates a new chat session
func (r *SessionRepo) Create(ctx context.Context, session *repository.ChatSession) error {
	query := `
		INSERT INTO chat_sessions (id, tenant_id, user_id, title, status, last_activity, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.db.Pool.Exec(ctx, query,
		session.ID, session.TenantID, session.UserID, session.Title, session.Status,
		session.LastActivity, session.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// GetByID retrieves a chat session by ID
func (r *SessionRepo) GetByID(ctx context.Context, id uuid.UUID) (*repository.ChatSession, error) {
	query := `
		SELECT id, tenant_id, user_id, title, status, last_activity, created_at
		FROM chat_sessions
		WHERE id = $1
	`
	var session repository.ChatSession
	err := r.db.Pool.QueryRow(ctx, query, id).Scan(
		&session.ID, &session.TenantID, &session.UserID, &session.Title, &session.Status,
		&session.LastActivity, &session.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return &session, nil
}

// List retrieves a user's sessions ordered by most recent activity
func (r *SessionRepo) List(ctx context.Context, tenantID uuid.UUID, userID string, limit, offset int) ([]*repository.ChatSession, int, error) {
	var total int
	if err := r.db.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM chat_sessions WHERE tenant_id = $1 AND user_id = $2`,
		tenantID, userID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count sessions: %w", err)
	}

	query := `
		SELECT id, tenant_id, user_id, title, status, last_activity, created_at
		FROM chat_sessions
		WHERE tenant_id = $1 AND user_id = $2
		ORDER BY last_activity DESC
		LIMIT $3 OFFSET $4
	`
	rows, err := r.db.Pool.Query(ctx, query, tenantID, userID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*repository.ChatSession
	for rows.Next() {
		var session repository.ChatSession
		if err := rows.Scan(&session.ID, &session.TenantID, &session.UserID, &session.Title,
			&session.Status, &session.LastActivity, &session.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, &session)
	}

	return sessions, total, nil
}

// Update updates a session's title, status and last activity
func (r *SessionRepo) Update(ctx context.Context, session *repository.ChatSession) error {
	result, err := r.db.Pool.Exec(ctx,
		`UPDATE chat_sessions SET title = $2, status = $3, last_activity = $4 WHERE id = $1`,
		session.ID, session.Title, session.Status, session.LastActivity)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	if result.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// AppendMessage appends a message to a session and bumps last activity
func (r *SessionRepo) AppendMessage(ctx context.Context, msg *repository.Message) error {
	metadataJSON, err := json.Marshal(msg.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	query := `
		INSERT INTO messages (id, session_id, role, content, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err = r.db.Pool.Exec(ctx, query,
		msg.ID, msg.SessionID, msg.Role, msg.Content, metadataJSON, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}

	_, err = r.db.Pool.Exec(ctx,
		`UPDATE chat_sessions SET last_activity = $2 WHERE id = $1`, msg.SessionID, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	return nil
}

// RecentMessages returns up to limit of the newest messages in a session,
// ordered oldest first so they can feed a prompt directly.
func (r *SessionRepo) RecentMessages(ctx context.Context, sessionID uuid.UUID, limit int) ([]*repository.Message, error) {
	query := `
		SELECT id, session_id, role, content, metadata, created_at FROM (
			SELECT id, session_id, role, content, metadata, created_at
			FROM messages
			WHERE session_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2
		) recent
		ORDER BY created_at, id
	`
	rows, err := r.db.Pool.Query(ctx, query, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	defer rows.Close()

	var messages []*repository.Message
	for rows.Next() {
		var msg repository.Message
		var metadataJSON []byte
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Role, &msg.Content,
			&metadataJSON, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.Metadata = make(map[string]string)
		if err := json.Unmarshal(metadataJSON, &msg.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
		messages = append(messages, &msg)
	}

	return messages, nil
}

// ExpireIdle marks active sessions with no activity since cutoff as inactive
func (r *SessionRepo) ExpireIdle(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.Pool.Exec(ctx,
		`UPDATE chat_sessions SET status = $1 WHERE status = $2 AND last_activity < $3`,
		repository.SessionInactive, repository.SessionActive, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to expire sessions: %w", err)
	}
	return result.RowsAffected(), nil
}

// Ensure SessionRepo implements the interface
var _ repository.SessionRepository = (*SessionRepo)(nil)
