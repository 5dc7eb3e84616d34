// Package chat manages conversation sessions: an append-only message log per
// session, bounded history fed into answer synthesis, and idle expiry.
// Message handling within one session is serialized; sessions never block
// each other.
package chat

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/venia-ai/docsearch/internal/apperr"
	"github.com/venia-ai/docsearch/internal/clock"
	"github.com/venia-ai/docsearch/internal/query"
	"github.com/venia-ai/docsearch/internal/ratelimit"
	"github.com/venia-ai/docsearch/internal/repository"
	"github.com/venia-ai/docsearch/internal/tenant"
)

// Blocked input patterns stripped from message content before it reaches the
// log or the model.
var (
	scriptPattern     = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>|<script[^>]*>`)
	javascriptPattern = regexp.MustCompile(`(?i)javascript:`)
)

// Config holds session lifecycle settings.
type Config struct {
	SessionTimeout  time.Duration // idle time before a session turns inactive (default 30m)
	MaxMessageBytes int           // message content cap (default 16 KiB)
	HistoryMessages int           // turns carried into synthesis (default 50)
}

// DefaultConfig returns the standard session settings
func DefaultConfig() Config {
	return Config{
		SessionTimeout:  30 * time.Minute,
		MaxMessageBytes: 16 << 10,
		HistoryMessages: 50,
	}
}

// Answerer synthesizes an answer for a question with conversation history.
// Implemented by the query orchestrator.
type Answerer interface {
	Answer(ctx context.Context, sec tenant.SecurityContext, req query.Request) (*query.Result, error)
}

// Manager owns chat sessions and their message logs.
type Manager struct {
	registry     *tenant.Registry
	limiter      *ratelimit.Limiter
	sessions     repository.SessionRepository
	orchestrator Answerer
	config       Config
	clk          clock.Clock
	logger       *slog.Logger

	mu    sync.Mutex
	locks map[uuid.UUID]*sessionLock
}

// sessionLock serializes calls touching one session. The refcount lets the
// manager drop the entry once the last caller releases it, so the map stays
// proportional to in-flight sessions.
type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// NewManager creates the chat session manager
func NewManager(
	registry *tenant.Registry,
	limiter *ratelimit.Limiter,
	sessions repository.SessionRepository,
	orchestrator Answerer,
	config Config,
	clk clock.Clock,
	logger *slog.Logger,
) *Manager {
	if config.SessionTimeout <= 0 {
		config.SessionTimeout = 30 * time.Minute
	}
	if config.MaxMessageBytes <= 0 {
		config.MaxMessageBytes = 16 << 10
	}
	if config.HistoryMessages <= 0 {
		config.HistoryMessages = 50
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Manager{
		registry:     registry,
		limiter:      limiter,
		sessions:     sessions,
		orchestrator: orchestrator,
		config:       config,
		clk:          clk,
		logger:       logger,
		locks:        make(map[uuid.UUID]*sessionLock),
	}
}

// OpenSession starts a new conversation for the authenticated user
func (m *Manager) OpenSession(ctx context.Context, sec tenant.SecurityContext, tenantID uuid.UUID, title string) (*repository.ChatSession, error) {
	if _, err := m.registry.AssertScope(ctx, tenantID, sec); err != nil {
		return nil, err
	}
	if err := m.limiter.Allow(tenantID.String(), sec.UserID, ratelimit.BucketAPI); err != nil {
		return nil, err
	}
	if len(title) > 256 {
		return nil, apperr.New(apperr.KindValidation, "title exceeds 256 characters")
	}

	now := m.clk.Now()
	session := &repository.ChatSession{
		ID:           uuid.New(),
		TenantID:     tenantID,
		UserID:       sec.UserID,
		Title:        title,
		Status:       repository.SessionActive,
		LastActivity: now,
		CreatedAt:    now,
	}
	if err := m.sessions.Create(ctx, session); err != nil {
		return nil, apperr.Wrap(apperr.KindTransientUpstream, "failed to create session", err)
	}

	m.logger.Info("chat session opened",
		"tenant_id", tenantID, "session_id", session.ID, "user_id", sec.UserID)
	return session, nil
}

// SendMessage appends the user's message, synthesizes an answer grounded in
// the tenant's documents and the session history, and appends the answer.
// Calls for the same session are serialized.
func (m *Manager) SendMessage(ctx context.Context, sec tenant.SecurityContext, tenantID, sessionID uuid.UUID, content string) (*query.Result, error) {
	if _, err := m.registry.AssertScope(ctx, tenantID, sec); err != nil {
		return nil, err
	}

	if content == "" {
		return nil, apperr.New(apperr.KindValidation, "message is empty")
	}
	if len(content) > m.config.MaxMessageBytes {
		return nil, apperr.Newf(apperr.KindValidation,
			"message exceeds %d bytes", m.config.MaxMessageBytes)
	}
	content = Sanitize(content)
	if content == "" {
		return nil, apperr.New(apperr.KindValidation, "message is empty after sanitization")
	}

	lock := m.lockSession(sessionID)
	defer m.unlockSession(sessionID, lock)

	session, err := m.ownedSession(ctx, tenantID, sessionID, sec)
	if err != nil {
		return nil, err
	}
	if !m.active(session) {
		return nil, apperr.New(apperr.KindValidation, "session is inactive")
	}

	history, err := m.history(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	now := m.clk.Now()
	userMsg := &repository.Message{
		ID:        uuid.New(),
		SessionID: sessionID,
		Role:      repository.RoleUser,
		Content:   content,
		CreatedAt: now,
	}
	if err := m.sessions.AppendMessage(ctx, userMsg); err != nil {
		return nil, apperr.Wrap(apperr.KindTransientUpstream, "failed to append message", err)
	}

	result, err := m.orchestrator.Answer(ctx, sec, query.Request{
		TenantID: tenantID,
		Query:    content,
		History:  history,
	})
	if err != nil {
		// The user's message stays in the log; the next attempt carries it as
		// history.
		return nil, err
	}

	answerMsg := &repository.Message{
		ID:        uuid.New(),
		SessionID: sessionID,
		Role:      repository.RoleSystem,
		Content:   result.Answer,
		Metadata: map[string]string{
			"model":       result.Metadata.Model,
			"tokens_used": strconv.Itoa(result.Metadata.TokensUsed),
			"grounded":    strconv.FormatBool(result.Metadata.Grounded),
			"confidence":  strconv.FormatFloat(float64(result.Confidence), 'f', 4, 32),
		},
		CreatedAt: m.clk.Now(),
	}
	if err := m.sessions.AppendMessage(ctx, answerMsg); err != nil {
		return nil, apperr.Wrap(apperr.KindTransientUpstream, "failed to append answer", err)
	}

	return result, nil
}

// History returns the most recent messages of a session, oldest first
func (m *Manager) History(ctx context.Context, sec tenant.SecurityContext, tenantID, sessionID uuid.UUID, limit int) ([]*repository.Message, error) {
	if _, err := m.registry.AssertScope(ctx, tenantID, sec); err != nil {
		return nil, err
	}
	if _, err := m.ownedSession(ctx, tenantID, sessionID, sec); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > m.config.HistoryMessages {
		limit = m.config.HistoryMessages
	}

	msgs, err := m.sessions.RecentMessages(ctx, sessionID, limit)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransientUpstream, "failed to load messages", err)
	}
	return msgs, nil
}

// ListSessions returns the user's sessions, most recent first
func (m *Manager) ListSessions(ctx context.Context, sec tenant.SecurityContext, tenantID uuid.UUID, limit, offset int) ([]*repository.ChatSession, int, error) {
	if _, err := m.registry.AssertScope(ctx, tenantID, sec); err != nil {
		return nil, 0, err
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	sessions, total, err := m.sessions.List(ctx, tenantID, sec.UserID, limit, offset)
	if err != nil {
		return nil, 0, apperr.Wrap(apperr.KindTransientUpstream, "failed to list sessions", err)
	}
	return sessions, total, nil
}

// CloseSession marks a session inactive. Closing an already inactive session
// is a no-op.
func (m *Manager) CloseSession(ctx context.Context, sec tenant.SecurityContext, tenantID, sessionID uuid.UUID) error {
	if _, err := m.registry.AssertScope(ctx, tenantID, sec); err != nil {
		return err
	}

	lock := m.lockSession(sessionID)
	defer m.unlockSession(sessionID, lock)

	session, err := m.ownedSession(ctx, tenantID, sessionID, sec)
	if err != nil {
		return err
	}
	if session.Status == repository.SessionInactive {
		return nil
	}

	session.Status = repository.SessionInactive
	if err := m.sessions.Update(ctx, session); err != nil {
		return apperr.Wrap(apperr.KindTransientUpstream, "failed to close session", err)
	}
	m.logger.Info("chat session closed", "tenant_id", tenantID, "session_id", sessionID)
	return nil
}

// StartExpiry marks idle sessions inactive every interval until ctx is done
func (m *Manager) StartExpiry(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cutoff := m.clk.Now().Add(-m.config.SessionTimeout)
				n, err := m.sessions.ExpireIdle(ctx, cutoff)
				if err != nil {
					m.logger.Warn("failed to expire idle sessions", "error", err)
					continue
				}
				if n > 0 {
					m.logger.Info("expired idle sessions", "count", n)
				}
			}
		}
	}()
}

// active reports whether the session accepts messages, treating an idle
// session as inactive even before the expiry sweep catches it.
func (m *Manager) active(session *repository.ChatSession) bool {
	if session.Status != repository.SessionActive {
		return false
	}
	return m.clk.Now().Sub(session.LastActivity) <= m.config.SessionTimeout
}

// history loads the session's recent messages as prompt turns, oldest first.
func (m *Manager) history(ctx context.Context, sessionID uuid.UUID) ([]query.Turn, error) {
	msgs, err := m.sessions.RecentMessages(ctx, sessionID, m.config.HistoryMessages)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransientUpstream, "failed to load history", err)
	}

	turns := make([]query.Turn, len(msgs))
	for i, msg := range msgs {
		turns[i] = query.Turn{Role: string(msg.Role), Content: msg.Content}
	}
	return turns, nil
}

func (m *Manager) ownedSession(ctx context.Context, tenantID, sessionID uuid.UUID, sec tenant.SecurityContext) (*repository.ChatSession, error) {
	session, err := m.sessions.GetByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.Newf(apperr.KindNotFound, "session %s not found", sessionID)
		}
		return nil, apperr.Wrap(apperr.KindTransientUpstream, "failed to load session", err)
	}
	if session.TenantID != tenantID {
		return nil, apperr.New(apperr.KindForbidden, "session belongs to another tenant")
	}
	if session.UserID != sec.UserID {
		return nil, apperr.New(apperr.KindForbidden, "session belongs to another user")
	}
	return session, nil
}

// lockSession acquires the per-session lock, creating it on first use.
func (m *Manager) lockSession(sessionID uuid.UUID) *sessionLock {
	m.mu.Lock()
	lock, ok := m.locks[sessionID]
	if !ok {
		lock = &sessionLock{}
		m.locks[sessionID] = lock
	}
	lock.refs++
	m.mu.Unlock()

	lock.mu.Lock()
	return lock
}

// unlockSession releases the lock and drops the map entry when no other call
// is waiting on it.
func (m *Manager) unlockSession(sessionID uuid.UUID, lock *sessionLock) {
	lock.mu.Unlock()

	m.mu.Lock()
	lock.refs--
	if lock.refs == 0 {
		delete(m.locks, sessionID)
	}
	m.mu.Unlock()
}

// lockCount reports tracked session locks, for tests.
func (m *Manager) lockCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

// Sanitize strips blocked markup patterns from message content.
func Sanitize(s string) string {
	s = scriptPattern.ReplaceAllString(s, "")
	s = javascriptPattern.ReplaceAllString(s, "")
	return s
}
