// Package repository defines domain models and data access interfaces for
// tenants, documents, chunks, embeddings, and chat sessions.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// SchemaVersion tags persisted documents, chunks and embeddings.
const SchemaVersion = "1.0"

// TenantStatus is the lifecycle state of a tenant.
type TenantStatus string

const (
	TenantActive   TenantStatus = "active"
	TenantDisabled TenantStatus = "disabled"
)

// Tenant represents a tenant in the system
type Tenant struct {
	ID        uuid.UUID
	Name      string
	Status    TenantStatus
	Config    TenantConfig
	Usage     TenantUsage
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TenantConfig holds tenant-specific configuration
type TenantConfig struct {
	TopK         int     `json:"top_k"`
	Threshold    float32 `json:"threshold"`
	SystemPrompt string  `json:"system_prompt"`
}

// TenantUsage holds tenant usage statistics
type TenantUsage struct {
	DocumentCount   int   `json:"document_count"`
	ChunkCount      int   `json:"chunk_count"`
	QueryCountMonth int64 `json:"query_count_month"`
}

// DocumentStatus is the lifecycle state of a document.
type DocumentStatus string

const (
	DocPending    DocumentStatus = "pending"
	DocQueued     DocumentStatus = "queued"
	DocProcessing DocumentStatus = "processing"
	DocCompleted  DocumentStatus = "completed"
	DocFailed     DocumentStatus = "failed"
	DocInvalid    DocumentStatus = "invalid"
)

// DocumentFormat is a supported upload format.
type DocumentFormat string

const (
	FormatPDF  DocumentFormat = "pdf"
	FormatDOCX DocumentFormat = "docx"
	FormatXLSX DocumentFormat = "xlsx"
)

// ParseFormat validates a format string.
func ParseFormat(s string) (DocumentFormat, bool) {
	switch DocumentFormat(s) {
	case FormatPDF, FormatDOCX, FormatXLSX:
		return DocumentFormat(s), true
	}
	return "", false
}

// Document represents an ingested document
type Document struct {
	ID            uuid.UUID
	TenantID      uuid.UUID
	Filename      string
	Format        DocumentFormat
	BlobRef       string
	ContentHash   string
	Status        DocumentStatus
	RetryCount    int
	ErrorKind     string
	ErrorMessage  string
	ChunkCount    int
	SchemaVersion string
	Metadata      map[string]string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	ProcessedAt   *time.Time
}

// ChunkStatus marks per-chunk processing outcomes.
type ChunkStatus string

const (
	ChunkOK    ChunkStatus = "ok"
	ChunkError ChunkStatus = "error"
)

// Chunk represents a bounded, overlapping piece of a document's text
type Chunk struct {
	ID               uuid.UUID
	DocumentID       uuid.UUID
	TenantID         uuid.UUID
	Sequence         int
	Content          string
	Status           ChunkStatus
	Page             int
	Layout           string
	Confidence       float32
	PreservingLayout bool
	SchemaVersion    string
	CreatedAt        time.Time
}

// Embedding is the 1536-dimensional unit vector for one chunk (1:1)
type Embedding struct {
	ID            uuid.UUID
	ChunkID       uuid.UUID
	DocumentID    uuid.UUID
	TenantID      uuid.UUID
	Vector        []float32
	SchemaVersion string
	CreatedAt     time.Time
}

// SessionStatus is the lifecycle state of a chat session.
type SessionStatus string

const (
	SessionActive   SessionStatus = "active"
	SessionInactive SessionStatus = "inactive"
)

// ChatSession holds a conversation scoped to one tenant and user
type ChatSession struct {
	ID           uuid.UUID
	TenantID     uuid.UUID
	UserID       string
	Title        string
	Status       SessionStatus
	LastActivity time.Time
	CreatedAt    time.Time
}

// MessageRole distinguishes user input from system answers.
type MessageRole string

const (
	RoleUser   MessageRole = "user"
	RoleSystem MessageRole = "system"
)

// Message is one turn in a chat session
type Message struct {
	ID        uuid.UUID
	SessionID uuid.UUID
	Role      MessageRole
	Content   string
	Metadata  map[string]string
	CreatedAt time.Time
}

// TenantRepository defines operations for tenant persistence
type TenantRepository interface {
	Create(ctx context.Context, tenant *Tenant) error
	GetByID(ctx context.Context, id uuid.UUID) (*Tenant, error)
	List(ctx context.Context, limit, offset int) ([]*Tenant, int, error)
	Update(ctx context.Context, tenant *Tenant) error
	Delete(ctx context.Context, id uuid.UUID) error
	UpdateUsage(ctx context.Context, id uuid.UUID, usage TenantUsage) error
}

// DocumentRepository defines operations for document persistence
type DocumentRepository interface {
	Create(ctx context.Context, doc *Document) error
	GetByID(ctx context.Context, id uuid.UUID) (*Document, error)
	GetByHash(ctx context.Context, tenantID uuid.UUID, hash string) (*Document, error)
	List(ctx context.Context, tenantID uuid.UUID, status DocumentStatus, limit, offset int) ([]*Document, int, error)
	Update(ctx context.Context, doc *Document) error
	Delete(ctx context.Context, id uuid.UUID) error

	// TransitionStatus atomically moves a document from one of the given
	// states to the target state. Returns false without error when the
	// document is no longer in an expected state (another worker owns it).
	TransitionStatus(ctx context.Context, id uuid.UUID, from []DocumentStatus, to DocumentStatus) (bool, error)

	// ResetProcessing returns any document left in processing to queued.
	// Called once on startup to recover from a hard kill.
	ResetProcessing(ctx context.Context) (int64, error)

	// ListQueued returns queued documents across all tenants, oldest first,
	// for startup re-enqueue.
	ListQueued(ctx context.Context, limit int) ([]*Document, error)
}

// ChunkRepository defines operations for chunk persistence
type ChunkRepository interface {
	CreateBatch(ctx context.Context, chunks []*Chunk) error
	GetByIDs(ctx context.Context, tenantID uuid.UUID, ids []uuid.UUID) (map[uuid.UUID]*Chunk, error)
	ListByDocument(ctx context.Context, documentID uuid.UUID, limit, offset int) ([]*Chunk, error)
	DeleteByDocument(ctx context.Context, documentID uuid.UUID) error
}

// EmbeddingRepository defines operations for embedding persistence
type EmbeddingRepository interface {
	CreateBatch(ctx context.Context, embeddings []*Embedding) error
	ListByTenant(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]*Embedding, error)
	CountByTenant(ctx context.Context, tenantID uuid.UUID) (int, error)
	// MapChunks resolves embedding ids to their chunk ids within the tenant.
	MapChunks(ctx context.Context, tenantID uuid.UUID, ids []uuid.UUID) (map[uuid.UUID]uuid.UUID, error)
	DeleteByDocument(ctx context.Context, documentID uuid.UUID) error
}

// SessionRepository defines operations for chat session persistence
type SessionRepository interface {
	Create(ctx context.Context, session *ChatSession) error
	GetByID(ctx context.Context, id uuid.UUID) (*ChatSession, error)
	List(ctx context.Context, tenantID uuid.UUID, userID string, limit, offset int) ([]*ChatSession, int, error)
	Update(ctx context.Context, session *ChatSession) error

	AppendMessage(ctx context.Context, msg *Message) error
	// RecentMessages returns up to limit most-recent messages, oldest first.
	RecentMessages(ctx context.Context, sessionID uuid.UUID, limit int) ([]*Message, error)
	// ExpireIdle marks sessions with no activity since cutoff as inactive.
	ExpireIdle(ctx context.Context, cutoff time.Time) (int64, error)
}
