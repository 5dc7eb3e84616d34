package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/venia-ai/docsearch/internal/repository"
)

// DocumentRepo implements repository.DocumentRepository
type DocumentRepo struct {
	db *DB
}

// NewDocumentRepo creates a new document repository
func NewDocumentRepo(db *DB) *DocumentRepo {
	return &DocumentRepo{db: db}
}

const documentColumns = `id, tenant_id, filename, format, blob_ref, content_hash, status,
	retry_count, error_kind, error_message, chunk_count, schema_version, metadata,
	created_at, updated_at, processed_at`

// Create creates a new document
func (r *DocumentRepo) Create(ctx context.Context, doc *repository.Document) error {
	metadataJSON, err := json.Marshal(doc.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	query := `
		INSERT INTO documents (` + documentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`
	_, err = r.db.Pool.Exec(ctx, query,
		doc.ID, doc.TenantID, doc.Filename, doc.Format, doc.BlobRef, doc.ContentHash,
		doc.Status, doc.RetryCount, doc.ErrorKind, doc.ErrorMessage, doc.ChunkCount,
		doc.SchemaVersion, metadataJSON, doc.CreatedAt, doc.UpdatedAt, doc.ProcessedAt)
	if err != nil {
		return fmt.Errorf("failed to create document: %w", err)
	}
	return nil
}

// GetByID retrieves a document by ID
func (r *DocumentRepo) GetByID(ctx context.Context, id uuid.UUID) (*repository.Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE id = $1`
	return r.scanDocument(ctx, query, id)
}

// GetByHash retrieves a document by content hash for a tenant
func (r *DocumentRepo) GetByHash(ctx context.Context, tenantID uuid.UUID, hash string) (*repository.Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE tenant_id = $1 AND content_hash = $2`
	return r.scanDocument(ctx, query, tenantID, hash)
}

func (r *DocumentRepo) scanDocument(ctx context.Context, query string, args ...any) (*repository.Document, error) {
	var doc repository.Document
	var metadataJSON []byte

	err := r.db.Pool.QueryRow(ctx, query, args...).Scan(
		&doc.ID, &doc.TenantID, &doc.Filename, &doc.Format, &doc.BlobRef, &doc.ContentHash,
		&doc.Status, &doc.RetryCount, &doc.ErrorKind, &doc.ErrorMessage, &doc.ChunkCount,
		&doc.SchemaVersion, &metadataJSON, &doc.CreatedAt, &doc.UpdatedAt, &doc.ProcessedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get document: %w", err)
	}

	doc.Metadata = make(map[string]string)
	if err := json.Unmarshal(metadataJSON, &doc.Metadata); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}

	return &doc, nil
}

// List retrieves documents for a tenant with pagination
func (r *DocumentRepo) List(ctx context.Context, tenantID uuid.UUID, status repository.DocumentStatus, limit, offset int) ([]*repository.Document, int, error) {
	countQuery := `SELECT COUNT(*) FROM documents WHERE tenant_id = $1`
	listQuery := `SELECT ` + documentColumns + ` FROM documents WHERE tenant_id = $1`
	args := []any{tenantID}

	if status != "" {
		countQuery += ` AND status = $2`
		listQuery += ` AND status = $2`
		args = append(args, status)
	}

	listQuery += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)

	var total int
	if err := r.db.Pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count documents: %w", err)
	}

	args = append(args, limit, offset)
	rows, err := r.db.Pool.Query(ctx, listQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	var docs []*repository.Document
	for rows.Next() {
		var doc repository.Document
		var metadataJSON []byte
		if err := rows.Scan(&doc.ID, &doc.TenantID, &doc.Filename, &doc.Format, &doc.BlobRef,
			&doc.ContentHash, &doc.Status, &doc.RetryCount, &doc.ErrorKind, &doc.ErrorMessage,
			&doc.ChunkCount, &doc.SchemaVersion, &metadataJSON,
			&doc.CreatedAt, &doc.UpdatedAt, &doc.ProcessedAt); err != nil {
			return nil, 0, fmt.Errorf("failed to scan document: %w", err)
		}
		doc.Metadata = make(map[string]string)
		if err := json.Unmarshal(metadataJSON, &doc.Metadata); err != nil {
			return nil, 0, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
		docs = append(docs, &doc)
	}

	return docs, total, nil
}

// Update updates a document
func (r *DocumentRepo) Update(ctx context.Context, doc *repository.Document) error {
	metadataJSON, err := json.Marshal(doc.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	query := `
		UPDATE documents
		SET filename = $2, format = $3, blob_ref = $4, content_hash = $5, status = $6,
		    retry_count = $7, error_kind = $8, error_message = $9, chunk_count = $10,
		    metadata = $11, processed_at = $12, updated_at = NOW()
		WHERE id = $1
	`
	result, err := r.db.Pool.Exec(ctx, query,
		doc.ID, doc.Filename, doc.Format, doc.BlobRef, doc.ContentHash, doc.Status,
		doc.RetryCount, doc.ErrorKind, doc.ErrorMessage, doc.ChunkCount,
		metadataJSON, doc.ProcessedAt)
	if err != nil {
		return fmt.Errorf("failed to update document: %w", err)
	}
	if result.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// Delete deletes a document; chunks and embeddings cascade via foreign keys
func (r *DocumentRepo) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.Pool.Exec(ctx, `DELETE FROM documents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	if result.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// TransitionStatus atomically moves a document between states (compare-and-swap).
// Returns false when the document was not in any of the expected states.
func (r *DocumentRepo) TransitionStatus(ctx context.Context, id uuid.UUID, from []repository.DocumentStatus, to repository.DocumentStatus) (bool, error) {
	states := make([]string, len(from))
	for i, s := range from {
		states[i] = string(s)
	}

	query := `
		UPDATE documents
		SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = ANY($3)
	`
	result, err := r.db.Pool.Exec(ctx, query, id, to, states)
	if err != nil {
		return false, fmt.Errorf("failed to transition document status: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// ResetProcessing returns documents stranded in processing to queued
func (r *DocumentRepo) ResetProcessing(ctx context.Context) (int64, error) {
	result, err := r.db.Pool.Exec(ctx,
		`UPDATE documents SET status = $1, updated_at = NOW() WHERE status = $2`,
		repository.DocQueued, repository.DocProcessing)
	if err != nil {
		return 0, fmt.Errorf("failed to reset processing documents: %w", err)
	}
	return result.RowsAffected(), nil
}

// ListQueued returns queued documents across all tenants, oldest first
func (r *DocumentRepo) ListQueued(ctx context.Context, limit int) ([]*repository.Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE status = $1 ORDER BY created_at LIMIT $2`
	rows, err := r.db.Pool.Query(ctx, query, repository.DocQueued, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list queued documents: %w", err)
	}
	defer rows.Close()

	var docs []*repository.Document
	for rows.Next() {
		var doc repository.Document
		var metadataJSON []byte
		if err := rows.Scan(&doc.ID, &doc.TenantID, &doc.Filename, &doc.Format, &doc.BlobRef,
			&doc.ContentHash, &doc.Status, &doc.RetryCount, &doc.ErrorKind, &doc.ErrorMessage,
			&doc.ChunkCount, &doc.SchemaVersion, &metadataJSON,
			&doc.CreatedAt, &doc.UpdatedAt, &doc.ProcessedAt); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		doc.Metadata = make(map[string]string)
		if err := json.Unmarshal(metadataJSON, &doc.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
		docs = append(docs, &doc)
	}

	return docs, nil
}

// Ensure DocumentRepo implements the interface
var _ repository.DocumentRepository = (*DocumentRepo)(nil)
