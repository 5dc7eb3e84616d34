package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/venia-ai/docsearch/internal/repository"
)

// ChunkRepo implements repository.ChunkRepository
type ChunkRepo struct {
	db *DB
}

// NewChunkRepo creates a new chunk repository
func NewChunkRepo(db *DB) *ChunkRepo {
	return &ChunkRepo{db: db}
}

const chunkColumns = `id, document_id, tenant_id, sequence, content, status, page, layout,
	confidence, preserving_layout, schema_version, created_at`

// CreateBatch inserts chunks in a single batch. Duplicate ids are overwritten
// so re-ingest with content-addressed ids stays idempotent.
func (r *ChunkRepo) CreateBatch(ctx context.Context, chunks []*repository.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, chunk := range chunks {
		batch.Queue(`
			INSERT INTO chunks (`+chunkColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (id) DO UPDATE SET
				content = EXCLUDED.content, status = EXCLUDED.status,
				page = EXCLUDED.page, layout = EXCLUDED.layout,
				confidence = EXCLUDED.confidence
		`, chunk.ID, chunk.DocumentID, chunk.TenantID, chunk.Sequence, chunk.Content,
			chunk.Status, chunk.Page, chunk.Layout, chunk.Confidence,
			chunk.PreservingLayout, chunk.SchemaVersion, chunk.CreatedAt)
	}

	results := r.db.Pool.SendBatch(ctx, batch)
	defer results.Close()

	for range chunks {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to create chunk: %w", err)
		}
	}

	return nil
}

// GetByIDs loads chunks by id, scoped to one tenant. Missing ids are absent
// from the returned map rather than an error.
func (r *ChunkRepo) GetByIDs(ctx context.Context, tenantID uuid.UUID, ids []uuid.UUID) (map[uuid.UUID]*repository.Chunk, error) {
	if len(ids) == 0 {
		return map[uuid.UUID]*repository.Chunk{}, nil
	}

	query := `SELECT ` + chunkColumns + ` FROM chunks WHERE tenant_id = $1 AND id = ANY($2)`
	rows, err := r.db.Pool.Query(ctx, query, tenantID, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to get chunks: %w", err)
	}
	defer rows.Close()

	chunks := make(map[uuid.UUID]*repository.Chunk, len(ids))
	for rows.Next() {
		chunk, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		chunks[chunk.ID] = chunk
	}

	return chunks, nil
}

// ListByDocument retrieves chunks for a document ordered by sequence
func (r *ChunkRepo) ListByDocument(ctx context.Context, documentID uuid.UUID, limit, offset int) ([]*repository.Chunk, error) {
	query := `
		SELECT ` + chunkColumns + `
		FROM chunks
		WHERE document_id = $1
		ORDER BY sequence
		LIMIT $2 OFFSET $3
	`
	rows, err := r.db.Pool.Query(ctx, query, documentID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}
	defer rows.Close()

	var chunks []*repository.Chunk
	for rows.Next() {
		chunk, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, chunk)
	}

	return chunks, nil
}

// DeleteByDocument deletes all chunks for a document
func (r *ChunkRepo) DeleteByDocument(ctx context.Context, documentID uuid.UUID) error {
	_, err := r.db.Pool.Exec(ctx, `DELETE FROM chunks WHERE document_id = $1`, documentID)
	if err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	return nil
}

func scanChunk(rows pgx.Rows) (*repository.Chunk, error) {
	var chunk repository.Chunk
	if err := rows.Scan(&chunk.ID, &chunk.DocumentID, &chunk.TenantID, &chunk.Sequence,
		&chunk.Content, &chunk.Status, &chunk.Page, &chunk.Layout, &chunk.Confidence,
		&chunk.PreservingLayout, &chunk.SchemaVersion, &chunk.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to scan chunk: %w", err)
	}
	return &chunk, nil
}

// Ensure ChunkRepo implements the interface
var _ repository.ChunkRepository = (*ChunkRepo)(nil)
