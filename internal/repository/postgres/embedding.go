package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/venia-ai/docsearch/internal/repository"
)

// EmbeddingRepo implements repository.EmbeddingRepository.
// Vectors are stored as float4[] (1536 32-bit floats) so the in-memory index
// can be rebuilt from this table after a restart.
type EmbeddingRepo struct {
	db *DB
}

// NewEmbeddingRepo creates a new embedding repository
func NewEmbeddingRepo(db *DB) *EmbeddingRepo {
	return &EmbeddingRepo{db: db}
}

// CreateBatch inserts embeddings in a single batch. Duplicate ids are
// overwritten: embedding ids are content-addressed, so re-ingest writes the
// same rows.
func (r *EmbeddingRepo) CreateBatch(ctx context.Context, embeddings []*repository.Embedding) error {
	if len(embeddings) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, emb := range embeddings {
		batch.Queue(`
			INSERT INTO embeddings (id, chunk_id, document_id, tenant_id, vector, schema_version, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO UPDATE SET vector = EXCLUDED.vector
		`, emb.ID, emb.ChunkID, emb.DocumentID, emb.TenantID, emb.Vector,
			emb.SchemaVersion, emb.CreatedAt)
	}

	results := r.db.Pool.SendBatch(ctx, batch)
	defer results.Close()

	for range embeddings {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to create embedding: %w", err)
		}
	}

	return nil
}

// ListByTenant pages through a tenant's embeddings in stable id order.
// Used by the vector index to rebuild a partition lazily.
func (r *EmbeddingRepo) ListByTenant(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]*repository.Embedding, error) {
	query := `
		SELECT id, chunk_id, document_id, tenant_id, vector, schema_version, created_at
		FROM embeddings
		WHERE tenant_id = $1
		ORDER BY id
		LIMIT $2 OFFSET $3
	`
	rows, err := r.db.Pool.Query(ctx, query, tenantID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list embeddings: %w", err)
	}
	defer rows.Close()

	var embeddings []*repository.Embedding
	for rows.Next() {
		var emb repository.Embedding
		if err := rows.Scan(&emb.ID, &emb.ChunkID, &emb.DocumentID, &emb.TenantID,
			&emb.Vector, &emb.SchemaVersion, &emb.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan embedding: %w", err)
		}
		embeddings = append(embeddings, &emb)
	}

	return embeddings, nil
}

// CountByTenant returns the number of embeddings a tenant owns
func (r *EmbeddingRepo) CountByTenant(ctx context.Context, tenantID uuid.UUID) (int, error) {
	var count int
	err := r.db.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM embeddings WHERE tenant_id = $1`, tenantID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count embeddings: %w", err)
	}
	return count, nil
}

// MapChunks resolves embedding ids to chunk ids within the tenant
func (r *EmbeddingRepo) MapChunks(ctx context.Context, tenantID uuid.UUID, ids []uuid.UUID) (map[uuid.UUID]uuid.UUID, error) {
	if len(ids) == 0 {
		return map[uuid.UUID]uuid.UUID{}, nil
	}

	rows, err := r.db.Pool.Query(ctx,
		`SELECT id, chunk_id FROM embeddings WHERE tenant_id = $1 AND id = ANY($2)`,
		tenantID, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to map embeddings to chunks: %w", err)
	}
	defer rows.Close()

	out := make(map[uuid.UUID]uuid.UUID, len(ids))
	for rows.Next() {
		var embID, chunkID uuid.UUID
		if err := rows.Scan(&embID, &chunkID); err != nil {
			return nil, fmt.Errorf("failed to scan embedding mapping: %w", err)
		}
		out[embID] = chunkID
	}
	return out, nil
}

// DeleteByDocument deletes all embeddings for a document
func (r *EmbeddingRepo) DeleteByDocument(ctx context.Context, documentID uuid.UUID) error {
	_, err := r.db.Pool.Exec(ctx, `DELETE FROM embeddings WHERE document_id = $1`, documentID)
	if err != nil {
		return fmt.Errorf("failed to delete embeddings: %w", err)
	}
	return nil
}

// Ensure EmbeddingRepo implements the interface
var _ repository.EmbeddingRepository = (*EmbeddingRepo)(nil)
