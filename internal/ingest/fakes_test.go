package ingest

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/venia-ai/docsearch/internal/apperr"
	"github.com/venia-ai/docsearch/internal/embed"
	"github.com/venia-ai/docsearch/internal/ocr"
	"github.com/venia-ai/docsearch/internal/repository"
)

type fakeDocRepo struct {
	mu   sync.Mutex
	docs map[uuid.UUID]*repository.Document
}

func newFakeDocRepo() *fakeDocRepo {
	return &fakeDocRepo{docs: make(map[uuid.UUID]*repository.Document)}
}

func (f *fakeDocRepo) Create(ctx context.Context, doc *repository.Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *doc
	f.docs[doc.ID] = &copied
	return nil
}

func (f *fakeDocRepo) GetByID(ctx context.Context, id uuid.UUID) (*repository.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *doc
	return &copied, nil
}

func (f *fakeDocRepo) GetByHash(ctx context.Context, tenantID uuid.UUID, hash string) (*repository.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, doc := range f.docs {
		if doc.TenantID == tenantID && doc.ContentHash == hash {
			copied := *doc
			return &copied, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeDocRepo) List(ctx context.Context, tenantID uuid.UUID, status repository.DocumentStatus, limit, offset int) ([]*repository.Document, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var docs []*repository.Document
	for _, doc := range f.docs {
		if doc.TenantID != tenantID {
			continue
		}
		if status != "" && doc.Status != status {
			continue
		}
		copied := *doc
		docs = append(docs, &copied)
	}
	return docs, len(docs), nil
}

func (f *fakeDocRepo) Update(ctx context.Context, doc *repository.Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.docs[doc.ID]; !ok {
		return repository.ErrNotFound
	}
	copied := *doc
	f.docs[doc.ID] = &copied
	return nil
}

func (f *fakeDocRepo) Delete(ctx context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.docs[id]; !ok {
		return repository.ErrNotFound
	}
	delete(f.docs, id)
	return nil
}

func (f *fakeDocRepo) TransitionStatus(ctx context.Context, id uuid.UUID, from []repository.DocumentStatus, to repository.DocumentStatus) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[id]
	if !ok {
		return false, nil
	}
	for _, s := range from {
		if doc.Status == s {
			doc.Status = to
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeDocRepo) ResetProcessing(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, doc := range f.docs {
		if doc.Status == repository.DocProcessing {
			doc.Status = repository.DocQueued
			n++
		}
	}
	return n, nil
}

func (f *fakeDocRepo) ListQueued(ctx context.Context, limit int) ([]*repository.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var docs []*repository.Document
	for _, doc := range f.docs {
		if doc.Status == repository.DocQueued && len(docs) < limit {
			copied := *doc
			docs = append(docs, &copied)
		}
	}
	return docs, nil
}

type fakeChunkRepo struct {
	mu     sync.Mutex
	chunks map[uuid.UUID]*repository.Chunk
}

func newFakeChunkRepo() *fakeChunkRepo {
	return &fakeChunkRepo{chunks: make(map[uuid.UUID]*repository.Chunk)}
}

func (f *fakeChunkRepo) CreateBatch(ctx context.Context, chunks []*repository.Chunk) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, chunk := range chunks {
		copied := *chunk
		f.chunks[chunk.ID] = &copied
	}
	return nil
}

func (f *fakeChunkRepo) GetByIDs(ctx context.Context, tenantID uuid.UUID, ids []uuid.UUID) (map[uuid.UUID]*repository.Chunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[uuid.UUID]*repository.Chunk)
	for _, id := range ids {
		if chunk, ok := f.chunks[id]; ok && chunk.TenantID == tenantID {
			copied := *chunk
			out[id] = &copied
		}
	}
	return out, nil
}

func (f *fakeChunkRepo) ListByDocument(ctx context.Context, documentID uuid.UUID, limit, offset int) ([]*repository.Chunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var all []*repository.Chunk
	for _, chunk := range f.chunks {
		if chunk.DocumentID == documentID {
			copied := *chunk
			all = append(all, &copied)
		}
	}
	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

func (f *fakeChunkRepo) DeleteByDocument(ctx context.Context, documentID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, chunk := range f.chunks {
		if chunk.DocumentID == documentID {
			delete(f.chunks, id)
		}
	}
	return nil
}

type fakeEmbRepo struct {
	mu         sync.Mutex
	embeddings map[uuid.UUID]*repository.Embedding
}

func newFakeEmbRepo() *fakeEmbRepo {
	return &fakeEmbRepo{embeddings: make(map[uuid.UUID]*repository.Embedding)}
}

func (f *fakeEmbRepo) CreateBatch(ctx context.Context, embeddings []*repository.Embedding) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, emb := range embeddings {
		copied := *emb
		f.embeddings[emb.ID] = &copied
	}
	return nil
}

func (f *fakeEmbRepo) ListByTenant(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]*repository.Embedding, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var all []*repository.Embedding
	for _, emb := range f.embeddings {
		if emb.TenantID == tenantID {
			copied := *emb
			all = append(all, &copied)
		}
	}
	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

func (f *fakeEmbRepo) CountByTenant(ctx context.Context, tenantID uuid.UUID) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, emb := range f.embeddings {
		if emb.TenantID == tenantID {
			n++
		}
	}
	return n, nil
}

func (f *fakeEmbRepo) MapChunks(ctx context.Context, tenantID uuid.UUID, ids []uuid.UUID) (map[uuid.UUID]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[uuid.UUID]uuid.UUID)
	for _, id := range ids {
		if emb, ok := f.embeddings[id]; ok && emb.TenantID == tenantID {
			out[id] = emb.ChunkID
		}
	}
	return out, nil
}

func (f *fakeEmbRepo) DeleteByDocument(ctx context.Context, documentID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, emb := range f.embeddings {
		if emb.DocumentID == documentID {
			delete(f.embeddings, id)
		}
	}
	return nil
}

// fakeOCR serves canned blocks after an optional number of transient
// failures.
type fakeOCR struct {
	mu        sync.Mutex
	blocks    []ocr.Block
	failures  int
	permanent bool
	calls     int
}

func (f *fakeOCR) Extract(ctx context.Context, data []byte, format repository.DocumentFormat) ([]ocr.Block, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.permanent {
		return nil, apperr.New(apperr.KindPermanentUpstream, "unsupported page encoding")
	}
	if f.failures > 0 {
		f.failures--
		return nil, apperr.New(apperr.KindTransientUpstream, "OCR worker busy")
	}
	return f.blocks, nil
}

// unitProvider returns deterministic unit vectors.
type unitProvider struct{}

func (unitProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i := range texts {
		v := make([]float32, embed.Dimension)
		v[i%embed.Dimension] = 1
		vectors[i] = v
	}
	return vectors, nil
}

func (unitProvider) ModelName() string { return "unit" }

// shortVectorProvider returns vectors one element short of the required
// dimension, as a provider serving the wrong model would.
type shortVectorProvider struct{}

func (shortVectorProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i := range texts {
		v := make([]float32, embed.Dimension-1)
		v[0] = 1
		vectors[i] = v
	}
	return vectors, nil
}

func (shortVectorProvider) ModelName() string { return "short" }

// markedProvider returns short vectors for any batch containing the marker
// text and unit vectors otherwise.
type markedProvider struct{ marker string }

func (p markedProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	for _, text := range texts {
		if strings.Contains(text, p.marker) {
			return shortVectorProvider{}.EmbedBatch(ctx, texts)
		}
	}
	return unitProvider{}.EmbedBatch(ctx, texts)
}

func (p markedProvider) ModelName() string { return "marked" }
