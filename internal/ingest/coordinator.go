package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/venia-ai/docsearch/internal/apperr"
	"github.com/venia-ai/docsearch/internal/blob"
	"github.com/venia-ai/docsearch/internal/clock"
	"github.com/venia-ai/docsearch/internal/embed"
	"github.com/venia-ai/docsearch/internal/ocr"
	"github.com/venia-ai/docsearch/internal/repository"
	"github.com/venia-ai/docsearch/internal/vectorindex"
)

// Stage names emitted in progress events.
const (
	StageFetch    = "fetch"
	StageOCR      = "ocr"
	StageChunk    = "chunk"
	StageEmbed    = "embed"
	StageIndex    = "index"
	StageComplete = "complete"
)

// ProgressEvent reports how far a document has come through the pipeline
type ProgressEvent struct {
	DocumentID uuid.UUID
	TenantID   uuid.UUID
	Stage      string
	Percent    int
}

// Observer receives progress events. Implementations must not block; the
// coordinator calls Notify inline on the pipeline goroutine.
type Observer interface {
	Notify(ev ProgressEvent)
}

// NopObserver discards progress events.
type NopObserver struct{}

func (NopObserver) Notify(ProgressEvent) {}

// CoordinatorConfig holds pipeline limits and retry settings.
type CoordinatorConfig struct {
	MaxRetries       int           // per-document retry budget (default 3)
	RetryDelay       time.Duration // OCR retry backoff base (default 500ms)
	MaxConcurrentOCR int64         // GPU semaphore permits (default 4)
	OCRTimeout       time.Duration // per OCR attempt (default 10m)
}

// DefaultCoordinatorConfig returns the default pipeline settings
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		MaxRetries:       3,
		RetryDelay:       500 * time.Millisecond,
		MaxConcurrentOCR: 4,
		OCRTimeout:       10 * time.Minute,
	}
}

// Coordinator drives one document through fetch, OCR, chunk, embed, and
// index. It owns the document status transitions; callers (the job queue)
// only decide whether to retry.
type Coordinator struct {
	documents  repository.DocumentRepository
	chunks     repository.ChunkRepository
	embeddings repository.EmbeddingRepository
	blobs      blob.Store
	engine     ocr.Engine
	chunker    *Chunker
	embedder   *embed.Service
	index      *vectorindex.Manager
	ocrSem     *semaphore.Weighted
	observer   Observer
	config     CoordinatorConfig
	clk        clock.Clock
	logger     *slog.Logger
}

// NewCoordinator wires the pipeline stages together
func NewCoordinator(
	documents repository.DocumentRepository,
	chunks repository.ChunkRepository,
	embeddings repository.EmbeddingRepository,
	blobs blob.Store,
	engine ocr.Engine,
	chunker *Chunker,
	embedder *embed.Service,
	index *vectorindex.Manager,
	observer Observer,
	config CoordinatorConfig,
	clk clock.Clock,
	logger *slog.Logger,
) *Coordinator {
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = 500 * time.Millisecond
	}
	if config.MaxConcurrentOCR <= 0 {
		config.MaxConcurrentOCR = 4
	}
	if config.OCRTimeout <= 0 {
		config.OCRTimeout = 10 * time.Minute
	}
	if observer == nil {
		observer = NopObserver{}
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Coordinator{
		documents:  documents,
		chunks:     chunks,
		embeddings: embeddings,
		blobs:      blobs,
		engine:     engine,
		chunker:    chunker,
		embedder:   embedder,
		index:      index,
		ocrSem:     semaphore.NewWeighted(config.MaxConcurrentOCR),
		observer:   observer,
		config:     config,
		clk:        clk,
		logger:     logger,
	}
}

// Process runs the pipeline for one document. The returned error's kind tells
// the caller whether a retry is worthwhile; Process itself has already
// recorded the failure on the document.
func (c *Coordinator) Process(ctx context.Context, documentID, tenantID uuid.UUID) error {
	doc, err := c.documents.GetByID(ctx, documentID)
	if err != nil {
		return apperr.Wrap(apperr.KindTransientUpstream, "failed to load document", err)
	}
	if doc.TenantID != tenantID {
		return apperr.New(apperr.KindForbidden, "document belongs to another tenant")
	}
	if doc.RetryCount >= c.config.MaxRetries {
		return apperr.Newf(apperr.KindValidation, "document %s exhausted its retries", documentID)
	}

	// Claim the document; losing the CAS means another worker owns it.
	owned, err := c.documents.TransitionStatus(ctx, documentID,
		[]repository.DocumentStatus{repository.DocQueued, repository.DocFailed},
		repository.DocProcessing)
	if err != nil {
		return apperr.Wrap(apperr.KindTransientUpstream, "failed to claim document", err)
	}
	if !owned {
		c.logger.Debug("document already claimed", "document_id", documentID)
		return nil
	}

	if err := c.run(ctx, doc); err != nil {
		c.recordFailure(doc, err)
		return err
	}
	return nil
}

// run executes the pipeline stages on a claimed document.
func (c *Coordinator) run(ctx context.Context, doc *repository.Document) error {
	c.progress(doc, StageFetch, 5)
	data, err := c.blobs.Fetch(ctx, doc.BlobRef)
	if err != nil {
		return c.abort(ctx, doc, err)
	}

	c.progress(doc, StageOCR, 15)
	blocks, err := c.extract(ctx, data, doc.Format)
	if err != nil {
		return c.abort(ctx, doc, err)
	}

	c.progress(doc, StageChunk, 45)
	pieces := c.chunker.ChunkBlocks(blocks)
	if len(pieces) == 0 {
		// Nothing to index; an empty document still completes.
		return c.complete(ctx, doc, 0)
	}

	c.progress(doc, StageEmbed, 55)
	chunks, embeddings, embedErr := c.embed(ctx, doc, pieces)
	if embedErr != nil && len(embeddings) == 0 {
		return c.abort(ctx, doc, embedErr)
	}

	// Metadata first, then index: on restart the index rebuilds from the
	// store, and content-addressed ids make the re-add idempotent.
	c.progress(doc, StageIndex, 85)
	if err := c.chunks.CreateBatch(ctx, chunks); err != nil {
		return c.abort(ctx, doc, apperr.Wrap(apperr.KindTransientUpstream, "failed to persist chunks", err))
	}
	if err := c.embeddings.CreateBatch(ctx, embeddings); err != nil {
		return c.abort(ctx, doc, apperr.Wrap(apperr.KindTransientUpstream, "failed to persist embeddings", err))
	}

	entries := make([]vectorindex.Entry, 0, len(embeddings))
	for _, emb := range embeddings {
		entries = append(entries, vectorindex.Entry{ID: emb.ID, Vector: emb.Vector})
	}
	if err := c.index.AddBatch(ctx, doc.TenantID, entries); err != nil {
		c.cleanupIndex(doc.TenantID, embeddings)
		return c.abort(ctx, doc, apperr.Wrap(apperr.KindTransientUpstream, "failed to index embeddings", err))
	}

	if embedErr != nil {
		// Some batches failed permanently; their chunks are recorded with
		// status error and the document is failed for the operator to see.
		return c.abort(ctx, doc, embedErr)
	}
	return c.complete(ctx, doc, len(chunks))
}

// extract runs OCR under the GPU semaphore with per-attempt timeout and
// exponential backoff on transient failures.
func (c *Coordinator) extract(ctx context.Context, data []byte, format repository.DocumentFormat) ([]ocr.Block, error) {
	if err := c.ocrSem.Acquire(ctx, 1); err != nil {
		return nil, apperr.Wrap(apperr.KindCancelled, "cancelled waiting for OCR slot", err)
	}
	defer c.ocrSem.Release(1)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.config.RetryDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = 0

	var blocks []ocr.Block
	operation := func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, c.config.OCRTimeout)
		defer cancel()

		var err error
		blocks, err = c.engine.Extract(attemptCtx, data, format)
		if err != nil && !apperr.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(c.config.MaxRetries)), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, fmt.Errorf("OCR failed: %w", err)
	}
	return blocks, nil
}

// embed turns chunk pieces into persisted-ready chunk and embedding rows.
// Chunks in failed batches are kept with status error; the first batch error
// is returned alongside the successful rows.
func (c *Coordinator) embed(ctx context.Context, doc *repository.Document, pieces []Chunk) ([]*repository.Chunk, []*repository.Embedding, error) {
	texts := make([]string, len(pieces))
	for i, p := range pieces {
		texts[i] = p.Content
	}

	now := c.clk.Now()
	chunks := make([]*repository.Chunk, len(pieces))
	for i, p := range pieces {
		chunks[i] = &repository.Chunk{
			ID:               chunkID(doc.TenantID, doc.ContentHash, p.Sequence),
			DocumentID:       doc.ID,
			TenantID:         doc.TenantID,
			Sequence:         p.Sequence,
			Content:          p.Content,
			Status:           repository.ChunkOK,
			Page:             p.Page,
			Layout:           p.Layout,
			Confidence:       p.Confidence,
			PreservingLayout: p.PreservingLayout,
			SchemaVersion:    repository.SchemaVersion,
			CreatedAt:        now,
		}
	}

	var embeddings []*repository.Embedding
	var firstErr error
	for _, batch := range c.embedder.EmbedAll(ctx, texts) {
		if batch.Err != nil {
			for i := batch.Start; i < batch.End; i++ {
				chunks[i].Status = repository.ChunkError
			}
			if firstErr == nil {
				firstErr = batch.Err
			}
			continue
		}
		for i, vec := range batch.Vectors {
			chunk := chunks[batch.Start+i]
			embeddings = append(embeddings, &repository.Embedding{
				ID:            embeddingID(chunk.ID),
				ChunkID:       chunk.ID,
				DocumentID:    doc.ID,
				TenantID:      doc.TenantID,
				Vector:        vec,
				SchemaVersion: repository.SchemaVersion,
				CreatedAt:     now,
			})
		}
	}

	return chunks, embeddings, firstErr
}

// complete marks the document done
func (c *Coordinator) complete(ctx context.Context, doc *repository.Document, chunkCount int) error {
	now := c.clk.Now()
	doc.Status = repository.DocCompleted
	doc.ChunkCount = chunkCount
	doc.ErrorKind = ""
	doc.ErrorMessage = ""
	doc.ProcessedAt = &now
	if err := c.documents.Update(ctx, doc); err != nil {
		return apperr.Wrap(apperr.KindTransientUpstream, "failed to mark document completed", err)
	}

	c.progress(doc, StageComplete, 100)
	c.logger.Info("document ingested",
		"document_id", doc.ID, "tenant_id", doc.TenantID, "chunks", chunkCount)
	return nil
}

// abort classifies a stage failure. Cancellation restores the document to
// queued when nothing was persisted; everything else marks it failed.
func (c *Coordinator) abort(ctx context.Context, doc *repository.Document, err error) error {
	if apperr.KindOf(err) == apperr.KindCancelled {
		// Use a fresh context: the worker's context is the thing that fired.
		restoreCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, rerr := c.documents.TransitionStatus(restoreCtx, doc.ID,
			[]repository.DocumentStatus{repository.DocProcessing}, repository.DocQueued); rerr != nil {
			c.logger.Error("failed to restore cancelled document", "document_id", doc.ID, "error", rerr)
		}
		return err
	}
	return err
}

// recordFailure persists the failure outcome after Process gives up.
func (c *Coordinator) recordFailure(doc *repository.Document, err error) {
	if apperr.KindOf(err) == apperr.KindCancelled {
		return // abort already restored the document
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	fresh, gerr := c.documents.GetByID(ctx, doc.ID)
	if gerr != nil {
		c.logger.Error("failed to reload document for failure record",
			"document_id", doc.ID, "error", gerr)
		return
	}
	fresh.Status = repository.DocFailed
	fresh.RetryCount++
	fresh.ErrorKind = string(apperr.KindOf(err))
	fresh.ErrorMessage = err.Error()
	if uerr := c.documents.Update(ctx, fresh); uerr != nil {
		c.logger.Error("failed to mark document failed", "document_id", doc.ID, "error", uerr)
	}

	c.logger.Warn("document ingestion failed",
		"document_id", doc.ID, "tenant_id", doc.TenantID,
		"retry_count", fresh.RetryCount, "kind", fresh.ErrorKind, "error", err)
}

// cleanupIndex removes partial index entries after an index-stage failure.
func (c *Coordinator) cleanupIndex(tenantID uuid.UUID, embeddings []*repository.Embedding) {
	ids := make([]uuid.UUID, len(embeddings))
	for i, emb := range embeddings {
		ids[i] = emb.ID
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.index.Remove(ctx, tenantID, ids); err != nil {
		c.logger.Error("failed to clean partial index entries", "tenant_id", tenantID, "error", err)
	}
}

func (c *Coordinator) progress(doc *repository.Document, stage string, percent int) {
	c.observer.Notify(ProgressEvent{
		DocumentID: doc.ID,
		TenantID:   doc.TenantID,
		Stage:      stage,
		Percent:    percent,
	})
}

// chunkID derives a stable id from the owning tenant, the document's content
// hash, and the chunk sequence, so re-ingesting identical content rewrites
// the same rows.
func chunkID(tenantID uuid.UUID, contentHash string, sequence int) uuid.UUID {
	name := fmt.Sprintf("chunk:%s:%s:%d", tenantID, contentHash, sequence)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name))
}

// embeddingID derives the stable 1:1 embedding id for a chunk.
func embeddingID(chunkID uuid.UUID) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("embedding:"+chunkID.String()))
}
