package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/venia-ai/docsearch/internal/apperr"
	"github.com/venia-ai/docsearch/internal/blob"
	"github.com/venia-ai/docsearch/internal/clock"
	"github.com/venia-ai/docsearch/internal/repository"
	"github.com/venia-ai/docsearch/internal/tenant"
	"github.com/venia-ai/docsearch/internal/vectorindex"
)

// deleteBatchSize bounds one chunk page while tearing down a document.
const deleteBatchSize = 512

// ServiceConfig holds upload validation limits.
type ServiceConfig struct {
	MaxFileSize int64 // bytes (default 50 MiB)
	MaxRetries  int   // retry budget on re-ingest (default 3)
}

// Service is the document lifecycle API: upload, status, listing, deletion,
// and re-ingest. Every method asserts tenant scope before touching data.
type Service struct {
	registry   *tenant.Registry
	tenants    repository.TenantRepository
	documents  repository.DocumentRepository
	chunks     repository.ChunkRepository
	embeddings repository.EmbeddingRepository
	blobs      blob.Store
	queue      *Queue
	index      *vectorindex.Manager
	config     ServiceConfig
	clk        clock.Clock
	logger     *slog.Logger
}

// NewService creates the ingestion service
func NewService(
	registry *tenant.Registry,
	tenants repository.TenantRepository,
	documents repository.DocumentRepository,
	chunks repository.ChunkRepository,
	embeddings repository.EmbeddingRepository,
	blobs blob.Store,
	queue *Queue,
	index *vectorindex.Manager,
	config ServiceConfig,
	clk clock.Clock,
	logger *slog.Logger,
) *Service {
	if config.MaxFileSize <= 0 {
		config.MaxFileSize = blob.MaxBlobSize
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Service{
		registry:   registry,
		tenants:    tenants,
		documents:  documents,
		chunks:     chunks,
		embeddings: embeddings,
		blobs:      blobs,
		queue:      queue,
		index:      index,
		config:     config,
		clk:        clk,
		logger:     logger,
	}
}

// IngestRequest is one document upload.
type IngestRequest struct {
	TenantID uuid.UUID
	Filename string
	Format   string
	Content  []byte
	Metadata map[string]string
}

// IngestDocument validates and stores an upload, then queues it for
// processing. Re-uploading identical content returns the existing document
// instead of ingesting twice.
func (s *Service) IngestDocument(ctx context.Context, sec tenant.SecurityContext, req IngestRequest) (*repository.Document, error) {
	if _, err := s.registry.AssertScope(ctx, req.TenantID, sec); err != nil {
		return nil, err
	}

	format, ok := repository.ParseFormat(req.Format)
	if !ok {
		return nil, apperr.Newf(apperr.KindValidation, "unsupported format %q", req.Format)
	}
	if len(req.Content) == 0 {
		return nil, apperr.New(apperr.KindValidation, "document content is empty")
	}
	if int64(len(req.Content)) > s.config.MaxFileSize {
		return nil, apperr.Newf(apperr.KindValidation,
			"document exceeds %d bytes", s.config.MaxFileSize)
	}
	if req.Filename == "" {
		return nil, apperr.New(apperr.KindValidation, "filename is required")
	}

	sum := sha256.Sum256(req.Content)
	contentHash := hex.EncodeToString(sum[:])

	// Duplicate content: hand back the existing document. A failed duplicate
	// goes back through the queue instead.
	existing, err := s.documents.GetByHash(ctx, req.TenantID, contentHash)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, apperr.Wrap(apperr.KindTransientUpstream, "failed to check for duplicates", err)
	}
	if existing != nil {
		if existing.Status != repository.DocFailed {
			s.logger.Info("duplicate upload",
				"tenant_id", req.TenantID, "document_id", existing.ID)
			return existing, nil
		}
		return existing, s.requeue(ctx, existing, true)
	}

	blobRef, err := s.blobs.Put(ctx, req.TenantID, req.Content)
	if err != nil {
		return nil, err
	}

	now := s.clk.Now()
	doc := &repository.Document{
		ID:            uuid.New(),
		TenantID:      req.TenantID,
		Filename:      req.Filename,
		Format:        format,
		BlobRef:       blobRef,
		ContentHash:   contentHash,
		Status:        repository.DocPending,
		SchemaVersion: repository.SchemaVersion,
		Metadata:      req.Metadata,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if doc.Metadata == nil {
		doc.Metadata = map[string]string{}
	}
	if err := s.documents.Create(ctx, doc); err != nil {
		return nil, apperr.Wrap(apperr.KindTransientUpstream, "failed to create document", err)
	}

	if _, err := s.documents.TransitionStatus(ctx, doc.ID,
		[]repository.DocumentStatus{repository.DocPending}, repository.DocQueued); err != nil {
		return nil, apperr.Wrap(apperr.KindTransientUpstream, "failed to queue document", err)
	}
	doc.Status = repository.DocQueued

	if err := s.enqueue(doc); err != nil {
		return nil, err
	}
	s.refreshUsage(ctx, doc.TenantID)
	return doc, nil
}

// refreshUsage recomputes the tenant's stored document and chunk counters.
// Failures only cost counter freshness, never the operation.
func (s *Service) refreshUsage(ctx context.Context, tenantID uuid.UUID) {
	_, docCount, err := s.documents.List(ctx, tenantID, "", 1, 0)
	if err != nil {
		s.logger.Warn("failed to count documents for usage", "tenant_id", tenantID, "error", err)
		return
	}
	chunkCount, err := s.embeddings.CountByTenant(ctx, tenantID)
	if err != nil {
		s.logger.Warn("failed to count chunks for usage", "tenant_id", tenantID, "error", err)
		return
	}

	t, err := s.registry.ResolveUUID(ctx, tenantID)
	if err != nil {
		s.logger.Warn("failed to resolve tenant for usage", "tenant_id", tenantID, "error", err)
		return
	}
	usage := t.Usage
	usage.DocumentCount = docCount
	usage.ChunkCount = chunkCount
	if err := s.tenants.UpdateUsage(ctx, tenantID, usage); err != nil {
		s.logger.Warn("failed to update tenant usage", "tenant_id", tenantID, "error", err)
		return
	}
	s.registry.Invalidate(tenantID)
}

// enqueue submits a job; a full queue surfaces as back-pressure. The document
// stays queued in the store and is recovered on next start.
func (s *Service) enqueue(doc *repository.Document) error {
	err := s.queue.Enqueue(Job{DocumentID: doc.ID, TenantID: doc.TenantID})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrQueueFull):
		return &apperr.Error{
			Kind: apperr.KindRateLimited,
			Msg:  "ingestion queue is full, retry later",
			Err:  err,
		}
	default:
		return apperr.Wrap(apperr.KindTransientUpstream, "failed to enqueue document", err)
	}
}

// GetDocumentStatus returns a tenant's document with its processing state
func (s *Service) GetDocumentStatus(ctx context.Context, sec tenant.SecurityContext, tenantID, documentID uuid.UUID) (*repository.Document, error) {
	if _, err := s.registry.AssertScope(ctx, tenantID, sec); err != nil {
		return nil, err
	}
	return s.ownedDocument(ctx, tenantID, documentID)
}

// ListDocuments returns a page of the tenant's documents, optionally filtered
// by status.
func (s *Service) ListDocuments(ctx context.Context, sec tenant.SecurityContext, tenantID uuid.UUID, status repository.DocumentStatus, limit, offset int) ([]*repository.Document, int, error) {
	if _, err := s.registry.AssertScope(ctx, tenantID, sec); err != nil {
		return nil, 0, err
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	docs, total, err := s.documents.List(ctx, tenantID, status, limit, offset)
	if err != nil {
		return nil, 0, apperr.Wrap(apperr.KindTransientUpstream, "failed to list documents", err)
	}
	return docs, total, nil
}

// DeleteDocument removes a document with its chunks, embeddings, index
// entries, and stored blob.
func (s *Service) DeleteDocument(ctx context.Context, sec tenant.SecurityContext, tenantID, documentID uuid.UUID) error {
	if _, err := s.registry.AssertScope(ctx, tenantID, sec); err != nil {
		return err
	}
	doc, err := s.ownedDocument(ctx, tenantID, documentID)
	if err != nil {
		return err
	}

	// Index entries first so a crash leaves only the metadata store
	// authoritative; embedding ids derive from chunk ids.
	for offset := 0; ; offset += deleteBatchSize {
		chunks, err := s.chunks.ListByDocument(ctx, documentID, deleteBatchSize, offset)
		if err != nil {
			return apperr.Wrap(apperr.KindTransientUpstream, "failed to list chunks for delete", err)
		}
		if len(chunks) == 0 {
			break
		}
		ids := make([]uuid.UUID, len(chunks))
		for i, chunk := range chunks {
			ids[i] = embeddingID(chunk.ID)
		}
		if err := s.index.Remove(ctx, tenantID, ids); err != nil {
			return err
		}
	}

	if err := s.embeddings.DeleteByDocument(ctx, documentID); err != nil {
		return apperr.Wrap(apperr.KindTransientUpstream, "failed to delete embeddings", err)
	}
	if err := s.chunks.DeleteByDocument(ctx, documentID); err != nil {
		return apperr.Wrap(apperr.KindTransientUpstream, "failed to delete chunks", err)
	}
	if err := s.documents.Delete(ctx, documentID); err != nil {
		return apperr.Wrap(apperr.KindTransientUpstream, "failed to delete document", err)
	}
	if err := s.blobs.Delete(ctx, doc.BlobRef); err != nil {
		// The metadata is gone; an orphaned blob is only a space leak.
		s.logger.Warn("failed to delete blob", "blob_ref", doc.BlobRef, "error", err)
	}

	s.refreshUsage(ctx, tenantID)
	s.logger.Info("document deleted", "tenant_id", tenantID, "document_id", documentID)
	return nil
}

// ReingestDocument resets a completed or failed document and runs it through
// the pipeline again. Content-addressed chunk ids make the rewrite
// idempotent.
func (s *Service) ReingestDocument(ctx context.Context, sec tenant.SecurityContext, tenantID, documentID uuid.UUID) (*repository.Document, error) {
	if _, err := s.registry.AssertScope(ctx, tenantID, sec); err != nil {
		return nil, err
	}
	doc, err := s.ownedDocument(ctx, tenantID, documentID)
	if err != nil {
		return nil, err
	}
	if doc.Status != repository.DocCompleted && doc.Status != repository.DocFailed {
		return nil, apperr.Newf(apperr.KindValidation,
			"document in status %s cannot be re-ingested", doc.Status)
	}

	return doc, s.requeue(ctx, doc, false)
}

// requeue resets retry accounting and submits the document again.
func (s *Service) requeue(ctx context.Context, doc *repository.Document, duplicateUpload bool) error {
	doc.Status = repository.DocQueued
	doc.RetryCount = 0
	doc.ErrorKind = ""
	doc.ErrorMessage = ""
	doc.Metadata["reingested_at"] = s.clk.Now().UTC().Format("2006-01-02T15:04:05Z07:00")
	if duplicateUpload {
		doc.Metadata["reingest_reason"] = "duplicate upload of failed document"
	}
	if err := s.documents.Update(ctx, doc); err != nil {
		return apperr.Wrap(apperr.KindTransientUpstream, "failed to requeue document", err)
	}
	return s.enqueue(doc)
}

// Recover resets documents stranded in processing by a hard kill and
// re-enqueues everything left queued. Called once on startup.
func (s *Service) Recover(ctx context.Context) error {
	reset, err := s.documents.ResetProcessing(ctx)
	if err != nil {
		return fmt.Errorf("failed to reset processing documents: %w", err)
	}
	if reset > 0 {
		s.logger.Info("reset stranded documents", "count", reset)
	}

	queued, err := s.documents.ListQueued(ctx, s.queue.config.Capacity)
	if err != nil {
		return fmt.Errorf("failed to list queued documents: %w", err)
	}
	for _, doc := range queued {
		if err := s.queue.Enqueue(Job{DocumentID: doc.ID, TenantID: doc.TenantID}); err != nil {
			s.logger.Warn("failed to re-enqueue document on startup",
				"document_id", doc.ID, "error", err)
			break
		}
	}
	if len(queued) > 0 {
		s.logger.Info("re-enqueued queued documents", "count", len(queued))
	}
	return nil
}

func (s *Service) ownedDocument(ctx context.Context, tenantID, documentID uuid.UUID) (*repository.Document, error) {
	doc, err := s.documents.GetByID(ctx, documentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.Newf(apperr.KindNotFound, "document %s not found", documentID)
		}
		return nil, apperr.Wrap(apperr.KindTransientUpstream, "failed to load document", err)
	}
	if doc.TenantID != tenantID {
		return nil, apperr.New(apperr.KindForbidden, "document belongs to another tenant")
	}
	return doc, nil
}
