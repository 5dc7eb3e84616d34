// Package search runs the retrieval half of a query: embed the query text,
// search the tenant's vector partition, and load the matching chunk payloads
// in score order. Results are cached per tenant keyed by the query fingerprint.
package search

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/venia-ai/docsearch/internal/apperr"
	"github.com/venia-ai/docsearch/internal/cache"
	"github.com/venia-ai/docsearch/internal/embed"
	"github.com/venia-ai/docsearch/internal/ratelimit"
	"github.com/venia-ai/docsearch/internal/repository"
	"github.com/venia-ai/docsearch/internal/tenant"
	"github.com/venia-ai/docsearch/internal/vectorindex"
)

// Config holds retrieval defaults and limits.
type Config struct {
	DefaultTopK      int     // results returned when the request leaves TopK zero (default 5)
	MaxTopK          int     // hard cap on requested TopK (default 100)
	DefaultThreshold float32 // minimum score when the request leaves Threshold zero (default 0.8)
	MaxQueryChars    int     // query length cap (default 8192)
}

// DefaultConfig returns the standard retrieval settings
func DefaultConfig() Config {
	return Config{
		DefaultTopK:      5,
		MaxTopK:          100,
		DefaultThreshold: 0.8,
		MaxQueryChars:    8192,
	}
}

// Request is one retrieval query. A zero TopK or Threshold takes the
// configured default; a negative Threshold disables the score floor.
type Request struct {
	TenantID  uuid.UUID
	Query     string
	TopK      int
	Threshold float32
}

// Result is one retrieved chunk with its similarity score.
type Result struct {
	ChunkID    uuid.UUID `json:"chunk_id"`
	DocumentID uuid.UUID `json:"document_id"`
	Content    string    `json:"content"`
	Score      float32   `json:"score"`
	Page       int       `json:"page"`
	Layout     string    `json:"layout"`
}

// Response is an ordered result page.
type Response struct {
	Results  []Result      `json:"results"`
	Took     time.Duration `json:"took"`
	CacheHit bool          `json:"cache_hit"`
}

// Engine wires embedding, the vector index, and the chunk store behind the
// Search operation.
type Engine struct {
	registry   *tenant.Registry
	limiter    *ratelimit.Limiter
	cache      *cache.Cache
	embedder   *embed.Service
	index      *vectorindex.Manager
	chunks     repository.ChunkRepository
	embeddings repository.EmbeddingRepository
	config     Config
	logger     *slog.Logger
}

// NewEngine creates the search engine
func NewEngine(
	registry *tenant.Registry,
	limiter *ratelimit.Limiter,
	resultCache *cache.Cache,
	embedder *embed.Service,
	index *vectorindex.Manager,
	chunks repository.ChunkRepository,
	embeddings repository.EmbeddingRepository,
	config Config,
	logger *slog.Logger,
) *Engine {
	if config.DefaultTopK <= 0 {
		config.DefaultTopK = 5
	}
	if config.MaxTopK <= 0 {
		config.MaxTopK = 100
	}
	if config.DefaultThreshold == 0 {
		config.DefaultThreshold = 0.8
	}
	if config.MaxQueryChars <= 0 {
		config.MaxQueryChars = 8192
	}
	return &Engine{
		registry:   registry,
		limiter:    limiter,
		cache:      resultCache,
		embedder:   embedder,
		index:      index,
		chunks:     chunks,
		embeddings: embeddings,
		config:     config,
		logger:     logger,
	}
}

// Search runs one retrieval query for the tenant. Identical queries within the
// cache TTL are served from the result cache.
func (e *Engine) Search(ctx context.Context, sec tenant.SecurityContext, req Request) (*Response, error) {
	t, err := e.registry.AssertScope(ctx, req.TenantID, sec)
	if err != nil {
		return nil, err
	}
	if err := e.limiter.Allow(req.TenantID.String(), sec.UserID, ratelimit.BucketAPI); err != nil {
		return nil, err
	}
	return e.Retrieve(ctx, t, req)
}

// Retrieve runs the retrieval pipeline for an already-authorized tenant.
// Callers that have done their own scope and rate checks (the query
// orchestrator) enter here so one user request is metered once.
func (e *Engine) Retrieve(ctx context.Context, t *repository.Tenant, req Request) (*Response, error) {
	topK, threshold, err := e.normalize(t, &req)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	fingerprint := Fingerprint(req.Query, topK, threshold)

	var resp Response
	if e.cache.GetJSON(ctx, req.TenantID, cache.KindSearch, fingerprint, &resp) {
		resp.Took = time.Since(start)
		resp.CacheHit = true
		return &resp, nil
	}

	queryVec, err := e.embedder.EmbedQuery(ctx, req.Query)
	if err != nil {
		return nil, err
	}

	matches, err := e.index.Search(ctx, req.TenantID, queryVec, topK, threshold)
	if err != nil {
		return nil, err
	}

	results, err := e.load(ctx, req.TenantID, matches)
	if err != nil {
		return nil, err
	}

	resp = Response{Results: results, Took: time.Since(start)}
	e.cache.SetJSON(ctx, req.TenantID, cache.KindSearch, fingerprint, resp)
	return &resp, nil
}

// normalize validates the request and applies tenant overrides and defaults.
func (e *Engine) normalize(t *repository.Tenant, req *Request) (int, float32, error) {
	if req.Query == "" {
		return 0, 0, apperr.New(apperr.KindValidation, "query is empty")
	}
	if len(req.Query) > e.config.MaxQueryChars {
		return 0, 0, apperr.Newf(apperr.KindValidation,
			"query exceeds %d characters", e.config.MaxQueryChars)
	}

	topK := req.TopK
	if topK == 0 {
		topK = t.Config.TopK
	}
	if topK == 0 {
		topK = e.config.DefaultTopK
	}
	if topK < 0 || topK > e.config.MaxTopK {
		return 0, 0, apperr.Newf(apperr.KindValidation, "top_k must be between 1 and %d", e.config.MaxTopK)
	}

	threshold := req.Threshold
	if threshold == 0 {
		threshold = t.Config.Threshold
	}
	if threshold == 0 {
		threshold = e.config.DefaultThreshold
	}
	if threshold < 0 {
		threshold = 0
	}
	if threshold > 1 {
		return 0, 0, apperr.New(apperr.KindValidation, "threshold must not exceed 1")
	}
	return topK, threshold, nil
}

// load resolves index matches to chunk payloads, preserving score order.
// Matches whose chunk row is gone (a concurrent delete) are skipped.
func (e *Engine) load(ctx context.Context, tenantID uuid.UUID, matches []vectorindex.Result) ([]Result, error) {
	if len(matches) == 0 {
		return []Result{}, nil
	}

	embIDs := make([]uuid.UUID, len(matches))
	for i, m := range matches {
		embIDs[i] = m.ID
	}
	chunkByEmb, err := e.embeddings.MapChunks(ctx, tenantID, embIDs)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransientUpstream, "failed to map embeddings to chunks", err)
	}

	chunkIDs := make([]uuid.UUID, 0, len(chunkByEmb))
	for _, id := range chunkByEmb {
		chunkIDs = append(chunkIDs, id)
	}
	rows, err := e.chunks.GetByIDs(ctx, tenantID, chunkIDs)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransientUpstream, "failed to load chunks", err)
	}

	results := make([]Result, 0, len(matches))
	for _, m := range matches {
		chunkID, ok := chunkByEmb[m.ID]
		if !ok {
			continue
		}
		chunk, ok := rows[chunkID]
		if !ok {
			e.logger.Warn("index entry without chunk row",
				"tenant_id", tenantID, "embedding_id", m.ID, "chunk_id", chunkID)
			continue
		}
		results = append(results, Result{
			ChunkID:    chunk.ID,
			DocumentID: chunk.DocumentID,
			Content:    chunk.Content,
			Score:      m.Score,
			Page:       chunk.Page,
			Layout:     chunk.Layout,
		})
	}
	return results, nil
}

// Fingerprint derives the cache key for a normalized query.
func Fingerprint(query string, topK int, threshold float32) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%.6f", query, topK, threshold)))
	return hex.EncodeToString(sum[:])
}
