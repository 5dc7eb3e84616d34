package query

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/venia-ai/docsearch/internal/apperr"
	"github.com/venia-ai/docsearch/internal/cache"
	"github.com/venia-ai/docsearch/internal/embed"
	"github.com/venia-ai/docsearch/internal/llm"
	"github.com/venia-ai/docsearch/internal/ratelimit"
	"github.com/venia-ai/docsearch/internal/repository"
	"github.com/venia-ai/docsearch/internal/search"
	"github.com/venia-ai/docsearch/internal/tenant"
	"github.com/venia-ai/docsearch/internal/vectorindex"
)

type fakeTenantRepo struct {
	mu      sync.Mutex
	tenants map[uuid.UUID]*repository.Tenant
}

func (f *fakeTenantRepo) Create(ctx context.Context, t *repository.Tenant) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *t
	f.tenants[t.ID] = &copied
	return nil
}

func (f *fakeTenantRepo) GetByID(ctx context.Context, id uuid.UUID) (*repository.Tenant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tenants[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *t
	return &copied, nil
}

func (f *fakeTenantRepo) List(ctx context.Context, limit, offset int) ([]*repository.Tenant, int, error) {
	return nil, 0, nil
}
func (f *fakeTenantRepo) Update(ctx context.Context, t *repository.Tenant) error {
	return f.Create(ctx, t)
}
func (f *fakeTenantRepo) Delete(ctx context.Context, id uuid.UUID) error { return nil }
func (f *fakeTenantRepo) UpdateUsage(ctx context.Context, id uuid.UUID, usage repository.TenantUsage) error {
	return nil
}

type fakeChunkRepo struct {
	mu     sync.Mutex
	chunks map[uuid.UUID]*repository.Chunk
}

func (f *fakeChunkRepo) CreateBatch(ctx context.Context, chunks []*repository.Chunk) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range chunks {
		copied := *c
		f.chunks[c.ID] = &copied
	}
	return nil
}

func (f *fakeChunkRepo) GetByIDs(ctx context.Context, tenantID uuid.UUID, ids []uuid.UUID) (map[uuid.UUID]*repository.Chunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[uuid.UUID]*repository.Chunk)
	for _, id := range ids {
		if c, ok := f.chunks[id]; ok && c.TenantID == tenantID {
			copied := *c
			out[id] = &copied
		}
	}
	return out, nil
}

func (f *fakeChunkRepo) ListByDocument(ctx context.Context, documentID uuid.UUID, limit, offset int) ([]*repository.Chunk, error) {
	return nil, nil
}
func (f *fakeChunkRepo) DeleteByDocument(ctx context.Context, documentID uuid.UUID) error {
	return nil
}

type fakeEmbRepo struct {
	mu         sync.Mutex
	embeddings []*repository.Embedding
}

func (f *fakeEmbRepo) CreateBatch(ctx context.Context, embeddings []*repository.Embedding) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.embeddings = append(f.embeddings, embeddings...)
	return nil
}

func (f *fakeEmbRepo) ListByTenant(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]*repository.Embedding, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var all []*repository.Embedding
	for _, e := range f.embeddings {
		if e.TenantID == tenantID {
			all = append(all, e)
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
	for _, e := range f.embeddings {
		if e.TenantID == tenantID {
			n++
		}
	}
	return n, nil
}

func (f *fakeEmbRepo) MapChunks(ctx context.Context, tenantID uuid.UUID, ids []uuid.UUID) (map[uuid.UUID]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[uuid.UUID]uuid.UUID)
	for _, e := range f.embeddings {
		if e.TenantID != tenantID {
			continue
		}
		for _, id := range ids {
			if e.ID == id {
				out[id] = e.ChunkID
			}
		}
	}
	return out, nil
}

func (f *fakeEmbRepo) DeleteByDocument(ctx context.Context, documentID uuid.UUID) error {
	return nil
}

type unitProvider struct{}

func (unitProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i := range texts {
		v := make([]float32, embed.Dimension)
		v[0] = 1
		vectors[i] = v
	}
	return vectors, nil
}

func (unitProvider) ModelName() string { return "unit" }

type fakeLLM struct {
	mu    sync.Mutex
	calls int
	last  llm.CompletionRequest
	text  string
	err   error
}

func (f *fakeLLM) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.last = req
	if f.err != nil {
		return nil, f.err
	}
	return &llm.CompletionResponse{Text: f.text, TokensUsed: 42, Model: "fake-model"}, nil
}

func (f *fakeLLM) ModelName() string { return "fake-model" }

type harness struct {
	orch     *Orchestrator
	model    *fakeLLM
	chunks   *fakeChunkRepo
	embs     *fakeEmbRepo
	tenantID uuid.UUID
	sec      tenant.SecurityContext
}

func newHarness(t *testing.T, tenantConfig repository.TenantConfig) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	tenantID := uuid.New()
	tenants := &fakeTenantRepo{tenants: make(map[uuid.UUID]*repository.Tenant)}
	now := time.Now()
	if err := tenants.Create(ctx, &repository.Tenant{
		ID:        tenantID,
		Name:      "acme",
		Status:    repository.TenantActive,
		Config:    tenantConfig,
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		t.Fatalf("create tenant: %v", err)
	}

	registry := tenant.NewRegistry(tenants, logger)
	limiter := ratelimit.New(nil, nil, logger)
	resultCache := cache.New(cache.NewMemoryBackend(1<<20, nil), cache.DefaultConfig(), logger)

	chunks := &fakeChunkRepo{chunks: make(map[uuid.UUID]*repository.Chunk)}
	embs := &fakeEmbRepo{}
	engine := search.NewEngine(registry, limiter, resultCache,
		embed.NewService(unitProvider{}, embed.Config{BatchSize: 4, MaxRetries: 1, RetryDelay: time.Millisecond}, logger),
		vectorindex.NewManager(embs, true, logger),
		chunks, embs, search.Config{}, logger)

	model := &fakeLLM{text: "Revenue grew twelve percent."}
	orch := NewOrchestrator(registry, limiter, resultCache, engine, model, Config{}, logger)

	return &harness{
		orch:     orch,
		model:    model,
		chunks:   chunks,
		embs:     embs,
		tenantID: tenantID,
		sec:      tenant.SecurityContext{TenantID: tenantID, UserID: "user-1"},
	}
}

func (h *harness) seed(t *testing.T, content string) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	docID := uuid.New()
	chunkID := uuid.New()

	vector := make([]float32, embed.Dimension)
	vector[0] = 1

	if err := h.chunks.CreateBatch(ctx, []*repository.Chunk{{
		ID:         chunkID,
		DocumentID: docID,
		TenantID:   h.tenantID,
		Content:    content,
		Status:     repository.ChunkOK,
	}}); err != nil {
		t.Fatalf("seed chunk: %v", err)
	}
	if err := h.embs.CreateBatch(ctx, []*repository.Embedding{{
		ID:       uuid.New(),
		ChunkID:  chunkID,
		TenantID: h.tenantID,
		Vector:   vector,
	}}); err != nil {
		t.Fatalf("seed embedding: %v", err)
	}
	return docID
}

func TestAnswerGrounded(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, repository.TenantConfig{})
	docID := h.seed(t, "Quarterly revenue grew by twelve percent.")

	result, err := h.orch.Answer(ctx, h.sec, Request{TenantID: h.tenantID, Query: "how did revenue develop"})
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}

	if result.Answer != "Revenue grew twelve percent." {
		t.Fatalf("answer = %q", result.Answer)
	}
	if !result.Metadata.Grounded {
		t.Fatal("expected a grounded answer")
	}
	if result.Confidence < 0.99 {
		t.Fatalf("confidence = %f, want ~1", result.Confidence)
	}
	if len(result.SourceDocuments) != 1 || result.SourceDocuments[0] != docID {
		t.Fatalf("source documents = %v, want [%s]", result.SourceDocuments, docID)
	}
	if result.Metadata.Model != "fake-model" || result.Metadata.TokensUsed != 42 {
		t.Fatalf("metadata = %+v", result.Metadata)
	}

	if !strings.Contains(h.model.last.Prompt, "Quarterly revenue grew") {
		t.Fatalf("prompt missing context: %q", h.model.last.Prompt)
	}
	if !strings.Contains(h.model.last.Prompt, "Question: how did revenue develop") {
		t.Fatalf("prompt missing question: %q", h.model.last.Prompt)
	}
	if h.model.last.System != DefaultSystemPrompt {
		t.Fatalf("system prompt = %q", h.model.last.System)
	}
	if h.model.last.User != h.tenantID.String() {
		t.Fatalf("user tag = %q, want tenant id", h.model.last.User)
	}
	if h.model.last.Temperature != 0.7 || h.model.last.MaxTokens != 4096 {
		t.Fatalf("sampling settings = %f/%d", h.model.last.Temperature, h.model.last.MaxTokens)
	}
}

func TestAnswerUngroundedOnNoResults(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, repository.TenantConfig{})

	result, err := h.orch.Answer(ctx, h.sec, Request{TenantID: h.tenantID, Query: "anything"})
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if result.Metadata.Grounded {
		t.Fatal("answer claims grounding with no retrieved chunks")
	}
	if result.Confidence != 0 {
		t.Fatalf("confidence = %f, want 0", result.Confidence)
	}
	if len(result.RelevantChunks) != 0 {
		t.Fatalf("relevant chunks = %d, want 0", len(result.RelevantChunks))
	}
	if h.model.calls != 0 {
		t.Fatalf("model called %d times for an ungrounded answer", h.model.calls)
	}
}

func TestAnswerCached(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, repository.TenantConfig{})
	h.seed(t, "Quarterly revenue grew by twelve percent.")

	req := Request{TenantID: h.tenantID, Query: "how did revenue develop"}
	first, err := h.orch.Answer(ctx, h.sec, req)
	if err != nil {
		t.Fatalf("first Answer: %v", err)
	}
	second, err := h.orch.Answer(ctx, h.sec, req)
	if err != nil {
		t.Fatalf("second Answer: %v", err)
	}

	if !second.Metadata.CacheHit {
		t.Fatal("second identical question missed the answer cache")
	}
	if second.Answer != first.Answer {
		t.Fatalf("cached answer = %q, want %q", second.Answer, first.Answer)
	}
	if h.model.calls != 1 {
		t.Fatalf("model calls = %d, want 1", h.model.calls)
	}
}

func TestAnswerWithHistoryBypassesCache(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, repository.TenantConfig{})
	h.seed(t, "Quarterly revenue grew by twelve percent.")

	req := Request{
		TenantID: h.tenantID,
		Query:    "and compared to last year?",
		History: []Turn{
			{Role: "user", Content: "how did revenue develop"},
			{Role: "system", Content: "Revenue grew twelve percent."},
		},
	}

	for i := 0; i < 2; i++ {
		result, err := h.orch.Answer(ctx, h.sec, req)
		if err != nil {
			t.Fatalf("Answer %d: %v", i, err)
		}
		if result.Metadata.CacheHit {
			t.Fatal("conversational answer served from cache")
		}
	}
	if h.model.calls != 2 {
		t.Fatalf("model calls = %d, want 2", h.model.calls)
	}
	if !strings.Contains(h.model.last.Prompt, "Conversation so far:") {
		t.Fatalf("prompt missing history: %q", h.model.last.Prompt)
	}
	if !strings.Contains(h.model.last.Prompt, "user: how did revenue develop") {
		t.Fatalf("prompt missing history turn: %q", h.model.last.Prompt)
	}
}

func TestAnswerFailureNotCached(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, repository.TenantConfig{})
	h.seed(t, "Quarterly revenue grew by twelve percent.")

	h.model.err = errors.New("model unavailable")
	req := Request{TenantID: h.tenantID, Query: "how did revenue develop"}
	if _, err := h.orch.Answer(ctx, h.sec, req); err == nil {
		t.Fatal("expected the model failure to propagate")
	}

	h.model.err = nil
	result, err := h.orch.Answer(ctx, h.sec, req)
	if err != nil {
		t.Fatalf("Answer after recovery: %v", err)
	}
	if result.Metadata.CacheHit {
		t.Fatal("failed attempt left a cache entry")
	}
	if h.model.calls != 2 {
		t.Fatalf("model calls = %d, want 2", h.model.calls)
	}
}

func TestAnswerUsesTenantSystemPrompt(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, repository.TenantConfig{SystemPrompt: "Answer like a pirate."})
	h.seed(t, "Quarterly revenue grew by twelve percent.")

	if _, err := h.orch.Answer(ctx, h.sec, Request{TenantID: h.tenantID, Query: "revenue?"}); err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if h.model.last.System != "Answer like a pirate." {
		t.Fatalf("system prompt = %q", h.model.last.System)
	}
}

func TestAnswerScopeEnforced(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, repository.TenantConfig{})

	_, err := h.orch.Answer(ctx, tenant.SecurityContext{TenantID: uuid.New()},
		Request{TenantID: h.tenantID, Query: "q"})
	if apperr.KindOf(err) != apperr.KindForbidden {
		t.Fatalf("kind = %s, want forbidden", apperr.KindOf(err))
	}
}

func TestHistoryTextDropsOldestFirst(t *testing.T) {
	history := []Turn{
		{Role: "user", Content: strings.Repeat("old ", 100)},
		{Role: "system", Content: "short answer"},
		{Role: "user", Content: "latest question"},
	}
	got := historyText(history, 60)
	if strings.Contains(got, "old ") {
		t.Fatalf("oldest turn not dropped: %q", got)
	}
	if !strings.Contains(got, "latest question") {
		t.Fatalf("latest turn missing: %q", got)
	}
}

func TestFitContextSkipsOversizedChunks(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	o := NewOrchestrator(nil, nil, nil, nil, &fakeLLM{}, Config{ContextTokens: 30}, logger)

	results := []search.Result{
		{Content: strings.Repeat("big ", 200), Score: 0.99},
		{Content: "small chunk", Score: 0.9},
	}
	included := o.fitContext("q", nil, results)
	if len(included) != 1 || included[0].Content != "small chunk" {
		t.Fatalf("included = %+v, want only the small chunk", included)
	}
	if maxScore(included) != 0.9 {
		t.Fatalf("confidence source = %f, want 0.9 (max included, not max retrieved)", maxScore(included))
	}
}

func TestSourceDocumentsDeduplicated(t *testing.T) {
	docA, docB := uuid.New(), uuid.New()
	results := []search.Result{
		{DocumentID: docA}, {DocumentID: docB}, {DocumentID: docA},
	}
	got := sourceDocuments(results)
	if len(got) != 2 || got[0] != docA || got[1] != docB {
		t.Fatalf("source documents = %v", got)
	}
}
