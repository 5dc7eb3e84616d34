// Package query orchestrates answer synthesis: retrieve relevant chunks,
// assemble a grounded prompt within the model's context window, and call the
// completion model. Answers to history-free questions are cached per tenant.
package query

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/venia-ai/docsearch/internal/cache"
	"github.com/venia-ai/docsearch/internal/llm"
	"github.com/venia-ai/docsearch/internal/ratelimit"
	"github.com/venia-ai/docsearch/internal/repository"
	"github.com/venia-ai/docsearch/internal/search"
	"github.com/venia-ai/docsearch/internal/tenant"
)

// DefaultSystemPrompt frames the assistant when the tenant has not configured
// its own.
const DefaultSystemPrompt = "You are a document assistant. Answer using only the " +
	"provided context. If the context does not contain the answer, say so instead " +
	"of guessing."

// ungroundedAnswer is returned without a model call when retrieval finds
// nothing above the threshold.
const ungroundedAnswer = "I could not find anything relevant to that question in your documents."

// Config holds synthesis settings.
type Config struct {
	Temperature   float32 // sampling temperature (default 0.7)
	MaxTokens     int     // output bound (default 4096)
	ContextTokens int     // prompt budget for retrieved chunks (default 8192)
	HistoryChars  int     // conversation history carried into the prompt (default 1000)
}

// DefaultConfig returns the standard synthesis settings
func DefaultConfig() Config {
	return Config{
		Temperature:   0.7,
		MaxTokens:     4096,
		ContextTokens: 8192,
		HistoryChars:  1000,
	}
}

// Turn is one prior exchange carried into the prompt.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is one answer query. History, when present, disables the answer
// cache: the same question means something different mid-conversation.
type Request struct {
	TenantID  uuid.UUID
	Query     string
	TopK      int
	Threshold float32
	History   []Turn
}

// ResultMetadata carries synthesis provenance.
type ResultMetadata struct {
	Model      string `json:"model"`
	TokensUsed int    `json:"tokens_used"`
	CacheHit   bool   `json:"cache_hit"`
	Grounded   bool   `json:"grounded"`
}

// Result is a synthesized answer with its supporting evidence.
type Result struct {
	Answer          string          `json:"answer"`
	RelevantChunks  []search.Result `json:"relevant_chunks"`
	Confidence      float32         `json:"confidence"`
	ProcessingTime  time.Duration   `json:"processing_time"`
	SourceDocuments []uuid.UUID     `json:"source_documents"`
	Metadata        ResultMetadata  `json:"metadata"`
}

// Orchestrator runs the retrieve-then-synthesize flow.
type Orchestrator struct {
	registry *tenant.Registry
	limiter  *ratelimit.Limiter
	cache    *cache.Cache
	engine   *search.Engine
	model    llm.LLM
	config   Config
	logger   *slog.Logger
}

// NewOrchestrator creates the query orchestrator
func NewOrchestrator(
	registry *tenant.Registry,
	limiter *ratelimit.Limiter,
	answerCache *cache.Cache,
	engine *search.Engine,
	model llm.LLM,
	config Config,
	logger *slog.Logger,
) *Orchestrator {
	if config.Temperature <= 0 {
		config.Temperature = 0.7
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = 4096
	}
	if config.ContextTokens <= 0 {
		config.ContextTokens = 8192
	}
	if config.HistoryChars <= 0 {
		config.HistoryChars = 1000
	}
	return &Orchestrator{
		registry: registry,
		limiter:  limiter,
		cache:    answerCache,
		engine:   engine,
		model:    model,
		config:   config,
		logger:   logger,
	}
}

// Answer retrieves context for the question and synthesizes a grounded answer.
// Failures never write to the cache.
func (o *Orchestrator) Answer(ctx context.Context, sec tenant.SecurityContext, req Request) (*Result, error) {
	t, err := o.registry.AssertScope(ctx, req.TenantID, sec)
	if err != nil {
		return nil, err
	}
	if err := o.limiter.Allow(req.TenantID.String(), sec.UserID, ratelimit.BucketAPI); err != nil {
		return nil, err
	}

	start := time.Now()
	cacheable := len(req.History) == 0
	fingerprint := answerFingerprint(req.Query)

	if cacheable {
		var cached Result
		if o.cache.GetJSON(ctx, req.TenantID, cache.KindAnswer, fingerprint, &cached) {
			cached.ProcessingTime = time.Since(start)
			cached.Metadata.CacheHit = true
			return &cached, nil
		}
	}

	retrieved, err := o.engine.Retrieve(ctx, t, search.Request{
		TenantID:  req.TenantID,
		Query:     req.Query,
		TopK:      req.TopK,
		Threshold: req.Threshold,
	})
	if err != nil {
		return nil, err
	}

	if len(retrieved.Results) == 0 {
		// Nothing to ground on; answering from the model alone would invite
		// hallucination.
		return &Result{
			Answer:          ungroundedAnswer,
			RelevantChunks:  []search.Result{},
			SourceDocuments: []uuid.UUID{},
			ProcessingTime:  time.Since(start),
			Metadata:        ResultMetadata{Model: o.model.ModelName()},
		}, nil
	}

	included := o.fitContext(req.Query, req.History, retrieved.Results)
	prompt := o.buildPrompt(req.Query, req.History, included)

	completion, err := o.model.Complete(ctx, llm.CompletionRequest{
		System:      systemPrompt(t),
		Prompt:      prompt,
		Temperature: o.config.Temperature,
		MaxTokens:   o.config.MaxTokens,
		User:        req.TenantID.String(),
	})
	if err != nil {
		return nil, err
	}

	result := &Result{
		Answer:          completion.Text,
		RelevantChunks:  included,
		Confidence:      maxScore(included),
		ProcessingTime:  time.Since(start),
		SourceDocuments: sourceDocuments(included),
		Metadata: ResultMetadata{
			Model:      completion.Model,
			TokensUsed: completion.TokensUsed,
			Grounded:   true,
		},
	}

	if cacheable {
		o.cache.SetJSON(ctx, req.TenantID, cache.KindAnswer, fingerprint, result)
	}
	return result, nil
}

// fitContext selects whole chunks, best first, until the context token budget
// is spent. A chunk that does not fit is skipped, never truncated.
func (o *Orchestrator) fitContext(query string, history []Turn, results []search.Result) []search.Result {
	budget := o.config.ContextTokens
	budget -= estimateTokens(query)
	budget -= estimateTokens(historyText(history, o.config.HistoryChars))

	included := make([]search.Result, 0, len(results))
	for _, r := range results {
		cost := estimateTokens(r.Content)
		if cost > budget {
			continue
		}
		budget -= cost
		included = append(included, r)
	}
	return included
}

// buildPrompt assembles the user prompt: trimmed history, numbered context
// chunks, then the question.
func (o *Orchestrator) buildPrompt(query string, history []Turn, included []search.Result) string {
	var b strings.Builder

	if h := historyText(history, o.config.HistoryChars); h != "" {
		b.WriteString("Conversation so far:\n")
		b.WriteString(h)
		b.WriteString("\n")
	}

	b.WriteString("Context:\n")
	for i, r := range included {
		fmt.Fprintf(&b, "[%d] %s\n", i+1, r.Content)
	}
	b.WriteString("\nQuestion: ")
	b.WriteString(query)
	return b.String()
}

// historyText renders the most recent turns within the character window,
// dropping oldest turns first.
func historyText(history []Turn, maxChars int) string {
	if len(history) == 0 {
		return ""
	}

	lines := make([]string, len(history))
	for i, turn := range history {
		lines[i] = fmt.Sprintf("%s: %s", turn.Role, turn.Content)
	}

	total := 0
	start := len(lines)
	for start > 0 {
		cost := len(lines[start-1]) + 1
		if total+cost > maxChars {
			break
		}
		total += cost
		start--
	}
	return strings.Join(lines[start:], "\n")
}

// systemPrompt returns the tenant's configured prompt, falling back to the
// default.
func systemPrompt(t *repository.Tenant) string {
	if t.Config.SystemPrompt != "" {
		return t.Config.SystemPrompt
	}
	return DefaultSystemPrompt
}

// estimateTokens approximates token count as one token per four characters.
func estimateTokens(s string) int {
	if s == "" {
		return 0
	}
	return len(s)/4 + 1
}

func maxScore(results []search.Result) float32 {
	var max float32
	for _, r := range results {
		if r.Score > max {
			max = r.Score
		}
	}
	return max
}

// sourceDocuments returns the distinct document ids behind the included
// chunks, in result order.
func sourceDocuments(results []search.Result) []uuid.UUID {
	seen := make(map[uuid.UUID]bool, len(results))
	out := make([]uuid.UUID, 0, len(results))
	for _, r := range results {
		if !seen[r.DocumentID] {
			seen[r.DocumentID] = true
			out = append(out, r.DocumentID)
		}
	}
	return out
}

// answerFingerprint derives the answer cache key for a question.
func answerFingerprint(query string) string {
	sum := sha256.Sum256([]byte(query))
	return hex.EncodeToString(sum[:])
}
