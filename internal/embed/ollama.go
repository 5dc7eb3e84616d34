package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/venia-ai/docsearch/internal/apperr"
)

const (
	// DefaultOllamaBaseURL is the default Ollama API base URL.
	DefaultOllamaBaseURL = "http://localhost:11434"

	// DefaultOllamaConcurrency is the number of concurrent per-text requests
	// used to emulate batching, since Ollama embeds one prompt per call.
	DefaultOllamaConcurrency = 4
)

// OllamaConfig holds configuration for the Ollama provider.
type OllamaConfig struct {
	// BaseURL is the Ollama API base URL (default: http://localhost:11434).
	BaseURL string

	// Model is the embedding model to use.
	Model string

	// Concurrency is the number of concurrent requests per batch.
	Concurrency int

	// Timeout bounds a single embedding call.
	Timeout time.Duration

	// HTTPClient is an optional custom HTTP client.
	HTTPClient *http.Client
}

// OllamaProvider implements Provider using Ollama's per-prompt embedding API.
type OllamaProvider struct {
	baseURL     string
	model       string
	concurrency int
	client      *http.Client
}

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// NewOllamaProvider creates a provider with the given configuration.
func NewOllamaProvider(cfg OllamaConfig) *OllamaProvider {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultOllamaBaseURL
	}

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultOllamaConcurrency
	}

	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 2 * time.Minute
		}
		client = &http.Client{Timeout: timeout}
	}

	return &OllamaProvider{
		baseURL:     baseURL,
		model:       cfg.Model,
		concurrency: concurrency,
		client:      client,
	}
}

// EmbedBatch embeds each text with bounded concurrency.
func (p *OllamaProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	vectors := make([][]float32, len(texts))
	errs := make([]error, len(texts))

	var wg sync.WaitGroup
	sem := make(chan struct{}, p.concurrency)

	for i, text := range texts {
		wg.Add(1)
		go func(idx int, t string) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				errs[idx] = ctx.Err()
				return
			}

			vectors[idx], errs[idx] = p.embedOne(ctx, t)
		}(i, text)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("embedding text at index %d: %w", i, err)
		}
	}
	return vectors, nil
}

func (p *OllamaProvider) embedOne(ctx context.Context, text string) ([]float32, error) {
	reqBody := ollamaEmbedRequest{Model: p.model, Prompt: text}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/api/embeddings", p.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransientUpstream, "embedding service unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, apperr.Newf(apperr.KindTransientUpstream,
			"ollama API error (status %d): %s", resp.StatusCode, string(body))
	}

	var embedResp ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&embedResp); err != nil {
		return nil, apperr.Wrap(apperr.KindTransientUpstream, "failed to decode embedding response", err)
	}
	if len(embedResp.Embedding) == 0 {
		return nil, apperr.New(apperr.KindPermanentUpstream, "empty embedding returned")
	}

	return embedResp.Embedding, nil
}

// ModelName returns the embedding model in use.
func (p *OllamaProvider) ModelName() string { return p.model }

// Ensure OllamaProvider implements Provider.
var _ Provider = (*OllamaProvider)(nil)
