package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/venia-ai/docsearch/internal/apperr"
)

const (
	// DefaultOpenAIBaseURL is the default OpenAI-compatible API base URL.
	DefaultOpenAIBaseURL = "https://api.openai.com/v1"

	// DefaultOpenAIModel is the default embedding model.
	DefaultOpenAIModel = "text-embedding-ada-002"
)

// OpenAIConfig holds configuration for the OpenAI-compatible provider.
type OpenAIConfig struct {
	// BaseURL is the API base URL (default: https://api.openai.com/v1).
	BaseURL string

	// APIKey authenticates requests; sent as a bearer token.
	APIKey string

	// Model is the embedding model to use (default: text-embedding-ada-002).
	Model string

	// Timeout bounds a single batch call.
	Timeout time.Duration

	// HTTPClient is an optional custom HTTP client.
	HTTPClient *http.Client
}

// OpenAIProvider implements Provider against any OpenAI-compatible
// /embeddings endpoint.
type OpenAIProvider struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

type openaiEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type openaiEmbedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// NewOpenAIProvider creates a provider with the given configuration.
func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultOpenAIBaseURL
	}

	model := cfg.Model
	if model == "" {
		model = DefaultOpenAIModel
	}

	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 2 * time.Minute
		}
		client = &http.Client{Timeout: timeout}
	}

	return &OpenAIProvider{baseURL: baseURL, apiKey: cfg.APIKey, model: model, client: client}
}

// EmbedBatch embeds up to a batch of texts in one API call.
func (p *OpenAIProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	reqBody := openaiEmbedRequest{Model: p.model, Input: texts}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/embeddings", p.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransientUpstream, "embedding service unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		kind := apperr.KindTransientUpstream
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			kind = apperr.KindPermanentUpstream
		}
		return nil, apperr.Newf(kind, "embedding API error (status %d): %s", resp.StatusCode, string(body))
	}

	var embedResp openaiEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&embedResp); err != nil {
		return nil, apperr.Wrap(apperr.KindTransientUpstream, "failed to decode embedding response", err)
	}

	// Responses carry indices; order by them rather than trusting array order.
	vectors := make([][]float32, len(texts))
	for _, d := range embedResp.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, apperr.Newf(apperr.KindPermanentUpstream, "embedding index %d out of range", d.Index)
		}
		vectors[d.Index] = d.Embedding
	}
	for i, v := range vectors {
		if v == nil {
			return nil, apperr.Newf(apperr.KindPermanentUpstream, "no embedding returned for input %d", i)
		}
	}

	return vectors, nil
}

// ModelName returns the embedding model in use.
func (p *OpenAIProvider) ModelName() string { return p.model }

// Ensure OpenAIProvider implements Provider.
var _ Provider = (*OpenAIProvider)(nil)
