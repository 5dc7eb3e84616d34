package llm

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

// DefaultOllamaBaseURL is the default Ollama API base URL.
const DefaultOllamaBaseURL = "http://localhost:11434"

// OllamaConfig holds configuration for the Ollama client.
type OllamaConfig struct {
	// BaseURL is the Ollama API base URL (default: http://localhost:11434).
	BaseURL string

	// Model is the completion model to use.
	Model string

	// Timeout bounds a single completion call.
	Timeout time.Duration

	// HTTPClient is an optional custom HTTP client.
	HTTPClient *http.Client
}

// OllamaClient implements LLM using Ollama's generate API.
type OllamaClient struct {
	baseURL string
	model   string
	client  *http.Client
}

type ollamaGenerateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	System  string         `json:"system,omitempty"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type ollamaGenerateResponse struct {
	Response  string `json:"response"`
	EvalCount int    `json:"eval_count"`
}

// NewOllamaClient creates a client with the given configuration.
func NewOllamaClient(cfg OllamaConfig) *OllamaClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultOllamaBaseURL
	}

	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 5 * time.Minute
		}
		client = &http.Client{Timeout: timeout}
	}

	return &OllamaClient{baseURL: baseURL, model: cfg.Model, client: client}
}

// Complete generates a completion for the prompt.
func (c *OllamaClient) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	reqBody := ollamaGenerateRequest{
		Model:  c.model,
		Prompt: req.Prompt,
		System: req.System,
		Stream: false,
		Options: map[string]any{
			"temperature": req.Temperature,
			"num_predict": req.MaxTokens,
		},
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/api/generate", c.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransientUpstream, "LLM service unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, apperr.Newf(apperr.KindTransientUpstream,
			"ollama API error (status %d): %s", resp.StatusCode, string(body))
	}

	var genResp ollamaGenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&genResp); err != nil {
		return nil, apperr.Wrap(apperr.KindTransientUpstream, "failed to decode LLM response", err)
	}

	return &CompletionResponse{
		Text:       genResp.Response,
		TokensUsed: genResp.EvalCount,
		Model:      c.model,
	}, nil
}

// ModelName returns the completion model in use.
func (c *OllamaClient) ModelName() string { return c.model }

// Ensure OllamaClient implements LLM.
var _ LLM = (*OllamaClient)(nil)
