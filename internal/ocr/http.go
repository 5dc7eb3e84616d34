package ocr

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/venia-ai/docsearch/internal/apperr"
	"github.com/venia-ai/docsearch/internal/repository"
)

const (
	// DefaultBaseURL is the default OCR service base URL.
	DefaultBaseURL = "http://localhost:8090"

	// DefaultTimeout bounds a single extraction call.
	DefaultTimeout = 10 * time.Minute
)

// HTTPConfig holds configuration for the HTTP OCR engine.
type HTTPConfig struct {
	// BaseURL is the OCR service base URL (default: http://localhost:8090).
	BaseURL string

	// Timeout bounds a single extraction call (default: 10m).
	Timeout time.Duration

	// HTTPClient is an optional custom HTTP client.
	HTTPClient *http.Client
}

// HTTPEngine implements Engine against an HTTP OCR service.
type HTTPEngine struct {
	baseURL string
	client  *http.Client
}

// extractRequest is the request body for the OCR extract endpoint.
type extractRequest struct {
	Format  string `json:"format"`
	Content string `json:"content"` // base64
}

// extractResponse is the response from the OCR extract endpoint.
type extractResponse struct {
	Blocks []struct {
		Text       string  `json:"text"`
		Page       int     `json:"page"`
		Layout     string  `json:"layout"`
		Confidence float32 `json:"confidence"`
	} `json:"blocks"`
}

// NewHTTPEngine creates an OCR engine with the given configuration.
func NewHTTPEngine(cfg HTTPConfig) *HTTPEngine {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}

	return &HTTPEngine{baseURL: baseURL, client: client}
}

// Extract sends the document to the OCR service and returns its text blocks
// in reading order.
func (e *HTTPEngine) Extract(ctx context.Context, data []byte, format repository.DocumentFormat) ([]Block, error) {
	reqBody := extractRequest{
		Format:  string(format),
		Content: base64.StdEncoding.EncodeToString(data),
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/extract", e.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransientUpstream, "OCR service unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		kind := apperr.KindTransientUpstream
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			// The service rejected the document itself; retrying won't help.
			kind = apperr.KindPermanentUpstream
		}
		return nil, apperr.Newf(kind, "OCR service error (status %d): %s", resp.StatusCode, string(body))
	}

	var extractResp extractResponse
	if err := json.NewDecoder(resp.Body).Decode(&extractResp); err != nil {
		return nil, apperr.Wrap(apperr.KindTransientUpstream, "failed to decode OCR response", err)
	}

	blocks := make([]Block, 0, len(extractResp.Blocks))
	for _, b := range extractResp.Blocks {
		blocks = append(blocks, Block{
			Text:       b.Text,
			Page:       b.Page,
			Layout:     b.Layout,
			Confidence: b.Confidence,
		})
	}

	return blocks, nil
}

// Ensure HTTPEngine implements Engine.
var _ Engine = (*HTTPEngine)(nil)
