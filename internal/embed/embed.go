// Package embed turns chunk text into 1536-dimensional unit vectors. The
// service batches texts to the provider, retries transient failures with
// exponential backoff, and validates every returned vector before anything
// downstream sees it.
package embed

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/venia-ai/docsearch/internal/apperr"
)

// Dimension is the required embedding dimensionality.
const Dimension = 1536

// Norm bounds accepted from the provider before re-normalization.
const (
	minNorm = 0.99
	maxNorm = 1.01
)

// Provider generates embeddings for a batch of texts
type Provider interface {
	// EmbedBatch returns one vector per input text, in order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	// ModelName identifies the model for telemetry and audit.
	ModelName() string
}

// Config holds batching and retry settings for the embedding service.
type Config struct {
	BatchSize  int           // texts per provider call (default 32)
	MaxRetries int           // retries per batch (default 3)
	RetryDelay time.Duration // backoff base, doubled per attempt (default 500ms)
}

// DefaultConfig returns the default embedding service settings
func DefaultConfig() Config {
	return Config{BatchSize: 32, MaxRetries: 3, RetryDelay: 500 * time.Millisecond}
}

// BatchResult holds one batch's outcome. Vectors is nil when Err is set;
// Start/End locate the batch inside the original input slice.
type BatchResult struct {
	Start   int
	End     int
	Vectors [][]float32
	Err     error
}

// Service batches and validates embedding calls
type Service struct {
	provider Provider
	config   Config
	logger   *slog.Logger
}

// NewService creates an embedding service over the provider
func NewService(provider Provider, config Config, logger *slog.Logger) *Service {
	if config.BatchSize <= 0 {
		config.BatchSize = 32
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = 500 * time.Millisecond
	}
	return &Service{provider: provider, config: config, logger: logger}
}

// ModelName reports the underlying provider's model
func (s *Service) ModelName() string { return s.provider.ModelName() }

// EmbedAll embeds texts in batches of BatchSize. A batch that fails after all
// retries is reported in its BatchResult without affecting sibling batches,
// so the caller can mark just those chunks as failed.
func (s *Service) EmbedAll(ctx context.Context, texts []string) []BatchResult {
	if len(texts) == 0 {
		return nil
	}

	var results []BatchResult
	for start := 0; start < len(texts); start += s.config.BatchSize {
		end := start + s.config.BatchSize
		if end > len(texts) {
			end = len(texts)
		}

		vectors, err := s.embedBatch(ctx, texts[start:end])
		results = append(results, BatchResult{Start: start, End: end, Vectors: vectors, Err: err})
		if err != nil {
			s.logger.Warn("embedding batch failed",
				"start", start, "end", end, "kind", apperr.KindOf(err), "error", err)
		}
	}
	return results
}

// EmbedQuery embeds a single query text
func (s *Service) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := s.embedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// embedBatch calls the provider with retries and validates the result.
func (s *Service) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.config.RetryDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = time.Minute

	var vectors [][]float32
	operation := func() error {
		var err error
		vectors, err = s.provider.EmbedBatch(ctx, texts)
		if err != nil {
			if apperr.Retryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		if err := validateBatch(texts, vectors); err != nil {
			// A malformed response is a schema disagreement; retrying the
			// same request cannot fix it.
			return backoff.Permanent(err)
		}
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(s.config.MaxRetries)), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, fmt.Errorf("embedding batch of %d texts: %w", len(texts), err)
	}

	for _, v := range vectors {
		normalize(v)
	}
	return vectors, nil
}

func validateBatch(texts []string, vectors [][]float32) error {
	if len(vectors) != len(texts) {
		return apperr.Newf(apperr.KindPermanentUpstream,
			"provider returned %d vectors for %d texts", len(vectors), len(texts))
	}
	for i, v := range vectors {
		if len(v) != Dimension {
			return apperr.Newf(apperr.KindPermanentUpstream,
				"vector %d has dimension %d, want %d", i, len(v), Dimension)
		}
		n := norm(v)
		if n < minNorm || n > maxNorm {
			return apperr.Newf(apperr.KindPermanentUpstream,
				"vector %d has norm %.4f outside [%.2f, %.2f]", i, n, minNorm, maxNorm)
		}
	}
	return nil
}

func norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

func normalize(v []float32) {
	n := norm(v)
	if n == 0 {
		return
	}
	inv := float32(1 / n)
	for i := range v {
		v[i] *= inv
	}
}
