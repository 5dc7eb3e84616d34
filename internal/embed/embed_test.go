package embed

import (
	"context"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/venia-ai/docsearch/internal/apperr"
)

// scriptedProvider fails a configurable number of times per batch before
// succeeding, and can poison specific inputs.
type scriptedProvider struct {
	failures  int // transient failures before success
	calls     int
	badInput  string // input text that triggers a permanent error
	shortVec  string // input text that yields a wrong-dimension vector
	bigNorm   string // input text that yields an out-of-range norm
	batchLens []int
}

func (p *scriptedProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	p.calls++
	p.batchLens = append(p.batchLens, len(texts))

	if p.failures > 0 {
		p.failures--
		return nil, apperr.New(apperr.KindTransientUpstream, "upstream hiccup")
	}

	vectors := make([][]float32, len(texts))
	for i, t := range texts {
		switch t {
		case p.badInput:
			return nil, apperr.New(apperr.KindPermanentUpstream, "rejected input")
		case p.shortVec:
			vectors[i] = make([]float32, 3)
		case p.bigNorm:
			v := make([]float32, Dimension)
			v[0] = 2 // norm 2, outside [0.99, 1.01]
			vectors[i] = v
		default:
			v := make([]float32, Dimension)
			v[i%Dimension] = 1
			vectors[i] = v
		}
	}
	return vectors, nil
}

func (p *scriptedProvider) ModelName() string { return "scripted" }

func fastConfig() Config {
	return Config{BatchSize: 2, MaxRetries: 3, RetryDelay: time.Millisecond}
}

func TestEmbedAllBatches(t *testing.T) {
	p := &scriptedProvider{}
	s := NewService(p, fastConfig(), slog.Default())

	texts := []string{"a", "b", "c", "d", "e"}
	results := s.EmbedAll(context.Background(), texts)

	if len(results) != 3 {
		t.Fatalf("got %d batches, want 3", len(results))
	}
	wantLens := []int{2, 2, 1}
	for i, r := range results {
		if r.Err != nil {
			t.Fatalf("batch %d error = %v", i, r.Err)
		}
		if len(r.Vectors) != wantLens[i] {
			t.Errorf("batch %d has %d vectors, want %d", i, len(r.Vectors), wantLens[i])
		}
		if r.End-r.Start != wantLens[i] {
			t.Errorf("batch %d spans [%d,%d), want width %d", i, r.Start, r.End, wantLens[i])
		}
	}
}

func TestEmbedAllSiblingBatchesIndependent(t *testing.T) {
	p := &scriptedProvider{badInput: "poison"}
	s := NewService(p, fastConfig(), slog.Default())

	// Batches: [a b] [poison d] [e]
	results := s.EmbedAll(context.Background(), []string{"a", "b", "poison", "d", "e"})

	if results[0].Err != nil {
		t.Errorf("batch 0 error = %v, want nil", results[0].Err)
	}
	if results[1].Err == nil {
		t.Error("batch 1 error = nil, want permanent failure")
	}
	if !apperr.IsKind(results[1].Err, apperr.KindPermanentUpstream) {
		t.Errorf("batch 1 kind = %v, want permanent_upstream", apperr.KindOf(results[1].Err))
	}
	if results[2].Err != nil {
		t.Errorf("batch 2 error = %v, want nil", results[2].Err)
	}
}

func TestEmbedBatchRetriesTransient(t *testing.T) {
	p := &scriptedProvider{failures: 2}
	s := NewService(p, fastConfig(), slog.Default())

	vec, err := s.EmbedQuery(context.Background(), "hello")
	if err != nil {
		t.Fatalf("EmbedQuery() error = %v", err)
	}
	if len(vec) != Dimension {
		t.Fatalf("vector dimension = %d, want %d", len(vec), Dimension)
	}
	if p.calls != 3 {
		t.Errorf("provider called %d times, want 3 (two failures then success)", p.calls)
	}
}

func TestEmbedBatchExhaustsRetries(t *testing.T) {
	p := &scriptedProvider{failures: 10}
	s := NewService(p, fastConfig(), slog.Default())

	_, err := s.EmbedQuery(context.Background(), "hello")
	if err == nil {
		t.Fatal("EmbedQuery() error = nil, want failure after retries")
	}
	if p.calls != 4 {
		t.Errorf("provider called %d times, want 4 (initial + 3 retries)", p.calls)
	}
}

func TestEmbedBatchRejectsBadDimension(t *testing.T) {
	p := &scriptedProvider{shortVec: "short"}
	s := NewService(p, fastConfig(), slog.Default())

	_, err := s.EmbedQuery(context.Background(), "short")
	if !apperr.IsKind(err, apperr.KindPermanentUpstream) {
		t.Errorf("kind = %v, want permanent_upstream", apperr.KindOf(err))
	}
	if p.calls != 1 {
		t.Errorf("provider called %d times, want 1 (no retry on schema error)", p.calls)
	}
}

func TestEmbedBatchRejectsBadNorm(t *testing.T) {
	p := &scriptedProvider{bigNorm: "big"}
	s := NewService(p, fastConfig(), slog.Default())

	_, err := s.EmbedQuery(context.Background(), "big")
	if !apperr.IsKind(err, apperr.KindPermanentUpstream) {
		t.Errorf("kind = %v, want permanent_upstream", apperr.KindOf(err))
	}
}

func TestEmbedQueryNormalizes(t *testing.T) {
	p := &scriptedProvider{}
	s := NewService(p, fastConfig(), slog.Default())

	vec, err := s.EmbedQuery(context.Background(), "q")
	if err != nil {
		t.Fatalf("EmbedQuery() error = %v", err)
	}

	var sum float64
	for _, x := range vec {
		sum += float64(x) * float64(x)
	}
	if n := math.Sqrt(sum); math.Abs(n-1) > 1e-6 {
		t.Errorf("norm = %f, want 1", n)
	}
}
