package ingest

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/venia-ai/docsearch/internal/apperr"
	"github.com/venia-ai/docsearch/internal/clock"
)

// ErrQueueFull is returned when the ingestion queue is at capacity.
var ErrQueueFull = errors.New("ingestion queue is full")

// ErrQueueClosed is returned when enqueueing after shutdown began.
var ErrQueueClosed = errors.New("ingestion queue is closed")

// Job is one unit of ingestion work
type Job struct {
	DocumentID uuid.UUID
	TenantID   uuid.UUID
	Attempt    int
}

// QueueConfig holds worker pool settings.
type QueueConfig struct {
	Workers      int           // worker goroutines (default min(8, NumCPU), set by caller)
	Capacity     int           // queue depth before Enqueue rejects (default 256)
	MaxRetries   int           // attempts per document (default 3)
	RetryBackoff time.Duration // re-enqueue delay base, doubled per attempt (default 2s)
}

// Queue is a bounded ingestion queue consumed by a fixed worker pool.
// Transient failures re-enqueue the job with backoff; permanent failures are
// already recorded on the document by the coordinator and the job is dropped.
type Queue struct {
	coordinator *Coordinator
	config      QueueConfig
	clk         clock.Clock
	logger      *slog.Logger

	jobs    chan Job
	mu      sync.Mutex
	closed  bool
	wg      sync.WaitGroup // workers
	retryWG sync.WaitGroup // pending delayed re-enqueues
}

// NewQueue creates the queue; call Start to begin consuming
func NewQueue(coordinator *Coordinator, config QueueConfig, clk clock.Clock, logger *slog.Logger) *Queue {
	if config.Workers <= 0 {
		config.Workers = 4
	}
	if config.Capacity <= 0 {
		config.Capacity = 256
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = 2 * time.Second
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Queue{
		coordinator: coordinator,
		config:      config,
		clk:         clk,
		logger:      logger,
		jobs:        make(chan Job, config.Capacity),
	}
}

// Start launches the worker pool. Workers run until Shutdown drains them or
// ctx is cancelled.
func (q *Queue) Start(ctx context.Context) {
	for i := 0; i < q.config.Workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
	q.logger.Info("ingestion workers started",
		"workers", q.config.Workers, "capacity", q.config.Capacity)
}

// Enqueue submits a job without blocking. Returns ErrQueueFull at capacity
// so the caller can surface back-pressure.
func (q *Queue) Enqueue(job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}

	select {
	case q.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Depth reports the number of queued jobs, for telemetry
func (q *Queue) Depth() int { return len(q.jobs) }

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-q.jobs:
			if !ok {
				return
			}
			q.handle(ctx, job)
		}
	}
}

func (q *Queue) handle(ctx context.Context, job Job) {
	err := q.coordinator.Process(ctx, job.DocumentID, job.TenantID)
	if err == nil {
		return
	}

	if !apperr.Retryable(err) || job.Attempt+1 >= q.config.MaxRetries {
		q.logger.Warn("dropping ingestion job",
			"document_id", job.DocumentID, "attempt", job.Attempt,
			"kind", apperr.KindOf(err), "error", err)
		return
	}

	delay := q.config.RetryBackoff << uint(job.Attempt)
	q.logger.Info("re-enqueueing ingestion job",
		"document_id", job.DocumentID, "attempt", job.Attempt+1, "delay", delay)

	q.retryWG.Add(1)
	go func() {
		defer q.retryWG.Done()
		q.clk.Sleep(delay)
		if err := q.Enqueue(Job{DocumentID: job.DocumentID, TenantID: job.TenantID, Attempt: job.Attempt + 1}); err != nil {
			// The document stays queued/failed in the store and is picked up
			// on the next start.
			q.logger.Warn("failed to re-enqueue job",
				"document_id", job.DocumentID, "error", err)
		}
	}()
}

// Shutdown stops accepting jobs and drains in-flight work until ctx expires.
// Jobs still queued after the deadline remain queued in the metadata store
// and are recovered on next start.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	// Let pending delayed retries resolve or fail fast against the closed
	// queue, then stop feeding workers.
	retryDone := make(chan struct{})
	go func() {
		q.retryWG.Wait()
		close(retryDone)
	}()
	select {
	case <-retryDone:
	case <-ctx.Done():
	}

	close(q.jobs)

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.logger.Info("ingestion queue drained")
		return nil
	case <-ctx.Done():
		q.logger.Warn("ingestion queue shutdown deadline expired", "remaining", len(q.jobs))
		return ctx.Err()
	}
}
