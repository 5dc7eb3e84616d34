package vectorindex

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/venia-ai/docsearch/internal/apperr"
	"github.com/venia-ai/docsearch/internal/repository"
)

// rebuildPageSize bounds one metadata-store read during partition rebuild.
const rebuildPageSize = 512

// RebuildProgress reports how far a partition's lazy rebuild has come
type RebuildProgress struct {
	Total  int
	Loaded int
	Done   bool
}

// Manager owns all tenant partitions. Partitions are created on first access
// and rebuilt from the metadata store, so the index survives restarts without
// its own persistence. Rebuilding one tenant never blocks another.
type Manager struct {
	embeddings repository.EmbeddingRepository
	logger     *slog.Logger
	exact      bool

	mu         sync.Mutex
	partitions map[uuid.UUID]*partitionState
}

type partitionState struct {
	partition *Partition
	once      sync.Once
	err       error

	total  atomic.Int64
	loaded atomic.Int64
	done   atomic.Bool
}

// NewManager creates a partition manager. With exact set, every partition
// runs exhaustive search.
func NewManager(embeddings repository.EmbeddingRepository, exact bool, logger *slog.Logger) *Manager {
	return &Manager{
		embeddings: embeddings,
		logger:     logger,
		exact:      exact,
		partitions: make(map[uuid.UUID]*partitionState),
	}
}

func (m *Manager) state(tenantID uuid.UUID) *partitionState {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.partitions[tenantID]
	if !ok {
		st = &partitionState{partition: NewPartition(m.exact)}
		m.partitions[tenantID] = st
	}
	return st
}

// partition returns the tenant's partition, rebuilding it from persisted
// embeddings on first access. Concurrent callers for the same tenant wait on
// one rebuild; other tenants proceed independently.
func (m *Manager) partition(ctx context.Context, tenantID uuid.UUID) (*Partition, error) {
	st := m.state(tenantID)

	st.once.Do(func() {
		st.err = m.rebuild(ctx, tenantID, st)
		if st.err != nil {
			// Allow a later call to retry the rebuild.
			m.mu.Lock()
			delete(m.partitions, tenantID)
			m.mu.Unlock()
		}
	})

	if st.err != nil {
		return nil, st.err
	}
	return st.partition, nil
}

func (m *Manager) rebuild(ctx context.Context, tenantID uuid.UUID, st *partitionState) error {
	total, err := m.embeddings.CountByTenant(ctx, tenantID)
	if err != nil {
		return apperr.Wrap(apperr.KindTransientUpstream, "failed to count embeddings for rebuild", err)
	}
	st.total.Store(int64(total))

	for offset := 0; ; offset += rebuildPageSize {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("rebuild cancelled: %w", err)
		}

		page, err := m.embeddings.ListByTenant(ctx, tenantID, rebuildPageSize, offset)
		if err != nil {
			return apperr.Wrap(apperr.KindTransientUpstream, "failed to load embeddings for rebuild", err)
		}
		if len(page) == 0 {
			break
		}

		entries := make([]Entry, 0, len(page))
		for _, emb := range page {
			entries = append(entries, Entry{ID: emb.ID, Vector: emb.Vector})
		}
		if err := st.partition.AddBatch(entries); err != nil {
			return err
		}
		st.loaded.Add(int64(len(page)))
	}

	st.done.Store(true)
	m.logger.Info("vector index partition rebuilt",
		"tenant_id", tenantID, "embeddings", st.loaded.Load())
	return nil
}

// Progress reports rebuild progress for a tenant. A tenant never accessed
// reports zero values.
func (m *Manager) Progress(tenantID uuid.UUID) RebuildProgress {
	m.mu.Lock()
	st, ok := m.partitions[tenantID]
	m.mu.Unlock()
	if !ok {
		return RebuildProgress{}
	}
	return RebuildProgress{
		Total:  int(st.total.Load()),
		Loaded: int(st.loaded.Load()),
		Done:   st.done.Load(),
	}
}

// AddBatch inserts embeddings into the tenant's partition
func (m *Manager) AddBatch(ctx context.Context, tenantID uuid.UUID, entries []Entry) error {
	p, err := m.partition(ctx, tenantID)
	if err != nil {
		return err
	}
	return p.AddBatch(entries)
}

// Remove deletes embeddings from the tenant's partition
func (m *Manager) Remove(ctx context.Context, tenantID uuid.UUID, ids []uuid.UUID) error {
	p, err := m.partition(ctx, tenantID)
	if err != nil {
		return err
	}
	p.Remove(ids)
	return nil
}

// Search runs a top-k similarity query against the tenant's partition
func (m *Manager) Search(ctx context.Context, tenantID uuid.UUID, q []float32, topK int, threshold float32) ([]Result, error) {
	p, err := m.partition(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return p.Search(q, topK, threshold)
}

// Clear drops a tenant's partition entirely
func (m *Manager) Clear(tenantID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.partitions, tenantID)
}
