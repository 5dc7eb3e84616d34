package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/venia-ai/docsearch/internal/clock"
)

// MemoryBackend is an in-process backend with an approximate byte budget.
// When the budget is exceeded the least recently used entries are evicted.
type MemoryBackend struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // front = most recently used
	bytes   int64
	budget  int64
	clk     clock.Clock
}

type memoryEntry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

// NewMemoryBackend creates a memory backend with the given byte budget
func NewMemoryBackend(budget int64, clk clock.Clock) *MemoryBackend {
	if clk == nil {
		clk = clock.Real{}
	}
	return &MemoryBackend{
		entries: make(map[string]*list.Element),
		order:   list.New(),
		budget:  budget,
		clk:     clk,
	}
}

func (b *MemoryBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	el, ok := b.entries[key]
	if !ok {
		return nil, false, nil
	}
	entry := el.Value.(*memoryEntry)
	// An entry expires at exactly expiresAt, not one tick later.
	if !b.clk.Now().Before(entry.expiresAt) {
		b.removeLocked(el)
		return nil, false, nil
	}

	b.order.MoveToFront(el)
	value := make([]byte, len(entry.value))
	copy(value, entry.value)
	return value, true, nil
}

func (b *MemoryBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if el, ok := b.entries[key]; ok {
		b.removeLocked(el)
	}

	stored := make([]byte, len(value))
	copy(stored, value)
	entry := &memoryEntry{key: key, value: stored, expiresAt: b.clk.Now().Add(ttl)}
	b.entries[key] = b.order.PushFront(entry)
	b.bytes += entrySize(entry)

	// Evict from the back until we fit. The entry just written survives even
	// if it alone exceeds the budget.
	for b.bytes > b.budget && b.order.Len() > 1 {
		b.removeLocked(b.order.Back())
	}
	return nil
}

func (b *MemoryBackend) Delete(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if el, ok := b.entries[key]; ok {
		b.removeLocked(el)
	}
	return nil
}

func (b *MemoryBackend) Close() error { return nil }

// Len returns the number of live entries
func (b *MemoryBackend) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.order.Len()
}

// Bytes returns the approximate number of bytes held
func (b *MemoryBackend) Bytes() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bytes
}

func (b *MemoryBackend) removeLocked(el *list.Element) {
	entry := el.Value.(*memoryEntry)
	b.order.Remove(el)
	delete(b.entries, entry.key)
	b.bytes -= entrySize(entry)
}

func entrySize(e *memoryEntry) int64 {
	return int64(len(e.key) + len(e.value))
}

// Ensure MemoryBackend implements the interface
var _ Backend = (*MemoryBackend)(nil)
