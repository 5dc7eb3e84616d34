// Package cache is the tenant-scoped result cache. Keys always embed the
// owning tenant's id; the only way to read or write is through methods that
// take a tenant, so a cross-tenant hit cannot be expressed. The cache fails
// open: any backend error is logged and reported as a miss.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/venia-ai/docsearch/internal/tenant"
)

// Kind partitions cached values and selects their TTL.
type Kind string

const (
	KindSearch Kind = "search"
	KindAnswer Kind = "answer"
)

// Leading tag byte distinguishing structured from opaque payloads.
const (
	tagJSON byte = 0x01
	tagBlob byte = 0x02
)

// Backend is a raw key-value store with per-entry TTL
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Config holds per-kind TTLs and the backend call timeout.
type Config struct {
	SearchTTL time.Duration
	AnswerTTL time.Duration
	Timeout   time.Duration
}

// DefaultConfig returns the default cache TTLs
func DefaultConfig() Config {
	return Config{
		SearchTTL: time.Hour,
		AnswerTTL: 24 * time.Hour,
		Timeout:   5 * time.Second,
	}
}

// Cache wraps a backend with tenant scoping, payload tagging, and fail-open
// error handling.
type Cache struct {
	backend Backend
	config  Config
	logger  *slog.Logger
}

// New creates a cache over the given backend
func New(backend Backend, config Config, logger *slog.Logger) *Cache {
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}
	return &Cache{backend: backend, config: config, logger: logger}
}

func (c *Cache) key(tenantID uuid.UUID, kind Kind, fingerprint string) string {
	return tenant.ScopedKey(tenantID, "cache", string(kind), fingerprint)
}

func (c *Cache) ttl(kind Kind) time.Duration {
	switch kind {
	case KindAnswer:
		return c.config.AnswerTTL
	default:
		return c.config.SearchTTL
	}
}

func (c *Cache) get(ctx context.Context, tenantID uuid.UUID, kind Kind, fingerprint string, wantTag byte) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	value, hit, err := c.backend.Get(ctx, c.key(tenantID, kind, fingerprint))
	if err != nil {
		c.logger.Warn("cache get failed, treating as miss",
			"tenant_id", tenantID, "kind", kind, "error", err)
		return nil, false
	}
	if !hit || len(value) == 0 || value[0] != wantTag {
		return nil, false
	}
	return value[1:], true
}

func (c *Cache) set(ctx context.Context, tenantID uuid.UUID, kind Kind, fingerprint string, tag byte, payload []byte) bool {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	value := make([]byte, 0, len(payload)+1)
	value = append(value, tag)
	value = append(value, payload...)

	if err := c.backend.Set(ctx, c.key(tenantID, kind, fingerprint), value, c.ttl(kind)); err != nil {
		c.logger.Warn("cache set failed",
			"tenant_id", tenantID, "kind", kind, "error", err)
		return false
	}
	return true
}

// GetJSON looks up a structured value and unmarshals it into dest. Returns
// false on miss, wrong payload tag, or any backend error.
func (c *Cache) GetJSON(ctx context.Context, tenantID uuid.UUID, kind Kind, fingerprint string, dest any) bool {
	payload, hit := c.get(ctx, tenantID, kind, fingerprint, tagJSON)
	if !hit {
		return false
	}
	if err := json.Unmarshal(payload, dest); err != nil {
		c.logger.Warn("cache entry corrupt, treating as miss",
			"tenant_id", tenantID, "kind", kind, "error", err)
		return false
	}
	return true
}

// SetJSON stores a structured value under the tenant's namespace
func (c *Cache) SetJSON(ctx context.Context, tenantID uuid.UUID, kind Kind, fingerprint string, value any) bool {
	payload, err := json.Marshal(value)
	if err != nil {
		c.logger.Warn("cache value not serializable", "kind", kind, "error", err)
		return false
	}
	return c.set(ctx, tenantID, kind, fingerprint, tagJSON, payload)
}

// GetBlob looks up an opaque binary value
func (c *Cache) GetBlob(ctx context.Context, tenantID uuid.UUID, kind Kind, fingerprint string) ([]byte, bool) {
	return c.get(ctx, tenantID, kind, fingerprint, tagBlob)
}

// SetBlob stores an opaque binary value under the tenant's namespace
func (c *Cache) SetBlob(ctx context.Context, tenantID uuid.UUID, kind Kind, fingerprint string, value []byte) bool {
	return c.set(ctx, tenantID, kind, fingerprint, tagBlob, value)
}

// Delete drops one entry; errors are logged, not returned
func (c *Cache) Delete(ctx context.Context, tenantID uuid.UUID, kind Kind, fingerprint string) {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	if err := c.backend.Delete(ctx, c.key(tenantID, kind, fingerprint)); err != nil {
		c.logger.Warn("cache delete failed",
			"tenant_id", tenantID, "kind", kind, "error", err)
	}
}

// Close releases the backend
func (c *Cache) Close() error {
	if err := c.backend.Close(); err != nil {
		return fmt.Errorf("failed to close cache backend: %w", err)
	}
	return nil
}
