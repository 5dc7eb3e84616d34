// Package tenant enforces the isolation scope that every entry point runs
// under. The registry resolves tenant IDs against the metadata store with a
// short-lived cache; AssertScope is the single gate between a caller's token
// and the tenant it operates on.
package tenant

import (
	"context"
	"errors"
	"log/slog"
	"time"
	"unicode"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/google/uuid"
	"github.com/venia-ai/docsearch/internal/apperr"
	"github.com/venia-ai/docsearch/internal/repository"
)

const (
	// maxIDLength bounds the accepted tenant identifier length.
	maxIDLength = 64
	// resolveTTL bounds how stale a cached tenant handle may be.
	resolveTTL = 5 * time.Minute
	// resolveCacheSize caps the number of cached tenant handles.
	resolveCacheSize = 1024
)

// SecurityContext carries the identity a request was authenticated as.
// Transport middleware builds it once; everything downstream trusts it.
type SecurityContext struct {
	TenantID      uuid.UUID
	UserID        string
	CorrelationID string
}

// Registry validates and resolves tenant identifiers
type Registry struct {
	repo   repository.TenantRepository
	cache  *lru.LRU[uuid.UUID, *repository.Tenant]
	logger *slog.Logger
}

// NewRegistry creates a registry backed by the tenant repository
func NewRegistry(repo repository.TenantRepository, logger *slog.Logger) *Registry {
	return &Registry{
		repo:   repo,
		cache:  lru.NewLRU[uuid.UUID, *repository.Tenant](resolveCacheSize, nil, resolveTTL),
		logger: logger,
	}
}

// ValidateID checks that a raw tenant identifier is a printable string of at
// most 64 characters that parses as a UUID.
func ValidateID(raw string) (uuid.UUID, error) {
	if raw == "" || len(raw) > maxIDLength {
		return uuid.Nil, apperr.New(apperr.KindValidation, "tenant id must be 1-64 characters")
	}
	for _, r := range raw {
		if !unicode.IsPrint(r) || unicode.IsSpace(r) {
			return uuid.Nil, apperr.New(apperr.KindValidation, "tenant id contains invalid characters")
		}
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, apperr.Wrap(apperr.KindValidation, "tenant id is not a valid UUID", err)
	}
	return id, nil
}

// Resolve validates the identifier, looks the tenant up, and returns a handle
// cached for up to five minutes. Disabled tenants resolve but reject scope.
func (r *Registry) Resolve(ctx context.Context, raw string) (*repository.Tenant, error) {
	id, err := ValidateID(raw)
	if err != nil {
		return nil, err
	}
	return r.ResolveUUID(ctx, id)
}

// ResolveUUID looks up a tenant by parsed id, serving from the cache when
// fresh.
func (r *Registry) ResolveUUID(ctx context.Context, id uuid.UUID) (*repository.Tenant, error) {
	if t, ok := r.cache.Get(id); ok {
		return t, nil
	}

	t, err := r.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.Newf(apperr.KindNotFound, "tenant %s not found", id)
		}
		return nil, apperr.Wrap(apperr.KindTransientUpstream, "failed to resolve tenant", err)
	}

	r.cache.Add(id, t)
	return t, nil
}

// Invalidate drops a tenant from the resolve cache after an admin update
func (r *Registry) Invalidate(id uuid.UUID) {
	r.cache.Remove(id)
}

// AssertScope fails unless the security context is authenticated for exactly
// the given tenant and that tenant is active. Every public entry point calls
// this before touching data.
func (r *Registry) AssertScope(ctx context.Context, tenantID uuid.UUID, sec SecurityContext) (*repository.Tenant, error) {
	if sec.TenantID != tenantID {
		r.logger.Warn("tenant scope mismatch",
			"requested", tenantID, "authenticated", sec.TenantID, "correlation_id", sec.CorrelationID)
		return nil, apperr.New(apperr.KindForbidden, "token is not scoped to this tenant")
	}

	t, err := r.ResolveUUID(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if t.Status != repository.TenantActive {
		return nil, apperr.Newf(apperr.KindForbidden, "tenant %s is %s", tenantID, t.Status)
	}
	return t, nil
}

// ScopedKey builds a cache or index key that always embeds the tenant id.
// Keys for tenant-partitioned state must go through here so a key without a
// tenant prefix cannot be constructed.
func ScopedKey(tenantID uuid.UUID, parts ...string) string {
	key := tenantID.String()
	for _, p := range parts {
		key += ":" + p
	}
	return key
}
