// Package blob stores raw uploaded documents. References are opaque strings
// of the form tenant-id/content-hash so a blob can never be addressed without
// its owning tenant.
package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// MaxBlobSize caps fetched blobs at 50 MiB.
const MaxBlobSize = 50 << 20

// Store persists and retrieves raw document bytes
type Store interface {
	// Put stores data and returns its reference. Storing the same bytes for
	// the same tenant yields the same reference.
	Put(ctx context.Context, tenantID uuid.UUID, data []byte) (string, error)
	// Fetch returns the bytes behind a reference. Blobs over MaxBlobSize are
	// rejected.
	Fetch(ctx context.Context, ref string) ([]byte, error)
	// Delete removes a blob. Deleting a missing blob is not an error.
	Delete(ctx context.Context, ref string) error
}

// Ref builds the canonical reference for tenant-owned content
func Ref(tenantID uuid.UUID, data []byte) string {
	sum := sha256.Sum256(data)
	return fmt.Sprintf("%s/%s", tenantID, hex.EncodeToString(sum[:]))
}
