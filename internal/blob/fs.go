package blob

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/venia-ai/docsearch/internal/apperr"
)

// FSStore keeps blobs on the local filesystem under a root directory
type FSStore struct {
	root string
}

// NewFSStore creates a filesystem-backed blob store rooted at dir
func NewFSStore(dir string) (*FSStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create blob root: %w", err)
	}
	return &FSStore{root: dir}, nil
}

func (s *FSStore) path(ref string) (string, error) {
	// Refs are tenant-id/hex-hash; reject anything that could escape the root.
	parts := strings.Split(ref, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" ||
		strings.ContainsAny(ref, `\`) || strings.Contains(ref, "..") {
		return "", apperr.Newf(apperr.KindValidation, "malformed blob reference %q", ref)
	}
	return filepath.Join(s.root, parts[0], parts[1]), nil
}

// Put stores data under its content-addressed reference
func (s *FSStore) Put(ctx context.Context, tenantID uuid.UUID, data []byte) (string, error) {
	if len(data) > MaxBlobSize {
		return "", apperr.Newf(apperr.KindValidation, "blob exceeds %d bytes", MaxBlobSize)
	}

	ref := Ref(tenantID, data)
	path, err := s.path(ref)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create blob directory: %w", err)
	}

	// Write to a temp file then rename so readers never see partial content.
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp blob: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to close blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to store blob: %w", err)
	}

	return ref, nil
}

// Fetch returns the bytes behind a reference
func (s *FSStore) Fetch(ctx context.Context, ref string) ([]byte, error) {
	path, err := s.path(ref)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, apperr.Newf(apperr.KindNotFound, "blob %s not found", ref)
		}
		return nil, fmt.Errorf("failed to stat blob: %w", err)
	}
	if info.Size() > MaxBlobSize {
		return nil, apperr.Newf(apperr.KindValidation, "blob exceeds %d bytes", MaxBlobSize)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read blob: %w", err)
	}
	return data, nil
}

// Delete removes a blob
func (s *FSStore) Delete(ctx context.Context, ref string) error {
	path, err := s.path(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete blob: %w", err)
	}
	return nil
}

// Ensure FSStore implements the interface
var _ Store = (*FSStore)(nil)
