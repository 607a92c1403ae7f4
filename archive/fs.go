package archive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FSStore writes archive objects under a root directory. Keys map to
// relative file paths.
type FSStore struct {
	root string
}

// NewFSStore creates the destination directory if needed.
func NewFSStore(root string) (*FSStore, error) {
	if root == "" {
		return nil, errors.New("archive root must be non-empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create archive root: %w", err)
	}
	return &FSStore{root: root}, nil
}

// Put writes one object, creating parent directories as needed. Keys must
// stay under the root.
func (s *FSStore) Put(_ context.Context, key string, data []byte) error {
	clean := filepath.Clean(key)
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return fmt.Errorf("unsafe archive key %q", key)
	}
	path := filepath.Join(s.root, clean)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write archive object: %w", err)
	}
	return nil
}

// Close is a no-op for the filesystem store.
func (s *FSStore) Close() error { return nil }

var _ Store = (*FSStore)(nil)
