package sink

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/malbeclabs/streamforge/utils/pkg/retry"
)

// LocalStore keeps objects as files under a root directory.
type LocalStore struct {
	root string
}

func NewLocalStore(root string) (*LocalStore, error) {
	if root == "" {
		return nil, errors.New("output root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve output root: %w", err)
	}
	return &LocalStore{root: abs}, nil
}

func (s *LocalStore) Kind() string { return KindLocal }

func (s *LocalStore) path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

// Put writes through a temporary file so readers never see a partial file. Filesystem errors are
// permanent.
func (s *LocalStore) Put(_ context.Context, key string, data []byte, _ string) error {
	dst := s.path(key)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return retry.Permanent(fmt.Errorf("failed to create directory: %w", err))
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".tmp-"+filepath.Base(dst)+"-*")
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to create temp file: %w", err))
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return retry.Permanent(fmt.Errorf("failed to write file: %w", err))
	}
	if err := tmp.Close(); err != nil {
		return retry.Permanent(fmt.Errorf("failed to close file: %w", err))
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return retry.Permanent(fmt.Errorf("failed to rename file: %w", err))
	}
	return nil
}

// HasObjects treats a prefix ending in "/" as a directory that must hold at least one entry.
func (s *LocalStore) HasObjects(_ context.Context, prefix string) (bool, error) {
	dir, base := s.path(prefix), ""
	if !strings.HasSuffix(prefix, "/") {
		dir, base = filepath.Split(s.path(prefix))
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), base) {
			return true, nil
		}
	}
	return false, nil
}

func (s *LocalStore) Location(key string) string {
	return s.path(key)
}
