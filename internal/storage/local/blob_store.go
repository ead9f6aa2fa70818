// Package local archives pages on the local filesystem.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const (
	dirPerm   = 0o750
	writeCheckName = ".crawlq-write-check"
)

// Config configures the filesystem archive.
type Config struct {
	// BaseDir is the directory every archived page is written below.
	BaseDir string `mapstructure:"base_dir"`
}

// BlobStore writes pages below a base directory and returns file:// URIs.
// Writes land in a temp file first so readers never see a partial page.
type BlobStore struct {
	root string
}

// New prepares the base directory, creating it when missing, and fails early
// when it cannot be written.
func New(cfg Config) (*BlobStore, error) {
	root := strings.TrimSpace(cfg.BaseDir)
	if root == "" {
		return nil, errors.New("base directory is required")
	}
	root = filepath.Clean(root)
	if err := ensureDir(root); err != nil {
		return nil, err
	}
	if err := checkWritable(root); err != nil {
		return nil, err
	}
	return &BlobStore{root: root}, nil
}

func ensureDir(root string) error {
	info, err := os.Stat(root)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if err := os.MkdirAll(root, dirPerm); err != nil {
			return fmt.Errorf("create base directory: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("stat base directory: %w", err)
	case !info.IsDir():
		return fmt.Errorf("base directory %q is not a directory", root)
	}
	return nil
}

func checkWritable(root string) error {
	marker := filepath.Join(root, writeCheckName)
	if err := os.WriteFile(marker, nil, 0o600); err != nil {
		return fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(marker); err != nil {
		return fmt.Errorf("remove write check file: %w", err)
	}
	return nil
}

// resolve maps an object path to a file under root.
func (s *BlobStore) resolve(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", errors.New("path is required")
	}
	full := filepath.Join(s.root, filepath.FromSlash(p))
	if !strings.HasPrefix(full, s.root+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected: %q", p)
	}
	return full, nil
}

// PutObject writes the page to path, replacing any earlier version.
func (s *BlobStore) PutObject(_ context.Context, p string, _ string, data io.Reader) (string, error) {
	full, err := s.resolve(p)
	if err != nil {
		return "", err
	}
	dir := filepath.Dir(full)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return "", fmt.Errorf("create object directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".put-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmp.Name())
		}
	}()
	if _, err := io.Copy(tmp, data); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("write object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close object: %w", err)
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		return "", fmt.Errorf("commit object: %w", err)
	}
	committed = true
	return "file://" + full, nil
}
