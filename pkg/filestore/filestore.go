// Package filestore manages cached object bytes on the local filesystem.
package filestore

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Store writes and reads cached files under a fixed root directory.
// File paths are derived from remote object paths; duplicate path
// separators are collapsed.
type Store struct {
	root string
}

// New creates a file store rooted at dir, creating it if needed.
func New(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("filestore: root dir is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store root: %w", err)
	}
	return &Store{root: dir}, nil
}

// Root returns the store's root directory.
func (s *Store) Root() string {
	return s.root
}

// Write stores data at root/relPath, creating parent directories as
// needed and overwriting any existing file. Content is written
// atomically (temp file then rename). Returns the absolute path.
func (s *Store) Write(relPath string, data []byte) (string, error) {
	target, err := s.resolve(relPath)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", fmt.Errorf("create parent dirs: %w", err)
	}

	tempPath := target + ".tmp"
	f, err := os.Create(tempPath)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}

	_, err = f.Write(data)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tempPath)
		return "", fmt.Errorf("write content: %w", err)
	}

	if err := os.Rename(tempPath, target); err != nil {
		os.Remove(tempPath)
		return "", fmt.Errorf("rename temp file: %w", err)
	}

	return target, nil
}

// Read returns the content of the file at the given absolute path.
// A missing file is reported as ok=false, not as an error: metadata can
// legitimately point at a file that no longer exists.
func (s *Store) Read(absPath string) ([]byte, bool, error) {
	data, err := os.ReadFile(absPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read cached file: %w", err)
	}
	return data, true, nil
}

// Exists reports whether p is non-empty and names a regular file.
func (s *Store) Exists(p string) bool {
	if p == "" {
		return false
	}
	info, err := os.Stat(p)
	return err == nil && info.Mode().IsRegular()
}

// resolve maps a remote-style relative path to an absolute path under
// the root. Cleaning collapses duplicate separators; paths that would
// escape the root are rejected.
func (s *Store) resolve(relPath string) (string, error) {
	cleaned := path.Clean(strings.ReplaceAll(relPath, "\\", "/"))
	cleaned = strings.TrimPrefix(cleaned, "/")
	if cleaned == "" || cleaned == "." {
		return "", errors.New("filestore: empty path")
	}
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("filestore: path escapes root: %s", relPath)
	}
	return filepath.Join(s.root, filepath.FromSlash(cleaned)), nil
}
