// Package blob stores per-object binary files under
// `<baseDir>/<object_id>/<filename>`. Overwrites replace the whole
// file atomically; there is no timestamp arbitration between stations,
// the last writer wins.
package blob

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/cuemby/hutch/pkg/types"
)

// ErrNotFound is returned when the requested file does not exist.
var ErrNotFound = errors.New("file not found")

// Store is the blob store for all objects under one directory.
type Store struct {
	baseDir string
	mu      sync.Mutex
}

// NewStore creates a blob store rooted at baseDir.
func NewStore(baseDir string) *Store {
	return &Store{baseDir: baseDir}
}

func (s *Store) dir(objectID string) string {
	return filepath.Join(s.baseDir, objectID)
}

// path validates the filename and returns its location on disk.
// Filenames must be plain names; path separators and traversal are
// rejected so an upload can never escape the object's directory.
func (s *Store) path(objectID, filename string) (string, error) {
	if filename == "" || filename != filepath.Base(filename) ||
		strings.ContainsAny(filename, "/\\") || filename == "." || filename == ".." {
		return "", fmt.Errorf("invalid filename %q", filename)
	}
	return filepath.Join(s.dir(objectID), filename), nil
}

// Put writes the file, replacing any previous content atomically.
func (s *Store) Put(objectID, filename string, data []byte) error {
	path, err := s.path(objectID, filename)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create file dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".blob-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace file: %w", err)
	}
	return nil
}

// Get returns the file contents, or ErrNotFound.
func (s *Store) Get(objectID, filename string) ([]byte, error) {
	path, err := s.path(objectID, filename)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s/%s: %w", objectID, filename, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return data, nil
}

// Delete removes the file locally. Deletion does not propagate to
// peers; their copies remain until overwritten.
func (s *Store) Delete(objectID, filename string) error {
	path, err := s.path(objectID, filename)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s/%s: %w", objectID, filename, ErrNotFound)
		}
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

// Exists reports whether the file is present.
func (s *Store) Exists(objectID, filename string) bool {
	path, err := s.path(objectID, filename)
	if err != nil {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// List returns the object's files sorted by name.
func (s *Store) List(objectID string) ([]types.FileInfo, error) {
	entries, err := os.ReadDir(s.dir(objectID))
	if err != nil {
		if os.IsNotExist(err) {
			return []types.FileInfo{}, nil
		}
		return nil, fmt.Errorf("failed to list files: %w", err)
	}

	files := make([]types.FileInfo, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, types.FileInfo{
			Name:     e.Name(),
			Size:     info.Size(),
			Modified: float64(info.ModTime().UnixNano()) / 1e9,
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

// Objects lists object ids that have files on disk.
func (s *Store) Objects() ([]string, error) {
	dirs, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list blob dir: %w", err)
	}
	var ids []string
	for _, d := range dirs {
		if d.IsDir() {
			ids = append(ids, d.Name())
		}
	}
	return ids, nil
}
