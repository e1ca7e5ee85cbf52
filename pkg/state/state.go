package state

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/cuemby/hutch/pkg/types"
)

// Store is the per-object key/value store. Each object's state lives in
// one TSV file (`<baseDir>/<object_id>/state.tsv`, lines of
// `key\tvalue\ttimestamp`) rewritten atomically on every mutation.
// Writes to the same object serialize around a per-object mutex.
type Store struct {
	baseDir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore creates a state store rooted at baseDir.
func NewStore(baseDir string) *Store {
	return &Store{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

func (s *Store) lockFor(objectID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[objectID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[objectID] = l
	}
	return l
}

func (s *Store) path(objectID string) string {
	return filepath.Join(s.baseDir, objectID, "state.tsv")
}

// Set persists key=value with the current wall clock and returns the
// timestamp written, which the caller passes on to replication.
func (s *Store) Set(objectID, key, value string) (float64, error) {
	l := s.lockFor(objectID)
	l.Lock()
	defer l.Unlock()

	entries, err := readEntries(s.path(objectID))
	if err != nil {
		return 0, err
	}

	ts := types.Now()
	entries[key] = types.StateEntry{Key: key, Value: value, Timestamp: ts}

	if err := writeEntries(s.path(objectID), entries); err != nil {
		return 0, err
	}
	return ts, nil
}

// Get returns the stored value for key.
func (s *Store) Get(objectID, key string) (string, bool, error) {
	l := s.lockFor(objectID)
	l.Lock()
	defer l.Unlock()

	entries, err := readEntries(s.path(objectID))
	if err != nil {
		return "", false, err
	}
	e, ok := entries[key]
	return e.Value, ok, nil
}

// GetInt parses the stored value as an integer. Parsing is a read-time
// convenience only; it never changes what is on disk.
func (s *Store) GetInt(objectID, key string) (int64, bool) {
	v, ok, err := s.Get(objectID, key)
	if err != nil || !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// GetFloat parses the stored value as a float.
func (s *Store) GetFloat(objectID, key string) (float64, bool) {
	v, ok, err := s.Get(objectID, key)
	if err != nil || !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// Delete removes key locally. Deletion is not replicated: peers keep
// the old value until a newer write arrives.
func (s *Store) Delete(objectID, key string) error {
	l := s.lockFor(objectID)
	l.Lock()
	defer l.Unlock()

	entries, err := readEntries(s.path(objectID))
	if err != nil {
		return err
	}
	if _, ok := entries[key]; !ok {
		return nil
	}
	delete(entries, key)
	return writeEntries(s.path(objectID), entries)
}

// All returns the full key→value map for an object.
func (s *Store) All(objectID string) (map[string]string, error) {
	l := s.lockFor(objectID)
	l.Lock()
	defer l.Unlock()

	entries, err := readEntries(s.path(objectID))
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(entries))
	for k, e := range entries {
		out[k] = e.Value
	}
	return out, nil
}

// Entries returns the full entry list including timestamps.
func (s *Store) Entries(objectID string) ([]types.StateEntry, error) {
	l := s.lockFor(objectID)
	l.Lock()
	defer l.Unlock()

	entries, err := readEntries(s.path(objectID))
	if err != nil {
		return nil, err
	}
	out := make([]types.StateEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// ApplyReplica applies an incoming replication write under
// last-write-wins: strictly newer timestamps win, ties keep the
// existing value. It reports whether the incoming value was adopted.
func (s *Store) ApplyReplica(objectID, key, value string, timestamp float64) (bool, error) {
	l := s.lockFor(objectID)
	l.Lock()
	defer l.Unlock()

	entries, err := readEntries(s.path(objectID))
	if err != nil {
		return false, err
	}
	if existing, ok := entries[key]; ok && timestamp <= existing.Timestamp {
		return false, nil
	}
	entries[key] = types.StateEntry{Key: key, Value: value, Timestamp: timestamp}
	if err := writeEntries(s.path(objectID), entries); err != nil {
		return false, err
	}
	return true, nil
}

// Objects lists the object ids that have state on disk.
func (s *Store) Objects() ([]string, error) {
	dirs, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list state dir: %w", err)
	}
	var ids []string
	for _, d := range dirs {
		if d.IsDir() {
			ids = append(ids, d.Name())
		}
	}
	return ids, nil
}

func readEntries(path string) (map[string]types.StateEntry, error) {
	entries := make(map[string]types.StateEntry)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return entries, nil
		}
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}

	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		parts := strings.Split(line, "\t")
		if len(parts) < 2 {
			continue
		}
		e := types.StateEntry{Key: parts[0], Value: parts[1]}
		if len(parts) >= 3 {
			// Rows written before timestamps existed have two fields;
			// treat them as timestamp 0 so any real write supersedes them.
			if ts, err := strconv.ParseFloat(parts[2], 64); err == nil {
				e.Timestamp = ts
			}
		}
		entries[e.Key] = e
	}
	return entries, nil
}

func writeEntries(path string, entries map[string]types.StateEntry) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create state dir: %w", err)
	}

	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		e := entries[k]
		b.WriteString(e.Key)
		b.WriteByte('\t')
		b.WriteString(e.Value)
		b.WriteByte('\t')
		b.WriteString(strconv.FormatFloat(e.Timestamp, 'f', -1, 64))
		b.WriteByte('\n')
	}

	// Write-to-temp then rename so readers never observe a torn file.
	tmp, err := os.CreateTemp(dir, ".state-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(b.String()); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close state file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}
