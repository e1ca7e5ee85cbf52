// Package version keeps per-object version history: a metadata TSV
// plus one content file per version (`v1.txt`, `v2.txt`, ...) under
// `<baseDir>/<object_id>/`. Version ids are dense, starting at 1, and
// rollback appends a new head rather than erasing history.
package version

import (
	"crypto/sha256"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/cuemby/hutch/pkg/types"
)

// ErrVersionNotFound is returned when an object has no versions or the
// requested version id does not exist.
var ErrVersionNotFound = errors.New("version not found")

var metadataColumns = []string{"version_id", "timestamp", "author", "message", "hash"}

// Store is the version store for all objects under one directory.
type Store struct {
	baseDir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore creates a version store rooted at baseDir.
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

func (s *Store) dir(objectID string) string {
	return filepath.Join(s.baseDir, objectID)
}

func (s *Store) metadataPath(objectID string) string {
	return filepath.Join(s.dir(objectID), "metadata.tsv")
}

func (s *Store) contentPath(objectID string, versionID int) string {
	return filepath.Join(s.dir(objectID), fmt.Sprintf("v%d.txt", versionID))
}

// Save records a new version of the object's content and returns its
// id. Identical content saved twice gets two distinct ids.
func (s *Store) Save(objectID, content, author, message string) (int, error) {
	l := s.lockFor(objectID)
	l.Lock()
	defer l.Unlock()

	if err := os.MkdirAll(s.dir(objectID), 0755); err != nil {
		return 0, fmt.Errorf("failed to create version dir: %w", err)
	}

	metas, err := s.readMetadata(objectID)
	if err != nil {
		return 0, err
	}
	next := 1
	for _, m := range metas {
		if m.VersionID >= next {
			next = m.VersionID + 1
		}
	}

	if err := os.WriteFile(s.contentPath(objectID, next), []byte(content), 0644); err != nil {
		return 0, fmt.Errorf("failed to write version content: %w", err)
	}

	_, statErr := os.Stat(s.metadataPath(objectID))
	meta := types.VersionMeta{
		VersionID: next,
		Timestamp: types.Now(),
		Author:    author,
		Message:   message,
		Hash:      fmt.Sprintf("%x", sha256.Sum256([]byte(content))),
	}
	if err := s.appendMetadata(objectID, meta, os.IsNotExist(statErr)); err != nil {
		return 0, err
	}
	return next, nil
}

// Get returns one version with its content. versionID 0 means latest.
func (s *Store) Get(objectID string, versionID int) (*types.Version, error) {
	l := s.lockFor(objectID)
	l.Lock()
	defer l.Unlock()
	return s.get(objectID, versionID)
}

func (s *Store) get(objectID string, versionID int) (*types.Version, error) {
	metas, err := s.readMetadata(objectID)
	if err != nil {
		return nil, err
	}
	if len(metas) == 0 {
		return nil, fmt.Errorf("object %s: %w", objectID, ErrVersionNotFound)
	}

	var meta *types.VersionMeta
	if versionID == 0 {
		meta = &metas[len(metas)-1]
	} else {
		for i := range metas {
			if metas[i].VersionID == versionID {
				meta = &metas[i]
				break
			}
		}
	}
	if meta == nil {
		return nil, fmt.Errorf("object %s version %d: %w", objectID, versionID, ErrVersionNotFound)
	}

	content, err := os.ReadFile(s.contentPath(objectID, meta.VersionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("object %s version %d: %w", objectID, meta.VersionID, ErrVersionNotFound)
		}
		return nil, fmt.Errorf("failed to read version content: %w", err)
	}
	return &types.Version{VersionMeta: *meta, Content: string(content)}, nil
}

// Latest returns the newest version with its content.
func (s *Store) Latest(objectID string) (*types.Version, error) {
	return s.Get(objectID, 0)
}

// History returns version metadata newest first, without content
// bodies. Offset skips from the newest end; limit 0 means unlimited.
func (s *Store) History(objectID string, limit, offset int) ([]types.VersionMeta, error) {
	l := s.lockFor(objectID)
	l.Lock()
	defer l.Unlock()

	metas, err := s.readMetadata(objectID)
	if err != nil {
		return nil, err
	}

	// Newest first.
	for i, j := 0, len(metas)-1; i < j; i, j = i+1, j-1 {
		metas[i], metas[j] = metas[j], metas[i]
	}

	if offset > 0 {
		if offset >= len(metas) {
			return []types.VersionMeta{}, nil
		}
		metas = metas[offset:]
	}
	if limit > 0 && len(metas) > limit {
		metas = metas[:limit]
	}
	if metas == nil {
		metas = []types.VersionMeta{}
	}
	return metas, nil
}

// Rollback saves the content of toVersion as a fresh head version and
// returns the new id. History is preserved.
func (s *Store) Rollback(objectID string, toVersion int, author, message string) (int, error) {
	old, err := s.Get(objectID, toVersion)
	if err != nil {
		return 0, err
	}
	return s.Save(objectID, old.Content, author, message)
}

// Objects lists object ids with version history on disk.
func (s *Store) Objects() ([]string, error) {
	dirs, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list version dir: %w", err)
	}
	var ids []string
	for _, d := range dirs {
		if d.IsDir() {
			ids = append(ids, d.Name())
		}
	}
	return ids, nil
}

func (s *Store) readMetadata(objectID string) ([]types.VersionMeta, error) {
	f, err := os.Open(s.metadataPath(objectID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open version metadata: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.Comma = '\t'
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse version metadata: %w", err)
	}
	if len(records) < 2 {
		return nil, nil
	}

	metas := make([]types.VersionMeta, 0, len(records)-1)
	for _, rec := range records[1:] {
		if len(rec) < 5 {
			continue
		}
		id, err := strconv.Atoi(rec[0])
		if err != nil {
			continue
		}
		ts, _ := strconv.ParseFloat(rec[1], 64)
		metas = append(metas, types.VersionMeta{
			VersionID: id,
			Timestamp: ts,
			Author:    rec[2],
			Message:   rec[3],
			Hash:      rec[4],
		})
	}
	return metas, nil
}

func (s *Store) appendMetadata(objectID string, meta types.VersionMeta, withHeader bool) error {
	f, err := os.OpenFile(s.metadataPath(objectID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open version metadata: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	w.Comma = '\t'
	if withHeader {
		if err := w.Write(metadataColumns); err != nil {
			return fmt.Errorf("failed to write metadata header: %w", err)
		}
	}
	row := []string{
		strconv.Itoa(meta.VersionID),
		strconv.FormatFloat(meta.Timestamp, 'f', -1, 64),
		meta.Author,
		meta.Message,
		meta.Hash,
	}
	if err := w.Write(row); err != nil {
		return fmt.Errorf("failed to write metadata row: %w", err)
	}
	w.Flush()
	return w.Error()
}
