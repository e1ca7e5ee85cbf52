// Package selflog stores each object's own log: append-only TSV files
// under `<baseDir>/<object_id>/`, rotated by size, queryable with
// level and field filters, and deduplicated by entry id when entries
// arrive from peers.
package selflog

import (
	"crypto/sha256"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/hutch/pkg/types"
)

// MaxLogSize is the rotation threshold for an object's active log file.
const MaxLogSize = 10 * 1024 * 1024

// Base columns every entry carries. Extra fields extend the header
// after these, in the order they were first seen.
var baseColumns = []string{"entry_id", "timestamp", "level", "message"}

// Logger is the self-log store for all objects under one data
// directory. Entries for object X live in `<baseDir>/X/log.tsv`;
// rotated files are `log-<YYYYMMDD-HHMMSS>.tsv` next to it.
type Logger struct {
	baseDir string
	maxSize int64

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLogger creates a self-log store rooted at baseDir. maxSize 0
// means MaxLogSize.
func NewLogger(baseDir string, maxSize int64) *Logger {
	if maxSize <= 0 {
		maxSize = MaxLogSize
	}
	return &Logger{
		baseDir: baseDir,
		maxSize: maxSize,
		locks:   make(map[string]*sync.Mutex),
	}
}

func (l *Logger) lockFor(objectID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[objectID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[objectID] = m
	}
	return m
}

func (l *Logger) dir(objectID string) string {
	return filepath.Join(l.baseDir, objectID)
}

func (l *Logger) activeFile(objectID string) string {
	return filepath.Join(l.dir(objectID), "log.tsv")
}

// Append writes one entry to the object's log and returns the full
// entry as written, entry_id included, so the caller can fan it out
// to peers.
func (l *Logger) Append(objectID, level, message string, fields map[string]string) (types.LogEntry, error) {
	ts := time.Now().Format("2006-01-02T15:04:05.000000")

	entry := types.LogEntry{
		"entry_id":  EntryID(ts, objectID, level, message),
		"timestamp": ts,
		"level":     level,
		"message":   message,
	}
	for k, v := range fields {
		if v == "" {
			continue
		}
		entry[k] = v
	}

	m := l.lockFor(objectID)
	m.Lock()
	defer m.Unlock()

	if err := l.append(objectID, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// Debug, Info, Warning, Error and Critical are level shorthands.
func (l *Logger) Debug(objectID, message string, fields map[string]string) (types.LogEntry, error) {
	return l.Append(objectID, types.LevelDebug, message, fields)
}

func (l *Logger) Info(objectID, message string, fields map[string]string) (types.LogEntry, error) {
	return l.Append(objectID, types.LevelInfo, message, fields)
}

func (l *Logger) Warning(objectID, message string, fields map[string]string) (types.LogEntry, error) {
	return l.Append(objectID, types.LevelWarning, message, fields)
}

func (l *Logger) Error(objectID, message string, fields map[string]string) (types.LogEntry, error) {
	return l.Append(objectID, types.LevelError, message, fields)
}

func (l *Logger) Critical(objectID, message string, fields map[string]string) (types.LogEntry, error) {
	return l.Append(objectID, types.LevelCritical, message, fields)
}

// ApplyReplica appends an entry received from a peer, keeping its
// entry_id and timestamp as-is. Entries whose entry_id is already
// present anywhere in the object's log (active or rotated) are
// dropped. It reports whether the entry was appended.
func (l *Logger) ApplyReplica(objectID string, entry types.LogEntry) (bool, error) {
	id := entry["entry_id"]
	if id == "" {
		return false, fmt.Errorf("log replica has no entry_id")
	}

	m := l.lockFor(objectID)
	m.Lock()
	defer m.Unlock()

	seen, err := l.entryIDs(objectID)
	if err != nil {
		return false, err
	}
	if _, ok := seen[id]; ok {
		return false, nil
	}
	if err := l.append(objectID, entry); err != nil {
		return false, err
	}
	return true, nil
}

// Query selects log entries. Zero values mean no constraint; Limit 0
// means unlimited.
type Query struct {
	Levels []string
	Limit  int
	Offset int
	Fields map[string]string
}

// Logs reads the object's entries, oldest first: rotated files in
// name order, then the active file. Filters apply before offset and
// limit.
func (l *Logger) Logs(objectID string, q Query) ([]types.LogEntry, error) {
	m := l.lockFor(objectID)
	m.Lock()
	defer m.Unlock()

	var entries []types.LogEntry
	for _, path := range l.allFiles(objectID) {
		rows, err := readFile(path)
		if err != nil {
			return nil, err
		}
		entries = append(entries, rows...)
	}

	if len(q.Levels) > 0 {
		want := make(map[string]bool, len(q.Levels))
		for _, lv := range q.Levels {
			want[strings.ToUpper(lv)] = true
		}
		filtered := entries[:0]
		for _, e := range entries {
			if want[e["level"]] {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}

	for k, v := range q.Fields {
		filtered := entries[:0]
		for _, e := range entries {
			if e[k] == v {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}

	if q.Offset > 0 {
		if q.Offset >= len(entries) {
			return []types.LogEntry{}, nil
		}
		entries = entries[q.Offset:]
	}
	if q.Limit > 0 && len(entries) > q.Limit {
		entries = entries[:q.Limit]
	}
	if entries == nil {
		entries = []types.LogEntry{}
	}
	return entries, nil
}

// Objects lists the object ids that have logs on disk.
func (l *Logger) Objects() ([]string, error) {
	dirs, err := os.ReadDir(l.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list log dir: %w", err)
	}
	var ids []string
	for _, d := range dirs {
		if d.IsDir() {
			ids = append(ids, d.Name())
		}
	}
	return ids, nil
}

// EntryID derives the dedup key for a log entry: the first 16 hex
// characters of SHA-256 over "timestamp:object_id:level:message".
func EntryID(timestamp, objectID, level, message string) string {
	sum := sha256.Sum256([]byte(timestamp + ":" + objectID + ":" + level + ":" + message))
	return fmt.Sprintf("%x", sum)[:16]
}

// allFiles returns the object's log files oldest first: rotated files
// sorted by name (their names embed the rotation time), then the
// active file.
func (l *Logger) allFiles(objectID string) []string {
	dir := l.dir(objectID)
	rotated, _ := filepath.Glob(filepath.Join(dir, "log-*.tsv"))
	sort.Strings(rotated)

	active := l.activeFile(objectID)
	if _, err := os.Stat(active); err == nil {
		rotated = append(rotated, active)
	}
	return rotated
}

func (l *Logger) entryIDs(objectID string) (map[string]struct{}, error) {
	seen := make(map[string]struct{})
	for _, path := range l.allFiles(objectID) {
		rows, err := readFile(path)
		if err != nil {
			return nil, err
		}
		for _, e := range rows {
			if id := e["entry_id"]; id != "" {
				seen[id] = struct{}{}
			}
		}
	}
	return seen, nil
}

// append writes one entry, rotating first if the active file is over
// the size limit. When the entry introduces columns the header does
// not have yet, the file is rewritten with the extended header;
// existing rows keep their shorter width.
func (l *Logger) append(objectID string, entry types.LogEntry) error {
	if err := os.MkdirAll(l.dir(objectID), 0755); err != nil {
		return fmt.Errorf("failed to create log dir: %w", err)
	}
	if err := l.rotateIfNeeded(objectID); err != nil {
		return err
	}

	path := l.activeFile(objectID)
	header, err := readHeader(path)
	if err != nil {
		return err
	}

	newFile := header == nil
	if newFile {
		header = append([]string{}, baseColumns...)
	}
	have := make(map[string]bool, len(header))
	for _, c := range header {
		have[c] = true
	}
	var extra []string
	for k := range entry {
		if !have[k] {
			extra = append(extra, k)
		}
	}
	sort.Strings(extra)
	grew := len(extra) > 0
	header = append(header, extra...)

	row := make([]string, len(header))
	for i, c := range header {
		row[i] = entry[c]
	}

	if newFile || !grew {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		defer f.Close()
		w := csv.NewWriter(f)
		w.Comma = '\t'
		if newFile {
			if err := w.Write(header); err != nil {
				return fmt.Errorf("failed to write log header: %w", err)
			}
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("failed to write log entry: %w", err)
		}
		w.Flush()
		return w.Error()
	}

	// Header grew: rewrite the file with the extended header. Old rows
	// are carried over unchanged.
	return l.rewriteWithHeader(path, header, row)
}

func (l *Logger) rewriteWithHeader(path string, header, newRow []string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read log file: %w", err)
	}
	lines := strings.SplitN(string(data), "\n", 2)
	body := ""
	if len(lines) == 2 {
		body = lines[1]
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".log-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp log file: %w", err)
	}
	tmpName := tmp.Name()

	w := csv.NewWriter(tmp)
	w.Comma = '\t'
	if err := w.Write(header); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write log header: %w", err)
	}
	w.Flush()
	if _, err := tmp.WriteString(body); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write log body: %w", err)
	}
	w = csv.NewWriter(tmp)
	w.Comma = '\t'
	if err := w.Write(newRow); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write log entry: %w", err)
	}
	w.Flush()
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close log file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace log file: %w", err)
	}
	return nil
}

func (l *Logger) rotateIfNeeded(objectID string) error {
	path := l.activeFile(objectID)
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to stat log file: %w", err)
	}
	if info.Size() < l.maxSize {
		return nil
	}

	stamp := time.Now().Format("20060102-150405")
	rotated := filepath.Join(l.dir(objectID), fmt.Sprintf("log-%s.tsv", stamp))
	// Two rotations inside the same second must not clobber an archive.
	for n := 2; ; n++ {
		if _, err := os.Stat(rotated); os.IsNotExist(err) {
			break
		}
		rotated = filepath.Join(l.dir(objectID), fmt.Sprintf("log-%s-%d.tsv", stamp, n))
	}
	if err := os.Rename(path, rotated); err != nil {
		return fmt.Errorf("failed to rotate log file: %w", err)
	}
	return nil
}

func readHeader(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.Comma = '\t'
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	header, err := r.Read()
	if err != nil {
		return nil, nil // empty file: treat as new
	}
	return header, nil
}

// readFile parses one log file into entries. Rows shorter than the
// header are tolerated; empty cells are dropped from the entry map.
func readFile(path string) ([]types.LogEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.Comma = '\t'
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse log file: %w", err)
	}
	if len(records) < 2 {
		return nil, nil
	}

	header := records[0]
	entries := make([]types.LogEntry, 0, len(records)-1)
	for _, rec := range records[1:] {
		e := make(types.LogEntry, len(header))
		for i, col := range header {
			if i >= len(rec) {
				break
			}
			if rec[i] != "" {
				e[col] = rec[i]
			}
		}
		if len(e) > 0 {
			entries = append(entries, e)
		}
	}
	return entries, nil
}
