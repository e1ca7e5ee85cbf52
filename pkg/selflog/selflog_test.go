package selflog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/hutch/pkg/types"
)

func TestAppendAndRead(t *testing.T) {
	l := NewLogger(t.TempDir(), 0)

	entry, err := l.Append("counter", types.LevelInfo, "increment called", map[string]string{"method": "increment"})
	require.NoError(t, err)
	assert.Len(t, entry["entry_id"], 16)
	assert.Equal(t, "INFO", entry["level"])
	assert.Equal(t, "increment called", entry["message"])
	assert.Equal(t, "increment", entry["method"])

	logs, err := l.Logs("counter", Query{})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, entry["entry_id"], logs[0]["entry_id"])
	assert.Equal(t, "increment", logs[0]["method"])
}

func TestEntryIDDeterministic(t *testing.T) {
	a := EntryID("2026-01-02T03:04:05.000000", "counter", "INFO", "hello")
	b := EntryID("2026-01-02T03:04:05.000000", "counter", "INFO", "hello")
	c := EntryID("2026-01-02T03:04:05.000001", "counter", "INFO", "hello")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 16)
	assert.Regexp(t, "^[0-9a-f]{16}$", a)
}

func TestLevelShorthands(t *testing.T) {
	l := NewLogger(t.TempDir(), 0)

	_, err := l.Debug("obj", "d", nil)
	require.NoError(t, err)
	_, err = l.Info("obj", "i", nil)
	require.NoError(t, err)
	_, err = l.Warning("obj", "w", nil)
	require.NoError(t, err)
	_, err = l.Error("obj", "e", nil)
	require.NoError(t, err)
	_, err = l.Critical("obj", "c", nil)
	require.NoError(t, err)

	logs, err := l.Logs("obj", Query{})
	require.NoError(t, err)
	require.Len(t, logs, 5)
	assert.Equal(t, "DEBUG", logs[0]["level"])
	assert.Equal(t, "CRITICAL", logs[4]["level"])
}

func TestHeaderGrowsWithNewFields(t *testing.T) {
	dir := t.TempDir()
	l := NewLogger(dir, 0)

	_, err := l.Append("obj", types.LevelInfo, "first", nil)
	require.NoError(t, err)
	_, err = l.Append("obj", types.LevelInfo, "second", map[string]string{"user_id": "u1"})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "obj", "log.tsv"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "entry_id\ttimestamp\tlevel\tmessage\tuser_id", lines[0])

	// The first row keeps its original width.
	assert.Len(t, strings.Split(lines[1], "\t"), 4)
	assert.Len(t, strings.Split(lines[2], "\t"), 5)

	logs, err := l.Logs("obj", Query{})
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.NotContains(t, logs[0], "user_id")
	assert.Equal(t, "u1", logs[1]["user_id"])
}

func TestQueryFilters(t *testing.T) {
	l := NewLogger(t.TempDir(), 0)

	for i := 0; i < 5; i++ {
		_, err := l.Info("obj", fmt.Sprintf("info %d", i), map[string]string{"user_id": "u1"})
		require.NoError(t, err)
	}
	_, err := l.Error("obj", "boom", map[string]string{"user_id": "u2"})
	require.NoError(t, err)

	logs, err := l.Logs("obj", Query{Levels: []string{"ERROR"}})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "boom", logs[0]["message"])

	// Lowercase level names match too.
	logs, err = l.Logs("obj", Query{Levels: []string{"error"}})
	require.NoError(t, err)
	assert.Len(t, logs, 1)

	logs, err = l.Logs("obj", Query{Fields: map[string]string{"user_id": "u1"}})
	require.NoError(t, err)
	assert.Len(t, logs, 5)

	logs, err = l.Logs("obj", Query{Limit: 2})
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "info 0", logs[0]["message"])

	logs, err = l.Logs("obj", Query{Offset: 4})
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "info 4", logs[0]["message"])

	logs, err = l.Logs("obj", Query{Offset: 100})
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestRotation(t *testing.T) {
	dir := t.TempDir()

	// Seed an active file well over the small threshold used below.
	seed := NewLogger(dir, 0)
	for i := 0; i < 5; i++ {
		_, err := seed.Info("obj", fmt.Sprintf("old entry %d", i), nil)
		require.NoError(t, err)
	}

	l := NewLogger(dir, 100)
	_, err := l.Info("obj", "fresh entry", nil)
	require.NoError(t, err)

	rotated, err := filepath.Glob(filepath.Join(dir, "obj", "log-*.tsv"))
	require.NoError(t, err)
	require.Len(t, rotated, 1)

	// The active file holds only the post-rotation entry.
	data, err := os.ReadFile(filepath.Join(dir, "obj", "log.tsv"))
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimRight(string(data), "\n"), "\n"), 2)

	// Rotated files stay queryable and ordering is oldest first.
	logs, err := l.Logs("obj", Query{})
	require.NoError(t, err)
	require.Len(t, logs, 6)
	assert.Equal(t, "old entry 0", logs[0]["message"])
	assert.Equal(t, "fresh entry", logs[5]["message"])
}

func TestApplyReplicaDedup(t *testing.T) {
	l := NewLogger(t.TempDir(), 0)

	entry := types.LogEntry{
		"entry_id":  "abcdef0123456789",
		"timestamp": "2026-01-02T03:04:05.000000",
		"level":     "INFO",
		"message":   "from peer",
		"method":    "increment",
	}

	applied, err := l.ApplyReplica("obj", entry)
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = l.ApplyReplica("obj", entry)
	require.NoError(t, err)
	assert.False(t, applied, "duplicate entry_id must be dropped")

	logs, err := l.Logs("obj", Query{})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "2026-01-02T03:04:05.000000", logs[0]["timestamp"], "replica timestamp is kept verbatim")
	assert.Equal(t, "increment", logs[0]["method"])
}

func TestApplyReplicaDedupAcrossRotation(t *testing.T) {
	dir := t.TempDir()

	seed := NewLogger(dir, 0)
	entry := types.LogEntry{
		"entry_id":  "1111222233334444",
		"timestamp": "2026-01-02T03:04:05.000000",
		"level":     "INFO",
		"message":   "remembered",
	}
	applied, err := seed.ApplyReplica("obj", entry)
	require.NoError(t, err)
	require.True(t, applied)

	// Rotate the file holding the entry out of the active slot.
	l := NewLogger(dir, 10)
	_, err = l.Info("obj", "filler entry to force a rotation", nil)
	require.NoError(t, err)

	applied, err = l.ApplyReplica("obj", entry)
	require.NoError(t, err)
	assert.False(t, applied, "dedup must see rotated files")
}

func TestApplyReplicaRequiresEntryID(t *testing.T) {
	l := NewLogger(t.TempDir(), 0)

	_, err := l.ApplyReplica("obj", types.LogEntry{"message": "no id"})
	assert.Error(t, err)
}

func TestMessageWithTabSurvives(t *testing.T) {
	l := NewLogger(t.TempDir(), 0)

	_, err := l.Info("obj", "left\tright", nil)
	require.NoError(t, err)

	logs, err := l.Logs("obj", Query{})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "left\tright", logs[0]["message"])
}

func TestObjects(t *testing.T) {
	l := NewLogger(t.TempDir(), 0)

	_, err := l.Info("a", "x", nil)
	require.NoError(t, err)
	_, err = l.Info("b", "y", nil)
	require.NoError(t, err)

	ids, err := l.Objects()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, ids)
}
