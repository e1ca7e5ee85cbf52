package state

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetGet(t *testing.T) {
	s := NewStore(t.TempDir())

	ts, err := s.Set("counter", "count", "5")
	require.NoError(t, err)
	assert.Greater(t, ts, 0.0)

	v, ok, err := s.Get("counter", "count")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "5", v)

	_, ok, err = s.Get("counter", "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSetOverwritesAndBumpsTimestamp(t *testing.T) {
	s := NewStore(t.TempDir())

	ts1, err := s.Set("counter", "count", "1")
	require.NoError(t, err)
	ts2, err := s.Set("counter", "count", "2")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, ts2, ts1)

	v, ok, err := s.Get("counter", "count")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "2", v)

	entries, err := s.Entries("counter")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ts2, entries[0].Timestamp)
}

func TestTypedReads(t *testing.T) {
	s := NewStore(t.TempDir())

	_, err := s.Set("counter", "count", "42")
	require.NoError(t, err)
	_, err = s.Set("counter", "ratio", "0.75")
	require.NoError(t, err)
	_, err = s.Set("counter", "name", "rabbit")
	require.NoError(t, err)

	n, ok := s.GetInt("counter", "count")
	assert.True(t, ok)
	assert.Equal(t, int64(42), n)

	f, ok := s.GetFloat("counter", "ratio")
	assert.True(t, ok)
	assert.Equal(t, 0.75, f)

	_, ok = s.GetInt("counter", "name")
	assert.False(t, ok)
	_, ok = s.GetInt("counter", "missing")
	assert.False(t, ok)
}

func TestDelete(t *testing.T) {
	s := NewStore(t.TempDir())

	_, err := s.Set("counter", "count", "5")
	require.NoError(t, err)
	require.NoError(t, s.Delete("counter", "count"))

	_, ok, err := s.Get("counter", "count")
	require.NoError(t, err)
	assert.False(t, ok)

	// Deleting a key that is not there is not an error.
	require.NoError(t, s.Delete("counter", "count"))
}

func TestAll(t *testing.T) {
	s := NewStore(t.TempDir())

	_, err := s.Set("obj", "a", "1")
	require.NoError(t, err)
	_, err = s.Set("obj", "b", "2")
	require.NoError(t, err)

	all, err := s.All("obj")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, all)
}

func TestObjectsAreIsolated(t *testing.T) {
	s := NewStore(t.TempDir())

	_, err := s.Set("one", "k", "v1")
	require.NoError(t, err)
	_, err = s.Set("two", "k", "v2")
	require.NoError(t, err)

	v, _, err := s.Get("one", "k")
	require.NoError(t, err)
	assert.Equal(t, "v1", v)
	v, _, err = s.Get("two", "k")
	require.NoError(t, err)
	assert.Equal(t, "v2", v)

	ids, err := s.Objects()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"one", "two"}, ids)
}

func TestLegacyTwoFieldRows(t *testing.T) {
	dir := t.TempDir()
	objDir := filepath.Join(dir, "counter")
	require.NoError(t, os.MkdirAll(objDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(objDir, "state.tsv"),
		[]byte("count\t7\nname\trabbit\t1700000000.5\n"), 0644))

	s := NewStore(dir)

	v, ok, err := s.Get("counter", "count")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "7", v)

	entries, err := s.Entries("counter")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, 0.0, entries[0].Timestamp) // count: legacy row
	assert.Equal(t, 1700000000.5, entries[1].Timestamp)

	// A legacy row loses to any replica carrying a real timestamp.
	applied, err := s.ApplyReplica("counter", "count", "9", 1.0)
	require.NoError(t, err)
	assert.True(t, applied)
}

func TestApplyReplicaLastWriteWins(t *testing.T) {
	s := NewStore(t.TempDir())

	applied, err := s.ApplyReplica("counter", "count", "1", 100.0)
	require.NoError(t, err)
	assert.True(t, applied, "first write for a key should apply")

	// Older timestamp loses.
	applied, err = s.ApplyReplica("counter", "count", "0", 50.0)
	require.NoError(t, err)
	assert.False(t, applied)

	// Equal timestamp loses: ties keep the existing value.
	applied, err = s.ApplyReplica("counter", "count", "2", 100.0)
	require.NoError(t, err)
	assert.False(t, applied)

	// Strictly newer wins.
	applied, err = s.ApplyReplica("counter", "count", "3", 100.5)
	require.NoError(t, err)
	assert.True(t, applied)

	v, _, err := s.Get("counter", "count")
	require.NoError(t, err)
	assert.Equal(t, "3", v)
}

func TestApplyReplicaOrderIndependent(t *testing.T) {
	newer := struct {
		value string
		ts    float64
	}{"new", 200.0}
	older := struct {
		value string
		ts    float64
	}{"old", 100.0}

	// Whichever arrival order, the newer value is what remains.
	s1 := NewStore(t.TempDir())
	_, err := s1.ApplyReplica("obj", "k", older.value, older.ts)
	require.NoError(t, err)
	_, err = s1.ApplyReplica("obj", "k", newer.value, newer.ts)
	require.NoError(t, err)

	s2 := NewStore(t.TempDir())
	_, err = s2.ApplyReplica("obj", "k", newer.value, newer.ts)
	require.NoError(t, err)
	_, err = s2.ApplyReplica("obj", "k", older.value, older.ts)
	require.NoError(t, err)

	v1, _, err := s1.Get("obj", "k")
	require.NoError(t, err)
	v2, _, err := s2.Get("obj", "k")
	require.NoError(t, err)
	assert.Equal(t, "new", v1)
	assert.Equal(t, v1, v2)
}

func TestFileFormat(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)

	_, err := s.Set("counter", "b", "2")
	require.NoError(t, err)
	_, err = s.Set("counter", "a", "1")
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "counter", "state.tsv"))
	require.NoError(t, err)

	// Keys are written sorted, one `key\tvalue\ttimestamp` row each.
	assert.Regexp(t, `^a\t1\t[0-9.]+\nb\t2\t[0-9.]+\n$`, string(data))
}
