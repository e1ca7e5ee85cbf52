package version

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveAssignsDenseIDs(t *testing.T) {
	s := NewStore(t.TempDir())

	for i := 1; i <= 3; i++ {
		id, err := s.Save("hello", fmt.Sprintf("content %d", i), "alice", fmt.Sprintf("change %d", i))
		require.NoError(t, err)
		assert.Equal(t, i, id)
	}
}

func TestGetSpecificAndLatest(t *testing.T) {
	s := NewStore(t.TempDir())

	_, err := s.Save("hello", "first", "alice", "initial")
	require.NoError(t, err)
	_, err = s.Save("hello", "second", "bob", "update")
	require.NoError(t, err)

	v, err := s.Get("hello", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, v.VersionID)
	assert.Equal(t, "first", v.Content)
	assert.Equal(t, "alice", v.Author)
	assert.Len(t, v.Hash, 64)

	latest, err := s.Latest("hello")
	require.NoError(t, err)
	assert.Equal(t, 2, latest.VersionID)
	assert.Equal(t, "second", latest.Content)
	assert.Equal(t, "bob", latest.Author)
}

func TestGetMissing(t *testing.T) {
	s := NewStore(t.TempDir())

	_, err := s.Get("nothing", 0)
	assert.ErrorIs(t, err, ErrVersionNotFound)

	_, err = s.Save("hello", "content", "alice", "initial")
	require.NoError(t, err)

	_, err = s.Get("hello", 99)
	assert.ErrorIs(t, err, ErrVersionNotFound)
}

func TestIdenticalContentGetsNewID(t *testing.T) {
	s := NewStore(t.TempDir())

	id1, err := s.Save("hello", "same", "alice", "one")
	require.NoError(t, err)
	id2, err := s.Save("hello", "same", "alice", "two")
	require.NoError(t, err)

	assert.Equal(t, 1, id1)
	assert.Equal(t, 2, id2)

	v1, err := s.Get("hello", 1)
	require.NoError(t, err)
	v2, err := s.Get("hello", 2)
	require.NoError(t, err)
	assert.Equal(t, v1.Hash, v2.Hash)
}

func TestHistoryNewestFirst(t *testing.T) {
	s := NewStore(t.TempDir())

	for i := 1; i <= 5; i++ {
		_, err := s.Save("hello", fmt.Sprintf("content %d", i), "alice", fmt.Sprintf("change %d", i))
		require.NoError(t, err)
	}

	history, err := s.History("hello", 0, 0)
	require.NoError(t, err)
	require.Len(t, history, 5)
	assert.Equal(t, 5, history[0].VersionID)
	assert.Equal(t, 1, history[4].VersionID)

	limited, err := s.History("hello", 2, 0)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, 5, limited[0].VersionID)
	assert.Equal(t, 4, limited[1].VersionID)

	skipped, err := s.History("hello", 2, 1)
	require.NoError(t, err)
	require.Len(t, skipped, 2)
	assert.Equal(t, 4, skipped[0].VersionID)

	empty, err := s.History("hello", 0, 99)
	require.NoError(t, err)
	assert.Empty(t, empty)

	none, err := s.History("absent", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRollback(t *testing.T) {
	s := NewStore(t.TempDir())

	_, err := s.Save("hello", "v1 content", "alice", "initial")
	require.NoError(t, err)
	_, err = s.Save("hello", "v2 content", "alice", "update")
	require.NoError(t, err)

	newID, err := s.Rollback("hello", 1, "bob", "revert bad update")
	require.NoError(t, err)
	assert.Equal(t, 3, newID)

	head, err := s.Latest("hello")
	require.NoError(t, err)
	assert.Equal(t, 3, head.VersionID)
	assert.Equal(t, "v1 content", head.Content)
	assert.Equal(t, "bob", head.Author)

	// Full history is preserved.
	history, err := s.History("hello", 0, 0)
	require.NoError(t, err)
	assert.Len(t, history, 3)
}

func TestRollbackToMissingVersion(t *testing.T) {
	s := NewStore(t.TempDir())

	_, err := s.Save("hello", "content", "alice", "initial")
	require.NoError(t, err)

	_, err = s.Rollback("hello", 42, "bob", "nope")
	assert.ErrorIs(t, err, ErrVersionNotFound)
}

func TestOnDiskLayout(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)

	_, err := s.Save("hello", "body", "alice", "msg")
	require.NoError(t, err)

	content, err := os.ReadFile(filepath.Join(dir, "hello", "v1.txt"))
	require.NoError(t, err)
	assert.Equal(t, "body", string(content))

	meta, err := os.ReadFile(filepath.Join(dir, "hello", "metadata.tsv"))
	require.NoError(t, err)
	assert.Contains(t, string(meta), "version_id\ttimestamp\tauthor\tmessage\thash")
}

func TestMessageWithTabsSurvives(t *testing.T) {
	s := NewStore(t.TempDir())

	_, err := s.Save("hello", "body", "alice", "has\ttab and\nnewline")
	require.NoError(t, err)

	v, err := s.Latest("hello")
	require.NoError(t, err)
	assert.Equal(t, "has\ttab and\nnewline", v.Message)
}

func TestObjects(t *testing.T) {
	s := NewStore(t.TempDir())

	_, err := s.Save("a", "x", "alice", "m")
	require.NoError(t, err)
	_, err = s.Save("b", "y", "alice", "m")
	require.NoError(t, err)

	ids, err := s.Objects()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, ids)
}
