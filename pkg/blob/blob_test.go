package blob

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutGet(t *testing.T) {
	s := NewStore(t.TempDir())

	require.NoError(t, s.Put("gallery", "photo.jpg", []byte{0xFF, 0xD8, 0xFF}))

	data, err := s.Get("gallery", "photo.jpg")
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF, 0xD8, 0xFF}, data)
}

func TestGetMissing(t *testing.T) {
	s := NewStore(t.TempDir())

	_, err := s.Get("gallery", "nope.bin")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPutOverwrites(t *testing.T) {
	s := NewStore(t.TempDir())

	require.NoError(t, s.Put("gallery", "note.txt", []byte("old")))
	require.NoError(t, s.Put("gallery", "note.txt", []byte("new")))

	data, err := s.Get("gallery", "note.txt")
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))

	files, err := s.List("gallery")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, int64(3), files[0].Size)
}

func TestDelete(t *testing.T) {
	s := NewStore(t.TempDir())

	require.NoError(t, s.Put("gallery", "tmp.bin", []byte("x")))
	require.NoError(t, s.Delete("gallery", "tmp.bin"))
	assert.False(t, s.Exists("gallery", "tmp.bin"))

	err := s.Delete("gallery", "tmp.bin")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExists(t *testing.T) {
	s := NewStore(t.TempDir())

	assert.False(t, s.Exists("gallery", "a.txt"))
	require.NoError(t, s.Put("gallery", "a.txt", []byte("hi")))
	assert.True(t, s.Exists("gallery", "a.txt"))
}

func TestList(t *testing.T) {
	s := NewStore(t.TempDir())

	files, err := s.List("empty")
	require.NoError(t, err)
	assert.Empty(t, files)

	require.NoError(t, s.Put("gallery", "b.txt", []byte("bb")))
	require.NoError(t, s.Put("gallery", "a.txt", []byte("a")))

	files, err = s.List("gallery")
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "a.txt", files[0].Name)
	assert.Equal(t, int64(1), files[0].Size)
	assert.Equal(t, "b.txt", files[1].Name)
	assert.Greater(t, files[0].Modified, 0.0)
}

func TestRejectsPathTraversal(t *testing.T) {
	s := NewStore(t.TempDir())

	for _, name := range []string{"", ".", "..", "../escape.txt", "a/b.txt", "a\\b.txt"} {
		assert.Error(t, s.Put("gallery", name, []byte("x")), "name %q must be rejected", name)
		_, err := s.Get("gallery", name)
		assert.Error(t, err, "name %q must be rejected", name)
	}
}

func TestObjectsAreIsolated(t *testing.T) {
	s := NewStore(t.TempDir())

	require.NoError(t, s.Put("one", "f.txt", []byte("1")))
	require.NoError(t, s.Put("two", "f.txt", []byte("2")))

	data, err := s.Get("one", "f.txt")
	require.NoError(t, err)
	assert.Equal(t, "1", string(data))

	ids, err := s.Objects()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"one", "two"}, ids)
}
