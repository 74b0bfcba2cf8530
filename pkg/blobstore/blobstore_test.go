package blobstore

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutAndGetRoundTrip(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	content := []byte("hello build")
	path, err := store.Put(NamespaceSource, "b1.zip", bytes.NewReader(content))
	require.NoError(t, err)
	assert.True(t, store.Exists(path))

	rc, err := store.Get(path)
	require.NoError(t, err)
	defer rc.Close()

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Get(filepath.Join(store.root, "source", "missing.zip"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPathEscapeRejected(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	tests := []string{"../escape.zip", "../../etc/passwd", "/etc/passwd"}
	for _, key := range tests {
		_, err := store.Put(NamespaceSource, key, bytes.NewReader([]byte("x")))
		assert.ErrorIs(t, err, ErrPathEscape, "key=%s", key)
	}
}

func TestDeleteMissingIsNotAnError(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	err = store.Delete(filepath.Join(store.root, "source", "never-existed.zip"))
	assert.NoError(t, err)
}

func TestPutOverwriteLastRenameWins(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Put(NamespaceResults, "b1.ipa", bytes.NewReader([]byte("v1")))
	require.NoError(t, err)
	path, err := store.Put(NamespaceResults, "b1.ipa", bytes.NewReader([]byte("v2")))
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data))
}

func TestPutLimitedRejectsOverflowAndCleansUp(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.PutLimited(NamespaceSource, "big.zip", bytes.NewReader(bytes.Repeat([]byte("a"), 100)), 10)
	assert.ErrorIs(t, err, ErrTooLarge)

	path, _ := store.Path(NamespaceSource, "big.zip")
	assert.False(t, store.Exists(path))

	entries, err := os.ReadDir(filepath.Join(store.root, "source"))
	require.NoError(t, err)
	assert.Empty(t, entries, "no partial temp file should remain")
}

func TestPutLimitedAcceptsExactLimit(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	path, err := store.PutLimited(NamespaceSource, "ok.zip", bytes.NewReader(bytes.Repeat([]byte("a"), 10)), 10)
	require.NoError(t, err)
	assert.True(t, store.Exists(path))
}
