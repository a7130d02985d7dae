package sqlitestore

import (
	"context"
	"net/http"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"offline_cache_proxy/internal/cache"
)

func openTestStore(t *testing.T, maxObjectBytes int64) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "cache.db"), maxObjectBytes)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open("  ", 0)
	require.Error(t, err)
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t, 0)

	ns, err := store.Open(ctx, "tetris-turbo-mobile-v2")
	require.NoError(t, err)
	assert.Equal(t, "tetris-turbo-mobile-v2", ns.Name())

	header := http.Header{"Content-Type": {"text/html"}}
	require.NoError(t, ns.Put(ctx, "GET http://example.local/", cache.Entry{
		URL:    "http://example.local/",
		Status: http.StatusOK,
		Header: header,
		Body:   []byte("<html>"),
	}))

	entry, ok, err := ns.Get(ctx, "GET http://example.local/")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, http.StatusOK, entry.Status)
	assert.Equal(t, "text/html", entry.Header.Get("Content-Type"))
	assert.Equal(t, "<html>", string(entry.Body))
	assert.False(t, entry.StoredAt.IsZero())

	require.NoError(t, ns.Put(ctx, "GET http://example.local/", cache.Entry{Status: http.StatusOK, Body: []byte("v2")}))
	keys, err := ns.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"GET http://example.local/"}, keys)

	entry, ok, err = store.Match(ctx, "GET http://example.local/")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v2", string(entry.Body))
}

func TestStoreMatchOrderAndDelete(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t, 0)

	old, err := store.Open(ctx, "tetris-turbo-mobile-v1")
	require.NoError(t, err)
	current, err := store.Open(ctx, "tetris-turbo-mobile-v2")
	require.NoError(t, err)
	require.NoError(t, old.Put(ctx, "k", cache.Entry{Status: 200, Body: []byte("old")}))
	require.NoError(t, current.Put(ctx, "k", cache.Entry{Status: 200, Body: []byte("new")}))

	entry, ok, err := store.Match(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "old", string(entry.Body))

	deleted, err := store.DeleteNamespace(ctx, "tetris-turbo-mobile-v1")
	require.NoError(t, err)
	assert.True(t, deleted)

	entry, ok, err = store.Match(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "new", string(entry.Body))

	names, err := store.Namespaces(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"tetris-turbo-mobile-v2"}, names)

	assert.ErrorIs(t, old.Put(ctx, "k2", cache.Entry{}), cache.ErrNamespaceDeleted)
}

func TestStorePutAllRollsBack(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t, 8)
	ns, err := store.Open(ctx, "ns")
	require.NoError(t, err)

	err = ns.PutAll(ctx, []cache.Record{
		{Key: "a", Entry: cache.Entry{Body: []byte("small")}},
		{Key: "b", Entry: cache.Entry{Body: []byte("much too large")}},
	})
	require.ErrorIs(t, err, cache.ErrObjectTooLarge)

	err = ns.PutAll(ctx, []cache.Record{
		{Key: "a", Entry: cache.Entry{Body: []byte("small")}},
		{Key: "", Entry: cache.Entry{Body: []byte("x")}},
	})
	require.ErrorIs(t, err, cache.ErrKeyMissing)

	keys, err := ns.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestStoreReopenKeepsEntries(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.db")

	store, err := Open(path, 0)
	require.NoError(t, err)
	ns, err := store.Open(ctx, "ns")
	require.NoError(t, err)
	require.NoError(t, ns.Put(ctx, "k", cache.Entry{Status: 200, Body: []byte("persisted")}))
	require.NoError(t, store.Close())

	reopened, err := Open(path, 0)
	require.NoError(t, err)
	defer reopened.Close()

	entry, ok, err := reopened.Match(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "persisted", string(entry.Body))
}
