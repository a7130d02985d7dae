package cache

import (
	"context"
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreMatchIsNamespaceAgnostic(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(0)

	old, err := store.Open(ctx, "tetris-turbo-mobile-v1")
	require.NoError(t, err)
	current, err := store.Open(ctx, "tetris-turbo-mobile-v2")
	require.NoError(t, err)

	require.NoError(t, old.Put(ctx, "k", Entry{Status: http.StatusOK, Body: []byte("old")}))
	require.NoError(t, current.Put(ctx, "k", Entry{Status: http.StatusOK, Body: []byte("new")}))

	entry, ok, err := store.Match(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "old", string(entry.Body), "oldest namespace wins a match")

	_, ok, err = current.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStoreOpenIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(0)

	first, err := store.Open(ctx, "ns")
	require.NoError(t, err)
	require.NoError(t, first.Put(ctx, "k", Entry{Body: []byte("x")}))

	second, err := store.Open(ctx, "ns")
	require.NoError(t, err)
	_, ok, err := second.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	names, err := store.Namespaces(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"ns"}, names)

	_, err = store.Open(ctx, " ")
	assert.ErrorIs(t, err, ErrNamespaceMissing)
}

func TestMemoryStorePutAllIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(4)
	ns, err := store.Open(ctx, "ns")
	require.NoError(t, err)

	err = ns.PutAll(ctx, []Record{
		{Key: "a", Entry: Entry{Body: []byte("ok")}},
		{Key: "b", Entry: Entry{Body: []byte("too large")}},
	})
	require.ErrorIs(t, err, ErrObjectTooLarge)

	keys, err := ns.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestMemoryStoreDeleteNamespace(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(0)
	ns, err := store.Open(ctx, "old-cache")
	require.NoError(t, err)
	_, err = store.Open(ctx, "current")
	require.NoError(t, err)

	deleted, err := store.DeleteNamespace(ctx, "old-cache")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = store.DeleteNamespace(ctx, "old-cache")
	require.NoError(t, err)
	assert.False(t, deleted)

	names, err := store.Namespaces(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"current"}, names)

	assert.ErrorIs(t, ns.Put(ctx, "k", Entry{}), ErrNamespaceDeleted)
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(0)
	ns, err := store.Open(ctx, "ns")
	require.NoError(t, err)

	body := []byte("abc")
	require.NoError(t, ns.Put(ctx, "k", Entry{Body: body, Header: http.Header{"X": {"1"}}}))
	body[0] = 'z'

	entry, ok, err := store.Match(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "abc", string(entry.Body))

	entry.Body[0] = 'q'
	again, _, _ := store.Match(ctx, "k")
	assert.Equal(t, "abc", string(again.Body))
}

func TestBuildKey(t *testing.T) {
	get := func(raw string) *http.Request {
		req, err := http.NewRequest(http.MethodGet, raw, nil)
		require.NoError(t, err)
		return req
	}

	assert.Equal(t, "GET http://example.local/", BuildKey(get("http://EXAMPLE.local:80")))
	assert.Equal(t, "GET http://example.local/tetris.html?v=2", BuildKey(get("http://example.local/tetris.html?v=2#top")))
	assert.Equal(t, "GET https://example.local:8443/a", BuildKey(get("https://example.local:8443/a")))

	post, err := http.NewRequest(http.MethodPost, "http://example.local/", nil)
	require.NoError(t, err)
	assert.Empty(t, BuildKey(post))

	assert.Empty(t, KeyForURL(&url.URL{Path: "/relative"}))
}
