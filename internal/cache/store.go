package cache

import (
	"context"
	"errors"
	"net/http"
	"time"
)

var (
	ErrNotInitialized   = errors.New("cache store not initialized")
	ErrObjectTooLarge   = errors.New("cache entry exceeds max object bytes")
	ErrNamespaceMissing = errors.New("cache namespace is required")
	ErrKeyMissing       = errors.New("cache key is required")
	ErrNamespaceDeleted = errors.New("cache namespace was deleted")
)

// Entry is a stored response snapshot.
type Entry struct {
	URL      string
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

// Record pairs a key with the entry stored under it.
type Record struct {
	Key   string
	Entry Entry
}

// Store partitions entries into named namespaces. Reads through Match are
// namespace-agnostic; writes always go through a Namespace handle.
type Store interface {
	Open(ctx context.Context, namespace string) (Namespace, error)
	Match(ctx context.Context, key string) (Entry, bool, error)
	Namespaces(ctx context.Context) ([]string, error)
	DeleteNamespace(ctx context.Context, namespace string) (bool, error)
}

type Namespace interface {
	Name() string
	Get(ctx context.Context, key string) (Entry, bool, error)
	Put(ctx context.Context, key string, entry Entry) error
	// PutAll stores every record or none of them.
	PutAll(ctx context.Context, records []Record) error
	Keys(ctx context.Context) ([]string, error)
}

func (e Entry) Clone() Entry {
	clone := e
	clone.Header = e.Header.Clone()
	if e.Body != nil {
		clone.Body = append([]byte(nil), e.Body...)
	}
	return clone
}
