package cache

import (
	"context"
	"sort"
	"strings"
	"sync"
)

const DefaultMaxObjectBytes int64 = 50 * 1024 * 1024

type MemoryStore struct {
	mu             sync.RWMutex
	order          []string
	namespaces     map[string]*memoryNamespace
	maxObjectBytes int64
}

type memoryNamespace struct {
	name    string
	store   *MemoryStore
	entries map[string]Entry
}

func NewMemoryStore(maxObjectBytes int64) *MemoryStore {
	if maxObjectBytes <= 0 {
		maxObjectBytes = DefaultMaxObjectBytes
	}
	return &MemoryStore{
		namespaces:     make(map[string]*memoryNamespace),
		maxObjectBytes: maxObjectBytes,
	}
}

func (m *MemoryStore) Open(_ context.Context, namespace string) (Namespace, error) {
	if m == nil {
		return nil, ErrNotInitialized
	}
	namespace = strings.TrimSpace(namespace)
	if namespace == "" {
		return nil, ErrNamespaceMissing
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.namespaces[namespace]; ok {
		return existing, nil
	}
	created := &memoryNamespace{name: namespace, store: m, entries: make(map[string]Entry)}
	m.namespaces[namespace] = created
	m.order = append(m.order, namespace)
	return created, nil
}

func (m *MemoryStore) Match(_ context.Context, key string) (Entry, bool, error) {
	if m == nil {
		return Entry{}, false, ErrNotInitialized
	}
	if key == "" {
		return Entry{}, false, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, name := range m.order {
		if entry, ok := m.namespaces[name].entries[key]; ok {
			return entry.Clone(), true, nil
		}
	}
	return Entry{}, false, nil
}

func (m *MemoryStore) Namespaces(_ context.Context) ([]string, error) {
	if m == nil {
		return nil, ErrNotInitialized
	}
	m.mu.RLock()
	names := append([]string(nil), m.order...)
	m.mu.RUnlock()
	return names, nil
}

func (m *MemoryStore) DeleteNamespace(_ context.Context, namespace string) (bool, error) {
	if m == nil {
		return false, ErrNotInitialized
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.namespaces[namespace]; !ok {
		return false, nil
	}
	delete(m.namespaces, namespace)
	retained := m.order[:0]
	for _, name := range m.order {
		if name != namespace {
			retained = append(retained, name)
		}
	}
	m.order = retained
	return true, nil
}

func (n *memoryNamespace) Name() string {
	return n.name
}

func (n *memoryNamespace) Get(_ context.Context, key string) (Entry, bool, error) {
	n.store.mu.RLock()
	defer n.store.mu.RUnlock()
	entry, ok := n.entries[key]
	if !ok {
		return Entry{}, false, nil
	}
	return entry.Clone(), true, nil
}

func (n *memoryNamespace) Put(ctx context.Context, key string, entry Entry) error {
	return n.PutAll(ctx, []Record{{Key: key, Entry: entry}})
}

func (n *memoryNamespace) PutAll(_ context.Context, records []Record) error {
	for _, record := range records {
		if record.Key == "" {
			return ErrKeyMissing
		}
		if n.store.maxObjectBytes > 0 && int64(len(record.Entry.Body)) > n.store.maxObjectBytes {
			return ErrObjectTooLarge
		}
	}

	n.store.mu.Lock()
	defer n.store.mu.Unlock()
	if n.store.namespaces[n.name] != n {
		return ErrNamespaceDeleted
	}
	for _, record := range records {
		n.entries[record.Key] = record.Entry.Clone()
	}
	return nil
}

func (n *memoryNamespace) Keys(_ context.Context) ([]string, error) {
	n.store.mu.RLock()
	keys := make([]string, 0, len(n.entries))
	for key := range n.entries {
		keys = append(keys, key)
	}
	n.store.mu.RUnlock()
	sort.Strings(keys)
	return keys, nil
}
