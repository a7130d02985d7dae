// Package sqlitestore persists cache namespaces in a SQLite database so the
// offline cache survives process restarts.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"offline_cache_proxy/internal/cache"

	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed persistence for cache namespaces.
type Store struct {
	sqlDB          *sql.DB
	maxObjectBytes int64
}

type namespace struct {
	store *Store
	name  string
}

// Open opens and migrates a cache store at path.
func Open(path string, maxObjectBytes int64) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	if maxObjectBytes <= 0 {
		maxObjectBytes = cache.DefaultMaxObjectBytes
	}

	cleanPath := filepath.Clean(path)
	dsn := "file:" + cleanPath + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	store := &Store{sqlDB: sqlDB, maxObjectBytes: maxObjectBytes}
	if err := applyMigrations(sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return store, nil
}

// Close releases the underlying SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Open returns the namespace, creating it when absent.
func (s *Store) Open(ctx context.Context, name string) (cache.Namespace, error) {
	if s == nil || s.sqlDB == nil {
		return nil, cache.ErrNotInitialized
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, cache.ErrNamespaceMissing
	}

	if _, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT OR IGNORE INTO cache_namespaces (name, created_at) VALUES (?, ?)`,
		name,
		time.Now().UTC().UnixMilli(),
	); err != nil {
		return nil, fmt.Errorf("open namespace %s: %w", name, err)
	}
	return &namespace{store: s, name: name}, nil
}

// Match looks key up across every namespace, oldest namespace first.
func (s *Store) Match(ctx context.Context, key string) (cache.Entry, bool, error) {
	if s == nil || s.sqlDB == nil {
		return cache.Entry{}, false, cache.ErrNotInitialized
	}
	if key == "" {
		return cache.Entry{}, false, nil
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT e.url, e.status, e.header_json, e.body, e.stored_at
		 FROM cache_entries e
		 JOIN cache_namespaces n ON n.id = e.namespace_id
		 WHERE e.cache_key = ?
		 ORDER BY n.id ASC
		 LIMIT 1`,
		key,
	)
	return scanEntry(row)
}

// Namespaces lists namespace names in creation order.
func (s *Store) Namespaces(ctx context.Context) ([]string, error) {
	if s == nil || s.sqlDB == nil {
		return nil, cache.ErrNotInitialized
	}

	rows, err := s.sqlDB.QueryContext(ctx, `SELECT name FROM cache_namespaces ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list namespaces: %w", err)
	}
	defer rows.Close()

	names := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan namespace: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate namespaces: %w", err)
	}
	return names, nil
}

// DeleteNamespace removes a namespace and its entries.
func (s *Store) DeleteNamespace(ctx context.Context, name string) (bool, error) {
	if s == nil || s.sqlDB == nil {
		return false, cache.ErrNotInitialized
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin delete namespace %s: %w", name, err)
	}
	if _, err := tx.ExecContext(
		ctx,
		`DELETE FROM cache_entries WHERE namespace_id IN (SELECT id FROM cache_namespaces WHERE name = ?)`,
		name,
	); err != nil {
		_ = tx.Rollback()
		return false, fmt.Errorf("delete entries of %s: %w", name, err)
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM cache_namespaces WHERE name = ?`, name)
	if err != nil {
		_ = tx.Rollback()
		return false, fmt.Errorf("delete namespace %s: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit delete namespace %s: %w", name, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete namespace %s: %w", name, err)
	}
	return affected > 0, nil
}

func (n *namespace) Name() string {
	return n.name
}

func (n *namespace) Get(ctx context.Context, key string) (cache.Entry, bool, error) {
	row := n.store.sqlDB.QueryRowContext(
		ctx,
		`SELECT e.url, e.status, e.header_json, e.body, e.stored_at
		 FROM cache_entries e
		 JOIN cache_namespaces n ON n.id = e.namespace_id
		 WHERE n.name = ? AND e.cache_key = ?`,
		n.name,
		key,
	)
	return scanEntry(row)
}

func (n *namespace) Put(ctx context.Context, key string, entry cache.Entry) error {
	return n.PutAll(ctx, []cache.Record{{Key: key, Entry: entry}})
}

// PutAll writes records in a single transaction.
func (n *namespace) PutAll(ctx context.Context, records []cache.Record) error {
	for _, record := range records {
		if record.Key == "" {
			return cache.ErrKeyMissing
		}
		if int64(len(record.Entry.Body)) > n.store.maxObjectBytes {
			return cache.ErrObjectTooLarge
		}
	}

	tx, err := n.store.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin put: %w", err)
	}

	var namespaceID int64
	if err := tx.QueryRowContext(ctx, `SELECT id FROM cache_namespaces WHERE name = ?`, n.name).Scan(&namespaceID); err != nil {
		_ = tx.Rollback()
		if errors.Is(err, sql.ErrNoRows) {
			return cache.ErrNamespaceDeleted
		}
		return fmt.Errorf("resolve namespace %s: %w", n.name, err)
	}

	for _, record := range records {
		headerJSON, err := json.Marshal(record.Entry.Header)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("encode header for %s: %w", record.Key, err)
		}
		storedAt := record.Entry.StoredAt
		if storedAt.IsZero() {
			storedAt = time.Now()
		}
		body := record.Entry.Body
		if body == nil {
			body = []byte{}
		}
		if _, err := tx.ExecContext(
			ctx,
			`INSERT INTO cache_entries (namespace_id, cache_key, url, status, header_json, body, stored_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(namespace_id, cache_key) DO UPDATE SET
			   url = excluded.url,
			   status = excluded.status,
			   header_json = excluded.header_json,
			   body = excluded.body,
			   stored_at = excluded.stored_at`,
			namespaceID,
			record.Key,
			record.Entry.URL,
			record.Entry.Status,
			headerJSON,
			body,
			storedAt.UTC().UnixMilli(),
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("put %s: %w", record.Key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit put: %w", err)
	}
	return nil
}

func (n *namespace) Keys(ctx context.Context) ([]string, error) {
	rows, err := n.store.sqlDB.QueryContext(
		ctx,
		`SELECT e.cache_key
		 FROM cache_entries e
		 JOIN cache_namespaces n ON n.id = e.namespace_id
		 WHERE n.name = ?
		 ORDER BY e.cache_key ASC`,
		n.name,
	)
	if err != nil {
		return nil, fmt.Errorf("list keys of %s: %w", n.name, err)
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate keys of %s: %w", n.name, err)
	}
	return keys, nil
}

func scanEntry(row *sql.Row) (cache.Entry, bool, error) {
	var entry cache.Entry
	var headerJSON []byte
	var storedAt int64
	if err := row.Scan(&entry.URL, &entry.Status, &headerJSON, &entry.Body, &storedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return cache.Entry{}, false, nil
		}
		return cache.Entry{}, false, fmt.Errorf("get cache entry: %w", err)
	}

	entry.Header = http.Header{}
	if len(headerJSON) > 0 {
		if err := json.Unmarshal(headerJSON, &entry.Header); err != nil {
			return cache.Entry{}, false, fmt.Errorf("decode cache entry header: %w", err)
		}
	}
	entry.StoredAt = time.UnixMilli(storedAt).UTC()
	return entry, true, nil
}
