// Package worker implements the offline cache policy: pre-populating a
// versioned cache namespace on install, evicting stale namespaces on
// activate, and serving intercepted requests cache-first with network
// fallback.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"offline_cache_proxy/internal/cache"
	"offline_cache_proxy/internal/fetch"
	"offline_cache_proxy/internal/notify"
	"offline_cache_proxy/internal/obs"
)

// ErrNotHandled is returned by OnFetch for requests the engine does not
// mediate; the caller must send them to the network untouched.
var ErrNotHandled = errors.New("request not handled by worker")

// ErrMethodNotCacheable is reported when a qualifying response to a non-GET
// request would have populated the cache.
var ErrMethodNotCacheable = errors.New("only GET requests can be cached")

const populateTimeout = 30 * time.Second

// Source says where a fetch result came from.
type Source string

const (
	SourceCache   Source = "hit"
	SourceNetwork Source = "miss"
	SourceOffline Source = "offline"
)

type FetchResult struct {
	Response *fetch.Response
	Source   Source
}

// Fetcher is the network collaborator.
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (*fetch.Response, error)
	SameOrigin(target *url.URL) bool
}

// Host is the runtime hosting the engine. The engine signals it to change
// the default staged rollover and to surface notifications.
type Host interface {
	SkipWaiting()
	Claim()
	ShowNotification(ctx context.Context, n notify.Notification) error
}

// PopulateError is the outcome of a failed background cache write.
type PopulateError struct {
	CacheName string
	Key       string
	Err       error
}

func (e PopulateError) Error() string {
	return fmt.Sprintf("populate %s in %s: %v", e.Key, e.CacheName, e.Err)
}

type Options struct {
	Metrics *obs.Metrics
	// OnPopulateError receives background cache write failures. Defaults to
	// logging them.
	OnPopulateError func(PopulateError)
	Now             func() time.Time
}

type Engine struct {
	cfg             Config
	store           cache.Store
	fetcher         Fetcher
	metrics         *obs.Metrics
	manifest        []*url.URL
	fallbackKey     string
	populations     *tasks
	onPopulateError func(PopulateError)
	now             func() time.Time
}

func NewEngine(cfg Config, store cache.Store, fetcher Fetcher, options Options) (*Engine, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, errors.New("cache store is required")
	}
	if fetcher == nil {
		return nil, errors.New("fetcher is required")
	}

	manifest := make([]*url.URL, 0, len(cfg.Manifest))
	for _, asset := range cfg.Manifest {
		resolved, err := cfg.resolve(asset)
		if err != nil {
			return nil, fmt.Errorf("manifest asset %q: %w", asset, err)
		}
		manifest = append(manifest, resolved)
	}
	fallback, err := cfg.resolve(cfg.OfflineFallback)
	if err != nil {
		return nil, fmt.Errorf("offline fallback %q: %w", cfg.OfflineFallback, err)
	}

	engine := &Engine{
		cfg:             cfg,
		store:           store,
		fetcher:         fetcher,
		metrics:         options.Metrics,
		manifest:        manifest,
		fallbackKey:     cache.KeyForURL(fallback),
		populations:     newTasks(),
		onPopulateError: options.OnPopulateError,
		now:             options.Now,
	}
	if engine.now == nil {
		engine.now = time.Now
	}
	if engine.onPopulateError == nil {
		engine.onPopulateError = engine.logPopulateError
	}
	return engine, nil
}

func (e *Engine) CacheName() string {
	return e.cfg.CacheName
}

// OnInstall pre-populates the current namespace with the manifest. Either
// every asset is stored or none is.
func (e *Engine) OnInstall(ctx context.Context, host Host) error {
	ctx, span := obs.Tracer().Start(ctx, "worker.install")
	defer span.End()
	span.SetAttributes(attribute.String("cache.name", e.cfg.CacheName), attribute.Int("manifest.size", len(e.manifest)))

	log.Printf("worker installing cache=%s", e.cfg.CacheName)
	err := e.install(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "install failed")
		e.metrics.RecordLifecycleEvent("install", "failed")
		log.Printf("worker installation failed cache=%s error=%v", e.cfg.CacheName, err)
		return err
	}

	e.metrics.RecordLifecycleEvent("install", "ok")
	log.Printf("worker installation complete cache=%s", e.cfg.CacheName)
	if host != nil && !e.cfg.WaitForIdle {
		host.SkipWaiting()
	}
	return nil
}

func (e *Engine) install(ctx context.Context) error {
	namespace, err := e.store.Open(ctx, e.cfg.CacheName)
	if err != nil {
		return fmt.Errorf("open cache %s: %w", e.cfg.CacheName, err)
	}
	log.Printf("worker caching files cache=%s count=%d", e.cfg.CacheName, len(e.manifest))
	records, err := e.fetchManifest(ctx, namespace)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}
	if err := namespace.PutAll(ctx, records); err != nil {
		return fmt.Errorf("store manifest in %s: %w", e.cfg.CacheName, err)
	}
	return nil
}

// OnActivate deletes every namespace other than the current one, then takes
// control of open clients. Deletions are independent: one failing does not
// stop the others or fail activation.
func (e *Engine) OnActivate(ctx context.Context, host Host) error {
	ctx, span := obs.Tracer().Start(ctx, "worker.activate")
	defer span.End()
	span.SetAttributes(attribute.String("cache.name", e.cfg.CacheName))

	log.Printf("worker activating cache=%s", e.cfg.CacheName)
	names, err := e.store.Namespaces(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list namespaces failed")
		e.metrics.RecordLifecycleEvent("activate", "failed")
		return fmt.Errorf("list caches: %w", err)
	}

	e.deleteStale(ctx, names)

	e.metrics.RecordLifecycleEvent("activate", "ok")
	log.Printf("worker activation complete cache=%s", e.cfg.CacheName)
	if host != nil {
		host.Claim()
	}
	return nil
}

// OnFetch mediates one intercepted request.
func (e *Engine) OnFetch(ctx context.Context, req *http.Request) (*FetchResult, error) {
	if req == nil || req.URL == nil || !e.fetcher.SameOrigin(req.URL) {
		return nil, ErrNotHandled
	}

	ctx, span := obs.Tracer().Start(ctx, "worker.fetch")
	defer span.End()
	span.SetAttributes(attribute.String("http.url", req.URL.String()), attribute.String("http.method", req.Method))

	key := cache.BuildKey(req)
	if key != "" {
		entry, ok, err := e.store.Match(ctx, key)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("match %s: %w", key, err)
		}
		if ok {
			log.Printf("worker serving from cache url=%s", req.URL)
			span.SetAttributes(attribute.String("cache.status", string(SourceCache)))
			return &FetchResult{Response: responseFromEntry(entry), Source: SourceCache}, nil
		}
	}

	log.Printf("worker fetching from network url=%s", req.URL)
	resp, err := e.fetcher.Fetch(ctx, req)
	if err != nil {
		e.metrics.RecordNetworkError(fetch.Category(err))
		log.Printf("worker fetch failed url=%s error=%v", req.URL, err)
		if fetch.IsDocument(req) {
			if result := e.offlineFallback(ctx); result != nil {
				span.SetAttributes(attribute.String("cache.status", string(SourceOffline)))
				return result, nil
			}
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "network failure")
		return nil, err
	}

	span.SetAttributes(attribute.String("cache.status", string(SourceNetwork)), attribute.Int("http.status_code", resp.Status))
	if !resp.Cacheable() {
		return &FetchResult{Response: resp, Source: SourceNetwork}, nil
	}
	if key == "" {
		e.onPopulateError(PopulateError{CacheName: e.cfg.CacheName, Key: req.Method + " " + req.URL.String(), Err: ErrMethodNotCacheable})
		return &FetchResult{Response: resp, Source: SourceNetwork}, nil
	}

	clone, err := resp.Clone(e.cfg.MaxObjectBytes)
	if err != nil {
		e.onPopulateError(PopulateError{CacheName: e.cfg.CacheName, Key: key, Err: err})
		return &FetchResult{Response: resp, Source: SourceNetwork}, nil
	}
	e.populate(key, clone)
	return &FetchResult{Response: resp, Source: SourceNetwork}, nil
}

// WaitPopulations blocks until every detached cache write has finished.
func (e *Engine) WaitPopulations(ctx context.Context) error {
	return e.populations.Wait(ctx)
}

func (e *Engine) PendingPopulations() int64 {
	return e.populations.Pending()
}

func (e *Engine) populate(key string, resp *fetch.Response) {
	e.populations.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), populateTimeout)
		defer cancel()

		err := e.put(ctx, key, resp)
		if err != nil {
			e.onPopulateError(PopulateError{CacheName: e.cfg.CacheName, Key: key, Err: err})
		}
	})
}

func (e *Engine) put(ctx context.Context, key string, resp *fetch.Response) error {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}
	namespace, err := e.store.Open(ctx, e.cfg.CacheName)
	if err != nil {
		return err
	}
	return namespace.Put(ctx, key, cache.Entry{
		URL:      resp.URL,
		Status:   resp.Status,
		Header:   resp.Header.Clone(),
		Body:     body,
		StoredAt: e.now().UTC(),
	})
}

func (e *Engine) offlineFallback(ctx context.Context) *FetchResult {
	entry, ok, err := e.store.Match(ctx, e.fallbackKey)
	if err != nil {
		log.Printf("worker offline fallback lookup failed key=%s error=%v", e.fallbackKey, err)
		return nil
	}
	if !ok {
		return nil
	}
	log.Printf("worker serving offline fallback key=%s", e.fallbackKey)
	return &FetchResult{Response: responseFromEntry(entry), Source: SourceOffline}
}

func (e *Engine) logPopulateError(err PopulateError) {
	e.metrics.RecordCacheStoreFail(err.CacheName)
	log.Printf("worker cache population failed cache=%s key=%s error=%v", err.CacheName, err.Key, err.Err)
}

func responseFromEntry(entry cache.Entry) *fetch.Response {
	header := entry.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	return &fetch.Response{
		Status: entry.Status,
		Type:   fetch.TypeBasic,
		URL:    entry.URL,
		Header: header,
		Body:   io.NopCloser(bytes.NewReader(entry.Body)),
	}
}

func isSuccess(status int) bool {
	return status >= http.StatusOK && status < http.StatusMultipleChoices
}
