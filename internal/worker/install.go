package worker

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"sync"

	"golang.org/x/sync/errgroup"

	"offline_cache_proxy/internal/cache"
	"offline_cache_proxy/internal/retry"
)

// AssetError reports a manifest asset that answered with a non-2xx status.
type AssetError struct {
	URL    string
	Status int
}

func (e *AssetError) Error() string {
	return fmt.Sprintf("asset %s returned status %d", e.URL, e.Status)
}

func (e *AssetError) StatusCode() int {
	return e.Status
}

// fetchManifest fetches every manifest asset not already resident in
// namespace. The first failure cancels the remaining fetches.
func (e *Engine) fetchManifest(ctx context.Context, namespace cache.Namespace) ([]cache.Record, error) {
	group, groupCtx := errgroup.WithContext(ctx)
	records := make([]cache.Record, len(e.manifest))

	for i, asset := range e.manifest {
		group.Go(func() error {
			key := cache.KeyForURL(asset)
			if _, ok, err := namespace.Get(groupCtx, key); err != nil {
				return fmt.Errorf("lookup %s: %w", asset, err)
			} else if ok {
				return nil
			}

			result := retry.Execute(groupCtx, e.cfg.Install, func(ctx context.Context) error {
				record, err := e.fetchAsset(ctx, asset, key)
				if err != nil {
					return err
				}
				records[i] = record
				return nil
			}, func(reason string) {
				log.Printf("worker retrying asset url=%s reason=%s", asset, reason)
				e.metrics.RecordLifecycleEvent("install_retry", reason)
			})
			return result.Err
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	fetched := records[:0]
	seen := make(map[string]bool, len(records))
	for _, record := range records {
		if record.Key == "" || seen[record.Key] {
			continue
		}
		seen[record.Key] = true
		fetched = append(fetched, record)
	}
	return fetched, nil
}

func (e *Engine) fetchAsset(ctx context.Context, asset *url.URL, key string) (cache.Record, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, asset.String(), nil)
	if err != nil {
		return cache.Record{}, fmt.Errorf("request %s: %w", asset, err)
	}
	resp, err := e.fetcher.Fetch(ctx, req)
	if err != nil {
		return cache.Record{}, fmt.Errorf("fetch %s: %w", asset, err)
	}
	defer resp.Body.Close()

	if !isSuccess(resp.Status) {
		return cache.Record{}, &AssetError{URL: asset.String(), Status: resp.Status}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, e.cfg.MaxObjectBytes+1))
	if err != nil {
		return cache.Record{}, fmt.Errorf("read %s: %w", asset, err)
	}
	if int64(len(body)) > e.cfg.MaxObjectBytes {
		return cache.Record{}, fmt.Errorf("asset %s: %w", asset, cache.ErrObjectTooLarge)
	}

	return cache.Record{
		Key: key,
		Entry: cache.Entry{
			URL:      asset.String(),
			Status:   resp.Status,
			Header:   resp.Header.Clone(),
			Body:     body,
			StoredAt: e.now().UTC(),
		},
	}, nil
}

func (e *Engine) deleteStale(ctx context.Context, names []string) {
	var wg sync.WaitGroup
	for _, name := range names {
		if name == e.cfg.CacheName {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Printf("worker deleting old cache=%s", name)
			deleted, err := e.store.DeleteNamespace(ctx, name)
			switch {
			case err != nil:
				e.metrics.RecordNamespaceDeletion("failed")
				log.Printf("worker delete old cache failed cache=%s error=%v", name, err)
			case deleted:
				e.metrics.RecordNamespaceDeletion("deleted")
			default:
				e.metrics.RecordNamespaceDeletion("missing")
			}
		}()
	}
	wg.Wait()
}
