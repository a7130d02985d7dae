package integration

import (
	"context"
	"net/http"
	"testing"
	"time"

	"offline_cache_proxy/internal/testutil"
)

func TestInstallPrecachesManifest(t *testing.T) {
	origin := testutil.StartGameOrigin(t, gamePages())
	proxyApp, _ := startApp(t, buildConfig(origin.URL, "tetris-v1", ""))

	for _, path := range []string{"/tetris/index.html", "/tetris/offline.html", "/tetris/game.js"} {
		if hits := origin.Hits(path); hits != 1 {
			t.Fatalf("expected %s fetched once during install, got %d", path, hits)
		}
	}

	client := &http.Client{Timeout: 2 * time.Second}
	resp, body := sendGameRequest(t, client, proxyApp.Addr(), "/tetris/game.js", false)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body != gameScript {
		t.Fatalf("unexpected body %q", body)
	}
	expectCacheStatus(t, resp, "hit")
	if hits := origin.Hits("/tetris/game.js"); hits != 1 {
		t.Fatalf("expected cached script to skip the origin, got %d hits", hits)
	}
}

func TestMissPopulatesCacheForNextRequest(t *testing.T) {
	origin := testutil.StartGameOrigin(t, gamePages())
	proxyApp, _ := startApp(t, buildConfig(origin.URL, "tetris-v1", ""))
	client := &http.Client{Timeout: 2 * time.Second}

	resp, _ := sendGameRequest(t, client, proxyApp.Addr(), "/tetris/style.css", false)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	expectCacheStatus(t, resp, "miss")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := proxyApp.Engine().WaitPopulations(ctx); err != nil {
		t.Fatalf("wait populations: %v", err)
	}

	resp, body := sendGameRequest(t, client, proxyApp.Addr(), "/tetris/style.css", false)
	expectCacheStatus(t, resp, "hit")
	if body != "body { color: black; }" {
		t.Fatalf("unexpected cached body %q", body)
	}
	if hits := origin.Hits("/tetris/style.css"); hits != 1 {
		t.Fatalf("expected one origin hit, got %d", hits)
	}
}

func TestNotFoundIsNotCached(t *testing.T) {
	origin := testutil.StartGameOrigin(t, gamePages())
	proxyApp, _ := startApp(t, buildConfig(origin.URL, "tetris-v1", ""))
	client := &http.Client{Timeout: 2 * time.Second}

	for i := 0; i < 2; i++ {
		resp, _ := sendGameRequest(t, client, proxyApp.Addr(), "/tetris/missing.js", false)
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", resp.StatusCode)
		}
		expectCacheStatus(t, resp, "miss")
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = proxyApp.Engine().WaitPopulations(ctx)
		cancel()
	}
	if hits := origin.Hits("/tetris/missing.js"); hits != 2 {
		t.Fatalf("expected both requests at the origin, got %d", hits)
	}
}

func TestOfflineNavigationServesFallback(t *testing.T) {
	origin := testutil.StartGameOrigin(t, gamePages())
	proxyApp, _ := startApp(t, buildConfig(origin.URL, "tetris-v1", ""))
	client := &http.Client{Timeout: 2 * time.Second}

	origin.SetOffline(true)

	resp, body := sendGameRequest(t, client, proxyApp.Addr(), "/tetris/level-2.html", true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 fallback, got %d", resp.StatusCode)
	}
	if body != offlinePage {
		t.Fatalf("expected offline page, got %q", body)
	}
	expectCacheStatus(t, resp, "offline")

	resp, body = sendGameRequest(t, client, proxyApp.Addr(), "/tetris/index.html", true)
	expectCacheStatus(t, resp, "hit")
	if body != indexPage {
		t.Fatalf("expected cached index, got %q", body)
	}

	resp, _ = sendGameRequest(t, client, proxyApp.Addr(), "/tetris/level-2.js", false)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502 for offline subresource, got %d", resp.StatusCode)
	}
}

func TestInstallFailureServesUncontrolled(t *testing.T) {
	pages := gamePages()
	delete(pages, "/tetris/game.js")
	origin := testutil.StartGameOrigin(t, pages)
	proxyApp, _ := startApp(t, buildConfig(origin.URL, "tetris-v1", ""))

	if active := proxyApp.Registration().Active(); active != nil {
		t.Fatalf("expected no active version after failed install")
	}
	names, err := proxyApp.Store().Namespaces(context.Background())
	if err != nil {
		t.Fatalf("namespaces: %v", err)
	}
	for _, name := range names {
		namespace, err := proxyApp.Store().Open(context.Background(), name)
		if err != nil {
			t.Fatalf("open %s: %v", name, err)
		}
		keys, err := namespace.Keys(context.Background())
		if err != nil {
			t.Fatalf("keys %s: %v", name, err)
		}
		if len(keys) != 0 {
			t.Fatalf("expected no cached entries after failed install, got %v", keys)
		}
	}

	client := &http.Client{Timeout: 2 * time.Second}
	resp, body := sendGameRequest(t, client, proxyApp.Addr(), "/tetris/index.html", true)
	if resp.StatusCode != http.StatusOK || body != indexPage {
		t.Fatalf("expected index from network, got %d %q", resp.StatusCode, body)
	}
	expectCacheStatus(t, resp, "bypass")
}
