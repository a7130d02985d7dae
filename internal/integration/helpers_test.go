package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"offline_cache_proxy/internal/app"
	"offline_cache_proxy/internal/config"
	"offline_cache_proxy/internal/obs"
	"offline_cache_proxy/internal/proxy"
)

const (
	testToken    = "control-secret"
	offlinePage  = "<h1>You are offline</h1>"
	indexPage    = "<h1>Tetris</h1>"
	gameScript   = "startGame();"
	tokenEnvName = "OFFLINE_PROXY_CONTROL_TOKEN"
)

func gamePages() map[string]string {
	return map[string]string{
		"/tetris/":             indexPage,
		"/tetris/index.html":   indexPage,
		"/tetris/offline.html": offlinePage,
		"/tetris/game.js":      gameScript,
		"/tetris/style.css":    "body { color: black; }",
	}
}

// buildConfig renders a worker config for upstream. extra is spliced into
// the top-level object.
func buildConfig(upstream string, cacheName string, extra string) string {
	if extra != "" {
		extra = ",\n" + extra
	}
	return fmt.Sprintf(`{
"listen_addr": "127.0.0.1:0",
"origin": "http://game.local",
"upstream": %q,
"scope": "/tetris/",
"cache_name": %q,
"manifest": ["index.html", "offline.html", "game.js"],
"offline_fallback": "offline.html",
"sync_tag": "score-sync",
"shutdown": {"drain_ms": 1, "graceful_timeout_ms": 2000, "force_close_ms": 1},
"notification": {"title": "Tetris", "default_body": "New high score!", "vibrate": [100, 50, 100]}%s
}`, upstream, cacheName, extra)
}

func loadConfig(t *testing.T, cfgJSON string) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(cfgJSON), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, _, err := config.Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return cfg
}

// startApp installs the worker and serves it. The app is shut down when the
// test ends unless the test already did so.
func startApp(t *testing.T, cfgJSON string) (*app.App, *obs.Metrics) {
	t.Helper()
	cfg := loadConfig(t, cfgJSON)
	metrics := obs.NewMetrics()
	proxyApp, err := app.New(cfg, app.Options{Metrics: metrics})
	if err != nil {
		t.Fatalf("build app: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := proxyApp.Start(ctx); err != nil {
		t.Fatalf("start app: %v", err)
	}
	t.Cleanup(func() {
		_ = proxyApp.Shutdown()
	})
	return proxyApp, metrics
}

func sendGameRequest(t *testing.T, client *http.Client, addr string, path string, document bool) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, "http://"+addr+path, nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if document {
		req.Header.Set("Sec-Fetch-Dest", "document")
		req.Header.Set("Sec-Fetch-Mode", "navigate")
	} else {
		req.Header.Set("Sec-Fetch-Dest", "script")
		req.Header.Set("Sec-Fetch-Mode", "no-cors")
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("request %s: %v", path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, string(body)
}

func expectCacheStatus(t *testing.T, resp *http.Response, expected string) {
	t.Helper()
	if got := resp.Header.Get(proxy.CacheStatusHeader); got != expected {
		t.Fatalf("expected cache status %q, got %q", expected, got)
	}
}

func controlRequest(t *testing.T, client *http.Client, addr string, method string, path string, token string, body string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, "http://"+addr+path, reader)
	if err != nil {
		t.Fatalf("build control request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("control request %s: %v", path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read control body: %v", err)
	}
	return resp, data
}

func decodeBody(t *testing.T, data []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("decode %q: %v", string(data), err)
	}
}

func fetchMetrics(t *testing.T, client *http.Client, addr string) string {
	t.Helper()
	resp, body := controlRequest(t, client, addr, http.MethodGet, "/_worker/metrics", testToken, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected metrics 200, got %d", resp.StatusCode)
	}
	return string(body)
}

func metricValue(text string, metric string, labels map[string]string) (float64, bool) {
	lines := strings.Split(text, "\n")
	total := 0.0
	found := false
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if !strings.HasPrefix(line, metric+"{") && !strings.HasPrefix(line, metric+" ") {
			continue
		}
		match := true
		for key, value := range labels {
			if !strings.Contains(line, key+"=\""+value+"\"") {
				match = false
				break
			}
		}
		if !match {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 2 {
			continue
		}
		value, err := strconv.ParseFloat(parts[len(parts)-1], 64)
		if err != nil {
			return 0, false
		}
		found = true
		total += value
	}
	return total, found
}
