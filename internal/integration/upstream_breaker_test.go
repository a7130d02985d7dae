package integration

import (
	"net/http"
	"testing"
	"time"

	"offline_cache_proxy/internal/proxy"
	"offline_cache_proxy/internal/testutil"
)

func TestUpstreamBreakerOpensWhenOriginGoesOffline(t *testing.T) {
	origin := testutil.StartGameOrigin(t, gamePages())
	breakerConfig := `"fetch": {"breaker": {"enabled": true, "failure_rate_percent": 1, "minimum_requests": 1, "open_ms": 60000}}`
	proxyApp, _ := startApp(t, buildConfig(origin.URL, "tetris-v1", breakerConfig))
	client := &http.Client{Timeout: 2 * time.Second}

	origin.SetOffline(true)

	resp, body := sendGameRequest(t, client, proxyApp.Addr(), "/tetris/level-2.html", true)
	expectCacheStatus(t, resp, "offline")
	if body != offlinePage {
		t.Fatalf("expected offline page, got %q", body)
	}

	resp, body = sendGameRequest(t, client, proxyApp.Addr(), "/tetris/level-3.html", true)
	expectCacheStatus(t, resp, "offline")
	if body != offlinePage {
		t.Fatalf("expected offline page while breaker open, got %q", body)
	}

	resp, data := sendGameRequest(t, client, proxyApp.Addr(), "/tetris/level-3.js", false)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502 for subresource, got %d", resp.StatusCode)
	}
	var proxyErr proxy.ProxyErrorBody
	decodeBody(t, []byte(data), &proxyErr)
	if proxyErr.ErrorCategory != "upstream_connect_failed" {
		t.Fatalf("expected fast connect failure from open breaker, got %q", proxyErr.ErrorCategory)
	}

	metrics := fetchMetrics(t, client, proxyApp.Addr())
	if value, ok := metricValue(metrics, "offline_proxy_upstream_breaker_state", map[string]string{"state": "open"}); !ok || value != 1 {
		t.Fatalf("expected breaker open gauge, got %v (found=%v)", value, ok)
	}
}
