package integration

import (
	"bufio"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"offline_cache_proxy/internal/testutil"
)

func TestAccessLogDescribesCacheHit(t *testing.T) {
	origin := testutil.StartGameOrigin(t, gamePages())
	proxyApp, _ := startApp(t, buildConfig(origin.URL, "tetris-v1", ""))

	oldStdout := os.Stdout
	reader, writer, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	os.Stdout = writer
	defer func() {
		os.Stdout = oldStdout
	}()

	req := httptest.NewRequest(http.MethodGet, "/tetris/game.js", nil)
	req.Header.Set("Sec-Fetch-Dest", "script")
	req.Header.Set("X-Request-Id", "req-42")
	recorder := httptest.NewRecorder()
	proxyApp.Handler().ServeHTTP(recorder, req)

	if err := writer.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	lines := readLines(t, reader)
	if len(lines) != 1 {
		t.Fatalf("expected 1 log line, got %d", len(lines))
	}

	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(lines[0]), &payload); err != nil {
		t.Fatalf("parse log json: %v", err)
	}
	if payload["request_id"] != "req-42" {
		t.Fatalf("expected request id req-42, got %v", payload["request_id"])
	}
	if payload["cache_status"] != "hit" {
		t.Fatalf("expected cache_status hit, got %v", payload["cache_status"])
	}
	if payload["cache_name"] != "tetris-v1" {
		t.Fatalf("expected cache_name tetris-v1, got %v", payload["cache_name"])
	}
	if payload["controlled"] != true {
		t.Fatalf("expected controlled request")
	}
	if payload["destination"] != "script" {
		t.Fatalf("expected destination script, got %v", payload["destination"])
	}
	if payload["error_category"] != "none" {
		t.Fatalf("expected error_category none, got %v", payload["error_category"])
	}
	assertLogField(t, payload, "status")
	assertLogField(t, payload, "duration_ms")
	if recorder.Header().Get("X-Request-Id") != "req-42" {
		t.Fatalf("expected request id echoed in response")
	}
}

func TestMetricsTrackCacheOutcomes(t *testing.T) {
	t.Setenv(tokenEnvName, testToken)
	origin := testutil.StartGameOrigin(t, gamePages())
	proxyApp, _ := startApp(t, buildConfig(origin.URL, "tetris-v1", ""))
	client := &http.Client{Timeout: 2 * time.Second}

	for i := 0; i < 3; i++ {
		_, _ = sendGameRequest(t, client, proxyApp.Addr(), "/tetris/game.js", false)
	}
	origin.SetOffline(true)
	_, _ = sendGameRequest(t, client, proxyApp.Addr(), "/tetris/scores.html", true)

	text := fetchMetrics(t, client, proxyApp.Addr())
	if value, ok := metricValue(text, "offline_proxy_requests_total", map[string]string{"cache_status": "hit", "status_class": "2xx"}); !ok || value != 3 {
		t.Fatalf("expected 3 hits, got %v (found=%v)", value, ok)
	}
	if value, ok := metricValue(text, "offline_proxy_requests_total", map[string]string{"cache_status": "offline"}); !ok || value != 1 {
		t.Fatalf("expected 1 offline response, got %v (found=%v)", value, ok)
	}
	if _, ok := metricValue(text, "offline_proxy_network_errors_total", nil); !ok {
		t.Fatalf("expected network error counter")
	}
	if value, ok := metricValue(text, "offline_proxy_active_version_info", map[string]string{"cache_name": "tetris-v1", "state": "activated"}); !ok || value != 1 {
		t.Fatalf("expected active version info, got %v (found=%v)", value, ok)
	}
	if strings.Contains(text, testToken) {
		t.Fatalf("metrics leaked the control token")
	}
}

func readLines(t *testing.T, r io.Reader) []string {
	t.Helper()
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read log data: %v", err)
	}
	lines := []string{}
	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scan logs: %v", err)
	}
	return lines
}

func assertLogField(t *testing.T, payload map[string]interface{}, field string) {
	t.Helper()
	value, ok := payload[field]
	if !ok {
		t.Fatalf("missing log field %s", field)
	}
	if v, ok := value.(string); ok && v == "" {
		t.Fatalf("log field %s is empty", field)
	}
}
