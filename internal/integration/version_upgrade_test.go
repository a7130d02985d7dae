package integration

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"offline_cache_proxy/internal/testutil"
)

func TestUpgradeDeletesPreviousCache(t *testing.T) {
	t.Setenv(tokenEnvName, testToken)
	origin := testutil.StartGameOrigin(t, gamePages())
	storeJSON := fmt.Sprintf(`"store": {"driver": "sqlite", "path": %q}`, filepath.Join(t.TempDir(), "cache.db"))

	first, _ := startApp(t, buildConfig(origin.URL, "tetris-v1", storeJSON))
	if err := first.Shutdown(); err != nil {
		t.Fatalf("shutdown first: %v", err)
	}

	origin.SetPage("/tetris/game.js", "startGame(2);")
	second, _ := startApp(t, buildConfig(origin.URL, "tetris-v2", storeJSON))

	names, err := second.Store().Namespaces(context.Background())
	if err != nil {
		t.Fatalf("namespaces: %v", err)
	}
	sort.Strings(names)
	if len(names) != 1 || names[0] != "tetris-v2" {
		t.Fatalf("expected only tetris-v2, got %v", names)
	}

	client := &http.Client{Timeout: 2 * time.Second}
	resp, body := sendGameRequest(t, client, second.Addr(), "/tetris/game.js", false)
	expectCacheStatus(t, resp, "hit")
	if body != "startGame(2);" {
		t.Fatalf("expected upgraded script, got %q", body)
	}

	var state struct {
		Active struct {
			CacheName string `json:"cache_name"`
			State     string `json:"state"`
			Claimed   bool   `json:"claimed"`
		} `json:"active"`
		Namespaces []string `json:"namespaces"`
	}
	resp, data := controlRequest(t, client, second.Addr(), http.MethodGet, "/_worker/state", testToken, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected state 200, got %d", resp.StatusCode)
	}
	decodeBody(t, data, &state)
	if state.Active.CacheName != "tetris-v2" || state.Active.State != "activated" || !state.Active.Claimed {
		t.Fatalf("unexpected active version %+v", state.Active)
	}
	if len(state.Namespaces) != 1 {
		t.Fatalf("expected one namespace, got %v", state.Namespaces)
	}
}
