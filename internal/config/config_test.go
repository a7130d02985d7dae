package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"offline_cache_proxy/internal/worker"
)

const minimalJSON = `{"origin": "http://game.local:8080", "upstream": "http://127.0.0.1:9000"}`

func TestLoadAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(minimalJSON), 0o600))

	cfg, warnings, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, worker.DefaultCacheName, cfg.CacheName)
	assert.Equal(t, worker.DefaultManifest, cfg.Manifest)
	assert.Equal(t, "./tetris.html", cfg.OfflineFallback)
	assert.Equal(t, StoreDriverMemory, cfg.Store.Driver)
	assert.Contains(t, warnings, "store.driver memory does not survive restarts")
}

func TestApplyEnvOverridesFile(t *testing.T) {
	cfg, err := ParseJSON([]byte(`{
		"origin": "http://game.local",
		"upstream": "http://127.0.0.1:9000",
		"cache_name": "tetris-turbo-mobile-v1",
		"store": {"driver": "memory"}
	}`))
	require.NoError(t, err)

	t.Setenv("OFFLINE_PROXY_CACHE_NAME", "tetris-turbo-mobile-v3")
	t.Setenv("OFFLINE_PROXY_STORE_DRIVER", "sqlite")
	t.Setenv("OFFLINE_PROXY_STORE_PATH", "/var/lib/offline/cache.db")
	t.Setenv("OFFLINE_PROXY_MANIFEST", "./,./index.js")
	t.Setenv("OFFLINE_PROXY_INSTALL_MAX_ATTEMPTS", "5")
	require.NoError(t, ApplyEnv(cfg))
	ApplyDefaults(cfg)

	assert.Equal(t, "tetris-turbo-mobile-v3", cfg.CacheName)
	assert.Equal(t, StoreDriverSQLite, cfg.Store.Driver)
	assert.Equal(t, "/var/lib/offline/cache.db", cfg.Store.Path)
	assert.Equal(t, []string{"./", "./index.js"}, cfg.Manifest)
	assert.Equal(t, "http://127.0.0.1:9000", cfg.Upstream)
	assert.Equal(t, 5, cfg.Install.MaxAttempts)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"missing origin":   `{"upstream": "http://127.0.0.1:9000"}`,
		"relative origin":  `{"origin": "/game", "upstream": "http://127.0.0.1:9000"}`,
		"missing upstream": `{"origin": "http://game.local"}`,
		"empty manifest":   `{"origin": "http://game.local", "upstream": "http://u", "manifest": ["./", " "]}`,
		"unknown driver":   `{"origin": "http://game.local", "upstream": "http://u", "store": {"driver": "redis"}}`,
		"sqlite no path":   `{"origin": "http://game.local", "upstream": "http://u", "store": {"driver": "sqlite"}}`,
		"negative timeout": `{"origin": "http://game.local", "upstream": "http://u", "fetch": {"dial_timeout_ms": -1}}`,
		"untitled notice":  `{"origin": "http://game.local", "upstream": "http://u", "notification": {"default_body": "x"}}`,
		"negative backoff": `{"origin": "http://game.local", "upstream": "http://u", "install": {"backoff_ms": -5}}`,
		"breaker percent":  `{"origin": "http://game.local", "upstream": "http://u", "fetch": {"breaker": {"failure_rate_percent": 150}}}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			cfg, err := ParseJSON([]byte(raw))
			require.NoError(t, err)
			ApplyDefaults(cfg)
			_, err = Validate(cfg)
			assert.Error(t, err)
		})
	}
}

func TestWorkerConfigResolvesScope(t *testing.T) {
	cfg, err := ParseJSON([]byte(`{
		"origin": "http://game.local:8080",
		"upstream": "http://127.0.0.1:9000",
		"scope": "/tetris",
		"install": {"max_attempts": 4, "backoff_ms": 250},
		"notification": {"title": "Blocks", "actions": [{"action": "play", "title": "Play"}]}
	}`))
	require.NoError(t, err)
	ApplyDefaults(cfg)

	workerCfg, err := cfg.WorkerConfig()
	require.NoError(t, err)
	assert.Equal(t, "http://game.local:8080/tetris/", workerCfg.Scope.String())
	assert.Equal(t, "Blocks", workerCfg.Notification.Title)
	require.Len(t, workerCfg.Notification.Actions, 1)
	assert.Equal(t, "play", workerCfg.Notification.Actions[0].Action)
	assert.Equal(t, 4, workerCfg.Install.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, workerCfg.Install.Backoff)

	fetchCfg, err := cfg.FetchConfig()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", fetchCfg.Upstream.Host)
	assert.False(t, fetchCfg.Breaker.Enabled)
	assert.Equal(t, 50, fetchCfg.Breaker.FailureRateThresholdPercent)
	assert.Equal(t, 5, fetchCfg.Breaker.MinimumRequests)
}

func TestValidateWarnsWithoutControlToken(t *testing.T) {
	t.Setenv("OFFLINE_PROXY_CONTROL_TOKEN", "")
	cfg, err := ParseJSON([]byte(minimalJSON))
	require.NoError(t, err)
	ApplyDefaults(cfg)

	warnings, err := Validate(cfg)
	require.NoError(t, err)
	assert.Contains(t, warnings, "control token missing in OFFLINE_PROXY_CONTROL_TOKEN; sync and push endpoints disabled")

	t.Setenv("OFFLINE_PROXY_CONTROL_TOKEN", "secret")
	warnings, err = Validate(cfg)
	require.NoError(t, err)
	assert.NotContains(t, warnings, "control token missing in OFFLINE_PROXY_CONTROL_TOKEN; sync and push endpoints disabled")
}
