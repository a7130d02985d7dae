package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"

	"offline_cache_proxy/internal/breaker"
	"offline_cache_proxy/internal/cache"
	"offline_cache_proxy/internal/fetch"
	"offline_cache_proxy/internal/health"
	"offline_cache_proxy/internal/notify"
	"offline_cache_proxy/internal/retry"
	"offline_cache_proxy/internal/worker"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "OFFLINE_PROXY_"

const (
	StoreDriverMemory = "memory"
	StoreDriverSQLite = "sqlite"

	defaultListenAddr      = ":8080"
	defaultScope           = "/"
	defaultControlTokenEnv = "OFFLINE_PROXY_CONTROL_TOKEN"
	defaultControlRPS      = 5
	defaultControlBurst    = 10
	defaultNotifications   = notify.DefaultCapacity
	defaultBreakerPercent  = 50
	defaultBreakerMinimum  = 5
)

type Config struct {
	ListenAddr      string   `json:"listen_addr" env:"LISTEN_ADDR"`
	Origin          string   `json:"origin" env:"ORIGIN"`
	Upstream        string   `json:"upstream" env:"UPSTREAM"`
	Scope           string   `json:"scope" env:"SCOPE"`
	CacheName       string   `json:"cache_name" env:"CACHE_NAME"`
	Manifest        []string `json:"manifest" env:"MANIFEST" envSeparator:","`
	OfflineFallback string   `json:"offline_fallback" env:"OFFLINE_FALLBACK"`
	SyncTag         string   `json:"sync_tag" env:"SYNC_TAG"`
	WaitForIdle     bool     `json:"wait_for_idle" env:"WAIT_FOR_IDLE"`
	GRPCHealthAddr  string   `json:"grpc_health_addr" env:"GRPC_HEALTH_ADDR"`

	Store        StoreConfig         `json:"store" envPrefix:"STORE_"`
	Fetch        FetchConfig         `json:"fetch" envPrefix:"FETCH_"`
	Install      InstallConfig       `json:"install" envPrefix:"INSTALL_"`
	Limits       LimitsConfig        `json:"limits" envPrefix:"LIMITS_"`
	Shutdown     ShutdownConfig      `json:"shutdown" envPrefix:"SHUTDOWN_"`
	Control      ControlConfig       `json:"control" envPrefix:"CONTROL_"`
	Health       HealthConfig        `json:"health" envPrefix:"HEALTH_"`
	Notification *NotificationConfig `json:"notification,omitempty"`
}

type StoreConfig struct {
	Driver         string `json:"driver" env:"DRIVER"`
	Path           string `json:"path" env:"PATH"`
	MaxObjectBytes int64  `json:"max_object_bytes" env:"MAX_OBJECT_BYTES"`
}

type FetchConfig struct {
	DialTimeoutMS           int           `json:"dial_timeout_ms" env:"DIAL_TIMEOUT_MS"`
	ResponseHeaderTimeoutMS int           `json:"response_header_timeout_ms" env:"RESPONSE_HEADER_TIMEOUT_MS"`
	Breaker                 BreakerConfig `json:"breaker" envPrefix:"BREAKER_"`
}

// BreakerConfig opens the upstream breaker once the failure rate within the
// window reaches FailureRatePercent.
type BreakerConfig struct {
	Enabled            bool `json:"enabled" env:"ENABLED"`
	FailureRatePercent int  `json:"failure_rate_percent" env:"FAILURE_RATE_PERCENT"`
	MinimumRequests    int  `json:"minimum_requests" env:"MINIMUM_REQUESTS"`
	WindowMS           int  `json:"window_ms" env:"WINDOW_MS"`
	OpenMS             int  `json:"open_ms" env:"OPEN_MS"`
	HalfOpenProbes     int  `json:"half_open_probes" env:"HALF_OPEN_PROBES"`
}

// InstallConfig bounds retries of manifest fetches during install. A
// negative MaxAttempts disables retries.
type InstallConfig struct {
	MaxAttempts     int `json:"max_attempts" env:"MAX_ATTEMPTS"`
	PerTryTimeoutMS int `json:"per_try_timeout_ms" env:"PER_TRY_TIMEOUT_MS"`
	BackoffMS       int `json:"backoff_ms" env:"BACKOFF_MS"`
	BackoffJitterMS int `json:"backoff_jitter_ms" env:"BACKOFF_JITTER_MS"`
}

type LimitsConfig struct {
	MaxHeaderBytes      int   `json:"max_header_bytes" env:"MAX_HEADER_BYTES"`
	MaxHeaderCount      int   `json:"max_header_count" env:"MAX_HEADER_COUNT"`
	MaxURLBytes         int   `json:"max_url_bytes" env:"MAX_URL_BYTES"`
	MaxBodyBytes        int64 `json:"max_body_bytes" env:"MAX_BODY_BYTES"`
	ReadHeaderTimeoutMS int   `json:"read_header_timeout_ms" env:"READ_HEADER_TIMEOUT_MS"`
	ReadTimeoutMS       int   `json:"read_timeout_ms" env:"READ_TIMEOUT_MS"`
	WriteTimeoutMS      int   `json:"write_timeout_ms" env:"WRITE_TIMEOUT_MS"`
	IdleTimeoutMS       int   `json:"idle_timeout_ms" env:"IDLE_TIMEOUT_MS"`
}

type ShutdownConfig struct {
	DrainMS           int `json:"drain_ms" env:"DRAIN_MS"`
	GracefulTimeoutMS int `json:"graceful_timeout_ms" env:"GRACEFUL_TIMEOUT_MS"`
	ForceCloseMS      int `json:"force_close_ms" env:"FORCE_CLOSE_MS"`
}

type ControlConfig struct {
	// TokenEnv names the variable holding the bearer token for sync and
	// push. Those endpoints are disabled while it is empty.
	TokenEnv         string  `json:"token_env" env:"TOKEN_ENV"`
	RateLimitRPS     float64 `json:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	RateLimitBurst   int     `json:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
	NotificationKeep int     `json:"notification_keep" env:"NOTIFICATION_KEEP"`
}

// HealthConfig drives the upstream probe behind the gRPC health service.
type HealthConfig struct {
	ProbePath              string `json:"probe_path" env:"PROBE_PATH"`
	ProbeIntervalMS        int    `json:"probe_interval_ms" env:"PROBE_INTERVAL_MS"`
	ProbeTimeoutMS         int    `json:"probe_timeout_ms" env:"PROBE_TIMEOUT_MS"`
	UnhealthyAfterFailures int    `json:"unhealthy_after_failures" env:"UNHEALTHY_AFTER_FAILURES"`
	HealthyAfterSuccesses  int    `json:"healthy_after_successes" env:"HEALTHY_AFTER_SUCCESSES"`
}

type NotificationConfig struct {
	Title       string         `json:"title"`
	DefaultBody string         `json:"default_body"`
	Icon        string         `json:"icon"`
	Badge       string         `json:"badge"`
	Vibrate     []int          `json:"vibrate"`
	Actions     []ActionConfig `json:"actions"`
}

type ActionConfig struct {
	Action string `json:"action"`
	Title  string `json:"title"`
	Icon   string `json:"icon"`
}

func ParseJSON(data []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load reads path, applies environment overrides and defaults, and
// validates the result.
func Load(path string) (*Config, []string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := ParseJSON(data)
	if err != nil {
		return nil, nil, fmt.Errorf("parse config: %w", err)
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, nil, err
	}
	ApplyDefaults(cfg)
	warnings, err := Validate(cfg)
	if err != nil {
		return nil, warnings, err
	}
	return cfg, warnings, nil
}

// ApplyEnv overrides cfg with every OFFLINE_PROXY_* variable that is set.
func ApplyEnv(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

func ApplyDefaults(cfg *Config) {
	if cfg == nil {
		return
	}
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	if strings.TrimSpace(cfg.Scope) == "" {
		cfg.Scope = defaultScope
	}
	if strings.TrimSpace(cfg.CacheName) == "" {
		cfg.CacheName = worker.DefaultCacheName
	}
	if cfg.Manifest == nil {
		cfg.Manifest = append([]string(nil), worker.DefaultManifest...)
	}
	if strings.TrimSpace(cfg.OfflineFallback) == "" {
		cfg.OfflineFallback = worker.DefaultOfflineFallback
	}
	if strings.TrimSpace(cfg.SyncTag) == "" {
		cfg.SyncTag = worker.DefaultSyncTag
	}
	if strings.TrimSpace(cfg.Store.Driver) == "" {
		cfg.Store.Driver = StoreDriverMemory
	}
	if cfg.Store.MaxObjectBytes == 0 {
		cfg.Store.MaxObjectBytes = cache.DefaultMaxObjectBytes
	}
	if strings.TrimSpace(cfg.Control.TokenEnv) == "" {
		cfg.Control.TokenEnv = defaultControlTokenEnv
	}
	if cfg.Control.RateLimitRPS == 0 {
		cfg.Control.RateLimitRPS = defaultControlRPS
	}
	if cfg.Control.RateLimitBurst == 0 {
		cfg.Control.RateLimitBurst = defaultControlBurst
	}
	if strings.TrimSpace(cfg.Health.ProbePath) == "" {
		cfg.Health.ProbePath = "/"
	}
	if cfg.Fetch.Breaker.FailureRatePercent == 0 {
		cfg.Fetch.Breaker.FailureRatePercent = defaultBreakerPercent
	}
	if cfg.Fetch.Breaker.MinimumRequests == 0 {
		cfg.Fetch.Breaker.MinimumRequests = defaultBreakerMinimum
	}
	if cfg.Control.NotificationKeep == 0 {
		cfg.Control.NotificationKeep = defaultNotifications
	}
}

// OriginURL is the public origin the worker is scoped to.
func (c *Config) OriginURL() (*url.URL, error) {
	return parseAbsolute("origin", c.Origin)
}

func (c *Config) UpstreamURL() (*url.URL, error) {
	return parseAbsolute("upstream", c.Upstream)
}

// ScopeURL resolves Scope against the origin. Manifest entries and the
// offline fallback are relative to it.
func (c *Config) ScopeURL() (*url.URL, error) {
	origin, err := c.OriginURL()
	if err != nil {
		return nil, err
	}
	scope := c.Scope
	if scope == "" {
		scope = defaultScope
	}
	if !strings.HasSuffix(scope, "/") {
		scope += "/"
	}
	ref, err := url.Parse(scope)
	if err != nil {
		return nil, fmt.Errorf("scope: %w", err)
	}
	return origin.ResolveReference(ref), nil
}

func (c *Config) WorkerConfig() (worker.Config, error) {
	scope, err := c.ScopeURL()
	if err != nil {
		return worker.Config{}, err
	}
	cfg := worker.Config{
		CacheName:       c.CacheName,
		Scope:           scope,
		Manifest:        append([]string(nil), c.Manifest...),
		OfflineFallback: c.OfflineFallback,
		SyncTag:         c.SyncTag,
		MaxObjectBytes:  c.Store.MaxObjectBytes,
		WaitForIdle:     c.WaitForIdle,
		Install: retry.Policy{
			MaxAttempts:   c.Install.MaxAttempts,
			PerTryTimeout: millis(c.Install.PerTryTimeoutMS),
			Backoff:       millis(c.Install.BackoffMS),
			BackoffJitter: millis(c.Install.BackoffJitterMS),
		},
	}
	if c.Notification != nil {
		cfg.Notification = worker.NotificationTemplate{
			Title:       c.Notification.Title,
			DefaultBody: c.Notification.DefaultBody,
			Icon:        c.Notification.Icon,
			Badge:       c.Notification.Badge,
			Vibrate:     append([]int(nil), c.Notification.Vibrate...),
		}
		for _, action := range c.Notification.Actions {
			cfg.Notification.Actions = append(cfg.Notification.Actions, notify.Action{
				Action: action.Action,
				Title:  action.Title,
				Icon:   action.Icon,
			})
		}
	}
	return cfg, nil
}

func (c *Config) FetchConfig() (fetch.Config, error) {
	origin, err := c.OriginURL()
	if err != nil {
		return fetch.Config{}, err
	}
	upstream, err := c.UpstreamURL()
	if err != nil {
		return fetch.Config{}, err
	}
	return fetch.Config{
		Origin:                origin,
		Upstream:              upstream,
		DialTimeout:           millis(c.Fetch.DialTimeoutMS),
		ResponseHeaderTimeout: millis(c.Fetch.ResponseHeaderTimeoutMS),
		Breaker: breaker.Config{
			Enabled:                     c.Fetch.Breaker.Enabled,
			FailureRateThresholdPercent: c.Fetch.Breaker.FailureRatePercent,
			MinimumRequests:             c.Fetch.Breaker.MinimumRequests,
			EvaluationWindow:            millis(c.Fetch.Breaker.WindowMS),
			OpenDuration:                millis(c.Fetch.Breaker.OpenMS),
			HalfOpenMaxProbes:           c.Fetch.Breaker.HalfOpenProbes,
		},
	}, nil
}

// ProbeConfig targets the upstream with the configured probe path.
func (c *Config) ProbeConfig() (health.ProbeConfig, error) {
	upstream, err := c.UpstreamURL()
	if err != nil {
		return health.ProbeConfig{}, err
	}
	ref, err := url.Parse(c.Health.ProbePath)
	if err != nil {
		return health.ProbeConfig{}, fmt.Errorf("health.probe_path: %w", err)
	}
	return health.ProbeConfig{
		URL:                    upstream.ResolveReference(ref).String(),
		Interval:               millis(c.Health.ProbeIntervalMS),
		Timeout:                millis(c.Health.ProbeTimeoutMS),
		UnhealthyAfterFailures: c.Health.UnhealthyAfterFailures,
		HealthyAfterSuccesses:  c.Health.HealthyAfterSuccesses,
	}, nil
}

func parseAbsolute(field string, raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%s is required", field)
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", field, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("%s must be an http or https url", field)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("%s host is required", field)
	}
	return parsed, nil
}
