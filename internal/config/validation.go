package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// Validate checks cfg after defaults are applied. Warnings describe
// settings that are legal but probably unintended.
func Validate(cfg *Config) ([]string, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	warnings := []string{}
	if err := validateEndpoints(cfg); err != nil {
		return warnings, err
	}
	if err := validateWorker(cfg); err != nil {
		return warnings, err
	}
	if err := validateStore(cfg, &warnings); err != nil {
		return warnings, err
	}
	if err := validateTimeouts(cfg); err != nil {
		return warnings, err
	}
	validateControl(cfg, &warnings)
	return warnings, nil
}

func validateEndpoints(cfg *Config) error {
	if _, err := cfg.OriginURL(); err != nil {
		return err
	}
	if _, err := cfg.UpstreamURL(); err != nil {
		return err
	}
	if _, err := cfg.ScopeURL(); err != nil {
		return err
	}
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		return errors.New("listen_addr is required")
	}
	return nil
}

func validateWorker(cfg *Config) error {
	if strings.TrimSpace(cfg.CacheName) == "" {
		return errors.New("cache_name is required")
	}
	for i, asset := range cfg.Manifest {
		if strings.TrimSpace(asset) == "" {
			return fmt.Errorf("manifest[%d] is empty", i)
		}
	}
	if strings.TrimSpace(cfg.OfflineFallback) == "" {
		return errors.New("offline_fallback is required")
	}
	if cfg.Notification != nil && strings.TrimSpace(cfg.Notification.Title) == "" {
		return errors.New("notification.title is required")
	}
	return nil
}

func validateStore(cfg *Config, warnings *[]string) error {
	switch strings.ToLower(strings.TrimSpace(cfg.Store.Driver)) {
	case StoreDriverMemory:
		*warnings = append(*warnings, "store.driver memory does not survive restarts")
	case StoreDriverSQLite:
		if strings.TrimSpace(cfg.Store.Path) == "" {
			return errors.New("store.path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("store.driver %q is not supported", cfg.Store.Driver)
	}
	if cfg.Store.MaxObjectBytes < 0 {
		return errors.New("store.max_object_bytes must be > 0")
	}
	return nil
}

func validateTimeouts(cfg *Config) error {
	values := map[string]int{
		"fetch.dial_timeout_ms":            cfg.Fetch.DialTimeoutMS,
		"fetch.response_header_timeout_ms": cfg.Fetch.ResponseHeaderTimeoutMS,
		"fetch.breaker.window_ms":          cfg.Fetch.Breaker.WindowMS,
		"fetch.breaker.open_ms":            cfg.Fetch.Breaker.OpenMS,
		"fetch.breaker.half_open_probes":   cfg.Fetch.Breaker.HalfOpenProbes,
		"install.per_try_timeout_ms":       cfg.Install.PerTryTimeoutMS,
		"install.backoff_ms":               cfg.Install.BackoffMS,
		"install.backoff_jitter_ms":        cfg.Install.BackoffJitterMS,
		"limits.read_header_timeout_ms":    cfg.Limits.ReadHeaderTimeoutMS,
		"limits.read_timeout_ms":           cfg.Limits.ReadTimeoutMS,
		"limits.write_timeout_ms":          cfg.Limits.WriteTimeoutMS,
		"limits.idle_timeout_ms":           cfg.Limits.IdleTimeoutMS,
		"shutdown.drain_ms":                cfg.Shutdown.DrainMS,
		"shutdown.graceful_timeout_ms":     cfg.Shutdown.GracefulTimeoutMS,
		"shutdown.force_close_ms":          cfg.Shutdown.ForceCloseMS,
		"health.probe_interval_ms":         cfg.Health.ProbeIntervalMS,
		"health.probe_timeout_ms":          cfg.Health.ProbeTimeoutMS,
	}
	for name, value := range values {
		if value < 0 {
			return fmt.Errorf("%s must be non-negative", name)
		}
	}
	if percent := cfg.Fetch.Breaker.FailureRatePercent; percent < 0 || percent > 100 {
		return errors.New("fetch.breaker.failure_rate_percent must be within 0..100")
	}
	if cfg.Limits.MaxBodyBytes < 0 {
		return errors.New("limits.max_body_bytes must be non-negative")
	}
	return nil
}

func validateControl(cfg *Config, warnings *[]string) {
	if strings.TrimSpace(os.Getenv(cfg.Control.TokenEnv)) == "" {
		*warnings = append(*warnings, fmt.Sprintf("control token missing in %s; sync and push endpoints disabled", cfg.Control.TokenEnv))
	}
	if cfg.Control.RateLimitRPS < 0 {
		*warnings = append(*warnings, "control.rate_limit_rps is negative; control rate limiting disabled")
	}
}

func millis(value int) time.Duration {
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Millisecond
}
