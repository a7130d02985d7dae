package runtime

import (
	"fmt"
	"time"

	"offline_cache_proxy/internal/config"
)

// ShutdownConfig sequences a graceful stop. Drain keeps the listener's
// in-flight work running after new connections are refused. GracefulTimeout
// bounds both in-flight requests and pending cache writes. ForceClose is the
// pause before remaining connections are cut.
type ShutdownConfig struct {
	Drain           time.Duration
	GracefulTimeout time.Duration
	ForceClose      time.Duration
}

func DefaultShutdownConfig() ShutdownConfig {
	return ShutdownConfig{
		Drain:           2 * time.Second,
		GracefulTimeout: 5 * time.Second,
		ForceClose:      2 * time.Second,
	}
}

// ShutdownFromConfig converts millisecond settings; zero keeps the default.
func ShutdownFromConfig(cfg config.ShutdownConfig) (ShutdownConfig, error) {
	shutdown := DefaultShutdownConfig()
	fields := []struct {
		name   string
		millis int
		dst    *time.Duration
	}{
		{"shutdown.drain_ms", cfg.DrainMS, &shutdown.Drain},
		{"shutdown.graceful_timeout_ms", cfg.GracefulTimeoutMS, &shutdown.GracefulTimeout},
		{"shutdown.force_close_ms", cfg.ForceCloseMS, &shutdown.ForceClose},
	}
	for _, field := range fields {
		switch {
		case field.millis < 0:
			return ShutdownConfig{}, fmt.Errorf("%s must be non-negative", field.name)
		case field.millis > 0:
			*field.dst = time.Duration(field.millis) * time.Millisecond
		}
	}
	return shutdown, nil
}

// WithDefaults fills unset durations.
func (c ShutdownConfig) WithDefaults() ShutdownConfig {
	defaults := DefaultShutdownConfig()
	if c.Drain <= 0 {
		c.Drain = defaults.Drain
	}
	if c.GracefulTimeout <= 0 {
		c.GracefulTimeout = defaults.GracefulTimeout
	}
	if c.ForceClose <= 0 {
		c.ForceClose = defaults.ForceClose
	}
	return c
}
