package health

import (
	"context"
	"net/http"
	"time"
)

const (
	defaultProbeInterval = 10 * time.Second
	defaultProbeTimeout  = 2 * time.Second
)

type ProbeConfig struct {
	// URL is probed with GET; any 2xx or 3xx counts as success.
	URL                    string
	Interval               time.Duration
	Timeout                time.Duration
	UnhealthyAfterFailures int
	HealthyAfterSuccesses  int
}

// ProbeLoop probes cfg.URL until ctx ends and calls onChange whenever the
// healthy verdict flips. The upstream starts healthy.
func ProbeLoop(ctx context.Context, cfg ProbeConfig, onChange func(healthy bool)) {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultProbeInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultProbeTimeout
	}
	if cfg.UnhealthyAfterFailures <= 0 {
		cfg.UnhealthyAfterFailures = 1
	}
	if cfg.HealthyAfterSuccesses <= 0 {
		cfg.HealthyAfterSuccesses = 1
	}
	client := &http.Client{Timeout: cfg.Timeout}

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	healthy := true
	failures, successes := 0, 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if safeProbe(ctx, client, cfg.URL) {
			failures = 0
			successes++
			if !healthy && successes >= cfg.HealthyAfterSuccesses {
				healthy = true
				onChange(true)
			}
			continue
		}
		successes = 0
		failures++
		if healthy && failures >= cfg.UnhealthyAfterFailures {
			healthy = false
			onChange(false)
		}
	}
}

func safeProbe(ctx context.Context, client *http.Client, target string) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 400
}
