package lifecycle

import (
	"sync"

	"offline_cache_proxy/internal/obs"
)

// VersionInfoObserver publishes the active version to the version info gauge. Versions
// that never activate leave the gauge alone.
type VersionInfoObserver struct {
	metrics *obs.Metrics

	mu     sync.Mutex
	active *Version
}

func NewVersionInfo(metrics *obs.Metrics) *VersionInfoObserver {
	return &VersionInfoObserver{metrics: metrics}
}

func (o *VersionInfoObserver) ObserveVersion(v *Version, state State) {
	o.mu.Lock()
	defer o.mu.Unlock()

	switch state {
	case StateActivated:
		o.active = v
	case StateRedundant:
		if v != o.active {
			return
		}
		o.active = nil
	default:
		return
	}
	o.metrics.SetVersionInfo(v.CacheName(), string(state))
}
