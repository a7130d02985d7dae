package lifecycle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"offline_cache_proxy/internal/notify"
	"offline_cache_proxy/internal/worker"
)

type State string

const (
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

// Version is one installed engine. It is the host the engine signals.
type Version struct {
	id     uint64
	engine *worker.Engine
	reg    *Registration

	mu    sync.Mutex
	state State

	skipWaiting atomic.Bool
	claimed     atomic.Bool
	refCount    atomic.Int64
	retiredAt   atomic.Int64
}

var _ worker.Host = (*Version)(nil)

func (v *Version) ID() uint64 {
	if v == nil {
		return 0
	}
	return v.id
}

func (v *Version) Engine() *worker.Engine {
	if v == nil {
		return nil
	}
	return v.engine
}

func (v *Version) CacheName() string {
	if v == nil || v.engine == nil {
		return ""
	}
	return v.engine.CacheName()
}

func (v *Version) State() State {
	if v == nil {
		return StateRedundant
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

func (v *Version) setState(state State) {
	v.mu.Lock()
	if v.state == state {
		v.mu.Unlock()
		return
	}
	v.state = state
	v.mu.Unlock()
	v.reg.notify(v, state)
}

// SkipWaiting lets an installed version activate without waiting for the
// active version to go idle.
func (v *Version) SkipWaiting() {
	if v == nil {
		return
	}
	if v.skipWaiting.CompareAndSwap(false, true) && v.reg != nil {
		v.reg.broadcast()
	}
}

func (v *Version) SkippedWaiting() bool {
	return v != nil && v.skipWaiting.Load()
}

// Claim makes the version control subresource requests as well as
// navigations once it is active.
func (v *Version) Claim() {
	if v == nil {
		return
	}
	v.claimed.Store(true)
}

func (v *Version) Claimed() bool {
	return v != nil && v.claimed.Load()
}

func (v *Version) ShowNotification(ctx context.Context, n notify.Notification) error {
	if v == nil || v.reg == nil {
		return errors.New("version not registered")
	}
	return v.reg.notifications.Show(ctx, n)
}

func (v *Version) IncRef() {
	if v == nil {
		return
	}
	v.refCount.Add(1)
}

func (v *Version) DecRef() {
	if v == nil {
		return
	}
	v.refCount.Add(-1)
}

// RefCount is the number of requests the version is currently serving.
func (v *Version) RefCount() int64 {
	if v == nil {
		return 0
	}
	return v.refCount.Load()
}

func (v *Version) markRetired(now time.Time) {
	v.retiredAt.Store(now.UnixNano())
}

func (v *Version) Retired() bool {
	return v != nil && v.retiredAt.Load() > 0
}
