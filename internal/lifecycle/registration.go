// Package lifecycle hosts worker engines the way a browser hosts a service
// worker registration: one active version serving requests, at most one
// installed version waiting to replace it.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"offline_cache_proxy/internal/fetch"
	"offline_cache_proxy/internal/notify"
	"offline_cache_proxy/internal/worker"
)

// ErrSuperseded is returned by Register when a newer version was installed
// while this one was waiting.
var ErrSuperseded = errors.New("version superseded by a newer install")

// Observer is told about every version state change.
type Observer interface {
	ObserveVersion(v *Version, state State)
}

type Registration struct {
	active        atomic.Pointer[Version]
	notifications *notify.Center
	nextID        atomic.Uint64

	mu        sync.Mutex
	waiting   *Version
	retired   []*Version
	observers []Observer
	changed   chan struct{}
}

func NewRegistration(notifications *notify.Center, observers ...Observer) *Registration {
	if notifications == nil {
		notifications = notify.NewCenter(0, nil)
	}
	return &Registration{
		notifications: notifications,
		observers:     observers,
		changed:       make(chan struct{}),
	}
}

func (r *Registration) AddObserver(observer Observer) {
	if r == nil || observer == nil {
		return
	}
	r.mu.Lock()
	r.observers = append(r.observers, observer)
	r.mu.Unlock()
}

func (r *Registration) Notifications() *notify.Center {
	if r == nil {
		return nil
	}
	return r.notifications
}

func (r *Registration) Active() *Version {
	if r == nil {
		return nil
	}
	return r.active.Load()
}

func (r *Registration) Waiting() *Version {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.waiting
}

// Register installs engine as a new version and, once it may, activates it.
// It blocks until the version is active, is superseded, or ctx ends.
func (r *Registration) Register(ctx context.Context, engine *worker.Engine) (*Version, error) {
	if r == nil {
		return nil, errors.New("registration not initialized")
	}
	if engine == nil {
		return nil, errors.New("engine is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	v := &Version{id: r.nextID.Add(1), engine: engine, reg: r}
	v.setState(StateInstalling)
	if err := engine.OnInstall(ctx, v); err != nil {
		v.setState(StateRedundant)
		return v, fmt.Errorf("install %s: %w", engine.CacheName(), err)
	}
	v.setState(StateInstalled)

	r.mu.Lock()
	previous := r.waiting
	r.waiting = v
	r.mu.Unlock()
	if previous != nil {
		log.Printf("lifecycle waiting version superseded id=%d cache=%s", previous.id, previous.CacheName())
		previous.setState(StateRedundant)
		r.broadcast()
	}

	if err := r.awaitPromotion(ctx, v); err != nil {
		return v, err
	}
	r.activate(ctx, v)
	return v, nil
}

func (r *Registration) awaitPromotion(ctx context.Context, v *Version) error {
	for {
		r.mu.Lock()
		superseded := r.waiting != v
		changed := r.changed
		r.mu.Unlock()
		if superseded {
			return ErrSuperseded
		}

		active := r.active.Load()
		if active == nil || v.SkippedWaiting() || active.RefCount() == 0 {
			return nil
		}

		select {
		case <-changed:
		case <-ctx.Done():
			r.mu.Lock()
			if r.waiting == v {
				r.waiting = nil
			}
			r.mu.Unlock()
			v.setState(StateRedundant)
			return ctx.Err()
		}
	}
}

// activate runs the engine's activation and makes v the active version.
// Activation errors are logged; the version activates regardless.
func (r *Registration) activate(ctx context.Context, v *Version) {
	v.setState(StateActivating)
	if err := v.engine.OnActivate(ctx, v); err != nil {
		log.Printf("lifecycle activation error id=%d cache=%s error=%v", v.id, v.CacheName(), err)
	}

	r.mu.Lock()
	previous := r.active.Swap(v)
	if r.waiting == v {
		r.waiting = nil
	}
	if previous != nil {
		previous.markRetired(time.Now())
		r.retired = append(r.retired, previous)
	}
	r.mu.Unlock()

	if previous != nil {
		previous.setState(StateRedundant)
	}
	v.setState(StateActivated)
	r.Reap()
}

// Controller returns the version that handles req, or nil when req must go
// to the network uncontrolled. Navigations are always controlled by the
// active version; subresources only after it has claimed clients. The
// returned version must be passed to Release.
func (r *Registration) Controller(req *http.Request) *Version {
	v := r.Active()
	if v == nil {
		return nil
	}
	if !fetch.IsDocument(req) && !v.Claimed() {
		return nil
	}
	v.IncRef()
	return v
}

func (r *Registration) Release(v *Version) {
	if r == nil || v == nil {
		return
	}
	v.DecRef()
	if v.RefCount() == 0 {
		r.broadcast()
		if v.Retired() {
			r.Reap()
		}
	}
}

func (r *Registration) RetiredCount() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.retired)
}

// Reap drops retired versions that no longer serve requests.
func (r *Registration) Reap() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	retained := r.retired[:0]
	for _, v := range r.retired {
		if v != nil && v.RefCount() != 0 {
			retained = append(retained, v)
		}
	}
	r.retired = retained
}

func (r *Registration) broadcast() {
	r.mu.Lock()
	close(r.changed)
	r.changed = make(chan struct{})
	r.mu.Unlock()
}

func (r *Registration) notify(v *Version, state State) {
	if r == nil {
		return
	}
	log.Printf("lifecycle version state id=%d cache=%s state=%s", v.id, v.CacheName(), state)
	r.mu.Lock()
	observers := append([]Observer(nil), r.observers...)
	r.mu.Unlock()
	for _, observer := range observers {
		observer.ObserveVersion(v, state)
	}
}

// VersionInfo describes a version for the control API.
type VersionInfo struct {
	ID          uint64 `json:"id"`
	CacheName   string `json:"cache_name"`
	State       State  `json:"state"`
	Claimed     bool   `json:"claimed"`
	SkipWaiting bool   `json:"skip_waiting"`
	InFlight    int64  `json:"in_flight"`
}

type Snapshot struct {
	Active  *VersionInfo `json:"active,omitempty"`
	Waiting *VersionInfo `json:"waiting,omitempty"`
	Retired int          `json:"retired"`
}

func (r *Registration) Snapshot() Snapshot {
	return Snapshot{
		Active:  describe(r.Active()),
		Waiting: describe(r.Waiting()),
		Retired: r.RetiredCount(),
	}
}

func describe(v *Version) *VersionInfo {
	if v == nil {
		return nil
	}
	return &VersionInfo{
		ID:          v.id,
		CacheName:   v.CacheName(),
		State:       v.State(),
		Claimed:     v.Claimed(),
		SkipWaiting: v.SkippedWaiting(),
		InFlight:    v.RefCount(),
	}
}
