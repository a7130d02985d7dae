package runtime

import (
	"context"
	"sync"
)

// InflightTracker counts requests the proxy is answering. Shutdown waits on
// it before stopping the HTTP server, so a request that is mid-way through a
// cache lookup still gets its response.
type InflightTracker struct {
	mu       sync.Mutex
	active   int
	idle     chan struct{}
	onChange func(active int)
}

// NewInflightTracker reports every change of the active count to onChange,
// which may be nil.
func NewInflightTracker(onChange func(active int)) *InflightTracker {
	idle := make(chan struct{})
	close(idle)
	return &InflightTracker{idle: idle, onChange: onChange}
}

// Begin marks a request as started. The returned func ends it and is safe
// to call more than once.
func (t *InflightTracker) Begin() func() {
	if t == nil {
		return func() {}
	}
	t.mu.Lock()
	if t.active == 0 {
		t.idle = make(chan struct{})
	}
	t.active++
	active := t.active
	t.mu.Unlock()
	t.report(active)

	var once sync.Once
	return func() {
		once.Do(t.end)
	}
}

func (t *InflightTracker) end() {
	t.mu.Lock()
	t.active--
	active := t.active
	if active == 0 {
		close(t.idle)
	}
	t.mu.Unlock()
	t.report(active)
}

func (t *InflightTracker) Active() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// Wait blocks until no request is active or ctx ends.
func (t *InflightTracker) Wait(ctx context.Context) error {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	idle := t.idle
	t.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *InflightTracker) report(active int) {
	if t.onChange != nil {
		t.onChange(active)
	}
}
