package worker

import (
	"context"
	"sync"
)

// tasks tracks detached work that must not block the request path but that
// shutdown and tests can wait on.
type tasks struct {
	mu     sync.Mutex
	count  int64
	zeroCh chan struct{}
}

func newTasks() *tasks {
	zeroCh := make(chan struct{})
	close(zeroCh)
	return &tasks{zeroCh: zeroCh}
}

func (t *tasks) Go(fn func()) {
	t.mu.Lock()
	if t.count == 0 {
		t.zeroCh = make(chan struct{})
	}
	t.count++
	t.mu.Unlock()

	go func() {
		defer t.done()
		fn()
	}()
}

func (t *tasks) done() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.count--
	if t.count == 0 {
		close(t.zeroCh)
	}
}

func (t *tasks) Pending() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

func (t *tasks) Wait(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	t.mu.Lock()
	waitCh := t.zeroCh
	t.mu.Unlock()
	select {
	case <-waitCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
