// Package breaker fails upstream fetches fast once the upstream has stopped
// answering, so offline substitutes are served without waiting on dial
// timeouts.
package breaker

import (
	"sync/atomic"
	"time"
)

type State int32

const (
	StateClosed State = iota + 1
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

type Config struct {
	Enabled                     bool
	FailureRateThresholdPercent int
	MinimumRequests             int
	EvaluationWindow            time.Duration
	OpenDuration                time.Duration
	HalfOpenMaxProbes           int
	// OnStateChange is called after every transition.
	OnStateChange func(from State, to State)
	Now           func() time.Time
}

// Breaker tracks the network failure rate of one upstream. A nil Breaker
// allows everything.
type Breaker struct {
	cfg Config

	state         atomic.Int32
	reqCount      atomic.Int32
	failCount     atomic.Int32
	windowStart   atomic.Int64
	openUntil     atomic.Int64
	probeInFlight atomic.Int32
	probeSuccess  atomic.Int32
	probeFail     atomic.Int32
}

// New returns nil when cfg is disabled.
func New(cfg Config) *Breaker {
	if !cfg.Enabled {
		return nil
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.MinimumRequests <= 0 {
		cfg.MinimumRequests = 1
	}
	if cfg.EvaluationWindow <= 0 {
		cfg.EvaluationWindow = 10 * time.Second
	}
	if cfg.OpenDuration <= 0 {
		cfg.OpenDuration = 5 * time.Second
	}
	if cfg.HalfOpenMaxProbes <= 0 {
		cfg.HalfOpenMaxProbes = 1
	}
	b := &Breaker{cfg: cfg}
	b.state.Store(int32(StateClosed))
	b.windowStart.Store(cfg.Now().UnixNano())
	return b
}

func (b *Breaker) State() State {
	if b == nil {
		return StateClosed
	}
	return State(b.state.Load())
}

// Allow reports whether a request may go upstream. A true result in the
// half-open state takes a probe slot that Report or Release gives back.
func (b *Breaker) Allow() bool {
	if b == nil {
		return true
	}
	now := b.cfg.Now()
	state := State(b.state.Load())
	if state == StateClosed {
		return true
	}
	if state == StateOpen {
		if now.UnixNano() < b.openUntil.Load() {
			return false
		}
		if b.state.CompareAndSwap(int32(StateOpen), int32(StateHalfOpen)) {
			b.resetProbes()
			b.changed(StateOpen, StateHalfOpen)
		}
	}
	if State(b.state.Load()) != StateHalfOpen {
		return true
	}
	if b.probeInFlight.Add(1) > int32(b.cfg.HalfOpenMaxProbes) {
		b.probeInFlight.Add(-1)
		return false
	}
	return true
}

// Report records the outcome of an allowed request.
func (b *Breaker) Report(success bool) State {
	if b == nil {
		return StateClosed
	}
	now := b.cfg.Now()
	switch State(b.state.Load()) {
	case StateClosed:
		b.rotateWindow(now)
		b.reqCount.Add(1)
		if !success {
			b.failCount.Add(1)
		}
		b.maybeOpen(now)
	case StateHalfOpen:
		b.Release()
		if !success {
			b.probeFail.Add(1)
			b.open(now, StateHalfOpen)
			return StateOpen
		}
		b.probeSuccess.Add(1)
		if b.probeFail.Load() == 0 && int(b.probeSuccess.Load()) >= b.cfg.HalfOpenMaxProbes {
			b.close(now)
		}
	}
	return State(b.state.Load())
}

// Release gives back a half-open probe slot whose outcome says nothing
// about the upstream, such as a canceled request.
func (b *Breaker) Release() {
	if b == nil {
		return
	}
	if b.probeInFlight.Load() > 0 {
		b.probeInFlight.Add(-1)
	}
}

func (b *Breaker) rotateWindow(now time.Time) {
	start := b.windowStart.Load()
	if start == 0 || now.Sub(time.Unix(0, start)) > b.cfg.EvaluationWindow {
		if b.windowStart.CompareAndSwap(start, now.UnixNano()) {
			b.reqCount.Store(0)
			b.failCount.Store(0)
		}
	}
}

func (b *Breaker) maybeOpen(now time.Time) {
	reqCount := int(b.reqCount.Load())
	if reqCount < b.cfg.MinimumRequests || reqCount == 0 {
		return
	}
	threshold := b.cfg.FailureRateThresholdPercent
	if threshold <= 0 {
		return
	}
	failureRate := (int(b.failCount.Load()) * 100) / reqCount
	if failureRate >= threshold {
		b.open(now, StateClosed)
	}
}

func (b *Breaker) open(now time.Time, from State) {
	b.openUntil.Store(now.Add(b.cfg.OpenDuration).UnixNano())
	if b.state.CompareAndSwap(int32(from), int32(StateOpen)) {
		b.changed(from, StateOpen)
	}
}

func (b *Breaker) close(now time.Time) {
	b.windowStart.Store(now.UnixNano())
	b.reqCount.Store(0)
	b.failCount.Store(0)
	b.resetProbes()
	if b.state.CompareAndSwap(int32(StateHalfOpen), int32(StateClosed)) {
		b.changed(StateHalfOpen, StateClosed)
	}
}

func (b *Breaker) resetProbes() {
	b.probeInFlight.Store(0)
	b.probeSuccess.Store(0)
	b.probeFail.Store(0)
}

func (b *Breaker) changed(from State, to State) {
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(from, to)
	}
}
