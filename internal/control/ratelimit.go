package control

import (
	"net"
	"sync"
	"time"
)

const (
	defaultRateLimitRPS   = 5
	defaultRateLimitBurst = 10
	defaultMaxFailures    = 20
	defaultBlockDuration  = 10 * time.Minute
	clientIdleTTL         = 10 * time.Minute
)

type RateLimitConfig struct {
	RPS   float64
	Burst int
	// MaxFailures failed token checks block a client for BlockDuration.
	MaxFailures   int
	BlockDuration time.Duration
	Now           func() time.Time
}

// RateLimiter keeps one token bucket and one failure count per client IP.
type RateLimiter struct {
	cfg RateLimitConfig

	mu        sync.Mutex
	clients   map[string]*clientState
	lastSweep time.Time
}

type clientState struct {
	tokens       float64
	refilledAt   time.Time
	failures     int
	blockedUntil time.Time
}

// NewRateLimiter returns nil when cfg.RPS is negative, which disables
// limiting.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.RPS < 0 {
		return nil
	}
	if cfg.RPS == 0 {
		cfg.RPS = defaultRateLimitRPS
	}
	if cfg.Burst <= 0 {
		cfg.Burst = defaultRateLimitBurst
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = defaultMaxFailures
	}
	if cfg.BlockDuration <= 0 {
		cfg.BlockDuration = defaultBlockDuration
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &RateLimiter{
		cfg:       cfg,
		clients:   make(map[string]*clientState),
		lastSweep: cfg.Now(),
	}
}

// Allow spends one token for the client at addr. Blocked clients are refused
// without spending.
func (l *RateLimiter) Allow(addr string) bool {
	if l == nil {
		return true
	}
	now := l.cfg.Now()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweep(now)

	client := l.client(addrIP(addr), now)
	if now.Before(client.blockedUntil) {
		return false
	}
	client.refill(now, l.cfg.RPS, float64(l.cfg.Burst))
	if client.tokens < 1 {
		return false
	}
	client.tokens--
	return true
}

// RecordFailure counts a failed token check and blocks the client once the
// count reaches MaxFailures.
func (l *RateLimiter) RecordFailure(addr string) {
	if l == nil {
		return
	}
	now := l.cfg.Now()

	l.mu.Lock()
	defer l.mu.Unlock()
	client := l.client(addrIP(addr), now)
	if now.Before(client.blockedUntil) {
		return
	}
	client.failures++
	if client.failures >= l.cfg.MaxFailures {
		client.failures = 0
		client.blockedUntil = now.Add(l.cfg.BlockDuration)
	}
}

// ResetFailures clears the failure count after a successful token check.
func (l *RateLimiter) ResetFailures(addr string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if client, ok := l.clients[addrIP(addr)]; ok {
		client.failures = 0
	}
}

func (l *RateLimiter) client(ip string, now time.Time) *clientState {
	client, ok := l.clients[ip]
	if !ok {
		client = &clientState{tokens: float64(l.cfg.Burst), refilledAt: now}
		l.clients[ip] = client
	}
	return client
}

// sweep forgets clients that have been idle and unblocked for a while.
// Callers hold mu.
func (l *RateLimiter) sweep(now time.Time) {
	if now.Sub(l.lastSweep) < clientIdleTTL {
		return
	}
	l.lastSweep = now
	for ip, client := range l.clients {
		if now.Sub(client.refilledAt) >= clientIdleTTL && !now.Before(client.blockedUntil) {
			delete(l.clients, ip)
		}
	}
}

func (c *clientState) refill(now time.Time, rate float64, burst float64) {
	elapsed := now.Sub(c.refilledAt).Seconds()
	c.tokens = min(burst, c.tokens+elapsed*rate)
	c.refilledAt = now
}

func addrIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
