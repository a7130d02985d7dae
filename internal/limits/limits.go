package limits

import (
	"fmt"
	"net/http"
	"time"

	"offline_cache_proxy/internal/config"
)

const (
	defaultMaxHeaderBytes    = 64 * 1024
	defaultMaxHeaderCount    = 200
	defaultMaxURLBytes       = 8 * 1024
	defaultMaxBodyBytes      = 10 * 1024 * 1024
	defaultReadHeaderTimeout = 2 * time.Second
	defaultIdleTimeout       = 30 * time.Second
)

// Limits bounds inbound requests before they reach the worker.
type Limits struct {
	MaxHeaderBytes    int
	MaxHeaderCount    int
	MaxURLBytes       int
	MaxBodyBytes      int64
	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
}

func Default() Limits {
	return Limits{
		MaxHeaderBytes:    defaultMaxHeaderBytes,
		MaxHeaderCount:    defaultMaxHeaderCount,
		MaxURLBytes:       defaultMaxURLBytes,
		MaxBodyBytes:      defaultMaxBodyBytes,
		ReadHeaderTimeout: defaultReadHeaderTimeout,
		IdleTimeout:       defaultIdleTimeout,
	}
}

func FromConfig(cfg config.LimitsConfig) (Limits, error) {
	limits := Default()
	if cfg.MaxHeaderBytes > 0 {
		limits.MaxHeaderBytes = cfg.MaxHeaderBytes
	}
	if cfg.MaxHeaderCount > 0 {
		limits.MaxHeaderCount = cfg.MaxHeaderCount
	}
	if cfg.MaxURLBytes > 0 {
		limits.MaxURLBytes = cfg.MaxURLBytes
	}
	if cfg.MaxBodyBytes > 0 {
		limits.MaxBodyBytes = cfg.MaxBodyBytes
	}
	if cfg.ReadHeaderTimeoutMS > 0 {
		limits.ReadHeaderTimeout = time.Duration(cfg.ReadHeaderTimeoutMS) * time.Millisecond
	} else if cfg.ReadHeaderTimeoutMS < 0 {
		return Limits{}, fmt.Errorf("read_header_timeout_ms must be positive")
	}
	limits.ReadTimeout = durationOrZero(cfg.ReadTimeoutMS)
	limits.WriteTimeout = durationOrZero(cfg.WriteTimeoutMS)
	if cfg.IdleTimeoutMS > 0 {
		limits.IdleTimeout = time.Duration(cfg.IdleTimeoutMS) * time.Millisecond
	}

	if limits.MaxHeaderBytes <= 0 {
		return Limits{}, fmt.Errorf("max_header_bytes must be positive")
	}
	if limits.MaxHeaderCount <= 0 {
		return Limits{}, fmt.Errorf("max_header_count must be positive")
	}
	if limits.MaxURLBytes <= 0 {
		return Limits{}, fmt.Errorf("max_url_bytes must be positive")
	}
	if limits.MaxBodyBytes < 0 {
		return Limits{}, fmt.Errorf("max_body_bytes must be non-negative")
	}
	if limits.ReadHeaderTimeout <= 0 {
		return Limits{}, fmt.Errorf("read_header_timeout_ms must be positive")
	}
	return limits, nil
}

func durationOrZero(milliseconds int) time.Duration {
	if milliseconds <= 0 {
		return 0
	}
	return time.Duration(milliseconds) * time.Millisecond
}

// Violation is a request rejected before it reaches the worker.
type Violation struct {
	Status   int
	Category string
	Message  string
}

// Check reports the first limit r exceeds, or nil.
func (l Limits) Check(r *http.Request) *Violation {
	if r == nil {
		return nil
	}
	if l.MaxURLBytes > 0 && len(r.RequestURI) > l.MaxURLBytes {
		return &Violation{Status: http.StatusRequestURITooLong, Category: "url_too_long", Message: "request url too long"}
	}
	if l.MaxHeaderCount > 0 && headerCount(r.Header) > l.MaxHeaderCount {
		return &Violation{Status: http.StatusRequestHeaderFieldsTooLarge, Category: "too_many_headers", Message: "too many request headers"}
	}
	if l.MaxBodyBytes > 0 && r.ContentLength > l.MaxBodyBytes {
		return &Violation{Status: http.StatusRequestEntityTooLarge, Category: "body_too_large", Message: "request body too large"}
	}
	return nil
}

// LimitBody caps the bytes readable from r.Body.
func (l Limits) LimitBody(w http.ResponseWriter, r *http.Request) {
	if r == nil || r.Body == nil || r.Body == http.NoBody || l.MaxBodyBytes <= 0 {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, l.MaxBodyBytes)
}

func headerCount(header http.Header) int {
	count := 0
	for _, values := range header {
		count += len(values)
	}
	return count
}
