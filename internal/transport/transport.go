// Package transport builds the pooled HTTP transport used for upstream
// fetches.
package transport

import (
	"net"
	"net/http"
	"time"
)

// Options tunes the upstream transport. Zero values take the defaults
// listed in DefaultOptions.
type Options struct {
	DialTimeout           time.Duration
	KeepAlive             time.Duration
	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration
	IdleConnTimeout       time.Duration
	MaxIdleConnsPerHost   int
	MaxConnsPerHost       int
}

func DefaultOptions() Options {
	return Options{
		DialTimeout:           5 * time.Second,
		KeepAlive:             30 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: 15 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConnsPerHost:   32,
	}
}

func (o Options) withDefaults() Options {
	defaults := DefaultOptions()
	durations := []struct {
		value    *time.Duration
		fallback time.Duration
	}{
		{&o.DialTimeout, defaults.DialTimeout},
		{&o.KeepAlive, defaults.KeepAlive},
		{&o.TLSHandshakeTimeout, defaults.TLSHandshakeTimeout},
		{&o.ResponseHeaderTimeout, defaults.ResponseHeaderTimeout},
		{&o.IdleConnTimeout, defaults.IdleConnTimeout},
	}
	for _, d := range durations {
		if *d.value <= 0 {
			*d.value = d.fallback
		}
	}
	if o.MaxIdleConnsPerHost <= 0 {
		o.MaxIdleConnsPerHost = defaults.MaxIdleConnsPerHost
	}
	if o.MaxConnsPerHost < 0 {
		o.MaxConnsPerHost = 0
	}
	return o
}

// NewTransport returns a transport for a single upstream. Compression is
// left to the upstream: responses are cached with the encoding and length
// the origin sent.
func NewTransport(opts Options) *http.Transport {
	opts = opts.withDefaults()
	dialer := &net.Dialer{
		Timeout:   opts.DialTimeout,
		KeepAlive: opts.KeepAlive,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		DisableCompression:    true,
		TLSHandshakeTimeout:   opts.TLSHandshakeTimeout,
		ResponseHeaderTimeout: opts.ResponseHeaderTimeout,
		ExpectContinueTimeout: time.Second,
		IdleConnTimeout:       opts.IdleConnTimeout,
		MaxIdleConns:          opts.MaxIdleConnsPerHost * 2,
		MaxIdleConnsPerHost:   opts.MaxIdleConnsPerHost,
		MaxConnsPerHost:       opts.MaxConnsPerHost,
	}
}
