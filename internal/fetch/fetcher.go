package fetch

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"offline_cache_proxy/internal/breaker"
	"offline_cache_proxy/internal/obs"
	"offline_cache_proxy/internal/transport"
)

const maxRedirects = 20

// Mode is the request mode carried by Sec-Fetch-Mode.
type Mode string

const (
	ModeNavigate   Mode = "navigate"
	ModeCORS       Mode = "cors"
	ModeNoCORS     Mode = "no-cors"
	ModeSameOrigin Mode = "same-origin"
)

type Config struct {
	// Origin is the public origin requests are classified against.
	Origin *url.URL
	// Upstream receives every request addressed to Origin.
	Upstream              *url.URL
	DialTimeout           time.Duration
	ResponseHeaderTimeout time.Duration
	Transport             http.RoundTripper
	// Breaker fails origin fetches fast while the upstream is down.
	Breaker breaker.Config
}

// ErrUpstreamUnavailable is returned while the upstream breaker is open.
var ErrUpstreamUnavailable = errors.New("upstream unavailable")

type Fetcher struct {
	origin  *url.URL
	base    http.RoundTripper
	breaker *breaker.Breaker
	follow  *http.Client
	manual  *http.Client
}

func New(cfg Config) (*Fetcher, error) {
	if cfg.Origin == nil || cfg.Origin.Host == "" {
		return nil, errors.New("fetch origin is required")
	}
	if cfg.Upstream == nil || cfg.Upstream.Host == "" {
		return nil, errors.New("fetch upstream is required")
	}

	base := cfg.Transport
	if base == nil {
		base = transport.NewTransport(transport.Options{
			DialTimeout:           cfg.DialTimeout,
			ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		})
	}

	breakerConfig := cfg.Breaker
	onChange := breakerConfig.OnStateChange
	upstreamHost := cfg.Upstream.Host
	breakerConfig.OnStateChange = func(from breaker.State, to breaker.State) {
		log.Printf("upstream breaker %s -> %s upstream=%s", from, to, upstreamHost)
		if onChange != nil {
			onChange(from, to)
		}
	}

	rewriter := &originTransport{base: base, origin: cfg.Origin, upstream: cfg.Upstream}
	return &Fetcher{
		origin:  cfg.Origin,
		base:    base,
		breaker: breaker.New(breakerConfig),
		follow: &http.Client{
			Transport: rewriter,
			CheckRedirect: func(_ *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return errors.New("too many redirects")
				}
				return nil
			},
		},
		manual: &http.Client{
			Transport: rewriter,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}, nil
}

// CloseIdleConnections drops pooled upstream connections.
func (f *Fetcher) CloseIdleConnections() {
	if f == nil {
		return
	}
	transport.CloseIdle(f.base)
}

// Fetch issues req against the network. req.URL must be absolute.
func (f *Fetcher) Fetch(ctx context.Context, req *http.Request) (*Response, error) {
	if f == nil {
		return nil, &NetworkError{Category: CategoryOther, Err: errors.New("fetcher not initialized")}
	}
	if req == nil || req.URL == nil || req.URL.Host == "" {
		return nil, &NetworkError{Category: CategoryOther, Err: errors.New("absolute request url required")}
	}

	body := req.Body
	if body != nil && req.ContentLength == 0 {
		body = http.NoBody
	}
	outbound, err := http.NewRequestWithContext(ctx, req.Method, req.URL.String(), body)
	if err != nil {
		return nil, &NetworkError{Category: CategoryOther, Err: err}
	}
	outbound.Header = req.Header.Clone()
	if outbound.Header == nil {
		outbound.Header = http.Header{}
	}
	outbound.ContentLength = req.ContentLength
	stripHopByHop(outbound.Header)
	setForwardedHeaders(outbound, req)
	obs.InjectTraceHeaders(outbound, ctx)

	mode := RequestMode(req)
	client := f.follow
	if mode == ModeNavigate {
		client = f.manual
	}

	guarded := sameOrigin(f.origin, req.URL)
	if guarded && !f.breaker.Allow() {
		return nil, &NetworkError{Category: CategoryConnectFailed, Err: ErrUpstreamUnavailable}
	}
	resp, err := client.Do(outbound)
	if err != nil {
		netErr := classify(ctx, err)
		if guarded {
			f.reportFailure(netErr)
		}
		return nil, netErr
	}
	if guarded {
		f.breaker.Report(true)
	}

	finalURL := req.URL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL
	}
	return &Response{
		Status:     resp.StatusCode,
		Type:       f.classifyType(mode, resp.StatusCode, finalURL),
		Redirected: finalURL.String() != req.URL.String(),
		URL:        finalURL.String(),
		Header:     resp.Header,
		Body:       resp.Body,
	}, nil
}

// BreakerState is the state of the upstream breaker.
func (f *Fetcher) BreakerState() breaker.State {
	if f == nil {
		return breaker.StateClosed
	}
	return f.breaker.State()
}

func (f *Fetcher) reportFailure(err *NetworkError) {
	if err.Category == CategoryCanceled {
		f.breaker.Release()
		return
	}
	f.breaker.Report(false)
}

// SameOrigin reports whether target belongs to the fetcher's origin.
func (f *Fetcher) SameOrigin(target *url.URL) bool {
	if f == nil {
		return false
	}
	return sameOrigin(f.origin, target)
}

func (f *Fetcher) classifyType(mode Mode, status int, final *url.URL) ResponseType {
	if mode == ModeNavigate && isRedirectStatus(status) {
		return TypeOpaqueRedirect
	}
	if sameOrigin(f.origin, final) {
		return TypeBasic
	}
	if mode == ModeNoCORS {
		return TypeOpaque
	}
	return TypeCORS
}

// RequestMode derives the fetch mode of an inbound request. Requests without
// fetch metadata that accept HTML are treated as navigations.
func RequestMode(req *http.Request) Mode {
	if req == nil {
		return ModeNoCORS
	}
	switch mode := Mode(strings.ToLower(strings.TrimSpace(req.Header.Get("Sec-Fetch-Mode")))); mode {
	case ModeNavigate, ModeCORS, ModeNoCORS, ModeSameOrigin:
		return mode
	}
	if req.Header.Get("Sec-Fetch-Dest") == "" && req.Method == http.MethodGet && strings.Contains(req.Header.Get("Accept"), "text/html") {
		return ModeNavigate
	}
	return ModeNoCORS
}

// IsDocument reports whether the request loads a top-level document.
func IsDocument(req *http.Request) bool {
	if req == nil {
		return false
	}
	dest := strings.ToLower(strings.TrimSpace(req.Header.Get("Sec-Fetch-Dest")))
	if dest != "" {
		return dest == "document"
	}
	return RequestMode(req) == ModeNavigate
}

type originTransport struct {
	base     http.RoundTripper
	origin   *url.URL
	upstream *url.URL
}

func (t *originTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if !sameOrigin(t.origin, req.URL) {
		return t.base.RoundTrip(req)
	}

	outbound := req.Clone(req.Context())
	target := *req.URL
	target.Scheme = t.upstream.Scheme
	target.Host = t.upstream.Host
	outbound.URL = &target
	outbound.Host = t.upstream.Host

	resp, err := t.base.RoundTrip(outbound)
	if err != nil {
		return nil, err
	}
	resp.Request = req
	return resp, nil
}

func sameOrigin(origin *url.URL, target *url.URL) bool {
	if origin == nil || target == nil {
		return false
	}
	if !strings.EqualFold(origin.Scheme, target.Scheme) {
		return false
	}
	return strings.EqualFold(hostWithPort(origin), hostWithPort(target))
}

func hostWithPort(target *url.URL) string {
	port := target.Port()
	if port == "" {
		switch strings.ToLower(target.Scheme) {
		case "https":
			port = "443"
		default:
			port = "80"
		}
	}
	return net.JoinHostPort(target.Hostname(), port)
}

func isRedirectStatus(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther, http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	default:
		return false
	}
}

func setForwardedHeaders(outbound *http.Request, inbound *http.Request) {
	clientIP := inbound.RemoteAddr
	if host, _, err := net.SplitHostPort(inbound.RemoteAddr); err == nil {
		clientIP = host
	}

	if clientIP != "" {
		prior := outbound.Header.Get("X-Forwarded-For")
		if prior != "" {
			clientIP = prior + ", " + clientIP
		}
		outbound.Header.Set("X-Forwarded-For", clientIP)
	}

	proto := "http"
	if inbound.TLS != nil {
		proto = "https"
	}
	outbound.Header.Set("X-Forwarded-Proto", proto)
}

func stripHopByHop(header http.Header) {
	for _, name := range []string{"Connection", "Keep-Alive", "Proxy-Connection", "Transfer-Encoding", "Upgrade", "Te", "Trailer"} {
		header.Del(name)
	}
}
