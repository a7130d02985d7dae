package testutil

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
)

// GameOrigin is an upstream serving fixed pages. Taking it offline makes
// every request fail at the connection level.
type GameOrigin struct {
	URL string

	server  *httptest.Server
	offline atomic.Bool
	mu      sync.Mutex
	pages   map[string]string
	hits    map[string]int
}

func StartGameOrigin(t *testing.T, pages map[string]string) *GameOrigin {
	t.Helper()
	origin := &GameOrigin{pages: map[string]string{}, hits: map[string]int{}}
	for path, body := range pages {
		origin.pages[path] = body
	}
	origin.server = httptest.NewServer(http.HandlerFunc(origin.serve))
	origin.URL = origin.server.URL
	t.Cleanup(origin.server.Close)
	return origin
}

func (o *GameOrigin) serve(w http.ResponseWriter, r *http.Request) {
	if o.offline.Load() {
		if hijacker, ok := w.(http.Hijacker); ok {
			if conn, _, err := hijacker.Hijack(); err == nil {
				_ = conn.Close()
				return
			}
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	o.mu.Lock()
	o.hits[r.URL.Path]++
	body, ok := o.pages[r.URL.Path]
	o.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(body))
}

func (o *GameOrigin) SetOffline(offline bool) {
	o.offline.Store(offline)
	if offline {
		o.server.CloseClientConnections()
	}
}

func (o *GameOrigin) SetPage(path string, body string) {
	o.mu.Lock()
	o.pages[path] = body
	o.mu.Unlock()
}

// Hits counts requests the origin answered for path.
func (o *GameOrigin) Hits(path string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hits[path]
}
