package transport

import "net/http"

// CloseIdle drops idle upstream connections held by rt, if it pools any.
func CloseIdle(rt http.RoundTripper) {
	closer, ok := rt.(interface{ CloseIdleConnections() })
	if !ok || closer == nil {
		return
	}
	defer func() {
		_ = recover()
	}()
	closer.CloseIdleConnections()
}
