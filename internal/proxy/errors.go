package proxy

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"

	"offline_cache_proxy/internal/fetch"
)

const (
	RequestIDHeader   = "X-Request-Id"
	CacheStatusHeader = "X-Cache-Status"
)

// Cache status values reported in CacheStatusHeader.
const (
	CacheStatusHit         = "hit"
	CacheStatusMiss        = "miss"
	CacheStatusOffline     = "offline"
	CacheStatusBypass      = "bypass"
	CacheStatusPassthrough = "passthrough"
)

type contextKey string

const requestIDKey contextKey = "request_id"

type ProxyErrorBody struct {
	Status        int    `json:"status"`
	RequestID     string `json:"request_id"`
	ErrorCategory string `json:"error_category"`
	Message       string `json:"message"`
}

func WriteProxyError(w http.ResponseWriter, requestID string, status int, category string, message string) {
	if recorder, ok := w.(errorCategoryWriter); ok {
		recorder.SetErrorCategory(category)
	}
	w.Header().Set(RequestIDHeader, requestID)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ProxyErrorBody{
		Status:        status,
		RequestID:     requestID,
		ErrorCategory: category,
		Message:       message,
	})
}

// writeFetchError answers a request whose fetch failed and that had no
// offline substitute. Canceled requests get no body; the client is gone.
func writeFetchError(w http.ResponseWriter, r *http.Request, requestID string, err error) {
	switch fetch.Category(err) {
	case fetch.CategoryCanceled:
		if recorder, ok := w.(errorCategoryWriter); ok {
			recorder.SetErrorCategory("client_canceled")
		}
		return
	case fetch.CategoryTimeout:
		WriteProxyError(w, requestID, http.StatusGatewayTimeout, "upstream_timeout", "upstream timeout")
	case fetch.CategoryConnectFailed:
		WriteProxyError(w, requestID, http.StatusBadGateway, "upstream_connect_failed", "upstream connect failed")
	case fetch.CategoryOther:
		WriteProxyError(w, requestID, http.StatusBadGateway, "bad_gateway", "upstream request failed")
	default:
		if errors.Is(r.Context().Err(), context.Canceled) {
			return
		}
		WriteProxyError(w, requestID, http.StatusInternalServerError, "cache_error", "cache lookup failed")
	}
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

func RequestIDFromContext(ctx context.Context) (string, bool) {
	value, ok := ctx.Value(requestIDKey).(string)
	return value, ok
}

func NewRequestID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return ""
	}
	return hex.EncodeToString(buf)
}
