package retry

import (
	"errors"
	"fmt"
	"net/http"

	"offline_cache_proxy/internal/fetch"
)

// StatusError is implemented by errors that carry an HTTP status.
type StatusError interface {
	error
	StatusCode() int
}

// Classify reports why err is worth another attempt. Canceled fetches and
// definitive answers such as 404 are not retried.
func Classify(err error) (string, bool) {
	if err == nil {
		return "", false
	}
	switch fetch.Category(err) {
	case fetch.CategoryConnectFailed, fetch.CategoryTimeout, fetch.CategoryOther:
		return fetch.Category(err), true
	case fetch.CategoryCanceled:
		return "", false
	}
	var statusErr StatusError
	if errors.As(err, &statusErr) {
		return ClassifyStatus(statusErr.StatusCode())
	}
	return "", false
}

func ClassifyStatus(status int) (string, bool) {
	switch status {
	case http.StatusRequestTimeout, http.StatusTooManyRequests,
		http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return fmt.Sprintf("status_%d", status), true
	default:
		return "", false
	}
}
