package fetch

import (
	"context"
	"errors"
	"net"
)

const (
	CategoryConnectFailed = "connect_failed"
	CategoryTimeout       = "timeout"
	CategoryCanceled      = "canceled"
	CategoryOther         = "other"
)

// NetworkError is the failed outcome of a fetch: no response was received.
type NetworkError struct {
	Category string
	Err      error
}

func (e *NetworkError) Error() string {
	if e == nil || e.Err == nil {
		return "network error"
	}
	return "network error (" + e.Category + "): " + e.Err.Error()
}

func (e *NetworkError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsNetworkError reports whether err is a failed fetch.
func IsNetworkError(err error) bool {
	var netErr *NetworkError
	return errors.As(err, &netErr)
}

// Category returns the network error category of err, or "" when err is not
// a network error.
func Category(err error) string {
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return netErr.Category
	}
	return ""
}

func classify(ctx context.Context, err error) *NetworkError {
	switch {
	case errors.Is(ctx.Err(), context.Canceled) || errors.Is(err, context.Canceled):
		return &NetworkError{Category: CategoryCanceled, Err: err}
	case errors.Is(err, context.DeadlineExceeded) || isTimeoutError(err):
		return &NetworkError{Category: CategoryTimeout, Err: err}
	case isDialError(err):
		return &NetworkError{Category: CategoryConnectFailed, Err: err}
	default:
		return &NetworkError{Category: CategoryOther, Err: err}
	}
}

func isTimeoutError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

func isDialError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Op == "dial"
	}
	return false
}
