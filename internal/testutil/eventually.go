package testutil

import (
	"testing"
	"time"
)

// Eventually polls fn every interval until it returns nil. It fails t with
// the last error and the number of attempts once timeout passes.
func Eventually(t testing.TB, timeout time.Duration, interval time.Duration, fn func() error) {
	t.Helper()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(interval)
	defer tick.Stop()

	attempts := 0
	for {
		attempts++
		err := fn()
		if err == nil {
			return
		}
		select {
		case <-deadline.C:
			t.Fatalf("condition not met after %d attempts: %v", attempts, err)
			return
		case <-tick.C:
		}
	}
}
