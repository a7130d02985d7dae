// Package retry re-runs idempotent attempts that failed transiently.
package retry

import (
	"context"
	"math/rand"
	"time"
)

const (
	DefaultMaxAttempts = 3
	DefaultBackoff     = 100 * time.Millisecond
)

type Policy struct {
	MaxAttempts   int
	PerTryTimeout time.Duration
	Backoff       time.Duration
	BackoffJitter time.Duration
}

// WithDefaults fills unset fields. A negative MaxAttempts means one attempt.
func (p Policy) WithDefaults() Policy {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.MaxAttempts < 0 {
		p.MaxAttempts = 1
	}
	if p.Backoff == 0 {
		p.Backoff = DefaultBackoff
	}
	return p
}

type AttemptFunc func(ctx context.Context) error

type Result struct {
	Attempts    int
	RetryReason string
	Err         error
}

// Execute runs attempt until it succeeds, fails with an error Classify
// rejects, or the policy runs out of attempts. onRetry may be nil.
func Execute(ctx context.Context, policy Policy, attempt AttemptFunc, onRetry func(reason string)) Result {
	result := Result{}
	if attempt == nil {
		result.Err = context.Canceled
		return result
	}
	maxAttempts := policy.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	for result.Attempts < maxAttempts {
		result.Attempts++

		attemptCtx, cancel := ctx, context.CancelFunc(func() {})
		if policy.PerTryTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, policy.PerTryTimeout)
		}
		err := attempt(attemptCtx)
		cancel()
		if err == nil {
			result.Err = nil
			return result
		}
		result.Err = err

		if ctx.Err() != nil {
			result.Err = ctx.Err()
			return result
		}
		reason, retryable := Classify(err)
		if !retryable || result.Attempts >= maxAttempts {
			return result
		}
		result.RetryReason = reason
		if onRetry != nil {
			onRetry(reason)
		}
		if !sleepWithBackoff(ctx, policy.Backoff, policy.BackoffJitter) {
			result.Err = ctx.Err()
			return result
		}
	}
	return result
}

func sleepWithBackoff(ctx context.Context, backoff time.Duration, jitter time.Duration) bool {
	delay := backoff
	if jitter > 0 {
		delay += time.Duration(rand.Int63n(int64(jitter) + 1))
	}
	if delay <= 0 {
		return true
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
