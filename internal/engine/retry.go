package engine

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sony/gobreaker"

	"github.com/rendis/playbook/pkg/schema"
)

// IsRetryableError classifies a failed attempt. The service's own verdict is
// authoritative; on top of it a local attempt timeout is always retryable and
// run cancellation or an open breaker never is.
func IsRetryableError(err error, serviceRetryable bool) bool {
	if err == nil {
		return false
	}

	// Run cancelled: stop immediately.
	if errors.Is(err, context.Canceled) {
		return false
	}

	// Attempt timeout, not run-level.
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return false
	}

	var pe *schema.PlaybookError
	if errors.As(err, &pe) && pe.Retryable {
		return true
	}

	return serviceRetryable
}

// MaxAttempts is the total number of attempts a policy allows (at least one).
func MaxAttempts(policy *schema.RetryPolicy) int {
	if policy == nil || policy.MaxRetries < 1 {
		return 1
	}
	return policy.MaxRetries
}

// ComputeBackoff returns the delay before retry number retry (1-based):
// initialDelayMs × backoffMultiplier^(retry−1). A missing multiplier means
// constant delay.
func ComputeBackoff(policy *schema.RetryPolicy, retry int) time.Duration {
	if policy == nil || policy.InitialDelayMs <= 0 || retry < 1 {
		return 0
	}
	mult := policy.BackoffMultiplier
	if mult <= 0 {
		mult = 1
	}
	ms := float64(policy.InitialDelayMs) * math.Pow(mult, float64(retry-1))
	if ms > float64(math.MaxInt64/int64(time.Millisecond)) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(ms * float64(time.Millisecond))
}

// WaitForBackoff sleeps on clock for delay or returns early if ctx is cancelled.
func WaitForBackoff(ctx context.Context, clock clockwork.Clock, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-clock.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
