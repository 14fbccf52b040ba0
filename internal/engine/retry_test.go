package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/playbook/pkg/schema"
)

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		flag bool
		want bool
	}{
		{"nil", nil, true, false},
		{"service says retry", errors.New("503"), true, true},
		{"service says fatal", errors.New("400"), false, false},
		{"attempt timeout", fmt.Errorf("call: %w", context.DeadlineExceeded), false, true},
		{"run cancelled", fmt.Errorf("call: %w", context.Canceled), true, false},
		{"breaker open", gobreaker.ErrOpenState, true, false},
		{"breaker half-open limit", gobreaker.ErrTooManyRequests, true, false},
		{"typed retryable", schema.NewError(schema.ErrCodeActionInvocation, "x").AsRetryable(), false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryableError(tt.err, tt.flag))
		})
	}
}

func TestMaxAttempts(t *testing.T) {
	assert.Equal(t, 1, MaxAttempts(nil))
	assert.Equal(t, 1, MaxAttempts(&schema.RetryPolicy{MaxRetries: 0}))
	assert.Equal(t, 3, MaxAttempts(&schema.RetryPolicy{MaxRetries: 3}))
}

func TestComputeBackoff(t *testing.T) {
	policy := &schema.RetryPolicy{MaxRetries: 3, InitialDelayMs: 1000, BackoffMultiplier: 2}

	assert.Equal(t, time.Duration(0), ComputeBackoff(policy, 0))
	assert.Equal(t, 1000*time.Millisecond, ComputeBackoff(policy, 1))
	assert.Equal(t, 2000*time.Millisecond, ComputeBackoff(policy, 2))
	assert.Equal(t, 4000*time.Millisecond, ComputeBackoff(policy, 3))

	constant := &schema.RetryPolicy{MaxRetries: 3, InitialDelayMs: 250}
	assert.Equal(t, 250*time.Millisecond, ComputeBackoff(constant, 3))

	assert.Equal(t, time.Duration(0), ComputeBackoff(nil, 1))
}

func TestWaitForBackoff_UsesClock(t *testing.T) {
	clock := clockwork.NewFakeClock()
	done := make(chan error, 1)
	go func() { done <- WaitForBackoff(context.Background(), clock, time.Second) }()

	require.NoError(t, clock.BlockUntilContext(context.Background(), 1))
	clock.Advance(time.Second)
	require.NoError(t, <-done)
}

func TestWaitForBackoff_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := WaitForBackoff(ctx, clockwork.NewFakeClock(), time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWaitForBackoff_ZeroDelay(t *testing.T) {
	assert.NoError(t, WaitForBackoff(context.Background(), clockwork.NewFakeClock(), 0))
}
