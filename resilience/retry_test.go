package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantrelay/arbcore/core"
)

func fastRetry(attempts int) *RetryConfig {
	return &RetryConfig{
		MaxAttempts:   attempts,
		InitialDelay:  time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		BackoffFactor: 2.0,
	}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastRetry(5), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryExhaustsBudget(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastRetry(3), func() error {
		attempts++
		return errors.New("permanent")
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrMaxRetriesExceeded)
	assert.Contains(t, err.Error(), "permanent")
	assert.Equal(t, 3, attempts)
}

func TestRetryStopsOnContextCancellation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	config := &RetryConfig{
		MaxAttempts:   100,
		InitialDelay:  50 * time.Millisecond,
		MaxDelay:      time.Second,
		BackoffFactor: 2.0,
	}

	attempts := 0
	err := Retry(ctx, config, func() error {
		attempts++
		return errors.New("still failing")
	})

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, attempts, 3)
}

func TestRetryNilConfigUsesDefaults(t *testing.T) {
	err := Retry(context.Background(), nil, func() error { return nil })
	assert.NoError(t, err)
}

func TestSubstrateRetryConfig(t *testing.T) {
	cfg := SubstrateRetryConfig()
	assert.Equal(t, 20, cfg.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, cfg.InitialDelay)
	assert.Equal(t, 30*time.Second, cfg.MaxDelay)
	assert.Equal(t, 2.0, cfg.BackoffFactor)
	assert.True(t, cfg.JitterEnabled)
}

func TestRetryWithCircuitBreakerFailsFastWhenOpen(t *testing.T) {
	cb := NewCircuitBreaker(&CircuitBreakerConfig{
		Name:             "test",
		FailureThreshold: 1,
		SleepWindow:      time.Minute,
	})

	// Trip the breaker
	_ = cb.Execute(context.Background(), func() error { return errors.New("boom") })
	require.Equal(t, "open", cb.GetState())

	calls := 0
	err := RetryWithCircuitBreaker(context.Background(), fastRetry(2), cb, func() error {
		calls++
		return nil
	})

	assert.ErrorIs(t, err, core.ErrMaxRetriesExceeded)
	assert.Equal(t, 0, calls, "open breaker must short-circuit the protected call")
}
