package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetry_SucceedsWithoutRetryingOnFirstTry(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), DefaultRetryConfig(), func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetry_StopsAtMaxAttempts(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
	calls := 0
	sentinel := errors.New("boom")

	err := Retry(context.Background(), cfg, func() error {
		calls++
		return sentinel
	})

	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 3, calls)
}

func TestRetry_StopsImmediatelyOnPermanentError(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 5, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
	calls := 0
	sentinel := errors.New("not found")

	err := Retry(context.Background(), cfg, func() error {
		calls++
		return Permanent(sentinel)
	})

	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 1, calls)
}

func TestRetry_StopsOnContextCancellation(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 5, InitialDelay: 50 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	err := Retry(ctx, cfg, func() error {
		calls++
		if calls == 1 {
			cancel()
		}
		return errors.New("still failing")
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}
