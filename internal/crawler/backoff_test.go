package crawler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestBackoffDelayBounds checks the half-jitter window and the cap.
func TestBackoffDelayBounds(t *testing.T) {
	t.Parallel()

	b := Backoff{Base: 100 * time.Millisecond, Max: time.Second}
	for attempt := 0; attempt < 8; attempt++ {
		d := b.Delay(attempt)
		full := 100 * time.Millisecond << attempt
		if full > time.Second {
			full = time.Second
		}
		require.GreaterOrEqual(t, d, full/2)
		require.Less(t, d, full)
	}
	require.Zero(t, Backoff{}.Delay(3))
}

// TestJitterStaysInWindow ensures jitter never goes negative.
func TestJitterStaysInWindow(t *testing.T) {
	t.Parallel()

	for i := 0; i < 50; i++ {
		d := Jitter(200*time.Millisecond, 50*time.Millisecond)
		require.GreaterOrEqual(t, d, 150*time.Millisecond)
		require.LessOrEqual(t, d, 250*time.Millisecond)
	}
	require.Equal(t, time.Second, Jitter(time.Second, 0))
	require.GreaterOrEqual(t, Jitter(0, time.Millisecond), time.Duration(0))
}

// TestRetryable treats context errors as final.
func TestRetryable(t *testing.T) {
	t.Parallel()

	require.False(t, Retryable(nil))
	require.False(t, Retryable(context.Canceled))
	require.False(t, Retryable(context.DeadlineExceeded))
	require.True(t, Retryable(errors.New("connection reset")))
}

// TestSleepHonorsContext returns early when the context ends.
func TestSleepHonorsContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	require.ErrorIs(t, Sleep(ctx, time.Minute), context.Canceled)
	require.Less(t, time.Since(start), time.Second)
	require.NoError(t, Sleep(context.Background(), time.Millisecond))
}
