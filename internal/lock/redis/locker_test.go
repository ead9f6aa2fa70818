package redis

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlq/internal/lock"
)

func newTestLocker(t *testing.T) (*Locker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	l, err := New(client, lock.Config{RetryCount: 2, RetryDelay: 5 * time.Millisecond}, "lock:")
	require.NoError(t, err)
	return l, mr
}

// TestRedisLockerSingleWinner races many acquirers for one resource.
func TestRedisLockerSingleWinner(t *testing.T) {
	t.Parallel()

	l, _ := newTestLocker(t)
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Acquire(context.Background(), "job:race", time.Minute, lock.NoRetry()); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	require.EqualValues(t, 1, wins.Load())
}

// TestRedisLockerRenewAndRelease checks token-guarded renew and release.
func TestRedisLockerRenewAndRelease(t *testing.T) {
	t.Parallel()

	l, mr := newTestLocker(t)
	ctx := context.Background()

	held, err := l.Acquire(ctx, "job:1", time.Second)
	require.NoError(t, err)
	stored, err := mr.Get("lock:job:1")
	require.NoError(t, err)
	require.Equal(t, held.Token, stored)

	mr.FastForward(800 * time.Millisecond)
	require.NoError(t, l.Renew(ctx, held, time.Second))
	mr.FastForward(800 * time.Millisecond)
	require.True(t, mr.Exists("lock:job:1"))

	impostor := &lock.Lock{Resource: "job:1", Token: "other"}
	require.ErrorIs(t, l.Renew(ctx, impostor, time.Second), lock.ErrNotHeld)
	require.ErrorIs(t, l.Release(ctx, impostor), lock.ErrNotHeld)

	require.NoError(t, l.Release(ctx, held))
	require.False(t, mr.Exists("lock:job:1"))
}

// TestRedisLockerReclaimAfterExpiry lets a second owner in once the lease
// lapses and rejects the first owner's renewal afterwards.
func TestRedisLockerReclaimAfterExpiry(t *testing.T) {
	t.Parallel()

	l, mr := newTestLocker(t)
	ctx := context.Background()

	first, err := l.Acquire(ctx, "job:2", time.Second)
	require.NoError(t, err)

	_, err = l.Acquire(ctx, "job:2", time.Second, lock.NoRetry())
	require.ErrorIs(t, err, lock.ErrNotAcquired)

	mr.FastForward(2 * time.Second)
	second, err := l.Acquire(ctx, "job:2", time.Second, lock.NoRetry())
	require.NoError(t, err)

	require.ErrorIs(t, l.Renew(ctx, first, time.Second), lock.ErrNotHeld)
	require.NoError(t, l.Renew(ctx, second, time.Second))
}

// TestRedisLockerStoreDown surfaces connection errors wrapped in ErrNotAcquired.
func TestRedisLockerStoreDown(t *testing.T) {
	t.Parallel()

	l, mr := newTestLocker(t)
	mr.Close()
	_, err := l.Acquire(context.Background(), "job:3", time.Second, lock.NoRetry())
	require.ErrorIs(t, err, lock.ErrNotAcquired)
}
