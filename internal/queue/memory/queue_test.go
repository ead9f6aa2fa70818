package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlq/internal/crawler"
	"github.com/JakeFAU/crawlq/internal/lock"
	lockmemory "github.com/JakeFAU/crawlq/internal/lock/memory"
	"github.com/JakeFAU/crawlq/internal/queue"
	"github.com/JakeFAU/crawlq/internal/queue/queuetest"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestQueue(cfg queue.Config) (*Queue, *fakeClock) {
	clk := &fakeClock{now: time.Unix(1700000000, 0)}
	q := NewQueue(lockmemory.NewWithClock(lock.DefaultConfig(), clk.Now), cfg)
	q.nowFn = clk.Now
	return q, clk
}

// TestMemoryQueue runs the shared queue suite in-process.
func TestMemoryQueue(t *testing.T) {
	t.Parallel()

	queuetest.Run(t, func(t *testing.T) queuetest.Harness {
		q, clk := newTestQueue(queue.Config{})
		return queuetest.Harness{Queue: q, Config: q.cfg, Advance: clk.Advance}
	})
}

// TestQueueClose ensures Pull and Push fail once the queue is closed.
func TestQueueClose(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(queue.Config{})
	q.Close()
	q.Close()

	_, err := q.Pull(context.Background(), "w")
	require.ErrorIs(t, err, queue.ErrClosed)
	_, err = q.Push(context.Background(), crawler.JobData{URL: "https://example.com"}, 10, "")
	require.ErrorIs(t, err, queue.ErrClosed)
}

// TestQueueConcurrentPull hands each job to exactly one worker.
func TestQueueConcurrentPull(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(queue.Config{})
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		_, err := q.Push(ctx, crawler.JobData{URL: "https://example.com"}, 10, "")
		require.NoError(t, err)
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, err := q.Pull(ctx, "worker")
				if err != nil || job == nil {
					return
				}
				mu.Lock()
				seen[job.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Len(t, seen, 50)
	for id, n := range seen {
		require.Equal(t, 1, n, id)
	}
}
