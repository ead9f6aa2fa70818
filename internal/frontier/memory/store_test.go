package memory

import (
	"sync"
	"testing"
	"time"

	"github.com/JakeFAU/crawlq/internal/frontier"
	"github.com/JakeFAU/crawlq/internal/frontier/frontiertest"
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

// TestMemoryStore runs the shared frontier suite in-process.
func TestMemoryStore(t *testing.T) {
	t.Parallel()

	frontiertest.Run(t, func(t *testing.T) frontiertest.Harness {
		clk := &fakeClock{now: time.Unix(1700000000, 0)}
		s := New(frontier.Config{})
		s.nowFn = clk.Now
		return frontiertest.Harness{Store: s, Advance: clk.Advance}
	})
}
