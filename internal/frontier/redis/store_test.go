package redis

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlq/internal/crawler"
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

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis, *fakeClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	s, err := New(client, frontier.Config{})
	require.NoError(t, err)
	clk := &fakeClock{now: time.Unix(1700000000, 0)}
	s.nowFn = clk.Now
	return s, mr, clk
}

// TestRedisStore runs the shared frontier suite against miniredis.
func TestRedisStore(t *testing.T) {
	t.Parallel()

	frontiertest.Run(t, func(t *testing.T) frontiertest.Harness {
		s, mr, clk := newTestStore(t)
		return frontiertest.Harness{
			Store: s,
			Advance: func(d time.Duration) {
				clk.Advance(d)
				mr.FastForward(d)
			},
		}
	})
}

// TestRedisStoreKeyLayout pins the key names other tooling relies on.
func TestRedisStoreKeyLayout(t *testing.T) {
	t.Parallel()

	s, mr, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateCrawl(ctx, crawler.CrawlRecord{ID: "k1", OriginURL: "https://example.com/"}))
	ok, err := s.ClaimURL(ctx, "k1", "https://example.com/")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.RecordJobMembership(ctx, "k1", "root"))

	require.True(t, mr.Exists("crawl:k1"))
	members, err := mr.SMembers("crawl:k1:visited")
	require.NoError(t, err)
	require.Equal(t, []string{"https://example.com/"}, members)
	require.True(t, mr.Exists("crawl:k1:jobs"))
	require.Positive(t, mr.TTL("crawl:k1:visited"))
}

// TestRedisStoreUnavailable reports store errors instead of guessing.
func TestRedisStoreUnavailable(t *testing.T) {
	t.Parallel()

	s, mr, _ := newTestStore(t)
	mr.Close()
	_, err := s.ClaimURL(context.Background(), "k2", "https://example.com/")
	require.Error(t, err)
}
