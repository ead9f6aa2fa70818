// Package frontiertest runs the same behavioural checks against every
// frontier backend.
package frontiertest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlq/internal/crawler"
	"github.com/JakeFAU/crawlq/internal/frontier"
)

// Harness is a freshly constructed store plus a way to move its clock.
type Harness struct {
	Store   frontier.Store
	Advance func(d time.Duration)
}

// Run executes the suite. newHarness must return an isolated store per call.
func Run(t *testing.T, newHarness func(t *testing.T) Harness) {
	t.Helper()

	t.Run("create and get", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		rec := record("c1", 0)
		require.NoError(t, h.Store.CreateCrawl(ctx, rec))
		require.ErrorIs(t, h.Store.CreateCrawl(ctx, rec), frontier.ErrCrawlExists)

		got, err := h.Store.GetCrawl(ctx, "c1")
		require.NoError(t, err)
		require.Equal(t, rec.OriginURL, got.OriginURL)
		require.Equal(t, rec.Options, got.Options)

		_, err = h.Store.GetCrawl(ctx, "missing")
		require.ErrorIs(t, err, frontier.ErrCrawlNotFound)

		opts, err := frontier.GetCrawlOptions(ctx, h.Store, "c1")
		require.NoError(t, err)
		require.Equal(t, rec.Options, opts)
	})

	t.Run("cancel is monotonic", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		require.NoError(t, h.Store.CreateCrawl(ctx, record("c2", 0)))

		cancelled, err := h.Store.IsCancelled(ctx, "c2")
		require.NoError(t, err)
		require.False(t, cancelled)

		require.NoError(t, h.Store.Cancel(ctx, "c2"))
		require.NoError(t, h.Store.Cancel(ctx, "c2"))
		cancelled, err = h.Store.IsCancelled(ctx, "c2")
		require.NoError(t, err)
		require.True(t, cancelled)

		require.ErrorIs(t, h.Store.Cancel(ctx, "missing"), frontier.ErrCrawlNotFound)
	})

	t.Run("concurrent claims have one winner", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		require.NoError(t, h.Store.CreateCrawl(ctx, record("c3", 0)))

		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 32; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := h.Store.ClaimURL(ctx, "c3", "https://example.com/x")
				if err == nil && ok {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		require.EqualValues(t, 1, wins.Load())

		ok, err := h.Store.ClaimURL(ctx, "c3", "https://example.com/y")
		require.NoError(t, err)
		require.True(t, ok)
	})

	t.Run("claims stop at the limit", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		require.NoError(t, h.Store.CreateCrawl(ctx, record("c4", 2)))
		for i, want := range []bool{true, true, false} {
			ok, err := h.Store.ClaimURL(ctx, "c4", fmt.Sprintf("https://example.com/%d", i))
			require.NoError(t, err)
			require.Equal(t, want, ok, i)
		}
		ok, err := h.Store.ClaimURL(ctx, "c4", "https://example.com/0")
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("completion across expansion waves", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		require.NoError(t, h.Store.CreateCrawl(ctx, record("c5", 0)))

		finished, err := h.Store.IsCrawlFinished(ctx, "c5")
		require.NoError(t, err)
		require.False(t, finished, "a crawl with no jobs is not finished")

		require.NoError(t, h.Store.RecordJobMembership(ctx, "c5", "root"))
		require.NoError(t, h.Store.RecordJobMembership(ctx, "c5", "a"))
		require.NoError(t, h.Store.RecordJobMembership(ctx, "c5", "b"))
		require.NoError(t, h.Store.RecordJobDone(ctx, "c5", "root"))
		requireFinished(t, h.Store, "c5", false)

		require.NoError(t, h.Store.RecordJobMembership(ctx, "c5", "a1"))
		require.NoError(t, h.Store.RecordJobDone(ctx, "c5", "a"))
		require.NoError(t, h.Store.RecordJobDone(ctx, "c5", "b"))
		requireFinished(t, h.Store, "c5", false)

		require.NoError(t, h.Store.RecordJobDone(ctx, "c5", "a1"))
		requireFinished(t, h.Store, "c5", true)

		total, done, err := h.Store.CountJobs(ctx, "c5")
		require.NoError(t, err)
		require.Equal(t, 4, total)
		require.Equal(t, 4, done)

		ids, err := h.Store.ListJobs(ctx, "c5")
		require.NoError(t, err)
		require.ElementsMatch(t, []string{"root", "a", "b", "a1"}, ids)
	})

	t.Run("claims on a missing crawl lose", func(t *testing.T) {
		h := newHarness(t)
		ok, err := h.Store.ClaimURL(context.Background(), "ghost", "https://example.com/")
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("membership on a missing crawl is not found", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		require.ErrorIs(t, h.Store.RecordJobMembership(ctx, "ghost", "j"), frontier.ErrCrawlNotFound)
		require.ErrorIs(t, h.Store.RecordJobDone(ctx, "ghost", "j"), frontier.ErrCrawlNotFound)
		require.NoError(t, h.Store.RemoveJobMembership(ctx, "ghost", "j"))
	})

	t.Run("removed membership lets the crawl drain", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		require.NoError(t, h.Store.CreateCrawl(ctx, record("c8", 0)))
		require.NoError(t, h.Store.RecordJobMembership(ctx, "c8", "root"))
		require.NoError(t, h.Store.RecordJobMembership(ctx, "c8", "never-queued"))
		require.NoError(t, h.Store.RecordJobDone(ctx, "c8", "root"))
		requireFinished(t, h.Store, "c8", false)

		require.NoError(t, h.Store.RemoveJobMembership(ctx, "c8", "never-queued"))
		require.NoError(t, h.Store.RemoveJobMembership(ctx, "c8", "never-queued"))
		requireFinished(t, h.Store, "c8", true)

		ok, err := h.Store.TryFinalize(ctx, "c8")
		require.NoError(t, err)
		require.True(t, ok)
	})

	t.Run("membership writes extend retention", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		require.NoError(t, h.Store.CreateCrawl(ctx, record("c9", 5)))
		ok, err := h.Store.ClaimURL(ctx, "c9", "https://example.com/")
		require.NoError(t, err)
		require.True(t, ok)

		h.Advance(frontier.DefaultRetention - time.Minute)
		require.NoError(t, h.Store.RecordJobMembership(ctx, "c9", "late"))
		h.Advance(2 * time.Minute)

		got, err := h.Store.GetCrawl(ctx, "c9")
		require.NoError(t, err)
		require.Equal(t, 5, got.Options.Limit)
		ok, err = h.Store.ClaimURL(ctx, "c9", "https://example.com/")
		require.NoError(t, err)
		require.False(t, ok, "visited set survives with the record")
		ok, err = h.Store.ClaimURL(ctx, "c9", "https://example.com/next")
		require.NoError(t, err)
		require.True(t, ok)
	})

	t.Run("finalize has one winner", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		require.NoError(t, h.Store.CreateCrawl(ctx, record("c6", 0)))
		require.NoError(t, h.Store.RecordJobMembership(ctx, "c6", "root"))

		ok, err := h.Store.TryFinalize(ctx, "c6")
		require.NoError(t, err)
		require.False(t, ok, "undrained crawl must not finalize")

		require.NoError(t, h.Store.RecordJobDone(ctx, "c6", "root"))
		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if ok, err := h.Store.TryFinalize(ctx, "c6"); err == nil && ok {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		require.EqualValues(t, 1, wins.Load())

		finalized, err := h.Store.IsFinalized(ctx, "c6")
		require.NoError(t, err)
		require.True(t, finalized)
	})

	t.Run("in-flight counts each job once", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		for _, id := range []string{"j1", "j2", "j3", "j1"} {
			_, err := h.Store.AddInFlight(ctx, "team", id, time.Minute)
			require.NoError(t, err)
		}
		requireInFlight(t, h.Store, "team", 3)

		require.NoError(t, h.Store.RemoveInFlight(ctx, "team", "j2"))
		require.NoError(t, h.Store.RemoveInFlight(ctx, "team", "j2"))
		requireInFlight(t, h.Store, "team", 2)
		requireInFlight(t, h.Store, "other", 0)
	})

	t.Run("in-flight entries expire", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		_, err := h.Store.AddInFlight(ctx, "team", "crashed", time.Second)
		require.NoError(t, err)
		h.Advance(2 * time.Second)
		n, err := h.Store.AddInFlight(ctx, "team", "fresh", time.Minute)
		require.NoError(t, err)
		require.Equal(t, 1, n)
	})

	t.Run("crawl state expires after retention", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		require.NoError(t, h.Store.CreateCrawl(ctx, record("c7", 0)))
		h.Advance(frontier.DefaultRetention + time.Minute)
		_, err := h.Store.GetCrawl(ctx, "c7")
		require.ErrorIs(t, err, frontier.ErrCrawlNotFound)
	})
}

func record(id string, limit int) crawler.CrawlRecord {
	return crawler.CrawlRecord{
		ID:        id,
		OriginURL: "https://example.com/",
		TenantID:  "team",
		Plan:      "standard",
		Options:   crawler.CrawlOptions{Limit: limit, MaxDepth: 3, Expand: true},
		CreatedAt: time.Unix(1700000000, 0).UTC(),
	}
}

func requireFinished(t *testing.T, s frontier.Store, crawlID string, want bool) {
	t.Helper()
	got, err := s.IsCrawlFinished(context.Background(), crawlID)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func requireInFlight(t *testing.T, s frontier.Store, tenantID string, want int) {
	t.Helper()
	got, err := s.CountInFlight(context.Background(), tenantID)
	require.NoError(t, err)
	require.Equal(t, want, got)
}
