// Package queuetest runs the same behavioural checks against every queue backend.
package queuetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlq/internal/crawler"
	"github.com/JakeFAU/crawlq/internal/queue"
)

// Harness is a fresh queue plus a way to move the clock shared by the queue
// and its locker.
type Harness struct {
	Queue   queue.Store
	Config  queue.Config
	Advance func(d time.Duration)
}

// Run executes the suite. newHarness must return an isolated queue per call.
func Run(t *testing.T, newHarness func(t *testing.T) Harness) {
	t.Helper()

	t.Run("lower priority first then fifo", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		first := push(t, h, "https://example.com/1", 20)
		second := push(t, h, "https://example.com/2", 20)
		urgent := push(t, h, "https://example.com/0", 10)

		for _, want := range []string{urgent, first, second} {
			job, err := h.Queue.Pull(ctx, "w")
			require.NoError(t, err)
			require.NotNil(t, job)
			require.Equal(t, want, job.ID)
			require.Equal(t, crawler.JobStatusActive, job.Status)
			require.Equal(t, 1, job.Attempts)
			require.Equal(t, "w", job.Token)
		}
		job, err := h.Queue.Pull(ctx, "w")
		require.NoError(t, err)
		require.Nil(t, job)
	})

	t.Run("duplicate id rejected", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		_, err := h.Queue.Push(ctx, crawler.JobData{URL: "https://example.com"}, 10, "job-1")
		require.NoError(t, err)
		_, err = h.Queue.Push(ctx, crawler.JobData{URL: "https://example.com"}, 10, "job-1")
		require.ErrorIs(t, err, queue.ErrDuplicateJob)
	})

	t.Run("only the lock holder finishes a job", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		id := push(t, h, "https://example.com", 10)
		job, err := h.Queue.Pull(ctx, "owner")
		require.NoError(t, err)
		require.Equal(t, id, job.ID)

		require.ErrorIs(t, h.Queue.ExtendLock(ctx, id, "intruder", time.Minute), queue.ErrLockMismatch)
		require.ErrorIs(t, h.Queue.MoveToFailed(ctx, id, "intruder", "nope"), queue.ErrLockMismatch)
		require.NoError(t, h.Queue.ExtendLock(ctx, id, "owner", time.Minute))

		doc := crawler.Document{URL: "https://example.com", Content: "hello", StatusCode: 200}
		require.NoError(t, h.Queue.MoveToCompleted(ctx, id, "owner", doc))
		require.ErrorIs(t, h.Queue.MoveToCompleted(ctx, id, "owner", doc), queue.ErrLockMismatch)

		got, err := h.Queue.GetJob(ctx, id)
		require.NoError(t, err)
		require.Equal(t, crawler.JobStatusCompleted, got.Status)
		require.NotNil(t, got.Result)
		require.Equal(t, "hello", got.Result.Content)
		require.False(t, got.FinishedAt.IsZero())

		counts, err := h.Queue.Counts(ctx)
		require.NoError(t, err)
		require.Equal(t, crawler.QueueCounts{Completed: 1}, counts)
	})

	t.Run("failed jobs keep their reason", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		id := push(t, h, "https://example.com", 10)
		_, err := h.Queue.Pull(ctx, "owner")
		require.NoError(t, err)
		require.NoError(t, h.Queue.MoveToFailed(ctx, id, "owner", "boom"))

		got, err := h.Queue.GetJob(ctx, id)
		require.NoError(t, err)
		require.Equal(t, crawler.JobStatusFailed, got.Status)
		require.Equal(t, "boom", got.FailedReason)
	})

	t.Run("live locks are not recovered", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		push(t, h, "https://example.com", 10)
		_, err := h.Queue.Pull(ctx, "owner")
		require.NoError(t, err)

		h.Advance(h.Config.LockTTL / 2)
		rec, err := h.Queue.RecoverStalled(ctx)
		require.NoError(t, err)
		require.Zero(t, rec.Requeued)
		require.Empty(t, rec.Failed)
	})

	t.Run("stalled job is requeued then failed", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		id := push(t, h, "https://example.com", 10)
		_, err := h.Queue.Pull(ctx, "dead-worker")
		require.NoError(t, err)

		h.Advance(h.Config.LockTTL + time.Second)
		rec, err := h.Queue.RecoverStalled(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, rec.Requeued)
		require.Empty(t, rec.Failed)

		got, err := h.Queue.GetJob(ctx, id)
		require.NoError(t, err)
		require.Equal(t, crawler.JobStatusQueued, got.Status)
		require.Equal(t, 1, got.Stalls)

		job, err := h.Queue.Pull(ctx, "second-worker")
		require.NoError(t, err)
		require.Equal(t, id, job.ID)
		require.Equal(t, 2, job.Attempts)
		require.ErrorIs(t, h.Queue.MoveToCompleted(ctx, id, "dead-worker", crawler.Document{}), queue.ErrLockMismatch)

		h.Advance(h.Config.LockTTL + time.Second)
		rec, err = h.Queue.RecoverStalled(ctx)
		require.NoError(t, err)
		require.Zero(t, rec.Requeued)
		require.Len(t, rec.Failed, 1)
		require.Equal(t, id, rec.Failed[0].ID)
		require.Equal(t, "https://example.com", rec.Failed[0].Data.URL)
		require.Equal(t, crawler.JobStatusFailed, rec.Failed[0].Status)

		got, err = h.Queue.GetJob(ctx, id)
		require.NoError(t, err)
		require.Equal(t, crawler.JobStatusFailed, got.Status)
		require.Equal(t, queue.StalledReason, got.FailedReason)

		counts, err := h.Queue.Counts(ctx)
		require.NoError(t, err)
		require.Equal(t, crawler.QueueCounts{Failed: 1}, counts)
	})

	t.Run("requeue returns an owned job to waiting", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		id := push(t, h, "https://example.com", 10)
		_, err := h.Queue.Pull(ctx, "owner")
		require.NoError(t, err)

		require.ErrorIs(t, h.Queue.Requeue(ctx, id, "intruder"), queue.ErrLockMismatch)
		require.NoError(t, h.Queue.Requeue(ctx, id, "owner"))
		require.ErrorIs(t, h.Queue.MoveToCompleted(ctx, id, "owner", crawler.Document{}), queue.ErrLockMismatch)

		got, err := h.Queue.GetJob(ctx, id)
		require.NoError(t, err)
		require.Equal(t, crawler.JobStatusQueued, got.Status)
		require.Zero(t, got.Stalls)
		counts, err := h.Queue.Counts(ctx)
		require.NoError(t, err)
		require.Equal(t, crawler.QueueCounts{Waiting: 1}, counts)

		job, err := h.Queue.Pull(ctx, "next")
		require.NoError(t, err)
		require.Equal(t, id, job.ID)
		require.Equal(t, 2, job.Attempts)
		require.NoError(t, h.Queue.MoveToCompleted(ctx, id, "next", crawler.Document{}))
	})

	t.Run("terminal jobs expire after retention", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		id := push(t, h, "https://example.com", 10)
		_, err := h.Queue.Pull(ctx, "owner")
		require.NoError(t, err)
		require.NoError(t, h.Queue.MoveToCompleted(ctx, id, "owner", crawler.Document{}))

		h.Advance(h.Config.Retention + time.Second)
		_, err = h.Queue.GetJob(ctx, id)
		require.ErrorIs(t, err, queue.ErrJobNotFound)
	})
}

func push(t *testing.T, h Harness, url string, priority int) string {
	t.Helper()
	id, err := h.Queue.Push(context.Background(), crawler.JobData{URL: url, Mode: crawler.JobModeScrape}, priority, "")
	require.NoError(t, err)
	return id
}
