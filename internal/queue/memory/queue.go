// Package memory provides an in-process job queue for local development and tests.
package memory

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/crawlq/internal/crawler"
	"github.com/JakeFAU/crawlq/internal/id/uuid"
	"github.com/JakeFAU/crawlq/internal/lock"
	"github.com/JakeFAU/crawlq/internal/queue"
)

type waiting struct {
	id       string
	priority int
	seq      uint64
}

type waitHeap []waiting

func (h waitHeap) Len() int { return len(h) }
func (h waitHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h waitHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *waitHeap) Push(x any)   { *h = append(*h, x.(waiting)) }
func (h *waitHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

type stored struct {
	job       crawler.Job
	expiresAt time.Time
}

// Queue keeps jobs in a heap and a map guarded by a mutex. Job ownership is
// delegated to a lock.Locker exactly like the Redis implementation.
type Queue struct {
	mu        sync.Mutex
	cfg       queue.Config
	locker    lock.Locker
	wait      waitHeap
	seq       uint64
	jobs      map[string]*stored
	active    map[string]time.Time
	completed int64
	failed    int64
	closed    bool
	nowFn     func() time.Time
}

// NewQueue constructs an empty queue.
func NewQueue(locker lock.Locker, cfg queue.Config) *Queue {
	return &Queue{
		cfg:    cfg.Defaults(),
		locker: locker,
		jobs:   make(map[string]*stored),
		active: make(map[string]time.Time),
		nowFn:  time.Now,
	}
}

// Push enqueues a job. An empty jobID gets a UUIDv7.
func (q *Queue) Push(_ context.Context, data crawler.JobData, priority int, jobID string) (string, error) {
	if jobID == "" {
		id, err := uuid.NewID()
		if err != nil {
			return "", fmt.Errorf("generate job id: %w", err)
		}
		jobID = id
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return "", queue.ErrClosed
	}
	q.gc()
	if _, ok := q.jobs[jobID]; ok {
		return jobID, queue.ErrDuplicateJob
	}
	q.jobs[jobID] = &stored{job: crawler.Job{
		ID:        jobID,
		Data:      data,
		Priority:  priority,
		Status:    crawler.JobStatusQueued,
		CreatedAt: q.nowFn().UTC(),
	}}
	q.enqueue(jobID, priority)
	return jobID, nil
}

func (q *Queue) enqueue(id string, priority int) {
	q.seq++
	heap.Push(&q.wait, waiting{id: id, priority: priority, seq: q.seq})
}

// Pull pops the best waiting job and locks it with token. It returns nil
// when nothing is waiting.
func (q *Queue) Pull(ctx context.Context, token string) (*crawler.Job, error) {
	if token == "" {
		return nil, fmt.Errorf("worker token is required")
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, queue.ErrClosed
	}
	if q.wait.Len() == 0 {
		q.mu.Unlock()
		return nil, nil
	}
	next := heap.Pop(&q.wait).(waiting)
	q.active[next.id] = q.nowFn().Add(q.cfg.LockTTL)
	q.mu.Unlock()

	if _, err := q.locker.Acquire(ctx, queue.LockResource(q.cfg.Name, next.id), q.cfg.LockTTL,
		lock.WithToken(token), lock.NoRetry()); err != nil {
		return nil, fmt.Errorf("lock job %s: %w", next.id, err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	rec, ok := q.jobs[next.id]
	if !ok {
		delete(q.active, next.id)
		return nil, fmt.Errorf("load popped job %s: %w", next.id, queue.ErrJobNotFound)
	}
	rec.job.Status = crawler.JobStatusActive
	rec.job.Attempts++
	rec.job.ProcessedAt = q.nowFn().UTC()
	job := rec.job
	job.Token = token
	return &job, nil
}

func (q *Queue) jobLock(id, token string) *lock.Lock {
	return &lock.Lock{Resource: queue.LockResource(q.cfg.Name, id), Token: token}
}

func (q *Queue) renew(ctx context.Context, jobID, token string, ttl time.Duration) error {
	err := q.locker.Renew(ctx, q.jobLock(jobID, token), ttl)
	if errors.Is(err, lock.ErrNotHeld) {
		return fmt.Errorf("job %s: %w", jobID, queue.ErrLockMismatch)
	}
	if err != nil {
		return fmt.Errorf("renew job lock: %w", err)
	}
	return nil
}

// ExtendLock renews the job lock and its active lease.
func (q *Queue) ExtendLock(ctx context.Context, jobID, token string, ttl time.Duration) error {
	if err := q.renew(ctx, jobID, token, ttl); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.active[jobID]; ok {
		q.active[jobID] = q.nowFn().Add(ttl)
	}
	return nil
}

// MoveToCompleted stores the result and finishes the job.
func (q *Queue) MoveToCompleted(ctx context.Context, jobID, token string, result crawler.Document) error {
	return q.finish(ctx, jobID, token, func(job *crawler.Job) {
		job.Status = crawler.JobStatusCompleted
		job.Result = &result
	})
}

// MoveToFailed records the reason and finishes the job.
func (q *Queue) MoveToFailed(ctx context.Context, jobID, token string, reason string) error {
	return q.finish(ctx, jobID, token, func(job *crawler.Job) {
		job.Status = crawler.JobStatusFailed
		job.FailedReason = reason
	})
}

func (q *Queue) finish(ctx context.Context, jobID, token string, mutate func(*crawler.Job)) error {
	if err := q.renew(ctx, jobID, token, q.cfg.LockTTL); err != nil {
		return err
	}
	q.mu.Lock()
	rec, ok := q.jobs[jobID]
	if !ok {
		q.mu.Unlock()
		return queue.ErrJobNotFound
	}
	if rec.job.Status.Terminal() {
		q.mu.Unlock()
		return fmt.Errorf("job %s already %s", jobID, rec.job.Status)
	}
	mutate(&rec.job)
	now := q.nowFn()
	rec.job.FinishedAt = now.UTC()
	rec.expiresAt = now.Add(q.cfg.Retention)
	delete(q.active, jobID)
	q.count(rec.job.Status)
	q.mu.Unlock()

	if err := q.locker.Release(ctx, q.jobLock(jobID, token)); err != nil && !errors.Is(err, lock.ErrNotHeld) {
		return fmt.Errorf("release job lock: %w", err)
	}
	return nil
}

func (q *Queue) count(status crawler.JobStatus) {
	switch status {
	case crawler.JobStatusCompleted:
		q.completed++
	case crawler.JobStatusFailed:
		q.failed++
	}
}

// GetJob returns a copy of a job record.
func (q *Queue) GetJob(_ context.Context, jobID string) (crawler.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.gc()
	rec, ok := q.jobs[jobID]
	if !ok {
		return crawler.Job{}, queue.ErrJobNotFound
	}
	return rec.job, nil
}

// Counts reports queue depth and terminal totals.
func (q *Queue) Counts(context.Context) (crawler.QueueCounts, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return crawler.QueueCounts{
		Waiting:   int64(q.wait.Len()),
		Active:    int64(len(q.active)),
		Completed: q.completed,
		Failed:    q.failed,
	}, nil
}

// RecoverStalled requeues active jobs whose lease and lock both lapsed.
// Jobs past MaxStalls are failed and returned so their crawl can be settled.
func (q *Queue) RecoverStalled(ctx context.Context) (crawler.StalledRecovery, error) {
	q.mu.Lock()
	now := q.nowFn()
	var expired []string
	for id, lease := range q.active {
		if !now.Before(lease) {
			expired = append(expired, id)
		}
	}
	q.mu.Unlock()

	var rec crawler.StalledRecovery
	for _, id := range expired {
		held, err := q.locker.Acquire(ctx, queue.LockResource(q.cfg.Name, id), q.cfg.LockTTL, lock.NoRetry())
		if errors.Is(err, lock.ErrNotAcquired) {
			continue
		}
		if err != nil {
			return rec, fmt.Errorf("lock stalled job %s: %w", id, err)
		}
		if job, failed, ok := q.stall(id); ok {
			if failed {
				rec.Failed = append(rec.Failed, job)
			} else {
				rec.Requeued++
			}
		}
		_ = q.locker.Release(context.WithoutCancel(ctx), held)
	}
	return rec, nil
}

func (q *Queue) stall(id string) (crawler.Job, bool, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.active, id)
	rec, ok := q.jobs[id]
	if !ok || rec.job.Status.Terminal() {
		return crawler.Job{}, false, false
	}
	rec.job.Stalls++
	if rec.job.Stalls > q.cfg.MaxStalls {
		now := q.nowFn()
		rec.job.Status = crawler.JobStatusFailed
		rec.job.FailedReason = queue.StalledReason
		rec.job.FinishedAt = now.UTC()
		rec.expiresAt = now.Add(q.cfg.Retention)
		q.failed++
		return rec.job, true, true
	}
	rec.job.Status = crawler.JobStatusQueued
	q.enqueue(id, rec.job.Priority)
	return rec.job, false, true
}

// Requeue gives an active job back to the waiting heap at its priority. The
// caller must own the job lock; the stall count is unchanged.
func (q *Queue) Requeue(ctx context.Context, jobID, token string) error {
	if err := q.renew(ctx, jobID, token, q.cfg.LockTTL); err != nil {
		return err
	}
	q.mu.Lock()
	rec, ok := q.jobs[jobID]
	if !ok {
		q.mu.Unlock()
		return queue.ErrJobNotFound
	}
	if rec.job.Status.Terminal() {
		q.mu.Unlock()
		return fmt.Errorf("job %s already %s", jobID, rec.job.Status)
	}
	delete(q.active, jobID)
	rec.job.Status = crawler.JobStatusQueued
	q.enqueue(jobID, rec.job.Priority)
	q.mu.Unlock()

	if err := q.locker.Release(ctx, q.jobLock(jobID, token)); err != nil && !errors.Is(err, lock.ErrNotHeld) {
		return fmt.Errorf("release job lock: %w", err)
	}
	return nil
}

// gc drops terminal jobs past retention. Callers hold q.mu.
func (q *Queue) gc() {
	now := q.nowFn()
	for id, rec := range q.jobs {
		if !rec.expiresAt.IsZero() && !now.Before(rec.expiresAt) {
			delete(q.jobs, id)
		}
	}
}

// Close stops the queue; subsequent Push and Pull calls return ErrClosed.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}
