// Package redis implements the job queue on Redis sorted sets.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/crawlq/internal/crawler"
	"github.com/JakeFAU/crawlq/internal/id/uuid"
	"github.com/JakeFAU/crawlq/internal/lock"
	"github.com/JakeFAU/crawlq/internal/queue"
)

var pushScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
	return 0
end
redis.call("SET", KEYS[1], ARGV[1])
redis.call("ZADD", KEYS[2], ARGV[2], ARGV[3])
return 1
`)

var popScript = goredis.NewScript(`
local popped = redis.call("ZPOPMIN", KEYS[1])
if #popped == 0 then
	return false
end
redis.call("ZADD", KEYS[2], ARGV[1], popped[1])
return popped[1]
`)

// Queue is the Redis-backed job queue. Members of the wait set are scored
// by priority; ties are broken by member order, and time-ordered UUIDv7 IDs
// keep that order equal to submission order.
type Queue struct {
	client goredis.UniversalClient
	locker lock.Locker
	cfg    queue.Config
	nowFn  func() time.Time
}

// New creates a Queue.
func New(client goredis.UniversalClient, locker lock.Locker, cfg queue.Config) (*Queue, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if locker == nil {
		return nil, fmt.Errorf("locker is required")
	}
	return &Queue{client: client, locker: locker, cfg: cfg.Defaults(), nowFn: time.Now}, nil
}

func (q *Queue) prefix() string             { return "queue:" + q.cfg.Name }
func (q *Queue) jobKey(id string) string    { return q.prefix() + ":job:" + id }
func (q *Queue) waitKey() string            { return q.prefix() + ":wait" }
func (q *Queue) activeKey() string          { return q.prefix() + ":active" }
func (q *Queue) counterKey(s string) string { return q.prefix() + ":" + s }

func (q *Queue) jobLock(id, token string) *lock.Lock {
	return &lock.Lock{Resource: queue.LockResource(q.cfg.Name, id), Token: token}
}

// Push enqueues a job. An empty jobID gets a UUIDv7.
func (q *Queue) Push(ctx context.Context, data crawler.JobData, priority int, jobID string) (string, error) {
	if jobID == "" {
		id, err := uuid.NewID()
		if err != nil {
			return "", fmt.Errorf("generate job id: %w", err)
		}
		jobID = id
	}
	job := crawler.Job{
		ID:        jobID,
		Data:      data,
		Priority:  priority,
		Status:    crawler.JobStatusQueued,
		CreatedAt: q.nowFn().UTC(),
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("marshal job: %w", err)
	}
	n, err := pushScript.Run(ctx, q.client,
		[]string{q.jobKey(jobID), q.waitKey()},
		payload, priority, jobID,
	).Int64()
	if err != nil {
		return "", fmt.Errorf("push job %s: %w", jobID, err)
	}
	if n == 0 {
		return jobID, queue.ErrDuplicateJob
	}
	return jobID, nil
}

// Pull pops the best waiting job and locks it with token.
func (q *Queue) Pull(ctx context.Context, token string) (*crawler.Job, error) {
	if token == "" {
		return nil, fmt.Errorf("worker token is required")
	}
	lease := q.nowFn().Add(q.cfg.LockTTL).UnixMilli()
	id, err := popScript.Run(ctx, q.client, []string{q.waitKey(), q.activeKey()}, lease).Text()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pop job: %w", err)
	}

	job, err := q.GetJob(ctx, id)
	if errors.Is(err, queue.ErrJobNotFound) {
		q.client.ZRem(ctx, q.activeKey(), id)
		return nil, fmt.Errorf("load popped job %s: %w", id, err)
	}
	if err != nil {
		// The job still exists; its lease lets recovery return it to waiting.
		return nil, fmt.Errorf("load popped job %s: %w", id, err)
	}
	if _, err := q.locker.Acquire(ctx, queue.LockResource(q.cfg.Name, id), q.cfg.LockTTL,
		lock.WithToken(token), lock.NoRetry()); err != nil {
		// The active entry keeps a lease, so recovery returns it to waiting.
		return nil, fmt.Errorf("lock job %s: %w", id, err)
	}

	job.Status = crawler.JobStatusActive
	job.Attempts++
	job.ProcessedAt = q.nowFn().UTC()
	if err := q.saveJob(ctx, job, 0); err != nil {
		return nil, err
	}
	job.Token = token
	return &job, nil
}

// ExtendLock renews the job lock and pushes out its active lease.
func (q *Queue) ExtendLock(ctx context.Context, jobID, token string, ttl time.Duration) error {
	if err := q.renew(ctx, jobID, token, ttl); err != nil {
		return err
	}
	lease := float64(q.nowFn().Add(ttl).UnixMilli())
	if err := q.client.ZAddXX(ctx, q.activeKey(), goredis.Z{Score: lease, Member: jobID}).Err(); err != nil {
		return fmt.Errorf("extend lease %s: %w", jobID, err)
	}
	return nil
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

// finish verifies ownership, writes the terminal state and then drops the lock.
func (q *Queue) finish(ctx context.Context, jobID, token string, mutate func(*crawler.Job)) error {
	if err := q.renew(ctx, jobID, token, q.cfg.LockTTL); err != nil {
		return err
	}
	job, err := q.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return fmt.Errorf("job %s already %s", jobID, job.Status)
	}
	mutate(&job)
	job.FinishedAt = q.nowFn().UTC()
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	_, err = q.client.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.Set(ctx, q.jobKey(jobID), payload, q.cfg.Retention)
		p.ZRem(ctx, q.activeKey(), jobID)
		p.Incr(ctx, q.counterKey(string(job.Status)))
		return nil
	})
	if err != nil {
		return fmt.Errorf("finish job %s: %w", jobID, err)
	}
	if err := q.locker.Release(ctx, q.jobLock(jobID, token)); err != nil && !errors.Is(err, lock.ErrNotHeld) {
		return fmt.Errorf("release job lock: %w", err)
	}
	return nil
}

// GetJob loads a job record.
func (q *Queue) GetJob(ctx context.Context, jobID string) (crawler.Job, error) {
	data, err := q.client.Get(ctx, q.jobKey(jobID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return crawler.Job{}, queue.ErrJobNotFound
	}
	if err != nil {
		return crawler.Job{}, fmt.Errorf("get job %s: %w", jobID, err)
	}
	var job crawler.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return crawler.Job{}, fmt.Errorf("decode job %s: %w", jobID, err)
	}
	return job, nil
}

func (q *Queue) saveJob(ctx context.Context, job crawler.Job, ttl time.Duration) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.Set(ctx, q.jobKey(job.ID), payload, ttl).Err(); err != nil {
		return fmt.Errorf("save job %s: %w", job.ID, err)
	}
	return nil
}

// Counts reports queue depth and terminal totals.
func (q *Queue) Counts(ctx context.Context) (crawler.QueueCounts, error) {
	var wait, active *goredis.IntCmd
	var completed, failed *goredis.StringCmd
	_, err := q.client.Pipelined(ctx, func(p goredis.Pipeliner) error {
		wait = p.ZCard(ctx, q.waitKey())
		active = p.ZCard(ctx, q.activeKey())
		completed = p.Get(ctx, q.counterKey(string(crawler.JobStatusCompleted)))
		failed = p.Get(ctx, q.counterKey(string(crawler.JobStatusFailed)))
		return nil
	})
	if err != nil && !errors.Is(err, goredis.Nil) {
		return crawler.QueueCounts{}, fmt.Errorf("queue counts: %w", err)
	}
	return crawler.QueueCounts{
		Waiting:   wait.Val(),
		Active:    active.Val(),
		Completed: parseCount(completed.Val()),
		Failed:    parseCount(failed.Val()),
	}, nil
}

func parseCount(s string) int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// RecoverStalled returns active jobs whose lease and lock both lapsed to
// waiting, or fails them once they exceed MaxStalls. Failed jobs are
// returned so their crawl can be settled.
func (q *Queue) RecoverStalled(ctx context.Context) (crawler.StalledRecovery, error) {
	var rec crawler.StalledRecovery
	now := strconv.FormatInt(q.nowFn().UnixMilli(), 10)
	ids, err := q.client.ZRangeByScore(ctx, q.activeKey(), &goredis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil {
		return rec, fmt.Errorf("scan active jobs: %w", err)
	}
	for _, id := range ids {
		job, ok, err := q.recoverOne(ctx, id)
		if err != nil {
			return rec, err
		}
		switch {
		case !ok:
		case job.Status == crawler.JobStatusFailed:
			rec.Failed = append(rec.Failed, job)
		default:
			rec.Requeued++
		}
	}
	return rec, nil
}

func (q *Queue) recoverOne(ctx context.Context, id string) (crawler.Job, bool, error) {
	held, err := q.locker.Acquire(ctx, queue.LockResource(q.cfg.Name, id), q.cfg.LockTTL, lock.NoRetry())
	if errors.Is(err, lock.ErrNotAcquired) {
		return crawler.Job{}, false, nil
	}
	if err != nil {
		return crawler.Job{}, false, fmt.Errorf("lock stalled job %s: %w", id, err)
	}
	defer func() { _ = q.locker.Release(context.WithoutCancel(ctx), held) }()

	job, err := q.GetJob(ctx, id)
	if errors.Is(err, queue.ErrJobNotFound) {
		return crawler.Job{}, false, q.client.ZRem(ctx, q.activeKey(), id).Err()
	}
	if err != nil {
		return crawler.Job{}, false, err
	}
	if job.Status.Terminal() {
		return crawler.Job{}, false, q.client.ZRem(ctx, q.activeKey(), id).Err()
	}

	job.Stalls++
	if job.Stalls > q.cfg.MaxStalls {
		job.Status = crawler.JobStatusFailed
		job.FailedReason = queue.StalledReason
		job.FinishedAt = q.nowFn().UTC()
	} else {
		job.Status = crawler.JobStatusQueued
	}
	if err := q.returnJob(ctx, job); err != nil {
		return crawler.Job{}, false, fmt.Errorf("requeue stalled job %s: %w", id, err)
	}
	return job, true, nil
}

// returnJob takes the job off the active set and either files its terminal
// state or puts it back on the wait set.
func (q *Queue) returnJob(ctx context.Context, job crawler.Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	_, err = q.client.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.ZRem(ctx, q.activeKey(), job.ID)
		var ttl time.Duration
		if job.Status.Terminal() {
			ttl = q.cfg.Retention
			p.Incr(ctx, q.counterKey(string(job.Status)))
		} else {
			p.ZAdd(ctx, q.waitKey(), goredis.Z{Score: float64(job.Priority), Member: job.ID})
		}
		p.Set(ctx, q.jobKey(job.ID), payload, ttl)
		return nil
	})
	return err
}

// Requeue gives an active job back to the wait set at its priority. The
// caller must own the job lock; the stall count is unchanged.
func (q *Queue) Requeue(ctx context.Context, jobID, token string) error {
	if err := q.renew(ctx, jobID, token, q.cfg.LockTTL); err != nil {
		return err
	}
	job, err := q.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return fmt.Errorf("job %s already %s", jobID, job.Status)
	}
	job.Status = crawler.JobStatusQueued
	if err := q.returnJob(ctx, job); err != nil {
		return fmt.Errorf("requeue job %s: %w", jobID, err)
	}
	if err := q.locker.Release(ctx, q.jobLock(jobID, token)); err != nil && !errors.Is(err, lock.ErrNotHeld) {
		return fmt.Errorf("release job lock: %w", err)
	}
	return nil
}
