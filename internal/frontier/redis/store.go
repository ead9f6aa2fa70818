// Package redis implements the frontier on Redis. Every mutation is a single
// command or a single script so concurrent workers never interleave inside
// a check-and-set.
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
	"github.com/JakeFAU/crawlq/internal/frontier"
)

var createScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
	return 0
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[3])
redis.call("SET", KEYS[2], ARGV[2], "PX", ARGV[3])
return 1
`)

var claimScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[3]) == 0 then
	return 0
end
if redis.call("SISMEMBER", KEYS[1], ARGV[1]) == 1 then
	return 0
end
local limit = tonumber(redis.call("GET", KEYS[2]) or "0")
if limit and limit > 0 and redis.call("SCARD", KEYS[1]) >= limit then
	return 0
end
redis.call("SADD", KEYS[1], ARGV[1])
redis.call("PEXPIRE", KEYS[1], ARGV[2])
return 1
`)

// membershipScript applies SADD or SREM to KEYS[2] and pushes out the expiry
// of every key of the crawl, so state written late in a long crawl does not
// outlive its record.
var membershipScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return -1
end
redis.call(ARGV[1], KEYS[2], ARGV[2])
for i = 1, #KEYS do
	redis.call("PEXPIRE", KEYS[i], ARGV[3])
end
return 1
`)

var drainedScript = goredis.NewScript(`
if redis.call("SCARD", KEYS[1]) == 0 then
	return 0
end
if #redis.call("SDIFF", KEYS[1], KEYS[2]) > 0 then
	return 0
end
return 1
`)

var finalizeScript = goredis.NewScript(`
if redis.call("SCARD", KEYS[1]) == 0 then
	return 0
end
if #redis.call("SDIFF", KEYS[1], KEYS[2]) > 0 then
	return 0
end
if redis.call("SET", KEYS[3], "1", "NX", "PX", ARGV[1]) then
	return 1
end
return 0
`)

// Store is the Redis-backed frontier.
type Store struct {
	client    goredis.UniversalClient
	retention time.Duration
	nowFn     func() time.Time
}

// New creates a Store.
func New(client goredis.UniversalClient, cfg frontier.Config) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	return &Store{
		client:    client,
		retention: cfg.RetentionOrDefault(),
		nowFn:     time.Now,
	}, nil
}

// CreateCrawl writes the record and its limit key. IDs are never reused.
func (s *Store) CreateCrawl(ctx context.Context, record crawler.CrawlRecord) error {
	if record.ID == "" {
		return fmt.Errorf("crawl id is required")
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal crawl: %w", err)
	}
	created, err := createScript.Run(ctx, s.client,
		[]string{crawlKey(record.ID), limitKey(record.ID)},
		data, record.Options.Limit, s.retention.Milliseconds(),
	).Int64()
	if err != nil {
		return fmt.Errorf("create crawl %s: %w", record.ID, err)
	}
	if created == 0 {
		return frontier.ErrCrawlExists
	}
	return nil
}

// GetCrawl loads the record.
func (s *Store) GetCrawl(ctx context.Context, crawlID string) (crawler.CrawlRecord, error) {
	data, err := s.client.Get(ctx, crawlKey(crawlID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return crawler.CrawlRecord{}, frontier.ErrCrawlNotFound
	}
	if err != nil {
		return crawler.CrawlRecord{}, fmt.Errorf("get crawl %s: %w", crawlID, err)
	}
	var record crawler.CrawlRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return crawler.CrawlRecord{}, fmt.Errorf("decode crawl %s: %w", crawlID, err)
	}
	return record, nil
}

// Cancel flips the cancelled flag. Cancelling twice is a no-op.
func (s *Store) Cancel(ctx context.Context, crawlID string) error {
	record, err := s.GetCrawl(ctx, crawlID)
	if err != nil {
		return err
	}
	if record.Cancelled {
		return nil
	}
	record.Cancelled = true
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal crawl: %w", err)
	}
	if err := s.client.Set(ctx, crawlKey(crawlID), data, goredis.KeepTTL).Err(); err != nil {
		return fmt.Errorf("cancel crawl %s: %w", crawlID, err)
	}
	return nil
}

// IsCancelled reports the cancelled flag.
func (s *Store) IsCancelled(ctx context.Context, crawlID string) (bool, error) {
	record, err := s.GetCrawl(ctx, crawlID)
	if err != nil {
		return false, err
	}
	return record.Cancelled, nil
}

// ClaimURL adds the URL to the visited set unless it is already there or
// the crawl limit has been reached. Exactly one concurrent caller wins.
func (s *Store) ClaimURL(ctx context.Context, crawlID, normalizedURL string) (bool, error) {
	n, err := claimScript.Run(ctx, s.client,
		[]string{visitedKey(crawlID), limitKey(crawlID), crawlKey(crawlID)},
		normalizedURL, s.retention.Milliseconds(),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("claim url: %w", err)
	}
	return n == 1, nil
}

// RecordJobMembership adds a job to the crawl's job set.
func (s *Store) RecordJobMembership(ctx context.Context, crawlID, jobID string) error {
	return s.updateMembership(ctx, crawlID, jobsKey(crawlID), "SADD", jobID)
}

// RemoveJobMembership takes back a membership whose job never reached the
// queue. A missing crawl is not an error.
func (s *Store) RemoveJobMembership(ctx context.Context, crawlID, jobID string) error {
	err := s.updateMembership(ctx, crawlID, jobsKey(crawlID), "SREM", jobID)
	if errors.Is(err, frontier.ErrCrawlNotFound) {
		return nil
	}
	return err
}

// RecordJobDone adds a job to the crawl's done set.
func (s *Store) RecordJobDone(ctx context.Context, crawlID, jobID string) error {
	return s.updateMembership(ctx, crawlID, doneKey(crawlID), "SADD", jobID)
}

func (s *Store) updateMembership(ctx context.Context, crawlID, key, op, member string) error {
	keys := []string{
		crawlKey(crawlID), key,
		limitKey(crawlID), visitedKey(crawlID), jobsKey(crawlID), doneKey(crawlID), finalizedKey(crawlID),
	}
	n, err := membershipScript.Run(ctx, s.client, keys, op, member, s.retention.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, key, err)
	}
	if n < 0 {
		return frontier.ErrCrawlNotFound
	}
	return nil
}

// IsCrawlFinished reports whether every recorded job is done.
func (s *Store) IsCrawlFinished(ctx context.Context, crawlID string) (bool, error) {
	n, err := drainedScript.Run(ctx, s.client, []string{jobsKey(crawlID), doneKey(crawlID)}).Int64()
	if err != nil {
		return false, fmt.Errorf("check crawl finished: %w", err)
	}
	return n == 1, nil
}

// TryFinalize returns true to exactly one caller once the crawl is drained.
func (s *Store) TryFinalize(ctx context.Context, crawlID string) (bool, error) {
	n, err := finalizeScript.Run(ctx, s.client,
		[]string{jobsKey(crawlID), doneKey(crawlID), finalizedKey(crawlID)},
		s.retention.Milliseconds(),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("finalize crawl: %w", err)
	}
	return n == 1, nil
}

// IsFinalized reports whether TryFinalize has already succeeded.
func (s *Store) IsFinalized(ctx context.Context, crawlID string) (bool, error) {
	n, err := s.client.Exists(ctx, finalizedKey(crawlID)).Result()
	if err != nil {
		return false, fmt.Errorf("check finalized: %w", err)
	}
	return n == 1, nil
}

// ListJobs returns the crawl's job IDs in no particular order.
func (s *Store) ListJobs(ctx context.Context, crawlID string) ([]string, error) {
	ids, err := s.client.SMembers(ctx, jobsKey(crawlID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return ids, nil
}

// CountJobs returns the sizes of the job and done sets.
func (s *Store) CountJobs(ctx context.Context, crawlID string) (int, int, error) {
	var total, done *goredis.IntCmd
	_, err := s.client.Pipelined(ctx, func(p goredis.Pipeliner) error {
		total = p.SCard(ctx, jobsKey(crawlID))
		done = p.SCard(ctx, doneKey(crawlID))
		return nil
	})
	if err != nil {
		return 0, 0, fmt.Errorf("count jobs: %w", err)
	}
	return int(total.Val()), int(done.Val()), nil
}

// AddInFlight records the job against the tenant and returns the live count.
// Adding the same job twice counts it once.
func (s *Store) AddInFlight(ctx context.Context, tenantID, jobID string, ttl time.Duration) (int, error) {
	key := inFlightKey(tenantID)
	now := s.nowFn()
	var card *goredis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(now.UnixMilli(), 10))
		p.ZAdd(ctx, key, goredis.Z{Score: float64(now.Add(ttl).UnixMilli()), Member: jobID})
		p.PExpire(ctx, key, ttl)
		card = p.ZCard(ctx, key)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("add in-flight: %w", err)
	}
	return int(card.Val()), nil
}

// RemoveInFlight releases the job. Releasing twice is a no-op.
func (s *Store) RemoveInFlight(ctx context.Context, tenantID, jobID string) error {
	if err := s.client.ZRem(ctx, inFlightKey(tenantID), jobID).Err(); err != nil {
		return fmt.Errorf("remove in-flight: %w", err)
	}
	return nil
}

// CountInFlight counts unexpired entries for the tenant.
func (s *Store) CountInFlight(ctx context.Context, tenantID string) (int, error) {
	minScore := strconv.FormatInt(s.nowFn().UnixMilli(), 10)
	n, err := s.client.ZCount(ctx, inFlightKey(tenantID), "("+minScore, "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("count in-flight: %w", err)
	}
	return int(n), nil
}
