// Package memory implements the frontier in-process. A single mutex gives
// every operation the same atomicity the Redis scripts provide.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/crawlq/internal/crawler"
	"github.com/JakeFAU/crawlq/internal/frontier"
)

type crawlState struct {
	record    crawler.CrawlRecord
	visited   map[string]struct{}
	jobs      map[string]struct{}
	done      map[string]struct{}
	finalized bool
	expiresAt time.Time
}

// Store is the in-memory frontier.
type Store struct {
	mu        sync.Mutex
	crawls    map[string]*crawlState
	inflight  map[string]map[string]time.Time
	retention time.Duration
	nowFn     func() time.Time
}

// New creates a Store.
func New(cfg frontier.Config) *Store {
	return &Store{
		crawls:    make(map[string]*crawlState),
		inflight:  make(map[string]map[string]time.Time),
		retention: cfg.RetentionOrDefault(),
		nowFn:     time.Now,
	}
}

// state returns the live crawl or nil. Callers hold s.mu.
func (s *Store) state(crawlID string) *crawlState {
	st, ok := s.crawls[crawlID]
	if !ok {
		return nil
	}
	if !s.nowFn().Before(st.expiresAt) {
		delete(s.crawls, crawlID)
		return nil
	}
	return st
}

func (s *Store) touch(st *crawlState) {
	st.expiresAt = s.nowFn().Add(s.retention)
}

// CreateCrawl stores a new crawl record.
func (s *Store) CreateCrawl(_ context.Context, record crawler.CrawlRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state(record.ID) != nil {
		return frontier.ErrCrawlExists
	}
	st := &crawlState{
		record:  record,
		visited: make(map[string]struct{}),
		jobs:    make(map[string]struct{}),
		done:    make(map[string]struct{}),
	}
	s.touch(st)
	s.crawls[record.ID] = st
	return nil
}

// GetCrawl returns a copy of the record.
func (s *Store) GetCrawl(_ context.Context, crawlID string) (crawler.CrawlRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(crawlID)
	if st == nil {
		return crawler.CrawlRecord{}, frontier.ErrCrawlNotFound
	}
	return st.record, nil
}

// Cancel marks the crawl cancelled.
func (s *Store) Cancel(_ context.Context, crawlID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(crawlID)
	if st == nil {
		return frontier.ErrCrawlNotFound
	}
	st.record.Cancelled = true
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

// ClaimURL marks the URL visited for the crawl; only the first caller wins.
func (s *Store) ClaimURL(_ context.Context, crawlID, normalizedURL string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(crawlID)
	if st == nil {
		return false, nil
	}
	if _, seen := st.visited[normalizedURL]; seen {
		return false, nil
	}
	if limit := st.record.Options.Limit; limit > 0 && len(st.visited) >= limit {
		return false, nil
	}
	st.visited[normalizedURL] = struct{}{}
	s.touch(st)
	return true, nil
}

// RecordJobMembership adds the job to the crawl's job set.
func (s *Store) RecordJobMembership(_ context.Context, crawlID, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(crawlID)
	if st == nil {
		return frontier.ErrCrawlNotFound
	}
	st.jobs[jobID] = struct{}{}
	s.touch(st)
	return nil
}

// RemoveJobMembership takes back a membership whose job never reached the
// queue. A missing crawl is not an error.
func (s *Store) RemoveJobMembership(_ context.Context, crawlID, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(crawlID)
	if st == nil {
		return nil
	}
	delete(st.jobs, jobID)
	s.touch(st)
	return nil
}

// RecordJobDone adds the job to the crawl's done set.
func (s *Store) RecordJobDone(_ context.Context, crawlID, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(crawlID)
	if st == nil {
		return frontier.ErrCrawlNotFound
	}
	st.done[jobID] = struct{}{}
	s.touch(st)
	return nil
}

func drained(st *crawlState) bool {
	if len(st.jobs) == 0 {
		return false
	}
	for id := range st.jobs {
		if _, ok := st.done[id]; !ok {
			return false
		}
	}
	return true
}

// IsCrawlFinished reports whether every recorded job is done.
func (s *Store) IsCrawlFinished(_ context.Context, crawlID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(crawlID)
	if st == nil {
		return false, nil
	}
	return drained(st), nil
}

// TryFinalize returns true to exactly one caller once the crawl is drained.
func (s *Store) TryFinalize(_ context.Context, crawlID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(crawlID)
	if st == nil || st.finalized || !drained(st) {
		return false, nil
	}
	st.finalized = true
	return true, nil
}

// IsFinalized reports whether TryFinalize has already succeeded.
func (s *Store) IsFinalized(_ context.Context, crawlID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(crawlID)
	return st != nil && st.finalized, nil
}

// ListJobs returns the crawl's job IDs.
func (s *Store) ListJobs(_ context.Context, crawlID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(crawlID)
	if st == nil {
		return nil, nil
	}
	ids := make([]string, 0, len(st.jobs))
	for id := range st.jobs {
		ids = append(ids, id)
	}
	return ids, nil
}

// CountJobs returns the sizes of the job and done sets.
func (s *Store) CountJobs(_ context.Context, crawlID string) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(crawlID)
	if st == nil {
		return 0, 0, nil
	}
	return len(st.jobs), len(st.done), nil
}

// AddInFlight records the job against the tenant and returns the live count.
func (s *Store) AddInFlight(_ context.Context, tenantID, jobID string, ttl time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.pruneLocked(tenantID)
	if set == nil {
		set = make(map[string]time.Time)
		s.inflight[tenantID] = set
	}
	set[jobID] = s.nowFn().Add(ttl)
	return len(set), nil
}

// RemoveInFlight releases the job.
func (s *Store) RemoveInFlight(_ context.Context, tenantID, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if set := s.inflight[tenantID]; set != nil {
		delete(set, jobID)
	}
	return nil
}

// CountInFlight counts unexpired entries for the tenant.
func (s *Store) CountInFlight(_ context.Context, tenantID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pruneLocked(tenantID)), nil
}

func (s *Store) pruneLocked(tenantID string) map[string]time.Time {
	set := s.inflight[tenantID]
	now := s.nowFn()
	for id, exp := range set {
		if !now.Before(exp) {
			delete(set, id)
		}
	}
	return set
}
