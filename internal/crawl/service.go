// Package crawl owns the crawl lifecycle: creating a crawl and its root job,
// submitting single-page scrapes, cancelling, reporting status and
// finalizing a drained crawl exactly once.
package crawl

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlq/internal/crawler"
	"github.com/JakeFAU/crawlq/internal/frontier"
	"github.com/JakeFAU/crawlq/internal/metrics"
	"github.com/JakeFAU/crawlq/internal/notify"
)

var (
	// ErrInvalidRequest wraps validation failures on incoming requests.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrBlocked is returned when the target host is on the blocklist.
	ErrBlocked = errors.New(crawler.BlockedMessage)
	// ErrTimeout is returned when a synchronous scrape does not finish in time.
	ErrTimeout = errors.New("scrape did not finish before the wait timeout")
)

// Crawl status values reported by Status.
const (
	StatusScraping  = "scraping"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
)

// RobotsSource fetches a site's robots.txt body.
type RobotsSource interface {
	Fetch(ctx context.Context, pageURL string) (string, error)
}

// Store is the frontier surface the service needs.
type Store interface {
	crawler.Frontier
	IsFinalized(ctx context.Context, crawlID string) (bool, error)
}

// Config holds request defaults and the synchronous scrape budget.
type Config struct {
	DefaultLimit    int           `mapstructure:"default_limit"`
	DefaultMaxDepth int           `mapstructure:"default_max_depth"`
	ScrapeWait      time.Duration `mapstructure:"scrape_wait"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
}

// Defaults fills zero values.
func (c Config) Defaults() Config {
	if c.DefaultLimit <= 0 {
		c.DefaultLimit = 10000
	}
	if c.ScrapeWait <= 0 {
		c.ScrapeWait = 60 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 250 * time.Millisecond
	}
	return c
}

// CrawlRequest starts a crawl rooted at URL.
type CrawlRequest struct {
	URL         string
	TenantID    string
	Plan        string
	Options     crawler.CrawlOptions
	PageOptions crawler.PageOptions
	Webhook     string
}

// ScrapeRequest submits one page outside any crawl. Wait blocks until the job
// is terminal or the configured wait elapses.
type ScrapeRequest struct {
	URL         string
	TenantID    string
	Plan        string
	PageOptions crawler.PageOptions
	Webhook     string
	Wait        bool
}

// ScrapeResult reports a submitted scrape. Document is set once it completed.
type ScrapeResult struct {
	JobID    string            `json:"job_id"`
	Status   crawler.JobStatus `json:"status"`
	Document *crawler.Document `json:"data,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// Status summarizes a crawl for callers polling progress.
type Status struct {
	ID        string             `json:"id"`
	Status    string             `json:"status"`
	Total     int                `json:"total"`
	Completed int                `json:"completed"`
	CreatedAt time.Time          `json:"created_at"`
	Pages     []crawler.Document `json:"data"`
}

// Service coordinates the frontier, queue and priority manager for the
// lifecycle of crawls and scrapes.
type Service struct {
	frontier  Store
	queue     crawler.Queue
	priority  crawler.PriorityManager
	robots    RobotsSource
	blocklist crawler.Blocklist
	ids       crawler.IDGenerator
	clock     crawler.Clock
	notifier  notify.Emitter
	logger    *zap.Logger
	cfg       Config
}

// Deps bundles the service collaborators. Robots, Blocklist and Notifier
// are optional.
type Deps struct {
	Frontier  Store
	Queue     crawler.Queue
	Priority  crawler.PriorityManager
	Robots    RobotsSource
	Blocklist crawler.Blocklist
	IDs       crawler.IDGenerator
	Clock     crawler.Clock
	Notifier  notify.Emitter
	Logger    *zap.Logger
}

// NewService validates dependencies and builds a Service.
func NewService(deps Deps, cfg Config) (*Service, error) {
	if deps.Frontier == nil || deps.Queue == nil || deps.Priority == nil {
		return nil, errors.New("frontier, queue and priority manager are required")
	}
	if deps.IDs == nil || deps.Clock == nil {
		return nil, errors.New("id generator and clock are required")
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Service{
		frontier:  deps.Frontier,
		queue:     deps.Queue,
		priority:  deps.Priority,
		robots:    deps.Robots,
		blocklist: deps.Blocklist,
		ids:       deps.IDs,
		clock:     deps.Clock,
		notifier:  deps.Notifier,
		logger:    deps.Logger,
		cfg:       cfg.Defaults(),
	}, nil
}

// StartCrawl records the crawl, claims the origin and enqueues the root job.
// It returns the crawl ID.
func (s *Service) StartCrawl(ctx context.Context, req CrawlRequest) (string, error) {
	origin, err := s.admitURL(req.URL)
	if err != nil {
		return "", err
	}
	if err := ValidateOptions(req.Options); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	opts := req.Options
	if opts.Limit == 0 {
		opts.Limit = s.cfg.DefaultLimit
	}
	if opts.MaxDepth == 0 {
		opts.MaxDepth = s.cfg.DefaultMaxDepth
	}

	crawlID, err := s.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("generate crawl id: %w", err)
	}
	record := crawler.CrawlRecord{
		ID:          crawlID,
		OriginURL:   origin,
		Options:     opts,
		PageOptions: req.PageOptions,
		TenantID:    req.TenantID,
		Plan:        req.Plan,
		CreatedAt:   s.clock.Now(),
		Webhook:     req.Webhook,
	}
	if !opts.IgnoreRobots && s.robots != nil {
		body, err := s.robots.Fetch(ctx, origin)
		if err != nil {
			s.logger.Warn("Robots fetch failed; crawling without robots rules",
				zap.String("crawl_id", crawlID), zap.String("url", origin), zap.Error(err))
		}
		record.Robots = body
	}
	if err := s.frontier.CreateCrawl(ctx, record); err != nil {
		return "", fmt.Errorf("create crawl: %w", err)
	}

	won, err := s.frontier.ClaimURL(ctx, crawlID, origin)
	if err != nil {
		return "", fmt.Errorf("claim origin: %w", err)
	}
	if !won {
		// A fresh crawl ID cannot have a visited set.
		s.logger.Error("Origin claim lost on a new crawl", zap.String("crawl_id", crawlID))
		return "", fmt.Errorf("claim origin for crawl %s: already visited", crawlID)
	}

	jobID, err := s.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	data := crawler.JobData{
		URL:         origin,
		Mode:        crawler.JobModeCrawl,
		CrawlID:     crawlID,
		TenantID:    req.TenantID,
		Plan:        req.Plan,
		Depth:       0,
		PageOptions: req.PageOptions,
		Origin:      origin,
		Webhook:     req.Webhook,
	}
	if err := Enqueue(ctx, s.frontier, s.queue, s.priority, data, crawler.PriorityRoot, jobID); err != nil {
		return "", err
	}

	metrics.ObserveCrawl("started")
	s.notifier.Emit(notify.Event{
		Type:     notify.TypeCrawlStarted,
		CrawlID:  crawlID,
		TenantID: req.TenantID,
		URL:      origin,
		TS:       s.clock.Now(),
		Webhook:  req.Webhook,
	})
	s.logger.Info("Crawl started",
		zap.String("crawl_id", crawlID),
		zap.String("job_id", jobID),
		zap.String("url", origin),
		zap.String("tenant_id", req.TenantID))
	return crawlID, nil
}

// Enqueue computes the job's priority, records crawl membership and pushes it.
// Membership is written before the push so the job counts toward the crawl
// before any worker can finish it. A failed push takes the membership back.
func Enqueue(
	ctx context.Context,
	f crawler.Frontier,
	q crawler.Queue,
	pm crawler.PriorityManager,
	data crawler.JobData,
	base int,
	jobID string,
) error {
	priority, err := pm.ComputePriority(ctx, data.TenantID, data.Plan, base, jobID)
	if err != nil {
		return fmt.Errorf("compute priority: %w", err)
	}
	if data.CrawlID != "" {
		if err := f.RecordJobMembership(ctx, data.CrawlID, jobID); err != nil {
			_ = pm.ReleasePriority(ctx, data.TenantID, jobID)
			return fmt.Errorf("record job membership: %w", err)
		}
	}
	if _, err := q.Push(ctx, data, priority, jobID); err != nil {
		errs := []error{fmt.Errorf("push job: %w", err)}
		if data.CrawlID != "" {
			if rerr := f.RemoveJobMembership(ctx, data.CrawlID, jobID); rerr != nil {
				errs = append(errs, fmt.Errorf("remove job membership: %w", rerr))
			}
		}
		_ = pm.ReleasePriority(ctx, data.TenantID, jobID)
		return errors.Join(errs...)
	}
	return nil
}

// Scrape enqueues a single-page job. With Wait set it polls the job until it
// is terminal, returning ErrTimeout with the partial result when the wait
// budget runs out.
func (s *Service) Scrape(ctx context.Context, req ScrapeRequest) (ScrapeResult, error) {
	target, err := s.admitURL(req.URL)
	if err != nil {
		return ScrapeResult{}, err
	}
	jobID, err := s.ids.NewID()
	if err != nil {
		return ScrapeResult{}, fmt.Errorf("generate job id: %w", err)
	}
	data := crawler.JobData{
		URL:         target,
		Mode:        crawler.JobModeScrape,
		TenantID:    req.TenantID,
		Plan:        req.Plan,
		PageOptions: req.PageOptions,
		Webhook:     req.Webhook,
	}
	if err := Enqueue(ctx, s.frontier, s.queue, s.priority, data, crawler.PriorityRoot, jobID); err != nil {
		return ScrapeResult{}, err
	}
	result := ScrapeResult{JobID: jobID, Status: crawler.JobStatusQueued}
	if !req.Wait {
		return result, nil
	}
	return s.wait(ctx, jobID)
}

func (s *Service) wait(ctx context.Context, jobID string) (ScrapeResult, error) {
	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.ScrapeWait)
	defer cancel()
	result := ScrapeResult{JobID: jobID, Status: crawler.JobStatusQueued}
	for {
		job, err := s.queue.GetJob(waitCtx, jobID)
		if err == nil {
			result.Status = job.Status
			switch job.Status {
			case crawler.JobStatusCompleted:
				result.Document = job.Result
				return result, nil
			case crawler.JobStatusFailed:
				result.Error = job.FailedReason
				return result, nil
			}
		} else if waitCtx.Err() == nil {
			s.logger.Debug("Scrape poll failed", zap.String("job_id", jobID), zap.Error(err))
		}
		if err := crawler.Sleep(waitCtx, s.cfg.PollInterval); err != nil {
			if ctx.Err() != nil {
				return result, fmt.Errorf("wait for scrape: %w", ctx.Err())
			}
			return result, ErrTimeout
		}
	}
}

// Cancel flips the crawl's cancelled flag. Queued jobs still run; no further
// links are expanded. A crawl with nothing left in flight is finalized here.
func (s *Service) Cancel(ctx context.Context, crawlID string) error {
	if err := s.frontier.Cancel(ctx, crawlID); err != nil {
		return fmt.Errorf("cancel crawl: %w", err)
	}
	metrics.ObserveCrawl("cancelled")
	s.logger.Info("Crawl cancelled", zap.String("crawl_id", crawlID))
	if _, err := s.Finalize(ctx, crawlID); err != nil {
		s.logger.Warn("Finalize after cancel failed", zap.String("crawl_id", crawlID), zap.Error(err))
	}
	return nil
}

// Status reports crawl progress and the documents of completed pages.
func (s *Service) Status(ctx context.Context, crawlID string) (Status, error) {
	record, err := s.frontier.GetCrawl(ctx, crawlID)
	if err != nil {
		return Status{}, err
	}
	total, done, err := s.frontier.CountJobs(ctx, crawlID)
	if err != nil {
		return Status{}, fmt.Errorf("count jobs: %w", err)
	}
	finalized, err := s.frontier.IsFinalized(ctx, crawlID)
	if err != nil {
		return Status{}, fmt.Errorf("read finalized flag: %w", err)
	}
	out := Status{
		ID:        crawlID,
		Status:    StatusScraping,
		Total:     total,
		Completed: done,
		CreatedAt: record.CreatedAt,
		Pages:     []crawler.Document{},
	}
	switch {
	case record.Cancelled:
		out.Status = StatusCancelled
	case finalized:
		out.Status = StatusCompleted
	}

	jobIDs, err := s.frontier.ListJobs(ctx, crawlID)
	if err != nil {
		return Status{}, fmt.Errorf("list jobs: %w", err)
	}
	for _, id := range jobIDs {
		job, err := s.queue.GetJob(ctx, id)
		if err != nil {
			// Finished jobs age out of the queue before the crawl does.
			continue
		}
		if job.Status == crawler.JobStatusCompleted && job.Result != nil {
			out.Pages = append(out.Pages, *job.Result)
		}
	}
	return out, nil
}

// Finalize marks a drained crawl finished and emits crawl.completed. Exactly
// one caller across all workers gets true.
func (s *Service) Finalize(ctx context.Context, crawlID string) (bool, error) {
	won, err := s.frontier.TryFinalize(ctx, crawlID)
	if err != nil {
		return false, fmt.Errorf("finalize crawl: %w", err)
	}
	if !won {
		return false, nil
	}
	record, err := s.frontier.GetCrawl(ctx, crawlID)
	if err != nil && !errors.Is(err, frontier.ErrCrawlNotFound) {
		return true, fmt.Errorf("load finalized crawl: %w", err)
	}
	metrics.ObserveCrawl("completed")
	s.notifier.Emit(notify.Event{
		Type:     notify.TypeCrawlCompleted,
		CrawlID:  crawlID,
		TenantID: record.TenantID,
		URL:      record.OriginURL,
		TS:       s.clock.Now(),
		Webhook:  record.Webhook,
	})
	s.logger.Info("Crawl finished",
		zap.String("crawl_id", crawlID),
		zap.Bool("cancelled", record.Cancelled))
	return true, nil
}

func (s *Service) admitURL(raw string) (string, error) {
	normalized, err := crawler.NormalizeURL(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if s.blocklist != nil && s.blocklist.IsBlocked(normalized) {
		return "", ErrBlocked
	}
	return normalized, nil
}
