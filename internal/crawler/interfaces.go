package crawler

import (
	"context"
	"io"
	"time"
)

// Frontier is the shared crawl state consulted by every worker.
type Frontier interface {
	CreateCrawl(ctx context.Context, record CrawlRecord) error
	GetCrawl(ctx context.Context, crawlID string) (CrawlRecord, error)
	Cancel(ctx context.Context, crawlID string) error
	IsCancelled(ctx context.Context, crawlID string) (bool, error)
	ClaimURL(ctx context.Context, crawlID, normalizedURL string) (bool, error)
	RecordJobMembership(ctx context.Context, crawlID, jobID string) error
	// RemoveJobMembership undoes a membership whose job was never enqueued.
	RemoveJobMembership(ctx context.Context, crawlID, jobID string) error
	RecordJobDone(ctx context.Context, crawlID, jobID string) error
	IsCrawlFinished(ctx context.Context, crawlID string) (bool, error)
	TryFinalize(ctx context.Context, crawlID string) (bool, error)
	ListJobs(ctx context.Context, crawlID string) ([]string, error)
	CountJobs(ctx context.Context, crawlID string) (total int, done int, err error)
}

// InFlightTracker counts a tenant's outstanding jobs.
type InFlightTracker interface {
	AddInFlight(ctx context.Context, tenantID, jobID string, ttl time.Duration) (int, error)
	RemoveInFlight(ctx context.Context, tenantID, jobID string) error
	CountInFlight(ctx context.Context, tenantID string) (int, error)
}

// Queue is the priority job queue with lock-owned active jobs.
type Queue interface {
	Push(ctx context.Context, data JobData, priority int, jobID string) (string, error)
	// Pull returns nil when nothing is waiting.
	Pull(ctx context.Context, token string) (*Job, error)
	ExtendLock(ctx context.Context, jobID, token string, ttl time.Duration) error
	MoveToCompleted(ctx context.Context, jobID, token string, result Document) error
	MoveToFailed(ctx context.Context, jobID, token string, reason string) error
	// Requeue returns an active job to waiting without counting a stall.
	Requeue(ctx context.Context, jobID, token string) error
	GetJob(ctx context.Context, jobID string) (Job, error)
	Counts(ctx context.Context) (QueueCounts, error)
}

// StalledRecoverer moves active jobs whose lock expired back to waiting.
type StalledRecoverer interface {
	RecoverStalled(ctx context.Context) (StalledRecovery, error)
}

// Admission decides whether this process may take on another job.
type Admission interface {
	AcceptConnection(ctx context.Context) bool
}

// PriorityManager computes tenant-weighted priorities.
type PriorityManager interface {
	ComputePriority(ctx context.Context, tenantID, plan string, base int, jobID string) (int, error)
	ReleasePriority(ctx context.Context, tenantID, jobID string) error
	// TouchPriority keeps a queued or active job counted as in flight.
	TouchPriority(ctx context.Context, tenantID, jobID string) error
}

// Scraper fetches a page and returns its content.
type Scraper interface {
	Scrape(ctx context.Context, request ScrapeRequest) (ScrapeResponse, error)
}

// LinkExtractor pulls absolute links out of an HTML document.
type LinkExtractor interface {
	ExtractLinks(html, baseURL string) []string
}

// TextExtractor converts HTML into text. ToCleanText keeps only the main
// content; ToFullText keeps all visible text.
type TextExtractor interface {
	ToCleanText(html string) string
	ToFullText(html string) string
}

// MetadataExtractor reads document metadata such as title and description.
type MetadataExtractor interface {
	ExtractMetadata(html string) map[string]string
}

// Blocklist reports hosts that must never be scraped.
type Blocklist interface {
	IsBlocked(rawURL string) bool
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Hasher computes content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job and crawl IDs.
type IDGenerator interface {
	NewID() (string, error)
}
