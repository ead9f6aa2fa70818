// Package crawler defines core types shared across subsystems.
package crawler

import (
	"time"
)

// JobStatus represents the lifecycle state of a queued job.
type JobStatus string

// Job status values. Transitions are monotonic: queued -> active -> completed|failed.
const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusActive    JobStatus = "active"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Terminal reports whether the status is completed or failed.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// JobMode distinguishes standalone scrapes from pages belonging to a crawl.
type JobMode string

// Supported job modes.
const (
	JobModeScrape JobMode = "single_urls"
	JobModeCrawl  JobMode = "crawl"
)

// Base priorities. Lower values are served first.
const (
	PriorityRoot  = 10
	PriorityChild = 20
)

// PageOptions controls how a single page is rendered and returned.
type PageOptions struct {
	WaitFor         int               `json:"wait_for,omitempty"`
	Headers         map[string]string `json:"headers,omitempty"`
	IncludeHTML     bool              `json:"include_html,omitempty"`
	OnlyMainContent bool              `json:"only_main_content,omitempty"`
	Engine          string            `json:"engine,omitempty"`
}

// CrawlOptions governs link expansion for a crawl. Immutable after creation.
type CrawlOptions struct {
	Includes           []string `json:"includes,omitempty"`
	Excludes           []string `json:"excludes,omitempty"`
	MaxDepth           int      `json:"max_depth"`
	Limit              int      `json:"limit"`
	AllowExternalLinks bool     `json:"allow_external_links,omitempty"`
	AllowBackwardLinks bool     `json:"allow_backward_links,omitempty"`
	IgnoreRobots       bool     `json:"ignore_robots,omitempty"`
	Expand             bool     `json:"expand"`
}

// CrawlRecord is the shared record describing a crawl.
type CrawlRecord struct {
	ID          string       `json:"id"`
	OriginURL   string       `json:"origin_url"`
	Options     CrawlOptions `json:"crawler_options"`
	PageOptions PageOptions  `json:"page_options"`
	TenantID    string       `json:"team_id"`
	Plan        string       `json:"plan"`
	Cancelled   bool         `json:"cancelled"`
	CreatedAt   time.Time    `json:"created_at"`
	Webhook     string       `json:"webhook,omitempty"`
	Robots      string       `json:"robots,omitempty"`
}

// JobData is the payload carried by a queued job.
type JobData struct {
	URL         string      `json:"url"`
	Mode        JobMode     `json:"mode"`
	CrawlID     string      `json:"crawl_id,omitempty"`
	TenantID    string      `json:"team_id"`
	Plan        string      `json:"plan"`
	Depth       int         `json:"depth"`
	PageOptions PageOptions `json:"page_options"`
	Origin      string      `json:"origin,omitempty"`
	Webhook     string      `json:"webhook,omitempty"`
}

// Job is a queue entry. The lock token is never part of the record.
type Job struct {
	ID           string    `json:"id"`
	Data         JobData   `json:"data"`
	Priority     int       `json:"priority"`
	Status       JobStatus `json:"status"`
	Attempts     int       `json:"attempts"`
	Stalls       int       `json:"stalls"`
	Result       *Document `json:"result,omitempty"`
	FailedReason string    `json:"failed_reason,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	ProcessedAt  time.Time `json:"processed_at,omitzero"`
	FinishedAt   time.Time `json:"finished_at,omitzero"`

	// Token is populated only on the copy returned by Pull.
	Token string `json:"-"`
}

// QueueCounts summarizes queue depth.
type QueueCounts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// StalledRecovery reports one stalled-job recovery pass. Failed holds the
// jobs that exceeded the stall limit; their crawl bookkeeping is still owed.
type StalledRecovery struct {
	Requeued int
	Failed   []Job
}

// Document is the per-page output of a job.
type Document struct {
	URL        string            `json:"url"`
	Content    string            `json:"content"`
	HTML       string            `json:"html,omitempty"`
	Links      []string          `json:"links,omitempty"`
	StatusCode int               `json:"status_code"`
	Error      string            `json:"error,omitempty"`
	Engine     string            `json:"engine,omitempty"`
	BlobURI    string            `json:"blob_uri,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// ScrapeRequest is handed to a scrape engine. Engine optionally names the
// engine to try first.
type ScrapeRequest struct {
	URL     string
	WaitFor time.Duration
	Headers map[string]string
	Engine  string
}

// ScrapeResponse is returned by a scrape engine. Content is the page markup.
// Failed scrapes carry an empty Content and a populated Error.
type ScrapeResponse struct {
	URL        string
	Content    string
	StatusCode int
	Error      string
	Engine     string
	Duration   time.Duration
}
