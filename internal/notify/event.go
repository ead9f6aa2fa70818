package notify

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/crawlq/internal/crawler"
)

// Type names an event.
type Type string

// Event types.
const (
	TypeCrawlStarted   Type = "crawl.started"
	TypeCrawlPage      Type = "crawl.page"
	TypeCrawlCompleted Type = "crawl.completed"
	TypeCrawlFailed    Type = "crawl.failed"
	TypeScrapeFailed   Type = "scrape.failed"
)

// Lifecycle reports whether the event marks a crawl starting or finishing.
// The Hub never drops these under backpressure.
func (t Type) Lifecycle() bool {
	return t == TypeCrawlStarted || t == TypeCrawlCompleted
}

// Event is a single lifecycle notification.
type Event struct {
	Type     Type              `json:"type"`
	CrawlID  string            `json:"crawl_id,omitempty"`
	JobID    string            `json:"job_id,omitempty"`
	TenantID string            `json:"team_id,omitempty"`
	URL      string            `json:"url,omitempty"`
	Document *crawler.Document `json:"data,omitempty"`
	Error    string            `json:"error,omitempty"`
	TS       time.Time         `json:"ts"`

	// Webhook is the delivery target for the webhook sink. It is never serialized.
	Webhook string `json:"-"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Type {
	case TypeCrawlStarted, TypeCrawlCompleted:
		if e.CrawlID == "" {
			return fmt.Errorf("%s requires crawl id", e.Type)
		}
	case TypeCrawlPage, TypeCrawlFailed:
		if e.CrawlID == "" || e.JobID == "" {
			return fmt.Errorf("%s requires crawl and job id", e.Type)
		}
	case TypeScrapeFailed:
		if e.JobID == "" {
			return errors.New("scrape.failed requires job id")
		}
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	return nil
}
