// Package frontier holds the shared crawl state: crawl records, the visited
// set used to claim URLs, the job and done sets used to detect completion,
// and per-tenant in-flight sets used for priority.
package frontier

import (
	"context"
	"errors"
	"time"

	"github.com/JakeFAU/crawlq/internal/crawler"
)

var (
	// ErrCrawlNotFound is returned when a crawl record is missing or expired.
	ErrCrawlNotFound = errors.New("crawl not found")
	// ErrCrawlExists is returned when CreateCrawl targets an existing ID.
	ErrCrawlExists = errors.New("crawl already exists")
)

// DefaultRetention is how long crawl state survives after its last write.
const DefaultRetention = 24 * time.Hour

// Config controls key expiry.
type Config struct {
	Retention time.Duration
}

// RetentionOrDefault returns the configured retention or the default.
func (c Config) RetentionOrDefault() time.Duration {
	if c.Retention <= 0 {
		return DefaultRetention
	}
	return c.Retention
}

// Store is the full frontier surface implemented by each backend.
type Store interface {
	crawler.Frontier
	crawler.InFlightTracker
	IsFinalized(ctx context.Context, crawlID string) (bool, error)
}

// GetCrawlOptions returns only the options of a crawl.
func GetCrawlOptions(ctx context.Context, f crawler.Frontier, crawlID string) (crawler.CrawlOptions, error) {
	record, err := f.GetCrawl(ctx, crawlID)
	if err != nil {
		return crawler.CrawlOptions{}, err
	}
	return record.Options, nil
}
