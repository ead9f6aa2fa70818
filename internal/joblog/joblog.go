// Package joblog records the outcome of every finished job for auditing.
package joblog

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound signals that no entry exists for a job.
var ErrNotFound = errors.New("job log entry not found")

// Entry is one finished job.
type Entry struct {
	JobID      string
	CrawlID    string
	TenantID   string
	URL        string
	Mode       string
	Status     string
	StatusCode int
	Engine     string
	Error      string
	BlobURI    string
	Hash       string
	Attempts   int
	Duration   time.Duration
	FinishedAt time.Time
	Metadata   map[string]string
}

// Repository persists entries.
type Repository interface {
	Record(ctx context.Context, entry Entry) error
}
