// Package queue implements the priority job queue consumed by workers.
//
// Waiting jobs are ordered by priority, lowest first, and by submission
// within a priority. Pull moves a job to active and gives the caller a lock
// token; only the holder of a live lock can extend it or move the job to a
// terminal state or hand it back with Requeue. Active jobs whose lock lapsed
// are returned to waiting by RecoverStalled, which fails them once they pass
// MaxStalls.
package queue

import (
	"errors"
	"time"

	"github.com/JakeFAU/crawlq/internal/crawler"
)

// Store is a queue backend that can also recover stalled jobs.
type Store interface {
	crawler.Queue
	crawler.StalledRecoverer
}

var (
	// ErrJobNotFound is returned when a job record is missing or expired.
	ErrJobNotFound = errors.New("job not found")
	// ErrDuplicateJob is returned when Push reuses an existing job ID.
	ErrDuplicateJob = errors.New("job already exists")
	// ErrLockMismatch is returned when the caller no longer owns the job.
	ErrLockMismatch = errors.New("job lock not held by caller")
	// ErrClosed is returned by Pull after Close.
	ErrClosed = errors.New("queue closed")
)

// StalledReason is recorded on jobs that exceeded MaxStalls.
const StalledReason = "job stalled more than allowable limit"

// Config controls queue behavior.
type Config struct {
	Name      string
	LockTTL   time.Duration
	Retention time.Duration
	MaxStalls int
}

// Defaults fills unset fields.
func (c Config) Defaults() Config {
	if c.Name == "" {
		c.Name = "scrape"
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 60 * time.Second
	}
	if c.Retention <= 0 {
		c.Retention = 24 * time.Hour
	}
	if c.MaxStalls <= 0 {
		c.MaxStalls = 1
	}
	return c
}

// LockResource is the lock name guarding a job.
func LockResource(name, jobID string) string {
	return "queue:" + name + ":lock:" + jobID
}
