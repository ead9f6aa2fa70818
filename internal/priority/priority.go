// Package priority derives job priorities from a tenant's in-flight load so
// that a tenant flooding the queue only delays its own work.
package priority

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/JakeFAU/crawlq/internal/crawler"
)

// Bucket is the in-flight allowance of a plan before priorities degrade.
type Bucket struct {
	Limit    int     `mapstructure:"limit"`
	Modifier float64 `mapstructure:"modifier"`
}

// DefaultBuckets is the plan table used when configuration supplies none.
func DefaultBuckets() map[string]Bucket {
	return map[string]Bucket{
		"free":     {Limit: 25, Modifier: 0.5},
		"hobby":    {Limit: 100, Modifier: 0.3},
		"standard": {Limit: 200, Modifier: 0.2},
		"growth":   {Limit: 400, Modifier: 0.1},
	}
}

// DefaultBucket applies to unknown plans.
var DefaultBucket = Bucket{Limit: 25, Modifier: 1}

// DefaultInFlightTTL bounds how long a job nobody touches keeps counting.
// Waiting jobs are not touched, so it must outlast the longest queue wait;
// it matches the queue's default retention.
const DefaultInFlightTTL = 24 * time.Hour

// Config controls the Manager.
type Config struct {
	Buckets     map[string]Bucket
	Fallback    Bucket
	InFlightTTL time.Duration
}

// Manager computes priorities from a shared in-flight tracker.
type Manager struct {
	tracker crawler.InFlightTracker
	buckets map[string]Bucket
	def     Bucket
	ttl     time.Duration
}

// New builds a Manager.
func New(tracker crawler.InFlightTracker, cfg Config) *Manager {
	buckets := cfg.Buckets
	if len(buckets) == 0 {
		buckets = DefaultBuckets()
	}
	normalized := make(map[string]Bucket, len(buckets))
	for plan, b := range buckets {
		normalized[strings.ToLower(plan)] = b
	}
	def := cfg.Fallback
	if def.Limit <= 0 {
		def = DefaultBucket
	}
	ttl := cfg.InFlightTTL
	if ttl <= 0 {
		ttl = DefaultInFlightTTL
	}
	return &Manager{tracker: tracker, buckets: normalized, def: def, ttl: ttl}
}

// BucketFor returns the bucket for a plan, falling back to the default.
func (m *Manager) BucketFor(plan string) Bucket {
	if b, ok := m.buckets[strings.ToLower(plan)]; ok && b.Limit > 0 {
		return b
	}
	return m.def
}

// ComputePriority records jobID as in flight for the tenant and returns the
// priority the job should be enqueued with. Lower is served first.
func (m *Manager) ComputePriority(ctx context.Context, tenantID, plan string, base int, jobID string) (int, error) {
	count, err := m.tracker.AddInFlight(ctx, tenantID, jobID, m.ttl)
	if err != nil {
		return base, fmt.Errorf("compute priority: %w", err)
	}
	return Weigh(base, count, m.BucketFor(plan)), nil
}

// ReleasePriority removes the job from the tenant's in-flight set.
func (m *Manager) ReleasePriority(ctx context.Context, tenantID, jobID string) error {
	if err := m.tracker.RemoveInFlight(ctx, tenantID, jobID); err != nil {
		return fmt.Errorf("release priority: %w", err)
	}
	return nil
}

// TouchPriority pushes out the expiry of a job's in-flight entry. Workers
// call it when they pull a job and on every lock renewal.
func (m *Manager) TouchPriority(ctx context.Context, tenantID, jobID string) error {
	if _, err := m.tracker.AddInFlight(ctx, tenantID, jobID, m.ttl); err != nil {
		return fmt.Errorf("touch priority: %w", err)
	}
	return nil
}

// Weigh is the pure priority rule: base while the tenant is within its
// bucket, then base plus the scaled overflow, rounded up.
func Weigh(base, inFlight int, b Bucket) int {
	if inFlight <= b.Limit {
		return base
	}
	return base + int(math.Ceil(float64(inFlight-b.Limit)*b.Modifier))
}
