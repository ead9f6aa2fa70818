// Package system provides the wall clock used outside tests.
package system

import "time"

// Clock implements crawler.Clock. Times are UTC and truncated to
// microseconds, the resolution Postgres timestamptz stores.
type Clock struct {
	now func() time.Time
}

// New returns a Clock reading time.Now.
func New() *Clock {
	return &Clock{now: time.Now}
}

// NewFunc returns a Clock reading now.
func NewFunc(now func() time.Time) *Clock {
	if now == nil {
		now = time.Now
	}
	return &Clock{now: now}
}

// Now returns the current time.
func (c *Clock) Now() time.Time {
	return c.now().UTC().Truncate(time.Microsecond)
}
