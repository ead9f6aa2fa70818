package system

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestClockNowUTC returns UTC wall time.
func TestClockNowUTC(t *testing.T) {
	t.Parallel()

	before := time.Now().Add(-time.Second)
	got := New().Now()
	require.Equal(t, time.UTC, got.Location())
	require.WithinRange(t, got, before, time.Now().Add(time.Second))
}

// TestClockTruncatesToMicroseconds drops sub-microsecond precision so the
// value round-trips through the job log unchanged.
func TestClockTruncatesToMicroseconds(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("X", 3600)
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 123456789, loc)
	got := NewFunc(func() time.Time { return fixed }).Now()

	require.Equal(t, time.Date(2024, 5, 1, 11, 0, 0, 123456000, time.UTC), got)
}

// TestNewFuncNil falls back to the wall clock.
func TestNewFuncNil(t *testing.T) {
	t.Parallel()

	require.False(t, NewFunc(nil).Now().IsZero())
}
