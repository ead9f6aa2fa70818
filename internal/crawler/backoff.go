package crawler

import (
	"context"
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"net"
	"time"
)

// Backoff computes jittered exponential delays.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the wait before the given zero-based attempt. The result lies
// in [d/2, d) where d is Base*2^attempt capped at Max.
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(b.Base) * math.Pow(2, float64(attempt))
	if b.Max > 0 && delay > float64(b.Max) {
		delay = float64(b.Max)
	}
	half := time.Duration(delay / 2)
	return half + randomDuration(half)
}

// Jitter returns d shifted by a uniform random offset in [-spread, spread].
func Jitter(d, spread time.Duration) time.Duration {
	if spread <= 0 {
		return d
	}
	out := d - spread + randomDuration(2*spread)
	if out < 0 {
		return 0
	}
	return out
}

// Retryable reports whether err looks transient. Context errors are final.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return true
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func randomDuration(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
