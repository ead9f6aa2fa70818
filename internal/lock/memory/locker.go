// Package memory implements lock.Locker in-process for development and tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/crawlq/internal/lock"
)

type entry struct {
	token     string
	expiresAt time.Time
}

// Locker keeps leases in a map guarded by a mutex.
type Locker struct {
	mu    sync.Mutex
	cfg   lock.Config
	held  map[string]entry
	nowFn func() time.Time
}

// New creates a Locker.
func New(cfg lock.Config) *Locker {
	return &Locker{
		cfg:   cfg,
		held:  make(map[string]entry),
		nowFn: time.Now,
	}
}

// NewWithClock creates a Locker that reads time from now.
func NewWithClock(cfg lock.Config, now func() time.Time) *Locker {
	l := New(cfg)
	l.nowFn = now
	return l
}

// Acquire takes the resource if it is free or its lease has lapsed.
func (l *Locker) Acquire(ctx context.Context, resource string, ttl time.Duration, opts ...lock.Option) (*lock.Lock, error) {
	return lock.Acquire(ctx, l.cfg, resource, ttl, opts, l.tryAcquire)
}

func (l *Locker) tryAcquire(_ context.Context, resource, token string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.nowFn()
	if cur, ok := l.held[resource]; ok && now.Before(cur.expiresAt) {
		return false, nil
	}
	l.held[resource] = entry{token: token, expiresAt: now.Add(ttl)}
	return true, nil
}

// Renew extends the lease when the token still matches.
func (l *Locker) Renew(_ context.Context, lk *lock.Lock, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.nowFn()
	cur, ok := l.held[lk.Resource]
	if !ok || cur.token != lk.Token || !now.Before(cur.expiresAt) {
		return lock.ErrNotHeld
	}
	l.held[lk.Resource] = entry{token: lk.Token, expiresAt: now.Add(ttl)}
	lk.Validity = lock.Validity(ttl, 0)
	return nil
}

// Release drops the lease when the token still matches.
func (l *Locker) Release(_ context.Context, lk *lock.Lock) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, ok := l.held[lk.Resource]
	if !ok || cur.token != lk.Token || !l.nowFn().Before(cur.expiresAt) {
		return lock.ErrNotHeld
	}
	delete(l.held, lk.Resource)
	return nil
}
