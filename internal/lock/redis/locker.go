// Package redis implements lock.Locker on a single Redis primary using
// SET NX PX and token-checked scripts.
package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/crawlq/internal/lock"
)

var renewScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker stores each lease as a string key holding the owner token.
type Locker struct {
	client goredis.UniversalClient
	cfg    lock.Config
	prefix string
}

// New creates a Locker. Keys are written as prefix+resource.
func New(client goredis.UniversalClient, cfg lock.Config, prefix string) (*Locker, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	return &Locker{client: client, cfg: cfg, prefix: prefix}, nil
}

// Acquire sets the key only if absent, retrying per the configured policy.
func (l *Locker) Acquire(ctx context.Context, resource string, ttl time.Duration, opts ...lock.Option) (*lock.Lock, error) {
	return lock.Acquire(ctx, l.cfg, resource, ttl, opts, l.tryAcquire)
}

func (l *Locker) tryAcquire(ctx context.Context, resource, token string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.prefix+resource, token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("set lock %s: %w", resource, err)
	}
	return ok, nil
}

// Renew resets the ttl when the stored token matches.
func (l *Locker) Renew(ctx context.Context, lk *lock.Lock, ttl time.Duration) error {
	start := time.Now()
	n, err := renewScript.Run(ctx, l.client, []string{l.prefix + lk.Resource}, lk.Token, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("renew lock %s: %w", lk.Resource, err)
	}
	if n == 0 {
		return lock.ErrNotHeld
	}
	lk.Validity = lock.Validity(ttl, time.Since(start))
	return nil
}

// Release deletes the key when the stored token matches.
func (l *Locker) Release(ctx context.Context, lk *lock.Lock) error {
	n, err := releaseScript.Run(ctx, l.client, []string{l.prefix + lk.Resource}, lk.Token).Int64()
	if err != nil {
		return fmt.Errorf("release lock %s: %w", lk.Resource, err)
	}
	if n == 0 {
		return lock.ErrNotHeld
	}
	return nil
}
