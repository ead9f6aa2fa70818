// Package lock provides lease-style distributed locks with renewal.
//
// A Lock is owned by whoever holds its token. Renew and Release only succeed
// while the stored token still matches, so a holder whose lease expired and
// was taken over can never extend or drop the new owner's lock.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/crawlq/internal/crawler"
)

var (
	// ErrNotAcquired is returned when every acquisition attempt found the resource held.
	ErrNotAcquired = errors.New("lock not acquired")
	// ErrNotHeld is returned by Renew and Release when the token no longer matches.
	ErrNotHeld = errors.New("lock not held")
)

const (
	driftFactor = 0.01
	driftFloor  = 2 * time.Millisecond
)

// Lock is a held lease on a resource.
type Lock struct {
	Resource string
	Token    string
	// Validity is how long the holder may assume ownership after acquisition.
	Validity time.Duration
}

// Locker acquires, renews and releases locks.
type Locker interface {
	Acquire(ctx context.Context, resource string, ttl time.Duration, opts ...Option) (*Lock, error)
	Renew(ctx context.Context, l *Lock, ttl time.Duration) error
	Release(ctx context.Context, l *Lock) error
}

// Config sets the retry defaults applied to every Acquire.
type Config struct {
	RetryCount  int
	RetryDelay  time.Duration
	RetryJitter time.Duration
}

// DefaultConfig mirrors common Redlock defaults.
func DefaultConfig() Config {
	return Config{
		RetryCount:  3,
		RetryDelay:  200 * time.Millisecond,
		RetryJitter: 100 * time.Millisecond,
	}
}

type options struct {
	token       string
	retryCount  int
	retryDelay  time.Duration
	retryJitter time.Duration
}

// Option customizes a single Acquire call.
type Option func(*options)

// WithToken sets the ownership token instead of a random one.
func WithToken(token string) Option {
	return func(o *options) { o.token = token }
}

// WithRetries overrides the retry count and base delay.
func WithRetries(count int, delay time.Duration) Option {
	return func(o *options) {
		o.retryCount = count
		o.retryDelay = delay
	}
}

// NoRetry makes Acquire try exactly once.
func NoRetry() Option {
	return WithRetries(0, 0)
}

func (c Config) resolve(opts []Option) options {
	o := options{
		retryCount:  c.RetryCount,
		retryDelay:  c.RetryDelay,
		retryJitter: c.RetryJitter,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.retryCount < 0 {
		o.retryCount = 0
	}
	if o.token == "" {
		o.token = uuid.NewString()
	}
	return o
}

// Validity subtracts elapsed time and clock drift from the ttl.
func Validity(ttl, elapsed time.Duration) time.Duration {
	drift := time.Duration(float64(ttl)*driftFactor) + driftFloor
	return ttl - elapsed - drift
}

// Acquire runs try until it reports success or the retry budget is spent.
// Backends call it with their single-attempt primitive.
func Acquire(
	ctx context.Context,
	cfg Config,
	resource string,
	ttl time.Duration,
	opts []Option,
	try func(ctx context.Context, resource, token string, ttl time.Duration) (bool, error),
) (*Lock, error) {
	if resource == "" {
		return nil, errors.New("lock resource is required")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("lock ttl must be > 0, got %s", ttl)
	}
	o := cfg.resolve(opts)
	var lastErr error
	for attempt := 0; attempt <= o.retryCount; attempt++ {
		if attempt > 0 {
			if err := crawler.Sleep(ctx, crawler.Jitter(o.retryDelay, o.retryJitter)); err != nil {
				return nil, fmt.Errorf("lock acquire canceled: %w", err)
			}
		}
		start := time.Now()
		ok, err := try(ctx, resource, o.token, ttl)
		if err != nil {
			lastErr = err
			continue
		}
		if !ok {
			continue
		}
		validity := Validity(ttl, time.Since(start))
		if validity <= 0 {
			continue
		}
		return &Lock{Resource: resource, Token: o.token, Validity: validity}, nil
	}
	if lastErr != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotAcquired, lastErr)
	}
	return nil, ErrNotAcquired
}
