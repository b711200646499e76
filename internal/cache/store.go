package cache

import (
	"context"
	"errors"
	"time"
)

// ErrNotInitialised is returned by nil store receivers.
var ErrNotInitialised = errors.New("cache: store not initialised")

// Store is the shared keyed state used for rate-limit windows and relay quota
// snapshots. Counter operations must be atomic across concurrent callers.
type Store interface {
	// IncrementWithTTL increments key and returns the new count plus the time
	// left in its window. The window starts when the key is created or has
	// expired; later increments do not extend it.
	IncrementWithTTL(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
	// Decrement releases one unit previously taken with IncrementWithTTL.
	Decrement(ctx context.Context, key string) (int64, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, keys ...string) error
}

// Clock returns the current time. Stores that keep their own expiry accept
// one so windows can be advanced in tests.
type Clock func() time.Time

func (c Clock) now() time.Time {
	if c == nil {
		return time.Now().UTC()
	}
	return c().UTC()
}

func ensureCtx(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
