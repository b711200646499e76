package ratelimit

import (
	"context"
	"time"

	"github.com/charlesng35/bucketcast/internal/cache"
)

// Store is a keyed atomic counter. Increment returns the count within the
// current window and the time left in it; the window opens on the first
// increment after the previous one expired.
type Store interface {
	Increment(ctx context.Context, key string, window time.Duration) (count int64, ttl time.Duration, err error)
}

type cacheStore struct {
	store cache.Store
}

// FromCache adapts any cache.Store (memory, Redis, database) into a Store.
func FromCache(store cache.Store) Store {
	if store == nil {
		return nil
	}
	return &cacheStore{store: store}
}

func (s *cacheStore) Increment(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	if window <= 0 {
		window = time.Minute
	}
	return s.store.IncrementWithTTL(ctx, "rl:"+key, window)
}
