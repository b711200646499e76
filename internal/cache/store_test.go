package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/charlesng35/bucketcast/internal/database/testutil"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// storeHarness exposes a Store plus a way to move its notion of time forward.
type storeHarness struct {
	store   Store
	advance func(time.Duration)
}

func harnesses(t *testing.T) map[string]storeHarness {
	t.Helper()

	memClock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	dbClock := &fakeClock{now: memClock.now}

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return map[string]storeHarness{
		"memory":   {store: NewMemoryStore(memClock.Now), advance: memClock.Advance},
		"database": {store: NewDatabaseStore(testutil.MustOpenTestDB(t, testutil.WithAutoMigrate()), dbClock.Now), advance: dbClock.Advance},
		"redis":    {store: NewRedisStore(client, "test:"), advance: mr.FastForward},
	}
}

func TestIncrementWithTTLFixedWindow(t *testing.T) {
	for name, h := range harnesses(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			count, ttl, err := h.store.IncrementWithTTL(ctx, "rl:u1:messages", 10*time.Second)
			require.NoError(t, err)
			require.EqualValues(t, 1, count)
			require.Equal(t, 10*time.Second, ttl)

			h.advance(4 * time.Second)
			count, ttl, err = h.store.IncrementWithTTL(ctx, "rl:u1:messages", 10*time.Second)
			require.NoError(t, err)
			require.EqualValues(t, 2, count)
			// The window is not extended by later hits.
			require.LessOrEqual(t, ttl, 6*time.Second)
			require.Greater(t, ttl, 5*time.Second)

			h.advance(7 * time.Second)
			count, _, err = h.store.IncrementWithTTL(ctx, "rl:u1:messages", 10*time.Second)
			require.NoError(t, err)
			require.EqualValues(t, 1, count)
		})
	}
}

func TestDecrementFloorsAtZero(t *testing.T) {
	for name, h := range harnesses(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, _, err := h.store.IncrementWithTTL(ctx, "quota", time.Hour)
			require.NoError(t, err)

			n, err := h.store.Decrement(ctx, "quota")
			require.NoError(t, err)
			require.Zero(t, n)
			n, err = h.store.Decrement(ctx, "quota")
			require.NoError(t, err)
			require.Zero(t, n)

			n, err = h.store.Decrement(ctx, "missing")
			require.NoError(t, err)
			require.Zero(t, n)
		})
	}
}

func TestSetGetDeleteAndExpiry(t *testing.T) {
	for name, h := range harnesses(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, h.store.Set(ctx, "snap", []byte(`{"max":5}`), time.Minute))
			value, ok, err := h.store.Get(ctx, "snap")
			require.NoError(t, err)
			require.True(t, ok)
			require.JSONEq(t, `{"max":5}`, string(value))

			h.advance(2 * time.Minute)
			_, ok, err = h.store.Get(ctx, "snap")
			require.NoError(t, err)
			require.False(t, ok)

			require.NoError(t, h.store.Set(ctx, "forever", []byte("1"), 0))
			require.NoError(t, h.store.Delete(ctx, "forever", "unknown"))
			_, ok, err = h.store.Get(ctx, "forever")
			require.NoError(t, err)
			require.False(t, ok)
		})
	}
}

func TestConcurrentIncrementsAreAtomic(t *testing.T) {
	for name, h := range harnesses(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var wg sync.WaitGroup
			for i := 0; i < 25; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, _, err := h.store.IncrementWithTTL(ctx, "hot", time.Minute)
					require.NoError(t, err)
				}()
			}
			wg.Wait()

			count, _, err := h.store.IncrementWithTTL(ctx, "hot", time.Minute)
			require.NoError(t, err)
			require.EqualValues(t, 26, count)
		})
	}
}

func TestPurgeExpired(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	store := NewDatabaseStore(testutil.MustOpenTestDB(t, testutil.WithAutoMigrate()), clock.Now)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "a", []byte("1"), time.Second))
	require.NoError(t, store.Set(ctx, "b", []byte("1"), time.Hour))
	require.NoError(t, store.Set(ctx, "c", []byte("1"), 0))
	clock.Advance(time.Minute)

	removed, err := store.PurgeExpired(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, removed)

	mem := NewMemoryStore(clock.Now)
	require.NoError(t, mem.Set(ctx, "x", []byte("1"), time.Second))
	clock.Advance(time.Minute)
	removed, err = mem.PurgeExpired(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, removed)
}
