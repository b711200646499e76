package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/bucketcast/internal/cache"
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

func newTestLimiter(clock *fakeClock, cfg Config) *Limiter {
	return NewLimiter(FromCache(cache.NewMemoryStore(clock.Now)), cfg, WithClock(clock.Now))
}

func TestAdmitTwentyPerWindow(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	limiter := newTestLimiter(clock, Config{
		Enabled:   true,
		Default:   Rule{Limit: 100, Window: time.Minute},
		Endpoints: map[string]Rule{"messages.create": {Limit: 20, Window: 30 * time.Second}},
	})
	ctx := context.Background()

	for i := 1; i <= 20; i++ {
		d, err := limiter.Admit(ctx, "user:u1", "messages.create")
		require.NoError(t, err)
		require.True(t, d.Allowed, "request %d", i)
		require.Equal(t, 20-i, d.Remaining)
		require.Equal(t, 20, d.Limit)
	}

	clock.Advance(12*time.Second + 300*time.Millisecond)
	d, err := limiter.Admit(ctx, "user:u1", "messages.create")
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Zero(t, d.Remaining)
	require.Equal(t, 18, d.RetryAfterSeconds)
	require.Equal(t, clock.Now().Add(17700*time.Millisecond), d.ResetAt)

	// Other principals and endpoints are independent.
	d, err = limiter.Admit(ctx, "user:u2", "messages.create")
	require.NoError(t, err)
	require.True(t, d.Allowed)
	d, err = limiter.Admit(ctx, "user:u1", "notifications.list")
	require.NoError(t, err)
	require.True(t, d.Allowed)
	require.Equal(t, 100, d.Limit)

	// Waiting out the advertised Retry-After admits the principal again.
	clock.Advance(18 * time.Second)
	d, err = limiter.Admit(ctx, "user:u1", "messages.create")
	require.NoError(t, err)
	require.True(t, d.Allowed)
	require.Equal(t, 19, d.Remaining)
}

func TestRetryAfterNeverBelowOne(t *testing.T) {
	require.Equal(t, 1, RetryAfter(0))
	require.Equal(t, 1, RetryAfter(-time.Second))
	require.Equal(t, 1, RetryAfter(10*time.Millisecond))
	require.Equal(t, 2, RetryAfter(1001*time.Millisecond))
	require.Equal(t, 30, RetryAfter(30*time.Second))
}

func TestConcurrentAdmissionsNeverOvershoot(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	limiter := newTestLimiter(clock, Config{Enabled: true, Default: Rule{Limit: 5, Window: time.Minute}})

	var (
		wg      sync.WaitGroup
		allowed atomic.Int32
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := limiter.Admit(context.Background(), "ip:10.0.0.1", "messages.create")
			if err == nil && d.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	require.EqualValues(t, 5, allowed.Load())
}

type failingStore struct{}

func (failingStore) Increment(context.Context, string, time.Duration) (int64, time.Duration, error) {
	return 0, 0, errors.New("redis down")
}

func TestAdmitFailsOpenOnStoreError(t *testing.T) {
	limiter := NewLimiter(failingStore{}, Config{Enabled: true, Default: Rule{Limit: 1, Window: time.Second}})
	d, err := limiter.Admit(context.Background(), "user:u1", "messages.create")
	require.Error(t, err)
	require.True(t, d.Allowed)
}

func TestDisabledLimiterAdmitsEverything(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	limiter := newTestLimiter(clock, Config{Enabled: false, Default: Rule{Limit: 1, Window: time.Minute}})
	for i := 0; i < 3; i++ {
		d, err := limiter.Admit(context.Background(), "user:u1", "x")
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}

	var nilLimiter *Limiter
	d, err := nilLimiter.Admit(context.Background(), "", "x")
	require.NoError(t, err)
	require.True(t, d.Allowed)

	_, err = newTestLimiter(clock, Config{Enabled: true, Default: Rule{Limit: 1, Window: time.Minute}}).Admit(context.Background(), " ", "x")
	require.Error(t, err)
}
