package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"licensegate.app/cloud/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestKeyedLimiter_Allow_BasicFunctionality(t *testing.T) {
	limiter := New(3, time.Minute)

	for i := 0; i < 3; i++ {
		assert.True(t, limiter.Allow("192.168.1.1"), "request %d", i+1)
	}
	assert.False(t, limiter.Allow("192.168.1.1"), "4th request should be denied")
}

func TestKeyedLimiter_Allow_DifferentIPs(t *testing.T) {
	limiter := New(2, time.Minute)

	for _, ip := range []string{"192.168.1.1", "192.168.1.2"} {
		assert.True(t, limiter.Allow(ip))
		assert.True(t, limiter.Allow(ip))
		assert.False(t, limiter.Allow(ip))
	}
}

func TestKeyedLimiter_Allow_Refills(t *testing.T) {
	clock := newFakeClock()
	limiter := newKeyed(100, 15*time.Minute, clock.Now)
	ip := "10.0.0.1"

	for i := 0; i < 100; i++ {
		require.True(t, limiter.Allow(ip))
	}
	assert.False(t, limiter.Allow(ip))

	// Tokens return one every 9 seconds.
	clock.Advance(10 * time.Second)
	assert.True(t, limiter.Allow(ip))
	assert.False(t, limiter.Allow(ip))
}

func TestKeyedLimiter_ZeroLimitDeniesEverything(t *testing.T) {
	limiter := New(0, time.Minute)
	assert.False(t, limiter.Allow("192.168.1.1"))
}

func TestKeyedLimiter_DropsIdleVisitors(t *testing.T) {
	clock := newFakeClock()
	limiter := newKeyed(2, time.Minute, clock.Now)

	for i := 0; i < 50; i++ {
		limiter.Allow(fmt.Sprintf("10.0.0.%d", i))
	}
	assert.Len(t, limiter.visitors, 50)

	clock.Advance(2 * time.Minute)
	limiter.Allow("10.0.1.1")
	assert.Len(t, limiter.visitors, 1)
}

func TestKeyedLimiter_Concurrent(t *testing.T) {
	limiter := New(50, time.Hour)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if limiter.Allow("shared") {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, allowed)
}

func TestKey(t *testing.T) {
	assert.Equal(t, "fp:abc", Key("abc", "10.0.0.1"))
	assert.Equal(t, "ip:10.0.0.1", Key("", "10.0.0.1"))
}

func failureStores(t *testing.T) map[string]Store {
	stores := map[string]Store{"memory": NewMemoryStore()}
	if url := os.Getenv("TEST_REDIS_URL"); url != "" {
		client, err := Connect(url)
		require.NoError(t, err)
		require.NoError(t, client.FlushDB(context.Background()).Err())
		t.Cleanup(func() { _ = client.Close() })
		stores["redis"] = NewRedisStore(client)
	}
	return stores
}

func TestFailureLimiter_AllowsNThenRejects(t *testing.T) {
	for name, store := range failureStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clock := newFakeClock()
			limiter := NewFailureLimiter(store, 5, time.Minute).WithClock(clock.Now)
			key := Key("device-"+name, "")

			for i := 0; i < 5; i++ {
				_, err := limiter.Reserve(ctx, key)
				require.NoError(t, err, "attempt %d", i+1)
				clock.Advance(time.Second)
			}

			slot, err := limiter.Reserve(ctx, key)
			require.Error(t, err)
			assert.Nil(t, slot)
			assert.True(t, errors.Is(err, models.ErrRateLimited))

			var rlErr *models.Error
			require.True(t, errors.As(err, &rlErr))
			// Oldest failure was 5s ago, so it leaves the window in 55s.
			assert.Equal(t, 55*time.Second, rlErr.RetryAfter)

			// Other requesters are unaffected.
			_, err = limiter.Reserve(ctx, Key("", "10.9.9.9-"+name))
			assert.NoError(t, err)
		})
	}
}

func TestFailureLimiter_ReleaseReturnsBudget(t *testing.T) {
	for name, store := range failureStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clock := newFakeClock()
			limiter := NewFailureLimiter(store, 2, time.Minute).WithClock(clock.Now)
			key := Key("release-"+name, "")

			for i := 0; i < 10; i++ {
				slot, err := limiter.Reserve(ctx, key)
				require.NoError(t, err, "attempt %d", i+1)
				require.NoError(t, slot.Release(ctx))
			}

			_, err := limiter.Reserve(ctx, key)
			require.NoError(t, err)
			_, err = limiter.Reserve(ctx, key)
			require.NoError(t, err)
			_, err = limiter.Reserve(ctx, key)
			assert.Error(t, err, "unreleased slots count as failures")
		})
	}
}

func TestFailureLimiter_ConcurrentAttemptsShareBudget(t *testing.T) {
	for name, store := range failureStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			limiter := NewFailureLimiter(store, 5, time.Minute)
			key := Key("burst-"+name, "")

			var (
				wg       sync.WaitGroup
				admitted atomic.Int64
				limited  atomic.Int64
			)
			for i := 0; i < 30; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if _, err := limiter.Reserve(ctx, key); err != nil {
						assert.True(t, errors.Is(err, models.ErrRateLimited))
						limited.Inc()
						return
					}
					admitted.Inc()
				}()
			}
			wg.Wait()
			assert.Equal(t, int64(5), admitted.Load())
			assert.Equal(t, int64(25), limited.Load())
		})
	}
}

func TestFailureLimiter_WindowSlides(t *testing.T) {
	for name, store := range failureStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clock := newFakeClock()
			limiter := NewFailureLimiter(store, 2, time.Minute).WithClock(clock.Now)
			key := Key("slide-"+name, "")

			_, err := limiter.Reserve(ctx, key)
			require.NoError(t, err)
			clock.Advance(30 * time.Second)
			_, err = limiter.Reserve(ctx, key)
			require.NoError(t, err)
			_, err = limiter.Reserve(ctx, key)
			assert.Error(t, err)

			clock.Advance(31 * time.Second)
			_, err = limiter.Reserve(ctx, key)
			assert.NoError(t, err, "first failure left the window")

			_, err = limiter.Reserve(ctx, key)
			assert.Error(t, err)
		})
	}
}

func TestFailureLimiter_RetryAfterHasFloor(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	limiter := NewFailureLimiter(NewMemoryStore(), 1, time.Minute).WithClock(clock.Now)

	_, err := limiter.Reserve(ctx, "k")
	require.NoError(t, err)
	clock.Advance(59*time.Second + 900*time.Millisecond)

	_, err = limiter.Reserve(ctx, "k")
	var rlErr *models.Error
	require.True(t, errors.As(err, &rlErr))
	assert.Equal(t, time.Second, rlErr.RetryAfter)
}

func TestFailureLimiter_ZeroBudget(t *testing.T) {
	limiter := NewFailureLimiter(NewMemoryStore(), 0, time.Minute)
	_, err := limiter.Reserve(context.Background(), "k")
	var rlErr *models.Error
	require.True(t, errors.As(err, &rlErr))
	assert.Equal(t, time.Second, rlErr.RetryAfter)
}

func TestReservation_NilReleaseIsNoop(t *testing.T) {
	var slot *Reservation
	assert.NoError(t, slot.Release(context.Background()))
}

func TestMemoryStore_ForgetsEmptyKeys(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	at := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	ok, _, err := store.Reserve(ctx, "k", "a", at, at.Add(-time.Minute), 1, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, oldest, err := store.Reserve(ctx, "k", "b", at, at.Add(-time.Minute), 1, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, at.Equal(oldest))

	require.NoError(t, store.Release(ctx, "k", "a"))
	assert.NotContains(t, store.slots, "k")

	_, _, err = store.Reserve(ctx, "k", "c", at, at.Add(-time.Minute), 1, time.Minute)
	require.NoError(t, err)
	_, _, err = store.Reserve(ctx, "k", "d", at.Add(2*time.Minute), at.Add(time.Minute), 0, time.Minute)
	require.NoError(t, err)
	assert.NotContains(t, store.slots, "k", "expired slots are pruned")
}
