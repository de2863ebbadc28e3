package app_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nutrisync/internal/app"
	"nutrisync/internal/domain"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestMemoryRateLimiter_Window(t *testing.T) {
	clock := newFakeClock()
	l := app.NewMemoryRateLimiter(3, time.Minute).WithClock(clock.Now)
	ctx := context.Background()
	key := domain.RateKey("u1", "aa:bb")

	for i := 0; i < 3; i++ {
		d, err := l.Allow(ctx, key)
		require.NoError(t, err)
		assert.True(t, d.Allowed, "call %d", i)
		assert.Equal(t, 2-i, d.Remaining)
		clock.Advance(10 * time.Second)
	}

	d, err := l.Allow(ctx, key)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 30*time.Second, d.RetryAfter)

	clock.Advance(31 * time.Second)
	d, err = l.Allow(ctx, key)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "oldest hit left the window")
}

func TestMemoryRateLimiter_Isolation(t *testing.T) {
	l := app.NewMemoryRateLimiter(2, time.Minute)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d, _ := l.Allow(ctx, domain.RateKey("u1", "AA"))
		require.True(t, d.Allowed)
	}
	d, _ := l.Allow(ctx, domain.RateKey("u1", "aa"))
	assert.False(t, d.Allowed, "mac is case-insensitive")

	d, _ = l.Allow(ctx, domain.RateKey("u1", "BB"))
	assert.True(t, d.Allowed, "other device of the same user")
	d, _ = l.Allow(ctx, domain.RateKey("u2", "AA"))
	assert.True(t, d.Allowed, "other user")
	d, _ = l.Allow(ctx, domain.RateKey("u1", ""))
	assert.True(t, d.Allowed, "unknown device")
}

func TestMemoryRateLimiter_Concurrent(t *testing.T) {
	l := app.NewMemoryRateLimiter(20, time.Minute)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := map[string]int{}
	for u := 0; u < 4; u++ {
		key := domain.RateKey(fmt.Sprintf("u%d", u), "")
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				d, err := l.Allow(ctx, key)
				if err == nil && d.Allowed {
					mu.Lock()
					allowed[key]++
					mu.Unlock()
				}
			}()
		}
	}
	wg.Wait()

	require.Len(t, allowed, 4)
	for k, n := range allowed {
		assert.Equal(t, 20, n, k)
	}
}

func TestMemoryRateLimiter_Sweep(t *testing.T) {
	clock := newFakeClock()
	l := app.NewMemoryRateLimiter(5, time.Minute).WithClock(clock.Now)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, _ = l.Allow(ctx, fmt.Sprintf("k%d", i))
	}
	assert.Equal(t, 10, l.Len())

	clock.Advance(2 * time.Minute)
	_, _ = l.Allow(ctx, "fresh")
	assert.Equal(t, 1, l.Len())
}
