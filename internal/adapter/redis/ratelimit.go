// Package redis holds the Redis-backed rate window shared by all replicas.
package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"nutrisync/internal/domain"
)

const keyPrefix = "nutrisync:ratelimit:"

// RateLimiter is a fixed-window counter: the first hit of a window sets
// the key's expiry and later hits only increment it.
type RateLimiter struct {
	client goredis.UniversalClient
	limit  int
	window time.Duration
}

var _ domain.RateLimiter = (*RateLimiter)(nil)

// NewRateLimiter allows limit calls per key within window.
func NewRateLimiter(client goredis.UniversalClient, limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{client: client, limit: limit, window: window}
}

// NewClient builds a client and checks that the server answers.
func NewClient(ctx context.Context, addr, password string, db int) (*goredis.Client, error) {
	c := goredis.NewClient(&goredis.Options{Addr: addr, Password: password, DB: db})
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return c, nil
}

// Allow implements domain.RateLimiter.
func (l *RateLimiter) Allow(ctx context.Context, key string) (domain.RateDecision, error) {
	k := keyPrefix + key
	var incr *goredis.IntCmd
	var ttl *goredis.DurationCmd
	_, err := l.client.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		incr = p.Incr(ctx, k)
		ttl = p.PTTL(ctx, k)
		return nil
	})
	if err != nil {
		return domain.RateDecision{}, fmt.Errorf("rate window %s: %w", key, err)
	}

	count := int(incr.Val())
	remaining := ttl.Val()
	if remaining <= 0 {
		if err := l.client.PExpire(ctx, k, l.window).Err(); err != nil {
			return domain.RateDecision{}, fmt.Errorf("rate window expiry %s: %w", key, err)
		}
		remaining = l.window
	}

	if count > l.limit {
		return domain.RateDecision{Limit: l.limit, RetryAfter: remaining}, nil
	}
	return domain.RateDecision{Allowed: true, Limit: l.limit, Remaining: l.limit - count}, nil
}
