package domain

import (
	"context"
	"time"
)

// RateDecision is the outcome of a rate limiter check.
type RateDecision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// RateLimiter accounts ingestion calls per key within a window.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (RateDecision, error)
}

// RateKey partitions rate windows per user and device.
func RateKey(userID, mac string) string {
	return userID + "|" + NormalizeMAC(mac)
}
