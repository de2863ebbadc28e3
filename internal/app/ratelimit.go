package app

import (
	"context"
	"sync"
	"time"

	"nutrisync/internal/domain"
)

// MemoryRateLimiter is a sliding-window limiter owned by the caller. State
// is lost on restart.
type MemoryRateLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu        sync.Mutex
	hits      map[string][]time.Time
	lastSweep time.Time
}

// NewMemoryRateLimiter allows limit calls per key within window.
func NewMemoryRateLimiter(limit int, window time.Duration) *MemoryRateLimiter {
	return &MemoryRateLimiter{
		limit:  limit,
		window: window,
		now:    time.Now,
		hits:   make(map[string][]time.Time),
	}
}

// WithClock replaces the time source.
func (l *MemoryRateLimiter) WithClock(now func() time.Time) *MemoryRateLimiter {
	l.now = now
	return l
}

// Allow records a call for key unless its window is exhausted.
func (l *MemoryRateLimiter) Allow(_ context.Context, key string) (domain.RateDecision, error) {
	now := l.now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) >= l.window {
		l.sweep(cutoff)
		l.lastSweep = now
	}

	hits := trimBefore(l.hits[key], cutoff)
	if len(hits) >= l.limit {
		l.hits[key] = hits
		return domain.RateDecision{
			Limit:      l.limit,
			RetryAfter: hits[0].Add(l.window).Sub(now),
		}, nil
	}
	hits = append(hits, now)
	l.hits[key] = hits
	return domain.RateDecision{
		Allowed:   true,
		Limit:     l.limit,
		Remaining: l.limit - len(hits),
	}, nil
}

// Len returns the number of tracked keys.
func (l *MemoryRateLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.hits)
}

func (l *MemoryRateLimiter) sweep(cutoff time.Time) {
	for k, hits := range l.hits {
		hits = trimBefore(hits, cutoff)
		if len(hits) == 0 {
			delete(l.hits, k)
			continue
		}
		l.hits[k] = hits
	}
}

func trimBefore(hits []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	return hits[i:]
}
