// Package ratelimit provides a fixed-window request counter keyed by client
// address. Instances are explicitly constructed and independent, so tests and
// multiple listeners never share counters.
package ratelimit

import (
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Limiter allows at most limit calls per key per window.
type Limiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	buckets *gocache.Cache
}

func New(limit int, window time.Duration) *Limiter {
	if limit <= 0 {
		limit = 60
	}
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{
		limit:   limit,
		window:  window,
		buckets: gocache.New(window, 2*window),
	}
}

// Allow records one call for key and reports whether it is within the limit.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	count := 1
	if v, exp, ok := l.buckets.GetWithExpiration(key); ok {
		count = v.(int) + 1
		// Later calls keep the expiry of the window the first call opened.
		l.buckets.Set(key, count, time.Until(exp))
	} else {
		l.buckets.Set(key, count, l.window)
	}
	return count <= l.limit
}

// Reset drops all counters.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buckets.Flush()
}
