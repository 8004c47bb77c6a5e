package tool

import (
	"sync"
	"time"
)

// SlidingWindowLimiter is a simple per-tool throttle: it tracks timestamps
// of allowed calls and rejects new calls once the count within the window
// exceeds the limit. Kept for ambient per-tool throttling (email sends,
// GitHub/smart-home API calls) where the bounded-queue RateLimiter (C1,
// see ratelimit.go) would be overkill — those call sites just need a
// boolean gate, not a retry-with-backoff contract.
type SlidingWindowLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	calls  []time.Time
	now    func() time.Time // for testing
}

// NewSlidingWindowLimiter creates a limiter that allows limit calls per window.
func NewSlidingWindowLimiter(limit int, window time.Duration) *SlidingWindowLimiter {
	return &SlidingWindowLimiter{
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

// Allow returns true if a call is allowed under the rate limit, and records it.
func (r *SlidingWindowLimiter) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	cutoff := now.Add(-r.window)

	n := 0
	for _, t := range r.calls {
		if t.After(cutoff) {
			r.calls[n] = t
			n++
		}
	}
	r.calls = r.calls[:n]

	if len(r.calls) >= r.limit {
		return false
	}

	r.calls = append(r.calls, now)
	return true
}

// Reset clears all recorded calls. Useful for testing.
func (r *SlidingWindowLimiter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = r.calls[:0]
}
