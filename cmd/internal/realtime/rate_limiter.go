package realtime

import (
	"time"
)

// RateLimiter is a per-connection sliding-window limiter for inbound frames.
// It is owned by a single read loop and is not safe for concurrent use.
type RateLimiter struct {
	events []time.Time
	limit  int
	window time.Duration
}

// NewRateLimiter constructs a RateLimiter with safe defaults when inputs are invalid.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	return &RateLimiter{
		events: make([]time.Time, 0, limit),
		limit:  limit,
		window: window,
	}
}

// Allow reports whether an event at now should be permitted and records it if so.
func (r *RateLimiter) Allow(now time.Time) bool {
	cut := now.Add(-r.window)
	n := 0
	for _, t := range r.events {
		if t.After(cut) {
			r.events[n] = t
			n++
		}
	}
	r.events = r.events[:n]

	if len(r.events) >= r.limit {
		return false
	}
	r.events = append(r.events, now)
	return true
}
