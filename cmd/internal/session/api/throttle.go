package sessionapi

import (
	"net/http"
	"strconv"
	"sync"
	"time"
)

// loginThrottle caps login attempts per user over a sliding window.
// It only guards against runaway clients; admission itself never depends on it.
type loginThrottle struct {
	mu     sync.Mutex
	max    int
	window time.Duration
	events map[string][]time.Time
}

func newLoginThrottle(max int, window time.Duration) *loginThrottle {
	if max <= 0 || window <= 0 {
		return nil
	}
	return &loginThrottle{
		max:    max,
		window: window,
		events: make(map[string][]time.Time),
	}
}

// allow records an attempt for key at now unless the window is full.
func (t *loginThrottle) allow(key string, now time.Time) (bool, time.Duration) {
	if t == nil {
		return true, 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	events := pruneWindow(t.events[key], now, t.window)
	blocked, retry := evaluateWindowThrottle(now, events, t.max, t.window)
	if blocked {
		t.events[key] = events
		return false, retry
	}
	t.events[key] = append(events, now)
	return true, 0
}

// sweep drops keys whose attempts have all aged out.
func (t *loginThrottle) sweep(now time.Time) {
	if t == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for k, events := range t.events {
		if events = pruneWindow(events, now, t.window); len(events) == 0 {
			delete(t.events, k)
			continue
		}
		t.events[k] = events
	}
}

func pruneWindow(events []time.Time, now time.Time, window time.Duration) []time.Time {
	cut := now.Add(-window)
	dst := events[:0]
	for _, e := range events {
		if e.After(cut) {
			dst = append(dst, e)
		}
	}
	return dst
}

// evaluateWindowThrottle blocks once max events fall inside the window and
// reports how long until the oldest of them leaves it.
func evaluateWindowThrottle(now time.Time, events []time.Time, max int, window time.Duration) (bool, time.Duration) {
	if max <= 0 {
		return false, 0
	}

	cut := now.Add(-window)
	var (
		count  int
		oldest time.Time
	)
	for _, e := range events {
		if !e.After(cut) {
			continue
		}
		count++
		if oldest.IsZero() || e.Before(oldest) {
			oldest = e
		}
	}
	if count < max {
		return false, 0
	}
	return true, oldest.Add(window).Sub(now)
}

func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	if retryAfter > 0 {
		secs := int64((retryAfter + time.Second - 1) / time.Second)
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	}
	writeError(w, http.StatusTooManyRequests, "rate_limited", "too many login attempts")
}
