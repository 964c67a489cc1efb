package api

import (
	"sync"
	"time"
)

// challengeRateLimit is the per-IP budget for challenge issuance per
// window.
const challengeRateLimit = 10

// rateLimiter counts requests per key over a fixed window. Stale
// windows are garbage-collected in the background.
type rateLimiter struct {
	mu      sync.Mutex
	windows map[string]*rateWindow
	limit   int
	window  time.Duration
}

type rateWindow struct {
	count int
	start time.Time
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	rl := &rateLimiter{
		windows: make(map[string]*rateWindow),
		limit:   limit,
		window:  window,
	}
	go rl.cleanup()
	return rl
}

// allow counts a request against key and reports whether it fits the
// window budget.
func (rl *rateLimiter) allow(key string) bool {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	w, ok := rl.windows[key]
	if !ok || now.Sub(w.start) > rl.window {
		rl.windows[key] = &rateWindow{count: 1, start: now}
		return true
	}
	w.count++
	return w.count <= rl.limit
}

func (rl *rateLimiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		rl.mu.Lock()
		now := time.Now()
		for key, w := range rl.windows {
			if now.Sub(w.start) > 2*rl.window {
				delete(rl.windows, key)
			}
		}
		rl.mu.Unlock()
	}
}
