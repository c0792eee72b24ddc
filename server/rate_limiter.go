package server

import (
	"context"
	"sync"
	"time"
)

// RateLimiter allows at most limit requests per client in each fixed
// window. A limit of zero or less disables it.
type RateLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	now     func() time.Time
	clients map[string]windowCount
}

type windowCount struct {
	count   int
	resetAt time.Time
}

// NewRateLimiter creates a limiter allowing limit requests per window.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{
		limit:   limit,
		window:  window,
		now:     time.Now,
		clients: make(map[string]windowCount),
	}
}

// Allow counts one request from client. When the client is over its limit
// it returns false and the time until the window resets.
func (r *RateLimiter) Allow(client string) (bool, time.Duration) {
	if r == nil || r.limit <= 0 {
		return true, 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	wc, ok := r.clients[client]
	if !ok || !now.Before(wc.resetAt) {
		r.clients[client] = windowCount{count: 1, resetAt: now.Add(r.window)}
		return true, 0
	}
	if wc.count >= r.limit {
		return false, wc.resetAt.Sub(now)
	}
	wc.count++
	r.clients[client] = wc
	return true, 0
}

// Cleanup drops clients whose window has expired and returns how many.
func (r *RateLimiter) Cleanup() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	removed := 0
	for client, wc := range r.clients {
		if !now.Before(wc.resetAt) {
			delete(r.clients, client)
			removed++
		}
	}
	return removed
}

// StartCleanupTicker runs Cleanup every interval until ctx is cancelled.
func (r *RateLimiter) StartCleanupTicker(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Cleanup()
			}
		}
	}()
}

// Count returns the number of tracked clients.
func (r *RateLimiter) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}
