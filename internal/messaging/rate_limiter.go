package messaging

import (
	"sync"
	"time"
)

// RateLimiter caps how many messages one sender may submit per window.
type RateLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	clients map[string]*clientLimit
	now     func() time.Time
}

type clientLimit struct {
	messageCount int
	windowStart  time.Time
}

// NewRateLimiter allows limit messages per window. A non-positive limit
// disables limiting.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{
		limit:   limit,
		window:  window,
		clients: make(map[string]*clientLimit),
		now:     time.Now,
	}
}

// Allow records an attempt by userID and reports whether it is within budget.
func (rl *RateLimiter) Allow(userID string) bool {
	if rl.limit <= 0 {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	limit, exists := rl.clients[userID]
	if !exists || now.Sub(limit.windowStart) >= rl.window {
		rl.clients[userID] = &clientLimit{messageCount: 1, windowStart: now}
		return true
	}

	if limit.messageCount >= rl.limit {
		return false
	}
	limit.messageCount++
	return true
}

// Cleanup forgets senders idle for five windows.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for userID, limit := range rl.clients {
		if now.Sub(limit.windowStart) > 5*rl.window {
			delete(rl.clients, userID)
		}
	}
}

// Tracked returns the number of senders currently held in memory.
func (rl *RateLimiter) Tracked() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}
