package presence

import (
	"sync"
	"time"
)

// EventRateLimiter is a sliding window over outbound client events; relays
// drop connections that exceed their per-socket rate.
type EventRateLimiter struct {
	mu       sync.Mutex
	history  []time.Time
	limit    int
	interval time.Duration
	now      func() time.Time
}

func NewEventRateLimiter(limit int, interval time.Duration) *EventRateLimiter {
	return &EventRateLimiter{
		limit:    limit,
		interval: interval,
		now:      time.Now,
	}
}

// Reserve records an event and returns how long the caller must wait
// before sending it.
func (rl *EventRateLimiter) Reserve() time.Duration {
	if rl == nil || rl.limit <= 0 {
		return 0
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	windowStart := now.Add(-rl.interval)

	fresh := rl.history[:0]
	for _, t := range rl.history {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}
	rl.history = fresh

	at := now
	if len(fresh) >= rl.limit {
		// the slot frees up when the limit-th most recent event leaves the window
		at = fresh[len(fresh)-rl.limit].Add(rl.interval)
	}
	rl.history = append(rl.history, at)
	return at.Sub(now)
}
