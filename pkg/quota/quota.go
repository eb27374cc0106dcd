// Package quota implements the per-owner upload throttle: a fixed one-minute
// window counter shared by all upload paths for an owner.
package quota

import (
	"sync"
	"time"
)

// Counter tracks uploads per owner within the current window.
type Counter struct {
	Limit  int
	Window time.Duration

	mu      sync.Mutex
	windows map[uint]*window
	now     func() time.Time // swappable for tests
}

type window struct {
	start time.Time
	count int
}

func NewCounter(limit int, windowLen time.Duration) *Counter {
	if windowLen <= 0 {
		windowLen = time.Minute
	}
	return &Counter{
		Limit:   limit,
		Window:  windowLen,
		windows: make(map[uint]*window),
		now:     time.Now,
	}
}

// Allow consumes one slot for the owner. When the quota is exhausted it
// returns false plus the seconds until the window resets (Retry-After).
func (c *Counter) Allow(owner uint) (ok bool, retryAfter int) {
	if c.Limit <= 0 {
		return true, 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	w := c.windows[owner]
	if w == nil || now.Sub(w.start) >= c.Window {
		w = &window{start: now}
		c.windows[owner] = w
	}
	if w.count >= c.Limit {
		rem := c.Window - now.Sub(w.start)
		secs := int(rem.Seconds()) + 1
		return false, secs
	}
	w.count++
	return true, 0
}

// Reset clears the owner's window (used after administrative overrides).
func (c *Counter) Reset(owner uint) {
	c.mu.Lock()
	delete(c.windows, owner)
	c.mu.Unlock()
}
