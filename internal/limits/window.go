package limits

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

type window struct {
	start time.Time
	count int
}

// UpdateLimiter is a fixed-window counter per key: at most limit accepted events per window,
// with the window restarting on the first event after it expires.
type UpdateLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
	limit   int
	period  time.Duration
	clock   clockwork.Clock
}

// NewUpdateLimiter creates a fixed-window limiter.
func NewUpdateLimiter(limit int, period time.Duration, clock clockwork.Clock) *UpdateLimiter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &UpdateLimiter{
		windows: make(map[string]*window),
		limit:   limit,
		period:  period,
		clock:   clock,
	}
}

// Allow records one event for key and reports whether it fits the current window.
func (l *UpdateLimiter) Allow(key string) bool {
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	current, ok := l.windows[key]
	if !ok || now.Sub(current.start) >= l.period {
		l.windows[key] = &window{start: now, count: 1}
		return true
	}
	if current.count >= l.limit {
		return false
	}
	current.count++
	return true
}

// Reset forgets the key's window.
func (l *UpdateLimiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.windows, key)
}

// Prune drops expired windows and returns how many were removed.
func (l *UpdateLimiter) Prune() int {
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, current := range l.windows {
		if now.Sub(current.start) >= l.period {
			delete(l.windows, key)
			removed++
		}
	}
	return removed
}

// Tracked returns the number of keys with a window.
func (l *UpdateLimiter) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}
