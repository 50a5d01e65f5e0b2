package limits

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

type loginEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// LoginLimiter throttles admin login attempts per client IP with a token bucket
// that refills attempts tokens over window.
type LoginLimiter struct {
	mu       sync.Mutex
	limiters map[string]*loginEntry
	rate     rate.Limit
	burst    int
	window   time.Duration
	clock    clockwork.Clock
}

// NewLoginLimiter allows attempts logins per window per IP.
func NewLoginLimiter(attempts int, window time.Duration, clock clockwork.Clock) *LoginLimiter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if attempts < 1 {
		attempts = 1
	}
	return &LoginLimiter{
		limiters: make(map[string]*loginEntry),
		rate:     rate.Every(window / time.Duration(attempts)),
		burst:    attempts,
		window:   window,
		clock:    clock,
	}
}

// Allow consumes one attempt for ip.
func (l *LoginLimiter) Allow(ip string) bool {
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, exists := l.limiters[ip]
	if !exists {
		entry = &loginEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[ip] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

// Prune removes limiters idle for longer than the window.
func (l *LoginLimiter) Prune() int {
	cutoff := l.clock.Now().Add(-l.window)
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for ip, entry := range l.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(l.limiters, ip)
			removed++
		}
	}
	return removed
}

// Tracked returns the number of IPs with a limiter.
func (l *LoginLimiter) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}
