// Package limits holds the in-memory admission counters and rate limiters of the relay.
package limits

import (
	"sync"
	"sync/atomic"
)

// GlobalLimiter caps the number of live sockets of the process.
type GlobalLimiter struct {
	current atomic.Int64
	max     int64
}

// NewGlobalLimiter creates a limiter allowing max concurrent sockets.
func NewGlobalLimiter(max int64) *GlobalLimiter {
	return &GlobalLimiter{max: max}
}

// Acquire takes a slot, returning false at capacity.
func (l *GlobalLimiter) Acquire() bool {
	for {
		current := l.current.Load()
		if current >= l.max {
			return false
		}
		if l.current.CompareAndSwap(current, current+1) {
			return true
		}
	}
}

// Release returns a slot.
func (l *GlobalLimiter) Release() {
	l.current.Add(-1)
}

// Current returns the number of held slots.
func (l *GlobalLimiter) Current() int64 {
	return l.current.Load()
}

// Max returns the ceiling.
func (l *GlobalLimiter) Max() int64 {
	return l.max
}

// IPLimiter caps the number of live sockets per client IP.
type IPLimiter struct {
	mu     sync.RWMutex
	ips    map[string]int
	maxPer int
}

// NewIPLimiter creates a limiter allowing maxPer concurrent sockets per IP.
func NewIPLimiter(maxPer int) *IPLimiter {
	return &IPLimiter{
		ips:    make(map[string]int),
		maxPer: maxPer,
	}
}

// Acquire takes a slot for ip, returning false when the IP is at its ceiling.
func (l *IPLimiter) Acquire(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.ips[ip] >= l.maxPer {
		return false
	}
	l.ips[ip]++
	return true
}

// Release returns a slot for ip.
func (l *IPLimiter) Release(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if count := l.ips[ip]; count > 0 {
		l.ips[ip] = count - 1
		if l.ips[ip] == 0 {
			delete(l.ips, ip)
		}
	}
}

// Count returns the live socket count of ip.
func (l *IPLimiter) Count(ip string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.ips[ip]
}

// UniqueIPs returns the number of IPs holding at least one slot.
func (l *IPLimiter) UniqueIPs() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.ips)
}

// LimitReason describes why a socket was refused.
type LimitReason string

const (
	LimitReasonGlobal LimitReason = "global_limit"
	LimitReasonPerIP  LimitReason = "per_ip_limit"
)

// Admission combines the global and per-IP ceilings.
type Admission struct {
	global *GlobalLimiter
	perIP  *IPLimiter
}

// NewAdmission creates the combined socket admission control.
func NewAdmission(globalMax int64, perIPMax int) *Admission {
	return &Admission{
		global: NewGlobalLimiter(globalMax),
		perIP:  NewIPLimiter(perIPMax),
	}
}

// Acquire takes both slots for ip or neither.
func (a *Admission) Acquire(ip string) (bool, LimitReason) {
	if !a.global.Acquire() {
		return false, LimitReasonGlobal
	}
	if !a.perIP.Acquire(ip) {
		a.global.Release()
		return false, LimitReasonPerIP
	}
	return true, ""
}

// Release returns both slots for ip.
func (a *Admission) Release(ip string) {
	a.perIP.Release(ip)
	a.global.Release()
}

// Global returns the global limiter.
func (a *Admission) Global() *GlobalLimiter {
	return a.global
}

// PerIP returns the per-IP limiter.
func (a *Admission) PerIP() *IPLimiter {
	return a.perIP
}
