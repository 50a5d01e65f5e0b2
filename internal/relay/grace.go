package relay

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

type graceEntry struct {
	timer clockwork.Timer
}

// graceScheduler owns one pending deactivation timer per key.
type graceScheduler struct {
	mu      sync.Mutex
	entries map[string]*graceEntry
	clock   clockwork.Clock
	period  time.Duration
	expire  func(apiKey string)
	stopped bool
}

func newGraceScheduler(clock clockwork.Clock, period time.Duration, expire func(apiKey string)) *graceScheduler {
	return &graceScheduler{
		entries: make(map[string]*graceEntry),
		clock:   clock,
		period:  period,
		expire:  expire,
	}
}

// Schedule (re)arms the key's timer.
func (g *graceScheduler) Schedule(apiKey string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopped {
		return
	}
	if existing, ok := g.entries[apiKey]; ok {
		existing.timer.Stop()
	}
	entry := &graceEntry{}
	entry.timer = g.clock.AfterFunc(g.period, func() {
		g.fire(apiKey, entry)
	})
	g.entries[apiKey] = entry
}

// Cancel disarms the key's timer.
func (g *graceScheduler) Cancel(apiKey string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	entry, ok := g.entries[apiKey]
	if !ok {
		return false
	}
	entry.timer.Stop()
	delete(g.entries, apiKey)
	return true
}

// Pending returns the number of armed timers.
func (g *graceScheduler) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.entries)
}

// Stop disarms every timer and refuses new ones.
func (g *graceScheduler) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stopped = true
	for apiKey, entry := range g.entries {
		entry.timer.Stop()
		delete(g.entries, apiKey)
	}
}

func (g *graceScheduler) fire(apiKey string, entry *graceEntry) {
	g.mu.Lock()
	if g.entries[apiKey] != entry {
		g.mu.Unlock()
		return
	}
	delete(g.entries, apiKey)
	g.mu.Unlock()
	g.expire(apiKey)
}
