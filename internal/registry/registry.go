// Package registry tracks the live broadcaster socket of every API key.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/cuerelay/internal/scoreboard"
)

// Socket is the part of a live connection the registry can act on.
type Socket interface {
	Close(code int, reason string)
}

// Entry is the registry's view of a key's live socket.
type Entry struct {
	Socket          Socket
	ConnectionID    string
	CurrentGameType string
	LastUpdate      time.Time
	Features        scoreboard.Features
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// Registry maps API keys to their live socket. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry

	locksMu sync.Mutex
	locks   map[string]*keyLock
}

// New constructs an empty registry.
func New() *Registry {
	return &Registry{
		entries: make(map[string]Entry),
		locks:   make(map[string]*keyLock),
	}
}

// Lock serializes compound operations on one key and returns the matching unlock function.
func (r *Registry) Lock(apiKey string) func() {
	r.locksMu.Lock()
	lock, ok := r.locks[apiKey]
	if !ok {
		lock = &keyLock{}
		r.locks[apiKey] = lock
	}
	lock.refs++
	r.locksMu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		r.locksMu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(r.locks, apiKey)
		}
		r.locksMu.Unlock()
	}
}

// Claim makes entry the key's live socket and returns the entry it replaced, if any.
func (r *Registry) Claim(apiKey string, entry Entry) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	previous, ok := r.entries[apiKey]
	r.entries[apiKey] = entry
	return previous, ok
}

// Get returns the key's live entry.
func (r *Registry) Get(apiKey string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[apiKey]
	return entry, ok
}

// IsCurrent reports whether socket is the key's live socket.
func (r *Registry) IsCurrent(apiKey string, socket Socket) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[apiKey]
	return ok && entry.Socket == socket
}

// Has reports whether the key has a live socket.
func (r *Registry) Has(apiKey string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[apiKey]
	return ok
}

// RemoveIfCurrent removes the key's entry only when socket still owns it.
func (r *Registry) RemoveIfCurrent(apiKey string, socket Socket) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[apiKey]
	if !ok || entry.Socket != socket {
		return Entry{}, false
	}
	delete(r.entries, apiKey)
	return entry, true
}

// Remove drops the key's entry regardless of owner.
func (r *Registry) Remove(apiKey string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[apiKey]
	if ok {
		delete(r.entries, apiKey)
	}
	return entry, ok
}

// UpdateIfCurrent applies mutate to the key's entry only when socket still owns it.
func (r *Registry) UpdateIfCurrent(apiKey string, socket Socket, mutate func(*Entry)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[apiKey]
	if !ok || entry.Socket != socket {
		return false
	}
	mutate(&entry)
	entry.Socket = socket
	r.entries[apiKey] = entry
	return true
}

// LiveKeys returns the keys with a live socket, sorted.
func (r *Registry) LiveKeys() []string {
	r.mu.RLock()
	keys := make([]string, 0, len(r.entries))
	for key := range r.entries {
		keys = append(keys, key)
	}
	r.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// Count returns the number of keys with a live socket.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
