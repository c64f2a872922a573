// Package lockout tracks recently repaired coordinates. Workers need several
// seconds before a successful paint shows up in the next preview; without
// the lockout the planner would redispatch the same pixel and burn credits.
package lockout

import (
	"sync"
	"time"

	"github.com/wplace-tools/guardmaster/structs"
)

// Lockout is a time-bounded set of coordinates ineligible for redispatch.
// It is a leaf lock: no other lock is acquired while holding it.
type Lockout struct {
	mu      sync.Mutex
	expires map[string]time.Time

	// now is swapped out in tests.
	now func() time.Time
}

func New() *Lockout {
	return &Lockout{
		expires: make(map[string]time.Time),
		now:     time.Now,
	}
}

// Mark locks every coordinate until now+ttl, extending any existing entry.
func (l *Lockout) Mark(coords []structs.Coord, ttl time.Duration) {
	if len(coords) == 0 {
		return
	}
	expiry := l.now().Add(ttl)

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, c := range coords {
		l.expires[c.Key()] = expiry
	}
}

// Age removes all expired entries. Idempotent; called opportunistically on
// every preview arrival.
func (l *Lockout) Age() {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	for k, expiry := range l.expires {
		if !expiry.After(now) {
			delete(l.expires, k)
		}
	}
}

// IsLocked reports whether the coordinate is still locked, removing the
// entry lazily if it has expired.
func (l *Lockout) IsLocked(c structs.Coord) bool {
	k := c.Key()
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	expiry, ok := l.expires[k]
	if !ok {
		return false
	}
	if !expiry.After(now) {
		delete(l.expires, k)
		return false
	}
	return true
}

// Len returns the number of tracked entries, expired or not.
func (l *Lockout) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.expires)
}

// Clear drops every entry.
func (l *Lockout) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.expires = make(map[string]time.Time)
}
