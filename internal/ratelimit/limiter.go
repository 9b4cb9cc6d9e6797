// Package ratelimit provides sliding-window throttling for outbound actions.
// A client only throttles itself, so the window lives in process memory
// rather than a shared store.
package ratelimit

import (
	"sync"
	"time"
)

// Rule defines a throttling policy: the maximum number of actions allowed
// within the window.
type Rule struct {
	Limit  int
	Window time.Duration
}

// RuleMessage allows 5 outbound messages per 10 seconds per room, matching
// the server's own per-session message policy so the client fails fast
// instead of being rejected remotely.
var RuleMessage = Rule{Limit: 5, Window: 10 * time.Second}

// Limiter performs sliding-window checks keyed by an identifier (a room id
// for message sends). It is goroutine-safe.
type Limiter struct {
	rule Rule

	mu   sync.Mutex
	hits map[string][]time.Time
	now  func() time.Time
}

// NewLimiter creates a Limiter for the given rule.
func NewLimiter(rule Rule) *Limiter {
	return &Limiter{
		rule: rule,
		hits: make(map[string][]time.Time),
		now:  time.Now,
	}
}

// Allow reports whether another action is permitted for the identifier and,
// if so, records it.
func (l *Limiter) Allow(identifier string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.rule.Window)

	kept := l.hits[identifier][:0]
	for _, t := range l.hits[identifier] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= l.rule.Limit {
		l.hits[identifier] = kept
		return false
	}
	l.hits[identifier] = append(kept, now)
	return true
}

// Reset clears the window for an identifier.
func (l *Limiter) Reset(identifier string) {
	l.mu.Lock()
	delete(l.hits, identifier)
	l.mu.Unlock()
}
