// Copyright 2025 HG Sayim
// SPDX-License-Identifier: Apache-2.0

// Package tables implements the table lifecycle state machine on top of
// the sync engine: metered open/close with race-safe closure (payment,
// store-as-credit, cancel), reopen scavenging, the quick-add write
// serializer, the client-local guard registry, and the display-state
// projection.
package tables

import (
	"sync"
	"time"
)

// GuardRegistry is a time-boxed mutual-exclusion primitive: a map from key
// to expiry instant, checked lazily on access. It is not true locking: it
// only prevents this client from racing itself, and a guard whose owner
// crashes simply expires instead of deadlocking the table. Nothing runs in
// the background; expired entries are dropped when touched.
type GuardRegistry struct {
	mu   sync.Mutex
	held map[string]time.Time
	now  func() time.Time
}

// NewGuardRegistry creates an empty registry.
func NewGuardRegistry() *GuardRegistry {
	return &GuardRegistry{
		held: make(map[string]time.Time),
		now:  time.Now,
	}
}

// Acquire takes the guard for ttl. Returns false if an unexpired holder
// exists.
func (g *GuardRegistry) Acquire(key string, ttl time.Duration) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if expiry, ok := g.held[key]; ok && expiry.After(now) {
		return false
	}
	g.held[key] = now.Add(ttl)
	return true
}

// IsHeld reports whether the guard is currently held (unexpired).
func (g *GuardRegistry) IsHeld(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	expiry, ok := g.held[key]
	if !ok {
		return false
	}
	if !expiry.After(g.now()) {
		delete(g.held, key)
		return false
	}
	return true
}

// Release drops the guard before its expiry.
func (g *GuardRegistry) Release(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.held, key)
}

// Guard keys per table id. Settling marks a closure in progress (and the
// cooldown after it); opening marks the short window after an optimistic
// open during which stale "closed" rows from sync must be ignored.
func settlingKey(tableID string) string { return "settling:" + tableID }
func openingKey(tableID string) string  { return "opening:" + tableID }
