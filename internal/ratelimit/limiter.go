// Package ratelimit throttles repeated Authenticate attempts per
// connection, the in-memory counter-and-window limiter the pack reaches
// for when a request doesn't warrant a shared backing store (see
// DESIGN.md: Alfred has no Redis to back a distributed variant).
package ratelimit

import (
	"sync"
	"time"

	"alfred/internal/clock"
)

// Decision reports the outcome of one Allow call, along with enough
// state for a caller to build a Retry-After style message.
type Decision struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Limiter is satisfied by InMemoryLimiter; an interface so callers (e.g.
// internal/wsapi) never depend on the concrete window/cleanup strategy.
type Limiter interface {
	Allow(key string, limit int) Decision
}

// InMemoryLimiter is a fixed-window counter keyed by an arbitrary string
// (a session id, a remote address, an identifier) — one window per key,
// reset lazily on the next Allow once it has elapsed.
type InMemoryLimiter struct {
	mu     sync.Mutex
	clk    clock.Clock
	window time.Duration
	items  map[string]entry
}

type entry struct {
	count   int
	resetAt time.Time
}

// NewInMemory builds a limiter with the given window, using clk to read
// the current time (clock.SystemClock in production, a fake in tests).
func NewInMemory(clk clock.Clock, window time.Duration) *InMemoryLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &InMemoryLimiter{
		clk:    clk,
		window: window,
		items:  make(map[string]entry),
	}
}

func (l *InMemoryLimiter) Allow(key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	now := l.clk.Now().UTC()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cleanup(now)
	curr, ok := l.items[key]
	if !ok || now.After(curr.resetAt) {
		curr = entry{
			count:   0,
			resetAt: now.Add(l.window),
		}
	}
	curr.count++
	l.items[key] = curr
	allowed := curr.count <= limit
	remaining := limit - curr.count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   allowed,
		Count:     curr.count,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   curr.resetAt,
	}
}

func (l *InMemoryLimiter) cleanup(now time.Time) {
	for k, v := range l.items {
		if now.After(v.resetAt) {
			delete(l.items, k)
		}
	}
}
