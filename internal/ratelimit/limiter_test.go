package ratelimit

import (
	"sync"
	"testing"
	"time"

	"alfred/internal/clock"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(0, 0).UTC()} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) At(t time.Time, fn func()) clock.CancelFunc {
	return func() {}
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestInMemoryLimiter(t *testing.T) {
	fc := newFakeClock()
	limiter := NewInMemory(fc, 50*time.Millisecond)
	key := "session-a:Authenticate"

	first := limiter.Allow(key, 2)
	if !first.Allowed || first.Count != 1 || first.Remaining != 1 {
		t.Fatalf("unexpected first decision: %+v", first)
	}
	second := limiter.Allow(key, 2)
	if !second.Allowed || second.Count != 2 || second.Remaining != 0 {
		t.Fatalf("unexpected second decision: %+v", second)
	}
	third := limiter.Allow(key, 2)
	if third.Allowed || third.Count != 3 || third.Remaining != 0 {
		t.Fatalf("unexpected third decision: %+v", third)
	}
	fc.Advance(70 * time.Millisecond)
	reset := limiter.Allow(key, 2)
	if !reset.Allowed || reset.Count != 1 {
		t.Fatalf("expected counter reset after window, got %+v", reset)
	}
}

func TestInMemoryLimiterLimitFloor(t *testing.T) {
	limiter := NewInMemory(newFakeClock(), time.Minute)
	decision := limiter.Allow("k", 0)
	if !decision.Allowed || decision.Limit != 1 {
		t.Fatalf("expected fallback limit=1 and allowed decision, got %+v", decision)
	}
}

func TestNewInMemoryDefaultWindow(t *testing.T) {
	lim := NewInMemory(newFakeClock(), 0)
	if lim.window != time.Minute {
		t.Fatalf("expected default 1 minute window, got %v", lim.window)
	}
}

func TestInMemoryLimiterSeparateKeysIndependent(t *testing.T) {
	fc := newFakeClock()
	limiter := NewInMemory(fc, time.Minute)
	a := limiter.Allow("a", 1)
	b := limiter.Allow("b", 1)
	if !a.Allowed || !b.Allowed {
		t.Fatalf("distinct keys must not share a counter: a=%+v b=%+v", a, b)
	}
}
