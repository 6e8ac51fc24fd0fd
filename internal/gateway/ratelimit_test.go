package gateway

import (
	"testing"
	"time"
)

type stubClock struct {
	now time.Time
}

func (c *stubClock) Now() time.Time {
	return c.now
}

func (c *stubClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func newStubbedWindow(limit int, window time.Duration) (*slidingWindow, *stubClock) {
	clock := &stubClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	w := newSlidingWindow(limit, window)
	w.now = clock.Now
	return w, clock
}

func TestSlidingWindowAllow(t *testing.T) {
	w, clock := newStubbedWindow(2, time.Minute)

	if !w.Allow("a") || !w.Allow("a") {
		t.Fatalf("first two hits must pass")
	}
	if w.Allow("a") {
		t.Fatalf("third hit inside the window must be denied")
	}
	if !w.Allow("b") {
		t.Fatalf("keys must be limited independently")
	}

	clock.Advance(time.Minute)
	if !w.Allow("a") {
		t.Fatalf("hit after the window expired must pass")
	}
}

func TestSlidingWindowRetryAfter(t *testing.T) {
	w, clock := newStubbedWindow(2, time.Minute)

	if got := w.RetryAfter("a"); got != 0 {
		t.Fatalf("RetryAfter on untouched key = %v, want 0", got)
	}

	w.Allow("a")
	clock.Advance(10 * time.Second)
	w.Allow("a")
	clock.Advance(20 * time.Second)

	if got := w.RetryAfter("a"); got != 30*time.Second {
		t.Fatalf("RetryAfter = %v, want 30s", got)
	}
	if w.Allow("a") {
		t.Fatalf("key still at limit")
	}

	clock.Advance(31 * time.Second)
	if got := w.RetryAfter("a"); got != 0 {
		t.Fatalf("RetryAfter after oldest hit aged out = %v, want 0", got)
	}
	if !w.Allow("a") {
		t.Fatalf("slot must free up once the oldest hit ages out")
	}
}

func TestSlidingWindowEviction(t *testing.T) {
	w, clock := newStubbedWindow(5, time.Minute)

	w.Allow("a")
	w.Allow("b")
	clock.Advance(30 * time.Second)
	w.Allow("c")

	if got := w.keyCount(); got != 3 {
		t.Fatalf("keyCount = %d, want 3", got)
	}

	clock.Advance(31 * time.Second)
	if got := w.evictIdle(); got != 2 {
		t.Fatalf("evictIdle = %d, want 2", got)
	}
	if got := w.keyCount(); got != 1 {
		t.Fatalf("keyCount after eviction = %d, want 1", got)
	}
}

func TestAuthLimiterLockAndReset(t *testing.T) {
	l := NewAuthLimiter(2, time.Minute)
	clock := &stubClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	l.failures.now = clock.Now

	if locked, _ := l.Locked("10.0.0.1:cli"); locked {
		t.Fatalf("fresh key locked")
	}

	l.RecordFailure("10.0.0.1:cli")
	if locked, _ := l.Locked("10.0.0.1:cli"); locked {
		t.Fatalf("locked before the budget is spent")
	}

	l.RecordFailure("10.0.0.1:cli")
	locked, retry := l.Locked("10.0.0.1:cli")
	if !locked {
		t.Fatalf("not locked after %d failures", 2)
	}
	if retry <= 0 || retry > time.Minute {
		t.Fatalf("retry = %v, want within the window", retry)
	}

	l.Reset("10.0.0.1:cli")
	if locked, _ := l.Locked("10.0.0.1:cli"); locked {
		t.Fatalf("still locked after reset")
	}

	l.RecordFailure("10.0.0.1:cli")
	l.RecordFailure("10.0.0.1:cli")
	if locked, _ := l.Locked("10.0.0.1:cli"); !locked {
		t.Fatalf("not locked after refilling the budget")
	}
	clock.Advance(time.Minute)
	if locked, _ := l.Locked("10.0.0.1:cli"); locked {
		t.Fatalf("failures older than the window must not count")
	}
}

func TestAuthLimiterDefaults(t *testing.T) {
	l := NewAuthLimiter(0, 0)
	if l.failures.limit != 20 {
		t.Fatalf("default limit = %d, want 20", l.failures.limit)
	}
	if l.failures.window != time.Minute {
		t.Fatalf("default window = %v, want 1m", l.failures.window)
	}
}
