package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// slidingWindow counts hits per key inside a rolling window, pruning
// expired timestamps on every check. Allow consumes a slot when under the
// limit; RetryAfter reports how long until the oldest hit falls out.
type slidingWindow struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	hits   map[string][]time.Time
	now    func() time.Time
}

func newSlidingWindow(limit int, window time.Duration) *slidingWindow {
	return &slidingWindow{
		limit:  limit,
		window: window,
		hits:   map[string][]time.Time{},
		now:    time.Now,
	}
}

func (w *slidingWindow) Allow(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	kept := w.prune(key, now)
	if len(kept) >= w.limit {
		return false
	}
	w.hits[key] = append(kept, now)
	return true
}

func (w *slidingWindow) RetryAfter(key string) time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	kept := w.prune(key, w.now())
	if len(kept) < w.limit {
		return 0
	}
	return kept[0].Add(w.window).Sub(w.now())
}

// prune holds the caller's lock.
func (w *slidingWindow) prune(key string, now time.Time) []time.Time {
	cutoff := now.Add(-w.window)
	hits := w.hits[key]
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	if i > 0 {
		hits = hits[i:]
		if len(hits) == 0 {
			delete(w.hits, key)
		} else {
			w.hits[key] = hits
		}
	}
	return hits
}

func (w *slidingWindow) evictIdle() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	evicted := 0
	for key := range w.hits {
		if len(w.prune(key, now)) == 0 {
			evicted++
		}
	}
	return evicted
}

func (w *slidingWindow) keyCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.hits)
}

// AuthLimiter locks out callers after repeated auth failures inside the
// window. Keys combine the remote IP with the subject that failed (client
// id for connects, a fixed label for hook ingress) so one abusive client
// id cannot be exonerated by rotating ports.
type AuthLimiter struct {
	failures *slidingWindow
}

func NewAuthLimiter(maxFailures int, window time.Duration) *AuthLimiter {
	if maxFailures <= 0 {
		maxFailures = 20
	}
	if window <= 0 {
		window = time.Minute
	}
	return &AuthLimiter{failures: newSlidingWindow(maxFailures, window)}
}

// Locked reports whether the key has exhausted its failure budget, and if
// so, how long until the oldest failure ages out.
func (l *AuthLimiter) Locked(key string) (bool, time.Duration) {
	retry := l.failures.RetryAfter(key)
	if retry <= 0 {
		return false, 0
	}
	return true, retry
}

// RecordFailure charges one failed attempt against the key.
func (l *AuthLimiter) RecordFailure(key string) {
	l.failures.Allow(key)
}

// Reset clears the key's failure history after a successful auth.
func (l *AuthLimiter) Reset(key string) {
	l.failures.mu.Lock()
	delete(l.failures.hits, key)
	l.failures.mu.Unlock()
}

// StartEviction periodically drops idle keys so the failure map cannot
// grow with one entry per spoofed address forever.
func (l *AuthLimiter) StartEviction(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := l.failures.evictIdle(); n > 0 {
					slog.Debug("auth limiter eviction", "evicted", n, "remaining", l.failures.keyCount())
				}
			}
		}
	}()
}
