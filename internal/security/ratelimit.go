package security

import (
	"sync"
	"time"
)

const rateWindow = time.Minute

// bucket is one key's sliding window: request timestamps in chronological
// order, pruned to the trailing window on each check. Each bucket has its
// own lock so keys never contend with each other.
type bucket struct {
	mu     sync.Mutex
	stamps []time.Time
}

type rateLimiter struct {
	mu      sync.RWMutex
	buckets map[string]*bucket
}

func newRateLimiter() *rateLimiter {
	return &rateLimiter{buckets: make(map[string]*bucket)}
}

// check prunes the key's window and either records the request (allowed)
// or reports how long until the oldest entry falls out of the window.
// Prune, count, and append happen under the bucket lock so concurrent
// requests from the same key cannot double-spend the ceiling.
func (l *rateLimiter) check(key string, limit int, now time.Time) (bool, time.Duration) {
	if limit <= 0 {
		return true, 0
	}

	b := l.bucket(key)
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := now.Add(-rateWindow)
	kept := b.stamps[:0]
	for _, ts := range b.stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	b.stamps = kept

	if len(b.stamps) >= limit {
		retry := b.stamps[0].Add(rateWindow).Sub(now)
		if retry < 0 {
			retry = 0
		}
		return false, retry
	}
	b.stamps = append(b.stamps, now)
	return true, 0
}

func (l *rateLimiter) bucket(key string) *bucket {
	l.mu.RLock()
	b, ok := l.buckets[key]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[key]; ok {
		return b
	}
	b = &bucket{}
	l.buckets[key] = b
	return b
}
