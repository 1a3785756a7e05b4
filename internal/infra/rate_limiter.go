package infra

import (
	"sync"
	"time"
)

// RateLimiter implements a token bucket.
type RateLimiter struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

// NewRateLimiter creates a bucket holding burst tokens, refilled at
// perSecond tokens per second.
func NewRateLimiter(burst int, perSecond float64) *RateLimiter {
	return &RateLimiter{
		tokens:     float64(burst),
		maxTokens:  float64(burst),
		refillRate: perSecond,
		lastRefill: time.Now(),
	}
}

// TryAcquire takes a token without blocking.
func (r *RateLimiter) TryAcquire() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.refill(time.Now())
	if r.tokens >= 1 {
		r.tokens--
		return true
	}
	return false
}

// full reports whether the bucket has refilled completely, meaning the
// key has been idle long enough to forget.
func (r *RateLimiter) full(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refill(now)
	return r.tokens >= r.maxTokens
}

// refill adds tokens based on elapsed time. Must be called with mu held.
func (r *RateLimiter) refill(now time.Time) {
	elapsed := now.Sub(r.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	r.tokens += elapsed * r.refillRate
	if r.tokens > r.maxTokens {
		r.tokens = r.maxTokens
	}
	r.lastRefill = now
}

// KeyedRateLimiter keeps one bucket per key, e.g. per signing identity on
// the command intake.
type KeyedRateLimiter struct {
	mu        sync.Mutex
	buckets   map[string]*RateLimiter
	burst     int
	perSecond float64
}

func NewKeyedRateLimiter(burst int, perSecond float64) *KeyedRateLimiter {
	return &KeyedRateLimiter{
		buckets:   make(map[string]*RateLimiter),
		burst:     burst,
		perSecond: perSecond,
	}
}

// Allow takes a token from key's bucket.
func (k *KeyedRateLimiter) Allow(key string) bool {
	k.mu.Lock()
	b, ok := k.buckets[key]
	if !ok {
		b = NewRateLimiter(k.burst, k.perSecond)
		k.buckets[key] = b
	}
	k.mu.Unlock()
	return b.TryAcquire()
}

// Prune drops buckets that are full again. Returns how many were dropped.
func (k *KeyedRateLimiter) Prune() int {
	now := time.Now()
	k.mu.Lock()
	defer k.mu.Unlock()

	n := 0
	for key, b := range k.buckets {
		if b.full(now) {
			delete(k.buckets, key)
			n++
		}
	}
	return n
}

// Len reports the number of tracked keys.
func (k *KeyedRateLimiter) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.buckets)
}
