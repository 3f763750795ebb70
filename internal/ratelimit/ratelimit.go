package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket implements a token bucket rate limiter
type TokenBucket struct {
	mu         sync.Mutex
	tokens     int
	capacity   int
	rate       int // tokens per second
	lastRefill time.Time
}

// NewTokenBucket creates a new token bucket with the given rate and capacity
func NewTokenBucket(rate, capacity int) *TokenBucket {
	if capacity < 1 {
		capacity = 1
	}
	return &TokenBucket{
		tokens:     capacity,
		capacity:   capacity,
		rate:       rate,
		lastRefill: time.Now(),
	}
}

// Allow checks if a request can be allowed and consumes a token if available
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	tokensToAdd := int(now.Sub(tb.lastRefill).Seconds() * float64(tb.rate))
	if tokensToAdd > 0 {
		tb.tokens += tokensToAdd
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastRefill = now
	}

	if tb.tokens > 0 {
		tb.tokens--
		return true
	}
	return false
}

// Admission bounds how many tunneled requests are forwarded at once and how
// fast new ones are accepted. The zero configuration admits everything.
type Admission struct {
	slots  chan struct{} // nil when in-flight forwards are unbounded
	bucket *TokenBucket  // nil when the request rate is unbounded
}

// NewAdmission creates an admission controller. maxInFlight <= 0 disables the
// concurrency cap, ratePerSec <= 0 disables the rate limit; burst sizes the bucket.
func NewAdmission(maxInFlight, ratePerSec, burst int) *Admission {
	a := &Admission{}
	if maxInFlight > 0 {
		a.slots = make(chan struct{}, maxInFlight)
	}
	if ratePerSec > 0 {
		if burst <= 0 {
			burst = ratePerSec
		}
		a.bucket = NewTokenBucket(ratePerSec, burst)
	}
	return a
}

// Acquire reserves capacity for one forward without blocking. When ok is true
// the caller must call release exactly once.
func (a *Admission) Acquire() (release func(), ok bool) {
	if a == nil {
		return func() {}, true
	}
	if a.bucket != nil && !a.bucket.Allow() {
		return nil, false
	}
	if a.slots == nil {
		return func() {}, true
	}
	select {
	case a.slots <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-a.slots }) }, true
	default:
		return nil, false
	}
}

// InFlight reports how many slots are taken (always 0 when unbounded).
func (a *Admission) InFlight() int {
	if a == nil || a.slots == nil {
		return 0
	}
	return len(a.slots)
}
