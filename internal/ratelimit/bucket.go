package ratelimit

import (
	"sync"
	"time"
)

// One token is 1e9 nano-tokens, so a rate of X tokens/sec refills exactly X
// nano-tokens per elapsed nanosecond. Fixed-point keeps the refill math free
// of float rounding.
const nanosPerToken int64 = int64(time.Second)

const maxInt64 = int64(^uint64(0) >> 1)

// Bucket is a token bucket with integer capacity (tokens) and fill rate
// (tokens/sec).
type Bucket struct {
	mu sync.Mutex

	clock    Clock
	capacity int64 // nano-tokens
	rate     int64 // tokens/sec

	available int64 // nano-tokens
	last      time.Time
}

// NewBucket returns a full bucket. Non-positive capacity or rate yields a
// bucket that never refills past its initial content.
func NewBucket(clock Clock, capacityTokens, ratePerSecond int64) *Bucket {
	if clock == nil {
		clock = RealClock{}
	}
	capacity := tokensToNanos(capacityTokens)
	return &Bucket{
		clock:     clock,
		capacity:  capacity,
		rate:      max64(ratePerSecond, 0),
		available: capacity,
		last:      clock.Now(),
	}
}

// Allow consumes n tokens if the bucket holds them. n <= 0 always succeeds.
func (b *Bucket) Allow(n int64) bool {
	if n <= 0 {
		return true
	}
	cost := tokensToNanos(n)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	if b.available < cost {
		return false
	}
	b.available -= cost
	return true
}

func (b *Bucket) refillLocked() {
	now := b.clock.Now()
	if now.Before(b.last) {
		// Clock went backwards; re-anchor without refilling.
		b.last = now
		return
	}
	elapsed := now.Sub(b.last).Nanoseconds()
	if elapsed <= 0 {
		return
	}
	b.last = now

	if b.rate <= 0 || b.available >= b.capacity {
		return
	}

	// rate tokens/sec equals rate nano-tokens/ns. Clamp instead of
	// multiplying when the elapsed window alone would fill the bucket, so
	// elapsed*rate cannot overflow.
	need := b.capacity - b.available
	if elapsed >= need/b.rate {
		b.available = b.capacity
		return
	}
	b.available += elapsed * b.rate
}

func tokensToNanos(tokens int64) int64 {
	if tokens <= 0 {
		return 0
	}
	if tokens > maxInt64/nanosPerToken {
		return maxInt64
	}
	return tokens * nanosPerToken
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
