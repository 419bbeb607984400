package ratelimit

import (
	"sync"
	"time"
)

// One token is tracked as 1e9 nano-tokens so that a fill rate of N tokens/sec
// adds exactly N nano-tokens per elapsed nanosecond.
const nanoPerToken int64 = int64(time.Second)

const maxInt64 = int64(^uint64(0) >> 1)

// TokenBucket limits a stream of events (signaling messages per connection) to
// a sustained rate with a bounded burst.
type TokenBucket struct {
	mu    sync.Mutex
	clock Clock

	burst int64 // tokens
	rate  int64 // tokens/sec

	avail int64 // nano-tokens
	last  time.Time
}

// NewTokenBucket returns a full bucket. A nil clock uses wall time.
func NewTokenBucket(clock Clock, burst, rate int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	burst = max(burst, 0)
	rate = max(rate, 0)
	return &TokenBucket{
		clock: clock,
		burst: burst,
		rate:  rate,
		avail: toNano(burst),
		last:  clock.Now(),
	}
}

// Allow consumes n tokens if they are available. n <= 0 always succeeds.
func (b *TokenBucket) Allow(n int64) bool {
	if n <= 0 {
		return true
	}
	cost := toNano(n)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	if b.avail < cost {
		return false
	}
	b.avail -= cost
	return true
}

// Tokens reports the whole tokens currently available.
func (b *TokenBucket) Tokens() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	return b.avail / nanoPerToken
}

func (b *TokenBucket) refillLocked() {
	now := b.clock.Now()
	elapsed := now.Sub(b.last).Nanoseconds()
	b.last = now
	// A clock stepping backwards only moves the reference point.
	if elapsed <= 0 || b.rate <= 0 {
		return
	}

	capacity := toNano(b.burst)
	need := capacity - b.avail
	if need <= 0 {
		b.avail = capacity
		return
	}
	// Clamp before multiplying so elapsed*rate cannot overflow.
	if elapsed >= need/b.rate+1 {
		b.avail = capacity
		return
	}
	b.avail = min(b.avail+elapsed*b.rate, capacity)
}

func toNano(tokens int64) int64 {
	if tokens <= 0 {
		return 0
	}
	if tokens > maxInt64/nanoPerToken {
		return maxInt64
	}
	return tokens * nanoPerToken
}
