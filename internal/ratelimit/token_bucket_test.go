package ratelimit

import (
	"sync"
	"testing"
	"time"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) step(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// bucketStep advances the clock by wait, then attempts to spend cost.
type bucketStep struct {
	wait time.Duration
	cost int64
	want bool
}

func TestTokenBucket_Scripts(t *testing.T) {
	cases := []struct {
		name        string
		burst, rate int64
		steps       []bucketStep
	}{
		{
			name:  "starts full then refills at rate",
			burst: 5, rate: 5,
			steps: []bucketStep{
				{cost: 5, want: true},
				{cost: 1, want: false},
				{wait: 200 * time.Millisecond, cost: 1, want: true},
				{cost: 1, want: false},
			},
		},
		{
			name:  "one message per second signaling chatter",
			burst: 1, rate: 1,
			steps: []bucketStep{
				{cost: 1, want: true},
				{wait: 999 * time.Millisecond, cost: 1, want: false},
				{wait: time.Millisecond, cost: 1, want: true},
			},
		},
		{
			name:  "long idle never exceeds burst",
			burst: 2, rate: 50,
			steps: []bucketStep{
				{cost: 2, want: true},
				{wait: time.Hour, cost: 3, want: false},
				{cost: 2, want: true},
			},
		},
		{
			name:  "clock stepping backwards adds nothing",
			burst: 2, rate: 1,
			steps: []bucketStep{
				{cost: 2, want: true},
				{wait: -time.Minute, cost: 1, want: false},
				{wait: time.Second, cost: 1, want: true},
			},
		},
		{
			name:  "zero rate is a one-shot allowance",
			burst: 3, rate: 0,
			steps: []bucketStep{
				{cost: 3, want: true},
				{wait: 24 * time.Hour, cost: 1, want: false},
			},
		},
		{
			name:  "non-positive cost is free",
			burst: 0, rate: 0,
			steps: []bucketStep{
				{cost: 0, want: true},
				{cost: -7, want: true},
				{cost: 1, want: false},
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clk := &manualClock{now: time.Unix(1_700_000_000, 0)}
			b := NewTokenBucket(clk, tc.burst, tc.rate)
			for i, s := range tc.steps {
				clk.step(s.wait)
				if got := b.Allow(s.cost); got != s.want {
					t.Fatalf("step %d: Allow(%d)=%v, want %v (tokens=%d)", i, s.cost, got, s.want, b.Tokens())
				}
			}
		})
	}
}

func TestTokenBucket_TokensReportsWholeTokens(t *testing.T) {
	clk := &manualClock{now: time.Unix(0, 0)}
	b := NewTokenBucket(clk, 10, 4)
	if got := b.Tokens(); got != 10 {
		t.Fatalf("Tokens=%d, want 10", got)
	}
	b.Allow(10)
	clk.step(600 * time.Millisecond)
	if got := b.Tokens(); got != 2 {
		t.Fatalf("Tokens=%d, want 2 (2.4 rounded down)", got)
	}
}

func TestTokenBucket_HugeValuesDoNotOverflow(t *testing.T) {
	clk := &manualClock{now: time.Unix(0, 0)}
	b := NewTokenBucket(clk, maxInt64, maxInt64)
	if !b.Allow(maxInt64 / 2) {
		t.Fatalf("expected huge burst to allow")
	}
	clk.step(time.Duration(maxInt64))
	if got := b.Tokens(); got <= 0 {
		t.Fatalf("Tokens=%d, want positive after refill", got)
	}
}

func TestTokenBucket_ConcurrentSpendNeverOverdraws(t *testing.T) {
	clk := &manualClock{now: time.Unix(0, 0)}
	b := NewTokenBucket(clk, 100, 0)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if b.Allow(1) {
					mu.Lock()
					granted++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()
	if granted != 100 {
		t.Fatalf("granted=%d, want exactly the burst of 100", granted)
	}
}
