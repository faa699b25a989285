package ratelimit

import (
	"context"
	"sync"
	"time"
)

// bucket is the token state of one key.
type bucket struct {
	tokens float64
	last   time.Time
}

// MemoryLimiter is a token bucket per key held in process memory. Buckets
// start full. Keys are validator names, so the set stays small and is never
// evicted.
type MemoryLimiter struct {
	rate  float64 // tokens per second
	burst float64
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	buckets map[string]*bucket
}

// NewMemoryLimiter allows rate calls per second per key with bursts of up to
// burst calls. burst below one is treated as one.
func NewMemoryLimiter(rate float64, burst int) *MemoryLimiter {
	return &MemoryLimiter{
		rate:    rate,
		burst:   float64(max(burst, 1)),
		now:     time.Now,
		sleep:   sleepCtx,
		buckets: make(map[string]*bucket),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// take consumes a token for key if one is available. Otherwise it returns
// how long until the next token.
func (m *MemoryLimiter) take(key string) (bool, time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	b, ok := m.buckets[key]
	if !ok {
		b = &bucket{tokens: m.burst, last: now}
		m.buckets[key] = b
	}
	b.tokens = min(m.burst, b.tokens+now.Sub(b.last).Seconds()*m.rate)
	b.last = now

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	if m.rate <= 0 {
		return false, time.Second
	}
	return false, time.Duration((1 - b.tokens) / m.rate * float64(time.Second))
}

// Allow consumes one token for key if available.
func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	ok, _ := m.take(key)
	return ok, nil
}

// Wait blocks until a token for key is available.
func (m *MemoryLimiter) Wait(ctx context.Context, key string) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		ok, wait := m.take(key)
		if ok {
			return nil
		}
		if err := m.sleep(ctx, wait); err != nil {
			return err
		}
	}
}
