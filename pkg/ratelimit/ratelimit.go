// Package ratelimit provides per-user request throttling for the data
// plane. A token bucket per key, held either in process memory or in
// Redis when the control plane runs more than one replica.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrRateLimited is returned when a caller is over their budget.
var ErrRateLimited = errors.New("ratelimit: rate limit exceeded")

// Policy defines one caller's budget.
type Policy struct {
	RequestsPerMinute int
	Burst             int
}

// Store abstracts the bucket storage.
type Store interface {
	// Allow checks whether key may spend cost tokens under policy.
	Allow(ctx context.Context, key string, policy Policy, cost int) (bool, error)
}

// Check runs one request through the store. A nil store fails closed;
// a throttled request comes back as ErrRateLimited.
func Check(ctx context.Context, store Store, key string, policy Policy) error {
	if store == nil {
		return fmt.Errorf("ratelimit: no limiter store configured")
	}
	allowed, err := store.Allow(ctx, key, policy, 1)
	if err != nil {
		return fmt.Errorf("ratelimit: check failed: %w", err)
	}
	if !allowed {
		return fmt.Errorf("%w for %s", ErrRateLimited, key)
	}
	return nil
}

// tokenBucket holds one key's spend state. Rate and capacity arrive
// with every call, the same way the Redis script takes them as ARGV,
// so a plan change applies on the next request instead of sticking to
// whatever policy the bucket was created under.
type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
	primed     bool
}

func (tb *tokenBucket) allow(now time.Time, ratePerSec, capacity float64, cost int) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	if !tb.primed {
		tb.tokens = capacity
		tb.lastRefill = now
		tb.primed = true
	}
	if elapsed := now.Sub(tb.lastRefill).Seconds(); elapsed > 0 {
		tb.tokens += elapsed * ratePerSec
		tb.lastRefill = now
	}
	if tb.tokens > capacity {
		tb.tokens = capacity
	}

	if tb.tokens >= float64(cost) {
		tb.tokens -= float64(cost)
		return true
	}
	return false
}

// MemoryStore keeps buckets in process memory. Suitable for a single
// control plane replica; use the Redis store beyond that.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]*tokenBucket
	now     func() time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock overrides the time source. Tests use this.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		buckets: make(map[string]*tokenBucket),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Allow(ctx context.Context, key string, policy Policy, cost int) (bool, error) {
	rate := float64(policy.RequestsPerMinute) / 60.0
	if rate <= 0 {
		rate = 1
	}

	s.mu.Lock()
	tb, exists := s.buckets[key]
	if !exists {
		tb = &tokenBucket{}
		s.buckets[key] = tb
	}
	s.mu.Unlock()

	return tb.allow(s.now(), rate, float64(policy.Burst), cost), nil
}
