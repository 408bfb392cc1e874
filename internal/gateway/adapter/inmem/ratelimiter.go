// Package inmem is the process-local rate limit store used in development
// and tests. Production deployments point the gateway at a shared store.
package inmem

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"edgegate/internal/domain"
	"edgegate/internal/gateway"
)

const staleThreshold = 10 * time.Minute

// DefaultTier is used for tiers that have no limit of their own.
const DefaultTier = "default"

// Tier is a token bucket shape: Rate tokens per second up to Burst.
type Tier struct {
	Rate  float64
	Burst int
}

// DefaultTiers returns the built-in limits.
func DefaultTiers() map[string]Tier {
	return map[string]Tier{
		"auth":      {Rate: 5, Burst: 10},
		"api":       {Rate: 100, Burst: 200},
		"admin":     {Rate: 50, Burst: 100},
		DefaultTier: {Rate: 10, Burst: 20},
	}
}

// RateLimiter implements a token bucket rate limiter with separate buckets per
// tier and key.
type RateLimiter struct {
	tiers map[string]Tier
	now   func() time.Time

	mu      sync.Mutex
	buckets map[bucketKey]*bucket
}

type bucketKey struct {
	tier string
	key  string
}

type bucket struct {
	tokens   float64
	lastSeen time.Time
}

// NewRateLimiter creates a rate limiter. Nil tiers selects DefaultTiers.
// clock is injectable for deterministic testing.
func NewRateLimiter(tiers map[string]Tier, clock func() time.Time) *RateLimiter {
	if tiers == nil {
		tiers = DefaultTiers()
	}
	if clock == nil {
		clock = time.Now
	}
	return &RateLimiter{
		tiers:   tiers,
		now:     clock,
		buckets: make(map[bucketKey]*bucket),
	}
}

// Check takes one token from key's bucket in tier.
func (rl *RateLimiter) Check(_ context.Context, tier, key string) (gateway.RateLimitDecision, error) {
	t, ok := rl.tiers[tier]
	if !ok {
		if t, ok = rl.tiers[DefaultTier]; !ok {
			return gateway.RateLimitDecision{}, fmt.Errorf("%w: unknown rate limit tier %q", domain.ErrInvalidParameter, tier)
		}
		tier = DefaultTier
	}
	if t.Rate <= 0 || t.Burst <= 0 {
		return gateway.RateLimitDecision{}, fmt.Errorf("%w: tier %q has no capacity", domain.ErrInvalidParameter, tier)
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	k := bucketKey{tier: tier, key: key}
	b, exists := rl.buckets[k]
	if !exists {
		b = &bucket{
			tokens:   float64(t.Burst),
			lastSeen: now,
		}
		rl.buckets[k] = b
	}

	// Refill tokens based on elapsed time
	elapsed := now.Sub(b.lastSeen).Seconds()
	b.tokens = math.Min(b.tokens+elapsed*t.Rate, float64(t.Burst))
	b.lastSeen = now

	d := gateway.RateLimitDecision{Limit: t.Burst}
	if b.tokens >= 1 {
		b.tokens--
		d.Allowed = true
		d.Remaining = int(b.tokens)
		d.ResetAt = now.Add(secondsToFull(b.tokens, t))
		return d, nil
	}

	// time until next token
	deficit := 1.0 - b.tokens
	d.RetryAfter = max(int(math.Ceil(deficit/t.Rate)), 1)
	d.ResetAt = now.Add(secondsToFull(b.tokens, t))
	return d, nil
}

func secondsToFull(tokens float64, t Tier) time.Duration {
	return time.Duration((float64(t.Burst) - tokens) / t.Rate * float64(time.Second))
}

// Cleanup removes stale buckets that haven't been seen recently.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for key, b := range rl.buckets {
		if now.Sub(b.lastSeen) > staleThreshold {
			delete(rl.buckets, key)
		}
	}
}

// Run calls Cleanup every interval until ctx is done.
func (rl *RateLimiter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.Cleanup()
		}
	}
}

// BucketCount returns the number of active buckets (for testing).
func (rl *RateLimiter) BucketCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}
