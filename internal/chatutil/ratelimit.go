package chatutil

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// maxTrackedKeys caps the number of tracked per-key limiters to prevent
	// memory exhaustion from a sender rotating channel/thread keys, same
	// bound as the teacher's WebhookRateLimiter.
	maxTrackedKeys = 4096

	// defaultRatePerSecond and defaultBurst reproduce the teacher's
	// 30-hits-per-60s window as a token-bucket rate.
	defaultRatePerSecond = rate.Limit(30.0 / 60.0)
	defaultBurst         = 5

	// keyIdleTTL prunes a limiter once it has gone this long unused.
	keyIdleTTL = 10 * time.Minute
)

type trackedLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter bounds outbound chat actions (messages, reactions) per key
// (typically a channel or channel:thread pair) with an x/time/rate token
// bucket per key, carrying forward the teacher's bounded-key-count safety
// property (internal/channels/ratelimit.go's WebhookRateLimiter) rather
// than its hand-rolled sliding-window counter. Safe for concurrent use.
type RateLimiter struct {
	mu      sync.Mutex
	entries map[string]*trackedLimiter
	limit   rate.Limit
	burst   int
}

// NewRateLimiter builds a RateLimiter with the default 30-per-60s budget.
func NewRateLimiter() *RateLimiter {
	return NewRateLimiterWithBudget(defaultRatePerSecond, defaultBurst)
}

// NewRateLimiterWithBudget builds a RateLimiter with a custom per-key budget.
func NewRateLimiterWithBudget(limit rate.Limit, burst int) *RateLimiter {
	return &RateLimiter{
		entries: make(map[string]*trackedLimiter),
		limit:   limit,
		burst:   burst,
	}
}

// Allow reports whether key may act now, consuming one token if so.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	r.pruneLocked(now)

	tl, ok := r.entries[key]
	if !ok {
		tl = &trackedLimiter{limiter: rate.NewLimiter(r.limit, r.burst)}
		r.entries[key] = tl
	}
	tl.lastSeen = now
	return tl.limiter.Allow()
}

// pruneLocked evicts idle entries, and if still at the cap, evicts
// arbitrary entries until under it. Caller must hold r.mu.
func (r *RateLimiter) pruneLocked(now time.Time) {
	if len(r.entries) < maxTrackedKeys {
		return
	}
	for k, tl := range r.entries {
		if now.Sub(tl.lastSeen) >= keyIdleTTL {
			delete(r.entries, k)
		}
	}
	for len(r.entries) >= maxTrackedKeys {
		for k := range r.entries {
			delete(r.entries, k)
			break
		}
	}
}

// TrackedKeyCount reports how many keys are currently tracked, for tests
// and diagnostics.
func (r *RateLimiter) TrackedKeyCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
