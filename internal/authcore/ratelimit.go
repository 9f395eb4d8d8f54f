package authcore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateDecision is the outcome of a single consume call. Err is set when the
// backing store failed; the caller decides the failure policy (the login
// surface fails open for rate limiting only, and logs).
type RateDecision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
	Err        error
}

// RateQuota reports how many requests a caller may still make in the current
// window.
type RateQuota struct {
	Limit     int
	Remaining int
	Err       error
}

// RateLimiter decides, asynchronously, how many requests a caller may make in
// the current window. Both methods return immediately with a result channel;
// the determination runs off the calling goroutine so a slow store can never
// stall the request pipeline, which composes the channel with ctx.Done.
type RateLimiter interface {
	AllowedRate(ctx context.Context, key string) <-chan RateQuota
	Consume(ctx context.Context, key string) <-chan RateDecision
}

// RatePolicy is a fixed-window limit.
type RatePolicy struct {
	Limit  int
	Window time.Duration
}

// DefaultRatePolicy allows twenty requests per minute per key.
func DefaultRatePolicy() RatePolicy {
	return RatePolicy{Limit: 20, Window: time.Minute}
}

// RedisRateLimiter counts requests in fixed windows using INCR, so concurrent
// consumers across instances share one atomic counter.
type RedisRateLimiter struct {
	client *redis.Client
	policy RatePolicy
	clock  Clock
	prefix string
}

// NewRedisRateLimiter constructs a limiter over an existing client.
func NewRedisRateLimiter(client *redis.Client, policy RatePolicy, clock Clock) *RedisRateLimiter {
	if clock == nil {
		clock = NewSystemClock()
	}
	return &RedisRateLimiter{
		client: client,
		policy: policy,
		clock:  clock,
		prefix: "sentinel:rate:",
	}
}

func (limiter *RedisRateLimiter) windowKey(key string, now time.Time) (string, time.Duration) {
	windowStart := now.Truncate(limiter.policy.Window)
	retryAfter := windowStart.Add(limiter.policy.Window).Sub(now)
	return fmt.Sprintf("%s%s:%d", limiter.prefix, key, windowStart.Unix()), retryAfter
}

// AllowedRate reports the caller's remaining quota for the current window.
func (limiter *RedisRateLimiter) AllowedRate(ctx context.Context, key string) <-chan RateQuota {
	result := make(chan RateQuota, 1)
	go func() {
		windowKey, _ := limiter.windowKey(key, limiter.clock.Now())
		count, err := limiter.client.Get(ctx, windowKey).Int()
		if err != nil && err != redis.Nil {
			result <- RateQuota{Limit: limiter.policy.Limit, Err: fmt.Errorf("rate.redis.get: %w", err)}
			return
		}
		remaining := limiter.policy.Limit - count
		if remaining < 0 {
			remaining = 0
		}
		result <- RateQuota{Limit: limiter.policy.Limit, Remaining: remaining}
	}()
	return result
}

// Consume spends one unit of the caller's quota.
func (limiter *RedisRateLimiter) Consume(ctx context.Context, key string) <-chan RateDecision {
	result := make(chan RateDecision, 1)
	go func() {
		now := limiter.clock.Now()
		windowKey, retryAfter := limiter.windowKey(key, now)
		pipeline := limiter.client.Pipeline()
		countCmd := pipeline.Incr(ctx, windowKey)
		pipeline.Expire(ctx, windowKey, limiter.policy.Window)
		if _, execErr := pipeline.Exec(ctx); execErr != nil {
			result <- RateDecision{Err: fmt.Errorf("rate.redis.consume: %w", execErr)}
			return
		}
		count := int(countCmd.Val())
		if count > limiter.policy.Limit {
			result <- RateDecision{Allowed: false, RetryAfter: retryAfter}
			return
		}
		result <- RateDecision{Allowed: true, Remaining: limiter.policy.Limit - count}
	}()
	return result
}

// MemoryRateLimiter is the single-instance limiter for tests and dev runs.
type MemoryRateLimiter struct {
	mutex   sync.Mutex
	windows map[string]*rateWindow
	policy  RatePolicy
	clock   Clock
}

type rateWindow struct {
	start time.Time
	count int
}

// NewMemoryRateLimiter constructs an in-memory fixed-window limiter.
func NewMemoryRateLimiter(policy RatePolicy, clock Clock) *MemoryRateLimiter {
	if clock == nil {
		clock = NewSystemClock()
	}
	return &MemoryRateLimiter{
		windows: make(map[string]*rateWindow),
		policy:  policy,
		clock:   clock,
	}
}

// AllowedRate reports the caller's remaining quota for the current window.
func (limiter *MemoryRateLimiter) AllowedRate(ctx context.Context, key string) <-chan RateQuota {
	result := make(chan RateQuota, 1)
	go func() {
		limiter.mutex.Lock()
		defer limiter.mutex.Unlock()
		window := limiter.currentWindowLocked(key, limiter.clock.Now())
		remaining := limiter.policy.Limit - window.count
		if remaining < 0 {
			remaining = 0
		}
		result <- RateQuota{Limit: limiter.policy.Limit, Remaining: remaining}
	}()
	return result
}

// Consume spends one unit of the caller's quota.
func (limiter *MemoryRateLimiter) Consume(ctx context.Context, key string) <-chan RateDecision {
	result := make(chan RateDecision, 1)
	go func() {
		limiter.mutex.Lock()
		defer limiter.mutex.Unlock()
		now := limiter.clock.Now()
		window := limiter.currentWindowLocked(key, now)
		window.count++
		if window.count > limiter.policy.Limit {
			result <- RateDecision{
				Allowed:    false,
				RetryAfter: window.start.Add(limiter.policy.Window).Sub(now),
			}
			return
		}
		result <- RateDecision{Allowed: true, Remaining: limiter.policy.Limit - window.count}
	}()
	return result
}

func (limiter *MemoryRateLimiter) currentWindowLocked(key string, now time.Time) *rateWindow {
	window := limiter.windows[key]
	start := now.Truncate(limiter.policy.Window)
	if window == nil || window.start != start {
		window = &rateWindow{start: start}
		limiter.windows[key] = window
	}
	return window
}
