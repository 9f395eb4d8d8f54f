package authcore

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// LockoutPolicy configures failed-attempt tracking. Once Threshold failures
// accumulate within Window, the key is locked for LockDuration.
type LockoutPolicy struct {
	Threshold    int
	Window       time.Duration
	LockDuration time.Duration
}

// DefaultLockoutPolicy matches five failures in fifteen minutes.
func DefaultLockoutPolicy() LockoutPolicy {
	return LockoutPolicy{
		Threshold:    5,
		Window:       15 * time.Minute,
		LockDuration: 15 * time.Minute,
	}
}

// AttemptRecord is the stored state for one lockout key.
type AttemptRecord struct {
	Failures    int
	LockedUntil time.Time
}

// LockState is the guard's answer for a key.
type LockState struct {
	Locked    bool
	Remaining time.Duration
	Failures  int
}

// LoginAttemptStore tracks failed authentication attempts per key (principal
// subject or client IP). Increments must be atomic on the store side, never
// read-modify-write from the request goroutine.
type LoginAttemptStore interface {
	RecordFailure(ctx context.Context, key string) (AttemptRecord, error)
	RecordSuccess(ctx context.Context, key string) error
	Status(ctx context.Context, key string) (AttemptRecord, error)
}

// localAttemptStore is the bounded in-process store. It doubles as the guard's
// fallback when the shared store is unreachable and as the dev/test store.
type localAttemptStore struct {
	mutex      sync.Mutex
	entries    map[string]*localAttemptEntry
	policy     LockoutPolicy
	clock      Clock
	maxEntries int
}

type localAttemptEntry struct {
	failures    int
	windowStart time.Time
	lockedUntil time.Time
}

// NewLocalAttemptStore constructs a size-capped in-memory LoginAttemptStore
// with TTL eviction.
func NewLocalAttemptStore(policy LockoutPolicy, maxEntries int, clock Clock) LoginAttemptStore {
	if clock == nil {
		clock = NewSystemClock()
	}
	if maxEntries <= 0 {
		maxEntries = 4096
	}
	return &localAttemptStore{
		entries:    make(map[string]*localAttemptEntry),
		policy:     policy,
		clock:      clock,
		maxEntries: maxEntries,
	}
}

func (store *localAttemptStore) RecordFailure(ctx context.Context, key string) (AttemptRecord, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	now := store.clock.Now()
	store.evictStaleLocked(now)

	entry := store.entries[key]
	if entry == nil || now.Sub(entry.windowStart) > store.policy.Window {
		if entry == nil && len(store.entries) >= store.maxEntries {
			store.evictOldestLocked()
		}
		reset := &localAttemptEntry{windowStart: now}
		if entry != nil {
			// A lapsed counting window resets the failure count only; an
			// active lock deadline carries forward, never backwards.
			reset.lockedUntil = entry.lockedUntil
		}
		entry = reset
		store.entries[key] = entry
	}
	entry.failures++
	if entry.failures >= store.policy.Threshold {
		// Continued failures during the lock window extend the lock; the
		// deadline never moves backwards.
		candidate := now.Add(store.policy.LockDuration)
		if candidate.After(entry.lockedUntil) {
			entry.lockedUntil = candidate
		}
	}
	return AttemptRecord{Failures: entry.failures, LockedUntil: entry.lockedUntil}, nil
}

func (store *localAttemptStore) RecordSuccess(ctx context.Context, key string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	delete(store.entries, key)
	return nil
}

func (store *localAttemptStore) Status(ctx context.Context, key string) (AttemptRecord, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	entry := store.entries[key]
	if entry == nil {
		return AttemptRecord{}, nil
	}
	now := store.clock.Now()
	if now.After(entry.lockedUntil) && now.Sub(entry.windowStart) > store.policy.Window {
		delete(store.entries, key)
		return AttemptRecord{}, nil
	}
	return AttemptRecord{Failures: entry.failures, LockedUntil: entry.lockedUntil}, nil
}

func (store *localAttemptStore) evictStaleLocked(now time.Time) {
	for key, entry := range store.entries {
		if now.After(entry.lockedUntil) && now.Sub(entry.windowStart) > store.policy.Window {
			delete(store.entries, key)
		}
	}
}

func (store *localAttemptStore) evictOldestLocked() {
	var oldestKey string
	var oldestStart time.Time
	for key, entry := range store.entries {
		if oldestKey == "" || entry.windowStart.Before(oldestStart) {
			oldestKey = key
			oldestStart = entry.windowStart
		}
	}
	if oldestKey != "" {
		delete(store.entries, oldestKey)
	}
}

// LoginAttemptGuard enforces temporary lockout after repeated failures.
// Attempts go to the shared primary store first; on store error the guard
// degrades to the local fallback, so a remote outage reduces accuracy to
// per-instance tracking but never fails open and never denies all logins.
type LoginAttemptGuard struct {
	primary      LoginAttemptStore
	fallback     LoginAttemptStore
	clock        Clock
	logger       *zap.Logger
	metrics      MetricsRecorder
	storeTimeout time.Duration
}

// NewLoginAttemptGuard wires the primary store and the local fallback.
// fallback must be a local store; passing nil builds one from the policy.
func NewLoginAttemptGuard(primary LoginAttemptStore, fallback LoginAttemptStore, policy LockoutPolicy, clock Clock, logger *zap.Logger, metrics MetricsRecorder) *LoginAttemptGuard {
	if clock == nil {
		clock = NewSystemClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewCounterMetrics()
	}
	if fallback == nil {
		fallback = NewLocalAttemptStore(policy, 4096, clock)
	}
	return &LoginAttemptGuard{
		primary:      primary,
		fallback:     fallback,
		clock:        clock,
		logger:       logger,
		metrics:      metrics,
		storeTimeout: 2 * time.Second,
	}
}

// RecordFailure registers one failed attempt and reports the resulting state.
func (guard *LoginAttemptGuard) RecordFailure(ctx context.Context, key string) LockState {
	callCtx, cancel := context.WithTimeout(ctx, guard.storeTimeout)
	defer cancel()
	record, primaryErr := guard.primary.RecordFailure(callCtx, key)
	if primaryErr != nil {
		guard.degrade("lockout.primary_failure_write", primaryErr)
		record, _ = guard.fallback.RecordFailure(ctx, key)
	}
	return guard.toLockState(record)
}

// RecordSuccess clears the key's record entirely, in both stores.
func (guard *LoginAttemptGuard) RecordSuccess(ctx context.Context, key string) {
	callCtx, cancel := context.WithTimeout(ctx, guard.storeTimeout)
	defer cancel()
	if primaryErr := guard.primary.RecordSuccess(callCtx, key); primaryErr != nil {
		guard.degrade("lockout.primary_success_write", primaryErr)
	}
	_ = guard.fallback.RecordSuccess(ctx, key)
}

// IsLocked reports the current lock state for the key.
func (guard *LoginAttemptGuard) IsLocked(ctx context.Context, key string) LockState {
	callCtx, cancel := context.WithTimeout(ctx, guard.storeTimeout)
	defer cancel()
	record, primaryErr := guard.primary.Status(callCtx, key)
	if primaryErr != nil {
		guard.degrade("lockout.primary_status_read", primaryErr)
		record, _ = guard.fallback.Status(ctx, key)
	}
	return guard.toLockState(record)
}

func (guard *LoginAttemptGuard) toLockState(record AttemptRecord) LockState {
	now := guard.clock.Now()
	if record.LockedUntil.After(now) {
		return LockState{
			Locked:    true,
			Remaining: record.LockedUntil.Sub(now),
			Failures:  record.Failures,
		}
	}
	return LockState{Failures: record.Failures}
}

func (guard *LoginAttemptGuard) degrade(code string, err error) {
	guard.metrics.Increment("lockout.fallback_engaged")
	guard.logger.Warn("login attempt store degraded to local fallback",
		zap.String("code", code),
		zap.Error(err))
}
