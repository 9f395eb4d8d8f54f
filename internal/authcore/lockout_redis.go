package authcore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisAttemptStore is the shared primary LoginAttemptStore. Counters use
// Redis INCR so concurrent failures from many instances never race.
type RedisAttemptStore struct {
	client *redis.Client
	policy LockoutPolicy
	clock  Clock
	prefix string
}

// NewRedisAttemptStore constructs a store over an existing client.
func NewRedisAttemptStore(client *redis.Client, policy LockoutPolicy, clock Clock) *RedisAttemptStore {
	if clock == nil {
		clock = NewSystemClock()
	}
	return &RedisAttemptStore{
		client: client,
		policy: policy,
		clock:  clock,
		prefix: "sentinel:lockout:",
	}
}

func (store *RedisAttemptStore) failureKey(key string) string {
	return store.prefix + "fail:" + key
}

func (store *RedisAttemptStore) lockKey(key string) string {
	return store.prefix + "until:" + key
}

// RecordFailure increments the failure counter and, past the threshold,
// refreshes the lock deadline. A refreshed deadline is always later than the
// previous one, so lockedUntil never moves backwards.
func (store *RedisAttemptStore) RecordFailure(ctx context.Context, key string) (AttemptRecord, error) {
	failures, incrErr := store.client.Incr(ctx, store.failureKey(key)).Result()
	if incrErr != nil {
		return AttemptRecord{}, fmt.Errorf("lockout.redis.incr: %w", incrErr)
	}
	if failures == 1 {
		if expireErr := store.client.Expire(ctx, store.failureKey(key), store.policy.Window).Err(); expireErr != nil {
			return AttemptRecord{}, fmt.Errorf("lockout.redis.expire: %w", expireErr)
		}
	}
	record := AttemptRecord{Failures: int(failures)}
	if int(failures) >= store.policy.Threshold {
		lockedUntil := store.clock.Now().Add(store.policy.LockDuration)
		setErr := store.client.Set(ctx, store.lockKey(key), lockedUntil.Unix(), store.policy.LockDuration).Err()
		if setErr != nil {
			return AttemptRecord{}, fmt.Errorf("lockout.redis.lock: %w", setErr)
		}
		record.LockedUntil = lockedUntil
	}
	return record, nil
}

// RecordSuccess clears both the counter and any lock.
func (store *RedisAttemptStore) RecordSuccess(ctx context.Context, key string) error {
	if err := store.client.Del(ctx, store.failureKey(key), store.lockKey(key)).Err(); err != nil {
		return fmt.Errorf("lockout.redis.clear: %w", err)
	}
	return nil
}

// Status reads the current counter and lock deadline.
func (store *RedisAttemptStore) Status(ctx context.Context, key string) (AttemptRecord, error) {
	pipeline := store.client.Pipeline()
	failuresCmd := pipeline.Get(ctx, store.failureKey(key))
	lockCmd := pipeline.Get(ctx, store.lockKey(key))
	if _, execErr := pipeline.Exec(ctx); execErr != nil && execErr != redis.Nil {
		return AttemptRecord{}, fmt.Errorf("lockout.redis.status: %w", execErr)
	}

	var record AttemptRecord
	if rawFailures, err := failuresCmd.Result(); err == nil {
		if parsed, parseErr := strconv.Atoi(rawFailures); parseErr == nil {
			record.Failures = parsed
		}
	}
	if rawLock, err := lockCmd.Result(); err == nil {
		if lockedUnix, parseErr := strconv.ParseInt(rawLock, 10, 64); parseErr == nil {
			record.LockedUntil = time.Unix(lockedUnix, 0).UTC()
		}
	}
	return record, nil
}
