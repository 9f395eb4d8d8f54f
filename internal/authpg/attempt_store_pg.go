package authpg

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mprlab/sentinel/internal/authcore"
)

// PostgresAttemptStore persists login failure counters in PostgreSQL so that
// lockout state is shared across instances. Each mutation is a single upsert
// statement; the database resolves concurrent failures without the caller
// ever reading then writing.
type PostgresAttemptStore struct {
	pool   *pgxpool.Pool
	policy authcore.LockoutPolicy
	clock  authcore.Clock
}

// NewPostgresAttemptStore constructs a Postgres-backed LoginAttemptStore.
func NewPostgresAttemptStore(pool *pgxpool.Pool, policy authcore.LockoutPolicy, clock authcore.Clock) *PostgresAttemptStore {
	if clock == nil {
		clock = authcore.NewSystemClock()
	}
	return &PostgresAttemptStore{pool: pool, policy: policy, clock: clock}
}

// RecordFailure bumps the failure counter for key and reports the resulting
// record. Counters older than the policy window restart at one. Crossing the
// threshold sets the lock deadline; GREATEST keeps it from moving backwards.
func (store *PostgresAttemptStore) RecordFailure(ctx context.Context, key string) (authcore.AttemptRecord, error) {
	now := store.clock.Now().UTC()
	windowCutoff := now.Add(-store.policy.Window).Unix()
	lockDeadline := now.Add(store.policy.LockDuration).Unix()

	var failureCount int
	var lockedUntilUnix int64
	row := store.pool.QueryRow(ctx, `
INSERT INTO login_attempts (attempt_key, failure_count, window_start_unix, locked_until_unix, updated_at_unix)
VALUES ($1, 1, $2, CASE WHEN 1 >= $5 THEN $4 ELSE 0 END, $2)
ON CONFLICT (attempt_key) DO UPDATE SET
    failure_count = CASE
        WHEN login_attempts.window_start_unix < $3 THEN 1
        ELSE login_attempts.failure_count + 1
    END,
    window_start_unix = CASE
        WHEN login_attempts.window_start_unix < $3 THEN $2
        ELSE login_attempts.window_start_unix
    END,
    locked_until_unix = CASE
        WHEN (CASE WHEN login_attempts.window_start_unix < $3 THEN 1 ELSE login_attempts.failure_count + 1 END) >= $5
            THEN GREATEST(login_attempts.locked_until_unix, $4)
        ELSE login_attempts.locked_until_unix
    END,
    updated_at_unix = $2
RETURNING failure_count, locked_until_unix
`, key, now.Unix(), windowCutoff, lockDeadline, store.policy.Threshold)
	if scanErr := row.Scan(&failureCount, &lockedUntilUnix); scanErr != nil {
		return authcore.AttemptRecord{}, scanErr
	}
	return recordFromRow(failureCount, lockedUntilUnix), nil
}

// RecordSuccess clears the key's record entirely.
func (store *PostgresAttemptStore) RecordSuccess(ctx context.Context, key string) error {
	_, err := store.pool.Exec(ctx, `DELETE FROM login_attempts WHERE attempt_key = $1`, key)
	return err
}

// Status reports the current record for key without mutating it.
func (store *PostgresAttemptStore) Status(ctx context.Context, key string) (authcore.AttemptRecord, error) {
	var failureCount int
	var windowStartUnix int64
	var lockedUntilUnix int64
	row := store.pool.QueryRow(ctx, `
SELECT failure_count, window_start_unix, locked_until_unix
FROM login_attempts
WHERE attempt_key = $1
`, key)
	if scanErr := row.Scan(&failureCount, &windowStartUnix, &lockedUntilUnix); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return authcore.AttemptRecord{}, nil
		}
		return authcore.AttemptRecord{}, scanErr
	}
	now := store.clock.Now().UTC()
	if now.Unix() >= lockedUntilUnix && now.Add(-store.policy.Window).Unix() > windowStartUnix {
		return authcore.AttemptRecord{}, nil
	}
	return recordFromRow(failureCount, lockedUntilUnix), nil
}

// PruneStale deletes records whose lock and window both lapsed before cutoff.
func (store *PostgresAttemptStore) PruneStale(ctx context.Context, cutoff time.Time) error {
	_, err := store.pool.Exec(ctx, `
DELETE FROM login_attempts
WHERE locked_until_unix < $1 AND updated_at_unix < $1
`, cutoff.UTC().Unix())
	return err
}

func recordFromRow(failureCount int, lockedUntilUnix int64) authcore.AttemptRecord {
	record := authcore.AttemptRecord{Failures: failureCount}
	if lockedUntilUnix > 0 {
		record.LockedUntil = time.Unix(lockedUntilUnix, 0).UTC()
	}
	return record
}
