package authcore

import (
	"context"
	"sync"
	"time"
)

// RevocationStore tracks revoked token identifiers. An entry lives exactly as
// long as the token it revokes: never shorter, so revocation holds until the
// token's natural expiry, and never much longer, to bound store growth.
type RevocationStore interface {
	// Revoke inserts jti with expiry = the token's remaining lifetime.
	Revoke(ctx context.Context, jti string, remainingTTL time.Duration) error
	// IsRevoked is a point lookup; callers bound it with a context timeout.
	IsRevoked(ctx context.Context, jti string) (bool, error)
}

type memoryRevocationStore struct {
	mutex   sync.Mutex
	entries map[string]time.Time
	clock   Clock
}

// NewMemoryRevocationStore constructs an in-memory RevocationStore intended
// for tests and single-instance runs.
func NewMemoryRevocationStore(clock Clock) RevocationStore {
	if clock == nil {
		clock = NewSystemClock()
	}
	return &memoryRevocationStore{
		entries: make(map[string]time.Time),
		clock:   clock,
	}
}

func (store *memoryRevocationStore) Revoke(ctx context.Context, jti string, remainingTTL time.Duration) error {
	if remainingTTL <= 0 {
		// The token already expired on its own; nothing to hold.
		return nil
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.purgeExpiredLocked()
	expiry := store.clock.Now().Add(remainingTTL)
	if existing, ok := store.entries[jti]; ok && existing.After(expiry) {
		return nil
	}
	store.entries[jti] = expiry
	return nil
}

func (store *memoryRevocationStore) IsRevoked(ctx context.Context, jti string) (bool, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	expiry, ok := store.entries[jti]
	if !ok {
		return false, nil
	}
	if store.clock.Now().After(expiry) {
		delete(store.entries, jti)
		return false, nil
	}
	return true, nil
}

func (store *memoryRevocationStore) purgeExpiredLocked() {
	if len(store.entries) == 0 {
		return
	}
	now := store.clock.Now()
	for jti, expiry := range store.entries {
		if now.After(expiry) {
			delete(store.entries, jti)
		}
	}
}
