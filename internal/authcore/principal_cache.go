package authcore

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// PrincipalCache is the short-TTL cache in front of the external principal
// store. Entries are unconditionally overwritten on refresh; a deactivated
// principal may therefore remain authenticated for up to the TTL, which
// bounds the stale-cache blast radius against lookup cost.
type PrincipalCache struct {
	cache *ristretto.Cache[string, Principal]
	ttl   time.Duration
}

// NewPrincipalCache builds a bounded TTL cache keyed by token subject.
func NewPrincipalCache(maxEntries int64, ttl time.Duration) (*PrincipalCache, error) {
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, Principal]{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("principal_cache.new: %w", err)
	}
	return &PrincipalCache{cache: cache, ttl: ttl}, nil
}

// Get returns the cached principal for the subject, if present.
func (principalCache *PrincipalCache) Get(subject string) (Principal, bool) {
	return principalCache.cache.Get(subject)
}

// Put overwrites the subject's entry with the configured TTL.
func (principalCache *PrincipalCache) Put(subject string, principal Principal) {
	principalCache.cache.SetWithTTL(subject, principal, 1, principalCache.ttl)
	principalCache.cache.Wait()
}

// Close releases the cache's background goroutines.
func (principalCache *PrincipalCache) Close() {
	principalCache.cache.Close()
}

// PrincipalResolver resolves subjects through the cache before falling back
// to the external store.
type PrincipalResolver struct {
	cache *PrincipalCache
	store PrincipalStore
}

// NewPrincipalResolver wires the cache in front of the store.
func NewPrincipalResolver(cache *PrincipalCache, store PrincipalStore) *PrincipalResolver {
	return &PrincipalResolver{cache: cache, store: store}
}

// Resolve returns the principal for the subject, consulting the cache first.
// A store miss or error is surfaced to the caller, which fails closed.
func (resolver *PrincipalResolver) Resolve(ctx context.Context, subject string) (Principal, error) {
	if cached, ok := resolver.cache.Get(subject); ok {
		return cached, nil
	}
	principal, lookupErr := resolver.store.FindByEmail(ctx, subject)
	if lookupErr != nil {
		return Principal{}, lookupErr
	}
	resolver.cache.Put(subject, principal)
	return principal, nil
}
