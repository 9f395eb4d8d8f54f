package web

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/mprlab/sentinel/internal/authcore"
)

// InMemoryPrincipals is a simple principal store used for demo and local
// runs. It implements both authcore.PrincipalStore for the pipeline and
// authcore.CredentialVerifier for the login surface.
type InMemoryPrincipals struct {
	mutex   sync.RWMutex
	records map[string]principalRecord
}

type principalRecord struct {
	principal    authcore.Principal
	passwordHash []byte
}

// NewInMemoryPrincipals constructs a store with an empty map.
func NewInMemoryPrincipals() *InMemoryPrincipals {
	return &InMemoryPrincipals{records: make(map[string]principalRecord)}
}

// Add registers a principal with a bcrypt-hashed password.
func (store *InMemoryPrincipals) Add(email string, password string, role authcore.Role, active bool) error {
	passwordHash, hashErr := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if hashErr != nil {
		return hashErr
	}
	normalized := normalizeEmail(email)
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.records[normalized] = principalRecord{
		principal: authcore.Principal{
			ID:     normalized,
			Email:  normalized,
			Role:   role,
			Active: active,
		},
		passwordHash: passwordHash,
	}
	return nil
}

// SeedPrincipals loads "email:password:ROLE" entries into the store. Entries
// come from configuration at startup; a malformed entry aborts the load.
func SeedPrincipals(store *InMemoryPrincipals, entries []string) error {
	for _, entry := range entries {
		parts := strings.SplitN(entry, ":", 3)
		if len(parts) != 3 || strings.TrimSpace(parts[0]) == "" || parts[1] == "" {
			return fmt.Errorf("web.seed.invalid_entry: %q", entry)
		}
		role, roleOK := authcore.ParseRole(parts[2])
		if !roleOK {
			return fmt.Errorf("web.seed.invalid_role: %q", parts[2])
		}
		if addErr := store.Add(parts[0], parts[1], role, true); addErr != nil {
			return addErr
		}
	}
	return nil
}

// FindByEmail returns the principal for email.
func (store *InMemoryPrincipals) FindByEmail(ctx context.Context, email string) (authcore.Principal, error) {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	record, ok := store.records[normalizeEmail(email)]
	if !ok {
		return authcore.Principal{}, authcore.ErrPrincipalNotFound
	}
	return record.principal, nil
}

// VerifyCredentials checks email and password. Calls with an unknown email
// still burn a bcrypt comparison so response timing does not reveal whether
// the account exists.
func (store *InMemoryPrincipals) VerifyCredentials(ctx context.Context, email string, password string) (authcore.Principal, error) {
	store.mutex.RLock()
	record, ok := store.records[normalizeEmail(email)]
	store.mutex.RUnlock()
	if !ok {
		_ = bcrypt.CompareHashAndPassword(decoyHash, []byte(password))
		return authcore.Principal{}, authcore.ErrInvalidCredentials
	}
	if compareErr := bcrypt.CompareHashAndPassword(record.passwordHash, []byte(password)); compareErr != nil {
		return authcore.Principal{}, authcore.ErrInvalidCredentials
	}
	return record.principal, nil
}

// decoyHash is a bcrypt hash of an unguessable throwaway value.
var decoyHash = func() []byte {
	hashed, _ := bcrypt.GenerateFromPassword([]byte("sentinel-decoy-credential"), bcrypt.DefaultCost)
	return hashed
}()

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
