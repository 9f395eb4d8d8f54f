package authcore

import (
	"net/http"
	"strings"
	"time"
)

// ServerConfig configures the token codec, cookies, lockout, and pipeline.
type ServerConfig struct {
	SigningKey            []byte
	Issuer                string
	Audience              string
	CookieDomain          string
	SessionCookieName     string
	SessionTTL            time.Duration
	ChallengeTTL          time.Duration
	Lockout               LockoutPolicy
	Rate                  RatePolicy
	PrincipalCacheTTL     time.Duration
	PrincipalCacheSize    int64
	ExemptPaths           []string
	SameSiteMode          http.SameSite
	AllowInsecureHTTP     bool
	AllowPlaintextSecrets bool
	StoreTimeout          time.Duration
}

// DefaultExemptPaths lists the endpoints that keep working with a broken or
// absent token: the login flow itself must stay reachable.
func DefaultExemptPaths() []string {
	return []string{
		"/auth/login",
		"/auth/refresh",
		"/auth/logout",
		"/auth/mfa/challenge",
		"/auth/mfa/recovery",
		"/public/*",
	}
}

// IsExemptPath reports whether the request path is on the allowlist. Entries
// ending in "/*" match by prefix, everything else matches exactly.
func (configuration ServerConfig) IsExemptPath(path string) bool {
	for _, exempt := range configuration.ExemptPaths {
		if prefix, ok := strings.CutSuffix(exempt, "/*"); ok {
			if strings.HasPrefix(path, prefix+"/") || path == prefix {
				return true
			}
			continue
		}
		if path == exempt {
			return true
		}
	}
	return false
}
