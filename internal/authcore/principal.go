package authcore

import (
	"context"
	"errors"
	"strings"
)

// Role is the access level carried inside session tokens.
type Role string

// Roles accepted by the pipeline. A token carrying any other role claim is
// rejected even when its signature and expiry check out.
const (
	RoleAdmin  Role = "ADMIN"
	RoleDev    Role = "DEV"
	RoleEditor Role = "EDITOR"
	RoleViewer Role = "VIEWER"
)

// ParseRole maps a raw claim value onto the closed role set.
func ParseRole(raw string) (Role, bool) {
	switch Role(strings.ToUpper(strings.TrimSpace(raw))) {
	case RoleAdmin:
		return RoleAdmin, true
	case RoleDev:
		return RoleDev, true
	case RoleEditor:
		return RoleEditor, true
	case RoleViewer:
		return RoleViewer, true
	default:
		return "", false
	}
}

// Principal is the authenticated identity attached to a request. It is owned
// by the external user store; the core only reads it.
type Principal struct {
	ID     string
	Email  string
	Role   Role
	Active bool
}

// ErrPrincipalNotFound is returned when no principal matches the subject.
var ErrPrincipalNotFound = errors.New("principal.not_found")

// PrincipalStore resolves principals by their token subject.
type PrincipalStore interface {
	FindByEmail(ctx context.Context, email string) (Principal, error)
}

// CredentialVerifier checks a login credential pair against the external user
// store. Implementations must return ErrInvalidCredentials for both unknown
// subjects and wrong passwords so callers cannot distinguish the two.
type CredentialVerifier interface {
	VerifyCredentials(ctx context.Context, email string, password string) (Principal, error)
}

// ErrInvalidCredentials is the uniform credential failure.
var ErrInvalidCredentials = errors.New("credentials.invalid")
