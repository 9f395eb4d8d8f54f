package authcore

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Denial reasons surfaced at the pipeline boundary. Expiry is a benign
// lifecycle event; the remaining token failures are logged as suspicious.
var (
	ErrTokenExpired       = errors.New("token.expired")
	ErrTokenMalformed     = errors.New("token.malformed")
	ErrTokenInvalid       = errors.New("token.invalid")
	ErrTokenUnsupported   = errors.New("token.unsupported")
	ErrTokenRevoked       = errors.New("token.revoked")
	ErrPrincipalInactive  = errors.New("principal.missing_or_inactive")
	ErrRoleInvalid        = errors.New("role.invalid")
	ErrAccountLocked      = errors.New("lockout.locked")
	ErrMfaAttemptExceeded = errors.New("mfa.attempts_exceeded")
	ErrRateLimited        = errors.New("rate.limited")
)

// ErrorPayload is the wire shape for every rejection leaving the process.
type ErrorPayload struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// sanitizeMessage strips anything that could leak internals: file paths, SQL
// fragments, and package-qualified type names never cross the boundary.
func sanitizeMessage(message string) string {
	lowered := strings.ToLower(message)
	for _, marker := range []string{"/", "\\", "select ", "insert ", "update ", "delete ", ".go:", "pgx", "gorm", "redis"} {
		if strings.Contains(lowered, marker) {
			return "request could not be processed"
		}
	}
	return message
}

func rejectJSON(contextGin *gin.Context, status int, code string, message string) {
	contextGin.AbortWithStatusJSON(status, ErrorPayload{
		Error:   code,
		Message: sanitizeMessage(message),
	})
}

func rejectUnauthorized(contextGin *gin.Context, code string) {
	rejectJSON(contextGin, http.StatusUnauthorized, code, "authentication required")
}
