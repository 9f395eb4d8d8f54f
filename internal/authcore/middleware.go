package authcore

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Context keys under which the pipeline attaches the request identity.
const (
	ContextPrincipalKey = "auth_principal"
	ContextClaimsKey    = "auth_claims"
)

// PrincipalFromContext returns the authenticated principal, if any.
func PrincipalFromContext(contextGin *gin.Context) (Principal, bool) {
	value, found := contextGin.Get(ContextPrincipalKey)
	if !found {
		return Principal{}, false
	}
	principal, ok := value.(Principal)
	return principal, ok
}

// ClaimsFromContext returns the validated claims, if any.
func ClaimsFromContext(contextGin *gin.Context) (*SessionClaims, bool) {
	value, found := contextGin.Get(ContextClaimsKey)
	if !found {
		return nil, false
	}
	claims, ok := value.(*SessionClaims)
	return claims, ok && claims != nil
}

// AuthPipeline is the per-request authentication filter. For each request it
// extracts a token, validates it, checks revocation, resolves the principal
// through the short-TTL cache, enforces the role whitelist, and attaches the
// identity to the request context. Steps always run in that order.
type AuthPipeline struct {
	codec        *TokenCodec
	revocations  RevocationStore
	principals   *PrincipalResolver
	config       ServerConfig
	logger       *zap.Logger
	metrics      MetricsRecorder
	storeTimeout time.Duration
}

// NewAuthPipeline wires the filter. All collaborators are constructor-injected;
// the pipeline holds no hidden global state.
func NewAuthPipeline(codec *TokenCodec, revocations RevocationStore, principals *PrincipalResolver, config ServerConfig, logger *zap.Logger, metrics MetricsRecorder) *AuthPipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewCounterMetrics()
	}
	storeTimeout := config.StoreTimeout
	if storeTimeout <= 0 {
		storeTimeout = 2 * time.Second
	}
	return &AuthPipeline{
		codec:        codec,
		revocations:  revocations,
		principals:   principals,
		config:       config,
		logger:       logger,
		metrics:      metrics,
		storeTimeout: storeTimeout,
	}
}

// Middleware returns the gin filter.
func (pipeline *AuthPipeline) Middleware() gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		token, fromHeader := pipeline.extractToken(contextGin)
		if token == "" {
			// Anonymous request; downstream handlers decide what that means.
			contextGin.Next()
			return
		}

		verdict := pipeline.codec.Validate(token, PurposeSession)
		if verdict.Outcome != TokenValid {
			pipeline.recordRejectedToken(contextGin, verdict, fromHeader)
			pipeline.rejectToken(contextGin, rejectCodeFor(verdict.Outcome))
			return
		}
		claims := verdict.Claims

		revoked, revokedErr := pipeline.checkRevoked(contextGin.Request.Context(), claims.ID)
		if revokedErr != nil {
			// The revocation check gates access: a store outage fails closed.
			pipeline.logger.Error("revocation check unavailable",
				zap.String("code", "pipeline.revocation_unavailable"),
				zap.Error(revokedErr))
			pipeline.rejectToken(contextGin, ErrTokenInvalid.Error())
			return
		}
		if revoked {
			pipeline.metrics.Increment("pipeline.token_revoked")
			pipeline.rejectToken(contextGin, ErrTokenRevoked.Error())
			return
		}

		resolveCtx, cancel := context.WithTimeout(contextGin.Request.Context(), pipeline.storeTimeout)
		principal, resolveErr := pipeline.principals.Resolve(resolveCtx, claims.Subject)
		cancel()
		if resolveErr != nil || !principal.Active {
			pipeline.metrics.Increment("pipeline.principal_rejected")
			pipeline.rejectToken(contextGin, ErrPrincipalInactive.Error())
			return
		}

		role, roleOK := ParseRole(claims.Role)
		if !roleOK {
			pipeline.metrics.Increment("pipeline.role_invalid")
			pipeline.logger.Warn("token carried a role outside the whitelist",
				zap.String("code", "pipeline.role_invalid"),
				zap.String("role", claims.Role))
			pipeline.rejectToken(contextGin, ErrRoleInvalid.Error())
			return
		}

		pipeline.metrics.Increment("pipeline.authenticated")
		contextGin.Set(ContextPrincipalKey, Principal{
			ID:     principal.ID,
			Email:  principal.Email,
			Role:   role,
			Active: principal.Active,
		})
		contextGin.Set(ContextClaimsKey, claims)
		contextGin.Next()
	}
}

// RequireAuthenticated aborts requests the pipeline left anonymous.
func RequireAuthenticated() gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		if _, ok := PrincipalFromContext(contextGin); !ok {
			rejectUnauthorized(contextGin, ErrTokenInvalid.Error())
			return
		}
		contextGin.Next()
	}
}

// RequireRole aborts requests whose principal lacks one of the given roles.
func RequireRole(roles ...Role) gin.HandlerFunc {
	allowed := make(map[Role]struct{}, len(roles))
	for _, role := range roles {
		allowed[role] = struct{}{}
	}
	return func(contextGin *gin.Context) {
		principal, ok := PrincipalFromContext(contextGin)
		if !ok {
			rejectUnauthorized(contextGin, ErrTokenInvalid.Error())
			return
		}
		if _, permitted := allowed[principal.Role]; !permitted {
			rejectJSON(contextGin, http.StatusForbidden, ErrRoleInvalid.Error(), "insufficient role")
			return
		}
		contextGin.Next()
	}
}

// extractToken prefers the Authorization header over the session cookie.
func (pipeline *AuthPipeline) extractToken(contextGin *gin.Context) (string, bool) {
	authorization := contextGin.GetHeader("Authorization")
	if strings.HasPrefix(authorization, "Bearer ") {
		if token := strings.TrimSpace(strings.TrimPrefix(authorization, "Bearer ")); token != "" {
			return token, true
		}
	}
	sessionCookie, cookieErr := contextGin.Request.Cookie(pipeline.config.SessionCookieName)
	if cookieErr == nil && sessionCookie != nil && strings.TrimSpace(sessionCookie.Value) != "" {
		return sessionCookie.Value, false
	}
	return "", false
}

// rejectToken clears any stale session cookie, then either lets the request
// through unauthenticated (exempt allowlist) or fails closed. Cookie clearing
// is the only response mutation the filter performs besides the rejection.
func (pipeline *AuthPipeline) rejectToken(contextGin *gin.Context, code string) {
	ClearSessionCookie(contextGin, pipeline.config)
	if pipeline.config.IsExemptPath(contextGin.Request.URL.Path) {
		contextGin.Next()
		return
	}
	rejectUnauthorized(contextGin, code)
}

func (pipeline *AuthPipeline) checkRevoked(requestCtx context.Context, jti string) (bool, error) {
	checkCtx, cancel := context.WithTimeout(requestCtx, pipeline.storeTimeout)
	defer cancel()
	return pipeline.revocations.IsRevoked(checkCtx, jti)
}

func (pipeline *AuthPipeline) recordRejectedToken(contextGin *gin.Context, verdict TokenVerdict, fromHeader bool) {
	pipeline.metrics.Increment("pipeline.token_" + verdict.Outcome.String())
	if verdict.Outcome == TokenExpired {
		// Benign lifecycle event; the caller may refresh.
		return
	}
	source := "cookie"
	if fromHeader {
		source = "header"
	}
	pipeline.logger.Warn("rejected bearer token",
		zap.String("code", "pipeline.token_rejected"),
		zap.String("outcome", verdict.Outcome.String()),
		zap.String("source", source),
		zap.String("ip", contextGin.ClientIP()),
	)
}

func rejectCodeFor(outcome TokenOutcome) string {
	switch outcome {
	case TokenExpired:
		return ErrTokenExpired.Error()
	case TokenMalformed:
		return ErrTokenMalformed.Error()
	case TokenUnsupported, TokenWrongPurpose:
		return ErrTokenUnsupported.Error()
	default:
		return ErrTokenInvalid.Error()
	}
}

// WriteSessionCookie sets the HTTP-only session cookie.
func WriteSessionCookie(contextGin *gin.Context, configuration ServerConfig, sessionToken string, expiresAt time.Time) {
	http.SetCookie(contextGin.Writer, &http.Cookie{
		Name:     configuration.SessionCookieName,
		Value:    sessionToken,
		Path:     "/",
		Domain:   configuration.CookieDomain,
		Expires:  expiresAt,
		Secure:   !configuration.AllowInsecureHTTP,
		HttpOnly: true,
		SameSite: configuration.SameSiteMode,
	})
}

// ClearSessionCookie deletes the session cookie. MaxAge must be negative:
// "delete this cookie" and "persist as a session cookie" are distinct
// lifetimes and must never share a sentinel value.
func ClearSessionCookie(contextGin *gin.Context, configuration ServerConfig) {
	http.SetCookie(contextGin.Writer, &http.Cookie{
		Name:     configuration.SessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   configuration.CookieDomain,
		MaxAge:   -1,
		Secure:   !configuration.AllowInsecureHTTP,
		HttpOnly: true,
		SameSite: configuration.SameSiteMode,
	})
}
