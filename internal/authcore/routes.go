package authcore

import (
	"context"
	"encoding/base64"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// AuthRoutes bundles the collaborators behind the login surface.
type AuthRoutes struct {
	Config      ServerConfig
	Codec       *TokenCodec
	Revocations RevocationStore
	Guard       *LoginAttemptGuard
	Limiter     RateLimiter
	Mfa         *MfaService
	Verifier    CredentialVerifier
	Principals  *PrincipalResolver
	Clock       Clock
	Logger      *zap.Logger
	Metrics     MetricsRecorder
}

// Mount registers the login, refresh, logout, and MFA endpoints. The rate
// limiter sits in front of the whole group; the lockout guard wraps the
// credential and MFA verification handlers.
func (routes *AuthRoutes) Mount(router gin.IRouter) {
	if routes.Clock == nil {
		routes.Clock = NewSystemClock()
	}
	if routes.Logger == nil {
		routes.Logger = zap.NewNop()
	}
	if routes.Metrics == nil {
		routes.Metrics = NewCounterMetrics()
	}

	group := router.Group("/auth")
	group.Use(RequireRate(routes.Limiter, routes.Logger, routes.Metrics))

	group.POST("/login", routes.handleLogin)
	group.POST("/refresh", routes.handleRefresh)
	group.POST("/logout", routes.handleLogout)
	group.POST("/mfa/setup", RequireAuthenticated(), routes.handleMfaSetup)
	group.POST("/mfa/verify-setup", RequireAuthenticated(), routes.handleMfaVerifySetup)
	group.POST("/mfa/challenge", routes.handleMfaChallenge)
	group.POST("/mfa/recovery", routes.handleMfaRecovery)
}

// RequireRate applies the asynchronous rate decision before the handler runs.
// The pipeline selects on the decision channel together with the request
// context, so a slow limiter store can never wedge the request goroutine past
// its deadline. Limiter errors fail open: availability beats precision for
// rate limiting, unlike the gating lockout and revocation checks.
func RequireRate(limiter RateLimiter, logger *zap.Logger, metrics MetricsRecorder) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		requestCtx := contextGin.Request.Context()
		select {
		case decision := <-limiter.Consume(requestCtx, contextGin.ClientIP()):
			if decision.Err != nil {
				metrics.Increment("rate.store_error")
				logger.Warn("rate limiter unavailable, failing open",
					zap.String("code", "rate.store_error"),
					zap.Error(decision.Err))
				contextGin.Next()
				return
			}
			if !decision.Allowed {
				metrics.Increment("rate.limited")
				retryAfterSeconds := int(decision.RetryAfter.Seconds()) + 1
				contextGin.Header("Retry-After", strconv.Itoa(retryAfterSeconds))
				rejectJSON(contextGin, http.StatusTooManyRequests, ErrRateLimited.Error(), "too many requests")
				return
			}
			contextGin.Next()
		case <-requestCtx.Done():
			contextGin.Abort()
		}
	}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (routes *AuthRoutes) handleLogin(contextGin *gin.Context) {
	var inbound loginRequest
	if err := contextGin.BindJSON(&inbound); err != nil || strings.TrimSpace(inbound.Email) == "" {
		rejectJSON(contextGin, http.StatusBadRequest, "request.invalid_json", "malformed request body")
		return
	}
	if !routes.Config.AllowInsecureHTTP && !isHTTPS(contextGin.Request) {
		rejectJSON(contextGin, http.StatusBadRequest, "request.https_required", "https is required")
		return
	}

	subjectKey := lockoutSubjectKey(inbound.Email)
	addressKey := lockoutAddressKey(contextGin.ClientIP())
	requestCtx := contextGin.Request.Context()

	if state := routes.lockedState(requestCtx, subjectKey, addressKey); state.Locked {
		routes.Metrics.Increment("login.locked")
		rejectLocked(contextGin, state)
		return
	}

	principal, verifyErr := routes.Verifier.VerifyCredentials(requestCtx, inbound.Email, inbound.Password)
	if verifyErr != nil || !principal.Active {
		routes.Metrics.Increment("login.failure")
		subjectState := routes.Guard.RecordFailure(requestCtx, subjectKey)
		addressState := routes.Guard.RecordFailure(requestCtx, addressKey)
		if subjectState.Locked || addressState.Locked {
			rejectLocked(contextGin, strictestLock(subjectState, addressState))
			return
		}
		// Deliberately vague: never reveal whether the subject exists.
		rejectJSON(contextGin, http.StatusUnauthorized, ErrInvalidCredentials.Error(), "invalid credentials")
		return
	}

	routes.Guard.RecordSuccess(requestCtx, subjectKey)
	routes.Guard.RecordSuccess(requestCtx, addressKey)

	if routes.Mfa.Required(requestCtx, principal.ID) {
		grant, challengeErr := routes.Mfa.BeginChallenge(requestCtx, principal)
		if challengeErr != nil {
			routes.Logger.Error("failed to begin mfa challenge",
				zap.String("code", "login.mfa_challenge_failed"),
				zap.Error(challengeErr))
			rejectJSON(contextGin, http.StatusInternalServerError, "login.failed", "login could not be completed")
			return
		}
		routes.Metrics.Increment("login.mfa_required")
		// A second verification round is owed: no session cookies yet.
		contextGin.JSON(http.StatusOK, gin.H{
			"mfa_required": true,
			"mfa_token":    grant.MfaToken,
			"methods":      grant.Methods,
		})
		return
	}

	routes.issueSession(contextGin, principal)
}

func (routes *AuthRoutes) handleRefresh(contextGin *gin.Context) {
	token := extractBearerOrCookie(contextGin, routes.Config.SessionCookieName)
	if token == "" {
		rejectUnauthorized(contextGin, ErrTokenInvalid.Error())
		return
	}
	verdict := routes.Codec.Validate(token, PurposeSession)
	if verdict.Outcome != TokenValid {
		ClearSessionCookie(contextGin, routes.Config)
		rejectUnauthorized(contextGin, rejectCodeFor(verdict.Outcome))
		return
	}
	requestCtx := contextGin.Request.Context()
	revoked, revokedErr := routes.Revocations.IsRevoked(requestCtx, verdict.Claims.ID)
	if revokedErr != nil || revoked {
		ClearSessionCookie(contextGin, routes.Config)
		rejectUnauthorized(contextGin, ErrTokenRevoked.Error())
		return
	}
	principal, resolveErr := routes.Principals.Resolve(requestCtx, verdict.Claims.Subject)
	if resolveErr != nil || !principal.Active {
		ClearSessionCookie(contextGin, routes.Config)
		rejectUnauthorized(contextGin, ErrPrincipalInactive.Error())
		return
	}

	// Rotate: the outgoing token is retired for exactly its remaining life.
	remaining := verdict.Claims.RemainingTTL(routes.Clock.Now())
	if revokeErr := routes.Revocations.Revoke(requestCtx, verdict.Claims.ID, remaining); revokeErr != nil {
		routes.Logger.Error("failed to retire refreshed token",
			zap.String("code", "refresh.revoke_failed"),
			zap.Error(revokeErr))
		rejectJSON(contextGin, http.StatusInternalServerError, "refresh.failed", "refresh could not be completed")
		return
	}
	routes.Metrics.Increment("login.refresh")
	routes.issueSession(contextGin, principal)
}

func (routes *AuthRoutes) handleLogout(contextGin *gin.Context) {
	token := extractBearerOrCookie(contextGin, routes.Config.SessionCookieName)
	if token != "" {
		verdict := routes.Codec.Validate(token, PurposeSession)
		if verdict.Outcome == TokenValid {
			remaining := verdict.Claims.RemainingTTL(routes.Clock.Now())
			if revokeErr := routes.Revocations.Revoke(contextGin.Request.Context(), verdict.Claims.ID, remaining); revokeErr != nil {
				routes.Logger.Error("failed to revoke token at logout",
					zap.String("code", "logout.revoke_failed"),
					zap.Error(revokeErr))
			} else {
				routes.Metrics.Increment("login.logout")
			}
		}
	}
	ClearSessionCookie(contextGin, routes.Config)
	contextGin.Status(http.StatusNoContent)
}

type setupRequest struct {
	Method string `json:"method"`
}

func (routes *AuthRoutes) handleMfaSetup(contextGin *gin.Context) {
	// The body is optional; an absent or empty method means TOTP.
	var inbound setupRequest
	_ = contextGin.ShouldBindJSON(&inbound)
	method := MfaMethod(strings.ToUpper(strings.TrimSpace(inbound.Method)))
	if method == "" {
		method = MethodTotp
	}
	principal, _ := PrincipalFromContext(contextGin)

	switch method {
	case MethodTotp:
		enrollment, setupErr := routes.Mfa.SetupTotp(contextGin.Request.Context(), principal.ID, principal.Email)
		if setupErr != nil {
			routes.rejectSetupFailure(contextGin, setupErr)
			return
		}
		routes.Metrics.Increment("mfa.setup_started")
		contextGin.JSON(http.StatusOK, gin.H{
			"method":           string(MethodTotp),
			"secret":           enrollment.Secret,
			"provisioning_uri": enrollment.ProvisioningURI,
			"qr_png":           base64.StdEncoding.EncodeToString(enrollment.QRImagePNG),
		})
	case MethodEmail:
		if setupErr := routes.Mfa.SetupEmail(contextGin.Request.Context(), principal.ID, principal.Email); setupErr != nil {
			routes.rejectSetupFailure(contextGin, setupErr)
			return
		}
		routes.Metrics.Increment("mfa.setup_started")
		contextGin.JSON(http.StatusOK, gin.H{
			"method":    string(MethodEmail),
			"code_sent": true,
		})
	default:
		rejectJSON(contextGin, http.StatusBadRequest, ErrMfaMethodUnsupported.Error(), "unsupported enrollment method")
	}
}

func (routes *AuthRoutes) rejectSetupFailure(contextGin *gin.Context, setupErr error) {
	switch {
	case errors.Is(setupErr, ErrMfaAlreadyVerified):
		rejectJSON(contextGin, http.StatusConflict, ErrMfaAlreadyVerified.Error(), "second factor already verified")
	case errors.Is(setupErr, ErrMfaEmailUnconfigured):
		rejectJSON(contextGin, http.StatusServiceUnavailable, ErrMfaEmailUnconfigured.Error(), "email delivery is not configured")
	default:
		routes.Logger.Error("second factor setup failed",
			zap.String("code", "mfa.setup_failed"),
			zap.Error(setupErr))
		rejectJSON(contextGin, http.StatusInternalServerError, "mfa.setup_failed", "setup could not be completed")
	}
}

type codeRequest struct {
	Code string `json:"code"`
}

func (routes *AuthRoutes) handleMfaVerifySetup(contextGin *gin.Context) {
	var inbound codeRequest
	if err := contextGin.BindJSON(&inbound); err != nil || strings.TrimSpace(inbound.Code) == "" {
		rejectJSON(contextGin, http.StatusBadRequest, "request.invalid_json", "malformed request body")
		return
	}
	principal, _ := PrincipalFromContext(contextGin)
	recoveryCodes, verifyErr := routes.Mfa.VerifySetup(contextGin.Request.Context(), principal.ID, inbound.Code)
	if verifyErr != nil {
		switch {
		case errors.Is(verifyErr, ErrMfaCodeInvalid):
			rejectJSON(contextGin, http.StatusUnauthorized, ErrMfaCodeInvalid.Error(), "verification code rejected")
		case errors.Is(verifyErr, ErrMfaAlreadyVerified):
			rejectJSON(contextGin, http.StatusConflict, ErrMfaAlreadyVerified.Error(), "second factor already verified")
		case errors.Is(verifyErr, ErrMfaNotConfigured):
			rejectJSON(contextGin, http.StatusNotFound, ErrMfaNotConfigured.Error(), "no pending enrollment")
		default:
			routes.Logger.Error("totp setup verification failed",
				zap.String("code", "mfa.verify_setup_failed"),
				zap.Error(verifyErr))
			rejectJSON(contextGin, http.StatusInternalServerError, "mfa.verify_setup_failed", "verification could not be completed")
		}
		return
	}
	routes.Metrics.Increment("mfa.setup_verified")
	// The plaintext recovery codes cross the wire exactly once, here.
	contextGin.JSON(http.StatusOK, gin.H{"recovery_codes": recoveryCodes})
}

type challengeRequest struct {
	MfaToken string `json:"mfa_token"`
	Code     string `json:"code"`
	Method   string `json:"method"`
}

func (routes *AuthRoutes) handleMfaChallenge(contextGin *gin.Context) {
	var inbound challengeRequest
	if err := contextGin.BindJSON(&inbound); err != nil || inbound.MfaToken == "" || inbound.Code == "" {
		rejectJSON(contextGin, http.StatusBadRequest, "request.invalid_json", "malformed request body")
		return
	}
	method := MfaMethod(strings.ToUpper(inbound.Method))
	if method == "" {
		method = MethodTotp
	}
	grant, verifyErr := routes.Mfa.VerifyChallenge(contextGin.Request.Context(), inbound.MfaToken, inbound.Code, method)
	if verifyErr != nil {
		routes.rejectChallengeFailure(contextGin, verifyErr)
		return
	}
	routes.Metrics.Increment("mfa.challenge_passed")
	routes.completeMfaLogin(contextGin, grant)
}

type recoveryRequest struct {
	MfaToken string `json:"mfa_token"`
	Code     string `json:"code"`
}

func (routes *AuthRoutes) handleMfaRecovery(contextGin *gin.Context) {
	var inbound recoveryRequest
	if err := contextGin.BindJSON(&inbound); err != nil || inbound.MfaToken == "" || inbound.Code == "" {
		rejectJSON(contextGin, http.StatusBadRequest, "request.invalid_json", "malformed request body")
		return
	}
	grant, redeemErr := routes.Mfa.RedeemRecoveryCode(contextGin.Request.Context(), inbound.MfaToken, inbound.Code)
	if redeemErr != nil {
		routes.rejectChallengeFailure(contextGin, redeemErr)
		return
	}
	routes.Metrics.Increment("mfa.recovery_redeemed")
	routes.completeMfaLogin(contextGin, grant)
}

func (routes *AuthRoutes) rejectChallengeFailure(contextGin *gin.Context, verifyErr error) {
	switch {
	case errors.Is(verifyErr, ErrMfaAttemptExceeded):
		routes.Metrics.Increment("mfa.attempts_exceeded")
		rejectJSON(contextGin, http.StatusUnauthorized, ErrMfaAttemptExceeded.Error(), "verification attempts exhausted")
	case errors.Is(verifyErr, ErrMfaCodeInvalid), errors.Is(verifyErr, ErrRecoveryCodeInvalid):
		routes.Metrics.Increment("mfa.challenge_failed")
		rejectJSON(contextGin, http.StatusUnauthorized, ErrMfaCodeInvalid.Error(), "verification code rejected")
	case errors.Is(verifyErr, ErrMfaChallengeInvalid):
		rejectJSON(contextGin, http.StatusUnauthorized, ErrMfaChallengeInvalid.Error(), "challenge token rejected")
	case errors.Is(verifyErr, ErrMfaMethodUnsupported):
		rejectJSON(contextGin, http.StatusBadRequest, ErrMfaMethodUnsupported.Error(), "unsupported verification method")
	default:
		routes.Logger.Error("mfa verification failed",
			zap.String("code", "mfa.challenge_error"),
			zap.Error(verifyErr))
		rejectJSON(contextGin, http.StatusInternalServerError, "mfa.challenge_error", "verification could not be completed")
	}
}

func (routes *AuthRoutes) completeMfaLogin(contextGin *gin.Context, grant SessionGrant) {
	WriteSessionCookie(contextGin, routes.Config, grant.Token, grant.Claims.ExpiresAt.Time)
	contextGin.JSON(http.StatusOK, gin.H{
		"mfa_required": false,
		"token":        grant.Token,
		"subject":      grant.Claims.Subject,
		"role":         grant.Claims.Role,
		"expires":      grant.Claims.ExpiresAt.Time,
	})
}

func (routes *AuthRoutes) issueSession(contextGin *gin.Context, principal Principal) {
	sessionToken, claims, mintErr := routes.Codec.Issue(principal.Email, principal.Role, routes.Config.SessionTTL)
	if mintErr != nil {
		routes.Logger.Error("failed to mint session token",
			zap.String("code", "login.mint_failed"),
			zap.Error(mintErr))
		rejectJSON(contextGin, http.StatusInternalServerError, "login.failed", "login could not be completed")
		return
	}
	routes.Metrics.Increment("login.success")
	WriteSessionCookie(contextGin, routes.Config, sessionToken, claims.ExpiresAt.Time)
	contextGin.JSON(http.StatusOK, gin.H{
		"mfa_required": false,
		"token":        sessionToken,
		"subject":      principal.Email,
		"role":         principal.Role,
		"expires":      claims.ExpiresAt.Time,
	})
}

func (routes *AuthRoutes) lockedState(requestCtx context.Context, subjectKey string, addressKey string) LockState {
	subjectState := routes.Guard.IsLocked(requestCtx, subjectKey)
	addressState := routes.Guard.IsLocked(requestCtx, addressKey)
	return strictestLock(subjectState, addressState)
}

func lockoutSubjectKey(email string) string {
	return "subject:" + strings.ToLower(strings.TrimSpace(email))
}

func lockoutAddressKey(clientIP string) string {
	return "addr:" + clientIP
}

func strictestLock(first LockState, second LockState) LockState {
	if second.Remaining > first.Remaining {
		return second
	}
	return first
}

func rejectLocked(contextGin *gin.Context, state LockState) {
	retryAfterSeconds := int(state.Remaining.Seconds()) + 1
	contextGin.Header("Retry-After", strconv.Itoa(retryAfterSeconds))
	// Remaining time only; attempt counts never leave the process.
	rejectJSON(contextGin, http.StatusLocked, ErrAccountLocked.Error(), "account temporarily locked")
}

func extractBearerOrCookie(contextGin *gin.Context, cookieName string) string {
	authorization := contextGin.GetHeader("Authorization")
	if strings.HasPrefix(authorization, "Bearer ") {
		if token := strings.TrimSpace(strings.TrimPrefix(authorization, "Bearer ")); token != "" {
			return token
		}
	}
	sessionCookie, cookieErr := contextGin.Request.Cookie(cookieName)
	if cookieErr == nil && sessionCookie != nil {
		return strings.TrimSpace(sessionCookie.Value)
	}
	return ""
}

func isHTTPS(request *http.Request) bool {
	if request.TLS != nil {
		return true
	}
	scheme := request.Header.Get("X-Forwarded-Proto")
	if strings.EqualFold(scheme, "https") {
		return true
	}
	forwarded := request.Header.Get("Forwarded")
	if forwarded != "" && strings.Contains(strings.ToLower(forwarded), "proto=https") {
		return true
	}
	host, _, splitErr := net.SplitHostPort(request.Host)
	if splitErr == nil && host == "localhost" {
		return true
	}
	return false
}
