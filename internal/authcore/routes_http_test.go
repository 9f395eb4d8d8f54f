package authcore

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap/zaptest"
)

// testAccounts doubles as principal store and credential verifier.
type testAccounts struct {
	passwords  map[string]string
	principals map[string]Principal
}

func newTestAccounts() *testAccounts {
	return &testAccounts{
		passwords:  make(map[string]string),
		principals: make(map[string]Principal),
	}
}

func (accounts *testAccounts) add(email string, password string, role Role) {
	accounts.passwords[email] = password
	accounts.principals[email] = Principal{ID: email, Email: email, Role: role, Active: true}
}

func (accounts *testAccounts) FindByEmail(ctx context.Context, email string) (Principal, error) {
	principal, ok := accounts.principals[email]
	if !ok {
		return Principal{}, ErrPrincipalNotFound
	}
	return principal, nil
}

func (accounts *testAccounts) VerifyCredentials(ctx context.Context, email string, password string) (Principal, error) {
	stored, ok := accounts.passwords[email]
	if !ok || stored != password {
		return Principal{}, ErrInvalidCredentials
	}
	return accounts.principals[email], nil
}

type serverFixture struct {
	clock       *manualClock
	codec       *TokenCodec
	revocations RevocationStore
	mfa         *MfaService
	accounts    *testAccounts
	config      ServerConfig
	router      *gin.Engine
}

func newServerFixture(t *testing.T, rate RatePolicy) *serverFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	clock := newManualClock(testStart())
	codec := newTestCodec(t, clock)
	revocations := NewMemoryRevocationStore(clock)
	logger := zaptest.NewLogger(t)

	accounts := newTestAccounts()
	accounts.add("editor@example.com", "correct horse battery", RoleEditor)
	accounts.add("admin@example.com", "tr0ubador & 3", RoleAdmin)

	cipher, cipherErr := NewSecretCipher(testCipherKey, false, logger)
	if cipherErr != nil {
		t.Fatalf("failed to build cipher: %v", cipherErr)
	}
	mfaService, mfaErr := NewMfaService(MfaServiceConfig{
		Codec:       codec,
		Cipher:      cipher,
		Configs:     NewMemoryMfaConfigStore(),
		Revocations: revocations,
		Clock:       clock,
		Logger:      logger,
		Issuer:      "sentinel",
		SessionTTL:  15 * time.Minute,
	})
	if mfaErr != nil {
		t.Fatalf("failed to build mfa service: %v", mfaErr)
	}

	cache, cacheErr := NewPrincipalCache(64, time.Minute)
	if cacheErr != nil {
		t.Fatalf("failed to build cache: %v", cacheErr)
	}
	t.Cleanup(cache.Close)
	resolver := NewPrincipalResolver(cache, accounts)

	lockoutPolicy := LockoutPolicy{Threshold: 3, Window: 10 * time.Minute, LockDuration: 15 * time.Minute}
	guard := NewLoginAttemptGuard(
		NewLocalAttemptStore(lockoutPolicy, 1024, clock),
		nil,
		lockoutPolicy,
		clock,
		logger,
		NewCounterMetrics(),
	)

	config := ServerConfig{
		SigningKey:        testSigningKey,
		Issuer:            "sentinel",
		Audience:          "sentinel-api",
		SessionCookieName: "sentinel_session",
		SessionTTL:        15 * time.Minute,
		Lockout:           lockoutPolicy,
		Rate:              rate,
		ExemptPaths:       DefaultExemptPaths(),
		AllowInsecureHTTP: true,
	}

	pipeline := NewAuthPipeline(codec, revocations, resolver, config, logger, NewCounterMetrics())
	routes := &AuthRoutes{
		Config:      config,
		Codec:       codec,
		Revocations: revocations,
		Guard:       guard,
		Limiter:     NewMemoryRateLimiter(rate, clock),
		Mfa:         mfaService,
		Verifier:    accounts,
		Principals:  resolver,
		Clock:       clock,
		Logger:      logger,
		Metrics:     NewCounterMetrics(),
	}

	router := gin.New()
	router.Use(pipeline.Middleware())
	routes.Mount(router)
	router.GET("/api/me", RequireAuthenticated(), func(contextGin *gin.Context) {
		principal, _ := PrincipalFromContext(contextGin)
		contextGin.JSON(http.StatusOK, gin.H{"email": principal.Email})
	})

	return &serverFixture{
		clock:       clock,
		codec:       codec,
		revocations: revocations,
		mfa:         mfaService,
		accounts:    accounts,
		config:      config,
		router:      router,
	}
}

func (fixture *serverFixture) postJSON(t *testing.T, path string, payload any, decorate func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	body, marshalErr := json.Marshal(payload)
	if marshalErr != nil {
		t.Fatalf("failed to marshal request body: %v", marshalErr)
	}
	request := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	request.Header.Set("Content-Type", "application/json")
	if decorate != nil {
		decorate(request)
	}
	recorder := httptest.NewRecorder()
	fixture.router.ServeHTTP(recorder, request)
	return recorder
}

func (fixture *serverFixture) getWithToken(t *testing.T, path string, token string) *httptest.ResponseRecorder {
	t.Helper()
	request := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	fixture.router.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	decoded := make(map[string]any)
	if err := json.Unmarshal(recorder.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
	return decoded
}

func (fixture *serverFixture) login(t *testing.T, email string, password string) (string, *httptest.ResponseRecorder) {
	t.Helper()
	recorder := fixture.postJSON(t, "/auth/login", gin.H{"email": email, "password": password}, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("login failed with %d: %s", recorder.Code, recorder.Body.String())
	}
	token, _ := decodeBody(t, recorder)["token"].(string)
	return token, recorder
}

func generousRate() RatePolicy {
	return RatePolicy{Limit: 1000, Window: time.Minute}
}

func TestLoginIssuesSessionCookieAndToken(t *testing.T) {
	t.Parallel()

	fixture := newServerFixture(t, generousRate())
	token, recorder := fixture.login(t, "editor@example.com", "correct horse battery")
	if token == "" {
		t.Fatalf("expected a session token in the response")
	}

	body := decodeBody(t, recorder)
	if required, _ := body["mfa_required"].(bool); required {
		t.Fatalf("unenrolled account must not require a second factor")
	}
	if body["subject"] != "editor@example.com" || body["role"] != string(RoleEditor) {
		t.Fatalf("unexpected identity in response: %v", body)
	}

	cookies := recorder.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != fixture.config.SessionCookieName {
		t.Fatalf("expected one session cookie, got %v", cookies)
	}
	if cookies[0].Value != token || !cookies[0].HttpOnly {
		t.Fatalf("expected an http-only cookie carrying the token")
	}

	if recorder := fixture.getWithToken(t, "/api/me", token); recorder.Code != http.StatusOK {
		t.Fatalf("fresh token rejected with %d", recorder.Code)
	}
}

func TestLoginFailureIsUniform(t *testing.T) {
	t.Parallel()

	fixture := newServerFixture(t, generousRate())

	wrongPassword := fixture.postJSON(t, "/auth/login", gin.H{"email": "editor@example.com", "password": "nope"}, nil)
	unknownAccount := fixture.postJSON(t, "/auth/login", gin.H{"email": "ghost@example.com", "password": "nope"}, nil)

	if wrongPassword.Code != http.StatusUnauthorized || unknownAccount.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for both failures, got %d and %d", wrongPassword.Code, unknownAccount.Code)
	}
	if wrongPassword.Body.String() != unknownAccount.Body.String() {
		t.Fatalf("failure responses must not distinguish unknown accounts: %s vs %s",
			wrongPassword.Body.String(), unknownAccount.Body.String())
	}
}

func TestLoginRejectsEmptyEmail(t *testing.T) {
	t.Parallel()

	fixture := newServerFixture(t, generousRate())
	recorder := fixture.postJSON(t, "/auth/login", gin.H{"email": "  ", "password": "x"}, nil)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for blank email, got %d", recorder.Code)
	}
}

func TestLoginLockoutAfterRepeatedFailures(t *testing.T) {
	t.Parallel()

	fixture := newServerFixture(t, generousRate())
	payload := gin.H{"email": "editor@example.com", "password": "wrong"}

	for attempt := 0; attempt < 2; attempt++ {
		if recorder := fixture.postJSON(t, "/auth/login", payload, nil); recorder.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: expected 401, got %d", attempt+1, recorder.Code)
		}
	}

	// The third failure crosses the threshold and locks immediately.
	locked := fixture.postJSON(t, "/auth/login", payload, nil)
	if locked.Code != http.StatusLocked {
		t.Fatalf("expected 423 at the threshold, got %d", locked.Code)
	}
	if locked.Header().Get("Retry-After") == "" {
		t.Fatalf("expected a Retry-After header on the lockout response")
	}

	// The correct password does not pierce an active lock.
	correct := fixture.postJSON(t, "/auth/login", gin.H{"email": "editor@example.com", "password": "correct horse battery"}, nil)
	if correct.Code != http.StatusLocked {
		t.Fatalf("expected 423 with correct credentials while locked, got %d", correct.Code)
	}

	// After the lock lapses the account works again.
	fixture.clock.Advance(16 * time.Minute)
	if _, recorder := fixture.login(t, "editor@example.com", "correct horse battery"); recorder.Code != http.StatusOK {
		t.Fatalf("expected login to succeed after the lock lapsed")
	}
}

func TestRefreshRotatesAndRetiresOldToken(t *testing.T) {
	t.Parallel()

	fixture := newServerFixture(t, generousRate())
	oldToken, _ := fixture.login(t, "editor@example.com", "correct horse battery")

	fixture.clock.Advance(time.Minute)
	refresh := fixture.postJSON(t, "/auth/refresh", gin.H{}, func(request *http.Request) {
		request.Header.Set("Authorization", "Bearer "+oldToken)
	})
	if refresh.Code != http.StatusOK {
		t.Fatalf("refresh failed with %d: %s", refresh.Code, refresh.Body.String())
	}
	newToken, _ := decodeBody(t, refresh)["token"].(string)
	if newToken == "" || newToken == oldToken {
		t.Fatalf("expected a rotated token")
	}

	if recorder := fixture.getWithToken(t, "/api/me", oldToken); recorder.Code != http.StatusUnauthorized {
		t.Fatalf("retired token must be rejected, got %d", recorder.Code)
	}
	if recorder := fixture.getWithToken(t, "/api/me", newToken); recorder.Code != http.StatusOK {
		t.Fatalf("rotated token rejected with %d", recorder.Code)
	}
}

func TestRefreshRejectsExpiredToken(t *testing.T) {
	t.Parallel()

	fixture := newServerFixture(t, generousRate())
	token, _ := fixture.login(t, "editor@example.com", "correct horse battery")

	fixture.clock.Advance(16 * time.Minute)
	refresh := fixture.postJSON(t, "/auth/refresh", gin.H{}, func(request *http.Request) {
		request.Header.Set("Authorization", "Bearer "+token)
	})
	if refresh.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for expired token, got %d", refresh.Code)
	}
}

func TestLogoutRevokesAndClearsCookie(t *testing.T) {
	t.Parallel()

	fixture := newServerFixture(t, generousRate())
	token, _ := fixture.login(t, "editor@example.com", "correct horse battery")

	logout := fixture.postJSON(t, "/auth/logout", gin.H{}, func(request *http.Request) {
		request.Header.Set("Authorization", "Bearer "+token)
	})
	if logout.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", logout.Code)
	}
	cookies := logout.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Value != "" || cookies[0].MaxAge >= 0 {
		t.Fatalf("expected the session cookie to be cleared, got %v", cookies)
	}

	if recorder := fixture.getWithToken(t, "/api/me", token); recorder.Code != http.StatusUnauthorized {
		t.Fatalf("revoked token must be rejected, got %d", recorder.Code)
	}
}

func TestMfaLoginLifecycle(t *testing.T) {
	t.Parallel()

	fixture := newServerFixture(t, generousRate())

	// Enroll over HTTP: setup and verify-setup require a session.
	sessionToken, _ := fixture.login(t, "admin@example.com", "tr0ubador & 3")
	setup := fixture.postJSON(t, "/auth/mfa/setup", gin.H{}, func(request *http.Request) {
		request.Header.Set("Authorization", "Bearer "+sessionToken)
	})
	if setup.Code != http.StatusOK {
		t.Fatalf("mfa setup failed with %d: %s", setup.Code, setup.Body.String())
	}
	setupBody := decodeBody(t, setup)
	secret, _ := setupBody["secret"].(string)
	if secret == "" || setupBody["provisioning_uri"] == "" || setupBody["qr_png"] == "" {
		t.Fatalf("incomplete enrollment material: %v", setupBody)
	}

	setupCode, codeErr := TotpCodeAt(secret, fixture.clock.Now())
	if codeErr != nil {
		t.Fatalf("failed to derive code: %v", codeErr)
	}
	verifySetup := fixture.postJSON(t, "/auth/mfa/verify-setup", gin.H{"code": setupCode}, func(request *http.Request) {
		request.Header.Set("Authorization", "Bearer "+sessionToken)
	})
	if verifySetup.Code != http.StatusOK {
		t.Fatalf("verify-setup failed with %d: %s", verifySetup.Code, verifySetup.Body.String())
	}
	recoveryCodes, _ := decodeBody(t, verifySetup)["recovery_codes"].([]any)
	if len(recoveryCodes) != 8 {
		t.Fatalf("expected 8 recovery codes, got %d", len(recoveryCodes))
	}

	// A later login now stops at the challenge and withholds cookies.
	challenged := fixture.postJSON(t, "/auth/login", gin.H{"email": "admin@example.com", "password": "tr0ubador & 3"}, nil)
	if challenged.Code != http.StatusOK {
		t.Fatalf("challenged login failed with %d: %s", challenged.Code, challenged.Body.String())
	}
	challengedBody := decodeBody(t, challenged)
	if required, _ := challengedBody["mfa_required"].(bool); !required {
		t.Fatalf("expected mfa_required=true, got %v", challengedBody)
	}
	mfaToken, _ := challengedBody["mfa_token"].(string)
	if mfaToken == "" {
		t.Fatalf("expected a challenge token")
	}
	if len(challenged.Result().Cookies()) != 0 {
		t.Fatalf("no session cookie may be issued before the second factor")
	}

	// The challenge token never authenticates an ordinary request.
	if recorder := fixture.getWithToken(t, "/api/me", mfaToken); recorder.Code != http.StatusUnauthorized {
		t.Fatalf("challenge token must not pass the pipeline, got %d", recorder.Code)
	}

	challengeCode, codeErr := TotpCodeAt(secret, fixture.clock.Now())
	if codeErr != nil {
		t.Fatalf("failed to derive code: %v", codeErr)
	}
	completed := fixture.postJSON(t, "/auth/mfa/challenge", gin.H{"mfa_token": mfaToken, "code": challengeCode}, nil)
	if completed.Code != http.StatusOK {
		t.Fatalf("challenge completion failed with %d: %s", completed.Code, completed.Body.String())
	}
	finalToken, _ := decodeBody(t, completed)["token"].(string)
	if finalToken == "" {
		t.Fatalf("expected a session token after the challenge")
	}
	if cookies := completed.Result().Cookies(); len(cookies) != 1 || cookies[0].Value != finalToken {
		t.Fatalf("expected the session cookie to carry the final token")
	}
	if recorder := fixture.getWithToken(t, "/api/me", finalToken); recorder.Code != http.StatusOK {
		t.Fatalf("final session token rejected with %d", recorder.Code)
	}
}

func TestMfaSetupRejectsUnavailableMethods(t *testing.T) {
	t.Parallel()

	fixture := newServerFixture(t, generousRate())
	sessionToken, _ := fixture.login(t, "admin@example.com", "tr0ubador & 3")
	authorize := func(request *http.Request) {
		request.Header.Set("Authorization", "Bearer "+sessionToken)
	}

	// No email sender is wired into this fixture, so EMAIL enrollment is a
	// service availability failure, not a client error.
	emailSetup := fixture.postJSON(t, "/auth/mfa/setup", gin.H{"method": "EMAIL"}, authorize)
	if emailSetup.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 for unconfigured email delivery, got %d: %s", emailSetup.Code, emailSetup.Body.String())
	}
	if !strings.Contains(emailSetup.Body.String(), ErrMfaEmailUnconfigured.Error()) {
		t.Fatalf("unexpected body %s", emailSetup.Body.String())
	}

	smsSetup := fixture.postJSON(t, "/auth/mfa/setup", gin.H{"method": "SMS"}, authorize)
	if smsSetup.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for an unknown method, got %d: %s", smsSetup.Code, smsSetup.Body.String())
	}
}

func TestMfaRecoveryEndpoint(t *testing.T) {
	t.Parallel()

	fixture := newServerFixture(t, generousRate())
	_, recoveryCodes := enrollTotp(t, fixture.mfa, fixture.clock, "admin@example.com")

	challenged := fixture.postJSON(t, "/auth/login", gin.H{"email": "admin@example.com", "password": "tr0ubador & 3"}, nil)
	mfaToken, _ := decodeBody(t, challenged)["mfa_token"].(string)
	if mfaToken == "" {
		t.Fatalf("expected a challenge token, got %s", challenged.Body.String())
	}

	redeemed := fixture.postJSON(t, "/auth/mfa/recovery", gin.H{"mfa_token": mfaToken, "code": recoveryCodes[0]}, nil)
	if redeemed.Code != http.StatusOK {
		t.Fatalf("recovery redemption failed with %d: %s", redeemed.Code, redeemed.Body.String())
	}
	token, _ := decodeBody(t, redeemed)["token"].(string)
	if recorder := fixture.getWithToken(t, "/api/me", token); recorder.Code != http.StatusOK {
		t.Fatalf("recovery session rejected with %d", recorder.Code)
	}

	// The spent code cannot be replayed on a fresh challenge.
	again := fixture.postJSON(t, "/auth/login", gin.H{"email": "admin@example.com", "password": "tr0ubador & 3"}, nil)
	secondToken, _ := decodeBody(t, again)["mfa_token"].(string)
	replay := fixture.postJSON(t, "/auth/mfa/recovery", gin.H{"mfa_token": secondToken, "code": recoveryCodes[0]}, nil)
	if replay.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a spent recovery code, got %d", replay.Code)
	}
}

func TestRateLimiterRejectsExcessLogins(t *testing.T) {
	t.Parallel()

	fixture := newServerFixture(t, RatePolicy{Limit: 2, Window: time.Minute})
	payload := gin.H{"email": "editor@example.com", "password": "wrong"}

	for attempt := 0; attempt < 2; attempt++ {
		if recorder := fixture.postJSON(t, "/auth/login", payload, nil); recorder.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: expected 401, got %d", attempt+1, recorder.Code)
		}
	}

	limited := fixture.postJSON(t, "/auth/login", payload, nil)
	if limited.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 over the limit, got %d", limited.Code)
	}
	if limited.Header().Get("Retry-After") == "" {
		t.Fatalf("expected a Retry-After header on the limited response")
	}

	// The window rolls over and requests flow again.
	fixture.clock.Advance(time.Minute)
	good := gin.H{"email": "editor@example.com", "password": "correct horse battery"}
	if recorder := fixture.postJSON(t, "/auth/login", good, nil); recorder.Code != http.StatusOK {
		t.Fatalf("expected the limiter to reset after the window, got %d", recorder.Code)
	}
}
