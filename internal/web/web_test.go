package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap/zaptest"

	"github.com/mprlab/sentinel/internal/authcore"
)

func TestConfigureCORSRejectsWildcard(t *testing.T) {
	t.Parallel()
	if _, err := ConfigureCORS(zaptest.NewLogger(t), []string{"*"}); err == nil {
		t.Fatalf("expected wildcard origin to be rejected")
	}
	if _, err := ConfigureCORS(zaptest.NewLogger(t), nil); err == nil {
		t.Fatalf("expected empty origin list to be rejected")
	}
	if _, err := ConfigureCORS(zaptest.NewLogger(t), []string{"https://app.example.com/path"}); err == nil {
		t.Fatalf("expected origin with path to be rejected")
	}
}

func TestConfigureCORSPreflight(t *testing.T) {
	t.Parallel()
	gin.SetMode(gin.TestMode)

	middleware, err := ConfigureCORS(zaptest.NewLogger(t), []string{"https://app.example.com"})
	if err != nil {
		t.Fatalf("unexpected error configuring CORS: %v", err)
	}
	router := gin.New()
	router.Use(middleware)
	router.POST("/resource", func(contextGin *gin.Context) {
		contextGin.Status(http.StatusNoContent)
	})

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodOptions, "/resource", nil)
	request.Header.Set("Origin", "https://app.example.com")
	request.Header.Set("Access-Control-Request-Method", http.MethodPost)
	router.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected preflight 204, got %d", recorder.Code)
	}
	if origin := recorder.Header().Get("Access-Control-Allow-Origin"); origin != "https://app.example.com" {
		t.Fatalf("unexpected allow-origin header: %q", origin)
	}
}

func TestInMemoryPrincipalsVerifyCredentials(t *testing.T) {
	t.Parallel()
	store := NewInMemoryPrincipals()
	if err := store.Add("Editor@Example.com", "correct horse", authcore.RoleEditor, true); err != nil {
		t.Fatalf("add principal: %v", err)
	}

	principal, verifyErr := store.VerifyCredentials(context.Background(), "editor@example.com", "correct horse")
	if verifyErr != nil {
		t.Fatalf("expected valid credentials, got %v", verifyErr)
	}
	if principal.Role != authcore.RoleEditor {
		t.Fatalf("unexpected role %q", principal.Role)
	}

	if _, err := store.VerifyCredentials(context.Background(), "editor@example.com", "wrong"); err != authcore.ErrInvalidCredentials {
		t.Fatalf("expected invalid credentials for wrong password, got %v", err)
	}
	if _, err := store.VerifyCredentials(context.Background(), "nobody@example.com", "anything"); err != authcore.ErrInvalidCredentials {
		t.Fatalf("expected invalid credentials for unknown email, got %v", err)
	}
}

func TestInMemoryPrincipalsFindByEmail(t *testing.T) {
	t.Parallel()
	store := NewInMemoryPrincipals()
	if err := store.Add("viewer@example.com", "secret", authcore.RoleViewer, false); err != nil {
		t.Fatalf("add principal: %v", err)
	}

	principal, findErr := store.FindByEmail(context.Background(), "viewer@example.com")
	if findErr != nil {
		t.Fatalf("expected principal, got %v", findErr)
	}
	if principal.Active {
		t.Fatalf("expected inactive principal")
	}
	if _, err := store.FindByEmail(context.Background(), "missing@example.com"); err != authcore.ErrPrincipalNotFound {
		t.Fatalf("expected not-found error, got %v", err)
	}
}

func TestSeedPrincipals(t *testing.T) {
	t.Parallel()
	store := NewInMemoryPrincipals()
	if err := SeedPrincipals(store, []string{"dev@example.com:hunter2 two:DEV"}); err != nil {
		t.Fatalf("seed principals: %v", err)
	}

	principal, verifyErr := store.VerifyCredentials(context.Background(), "dev@example.com", "hunter2 two:DEV")
	if verifyErr == nil {
		t.Fatalf("password must stop at the role separator, got principal %+v", principal)
	}
	if _, err := store.VerifyCredentials(context.Background(), "dev@example.com", "hunter2 two"); err != nil {
		t.Fatalf("expected seeded credentials to verify, got %v", err)
	}

	for _, malformed := range []string{"no-separators", "a:b", ":pw:DEV", "x@example.com:pw:SUPERUSER"} {
		if err := SeedPrincipals(NewInMemoryPrincipals(), []string{malformed}); err == nil {
			t.Fatalf("expected entry %q to be rejected", malformed)
		}
	}
}

func TestHandleWhoAmI(t *testing.T) {
	t.Parallel()
	gin.SetMode(gin.TestMode)

	expiry := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	router := gin.New()
	router.GET("/api/me", func(contextGin *gin.Context) {
		contextGin.Set(authcore.ContextPrincipalKey, authcore.Principal{
			ID:     "admin@example.com",
			Email:  "admin@example.com",
			Role:   authcore.RoleAdmin,
			Active: true,
		})
		contextGin.Set(authcore.ContextClaimsKey, &authcore.SessionClaims{
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "admin@example.com",
				ExpiresAt: jwt.NewNumericDate(expiry),
			},
		})
	}, HandleWhoAmI(zaptest.NewLogger(t)))

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/api/me", nil))
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	var payload map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload["email"] != "admin@example.com" {
		t.Fatalf("unexpected email %v", payload["email"])
	}
	if payload["role"] != string(authcore.RoleAdmin) {
		t.Fatalf("unexpected role %v", payload["role"])
	}
}

func TestHandleWhoAmIWithoutAuthState(t *testing.T) {
	t.Parallel()
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.GET("/api/me", HandleWhoAmI(zaptest.NewLogger(t)))

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/api/me", nil))
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
}
