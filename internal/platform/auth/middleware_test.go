package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

const testSecret = "test-signing-secret"

func mintToken(t *testing.T, secret string, claims Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func baseClaims(subject string) Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    "ecomcore",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
}

func newTestAuthenticator(t *testing.T) *Authenticator {
	t.Helper()
	verifier, err := NewJWTVerifier(testSecret, "ecomcore")
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	return NewAuthenticator(verifier)
}

func TestRequireAuthStoresIdentity(t *testing.T) {
	authn := newTestAuthenticator(t)

	claims := baseClaims("user-1")
	claims.Role = "Admin"
	claims.Email = "user@example.com"

	var captured *Identity
	handler := authn.RequireAuth()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured, _ = IdentityFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/cart", nil)
	req.Header.Set("Authorization", "Bearer "+mintToken(t, testSecret, claims))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body.String())
	}
	if captured == nil {
		t.Fatal("identity not stored in context")
	}
	if captured.UID != "user-1" {
		t.Fatalf("unexpected uid: %q", captured.UID)
	}
	if !captured.IsAdmin() {
		t.Fatalf("role claim should be normalised, got %v", captured.Roles)
	}
}

func TestRequireAuthMissingHeader(t *testing.T) {
	authn := newTestAuthenticator(t)
	handler := authn.RequireAuth()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not run")
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/cart", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestRequireAuthRejectsExpiredToken(t *testing.T) {
	authn := newTestAuthenticator(t)
	handler := authn.RequireAuth()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not run")
	}))

	claims := baseClaims("user-1")
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))

	req := httptest.NewRequest(http.MethodGet, "/v1/cart", nil)
	req.Header.Set("Authorization", "Bearer "+mintToken(t, testSecret, claims))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestRequireAuthRejectsWrongIssuer(t *testing.T) {
	authn := newTestAuthenticator(t)
	handler := authn.RequireAuth()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not run")
	}))

	claims := baseClaims("user-1")
	claims.Issuer = "someone-else"

	req := httptest.NewRequest(http.MethodGet, "/v1/cart", nil)
	req.Header.Set("Authorization", "Bearer "+mintToken(t, testSecret, claims))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestRequireAuthEnforcesRoles(t *testing.T) {
	authn := newTestAuthenticator(t)
	handler := authn.RequireAuth(RoleAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	claims := baseClaims("user-1")
	claims.Role = RoleCustomer

	req := httptest.NewRequest(http.MethodPost, "/v1/admin/products/p1/stock", nil)
	req.Header.Set("Authorization", "Bearer "+mintToken(t, testSecret, claims))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for customer on admin route, got %d", rec.Code)
	}

	claims.Role = RoleAdmin
	req = httptest.NewRequest(http.MethodPost, "/v1/admin/products/p1/stock", nil)
	req.Header.Set("Authorization", "Bearer "+mintToken(t, testSecret, claims))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for admin, got %d", rec.Code)
	}
}

func TestRequireAuthFallbackRole(t *testing.T) {
	authn := newTestAuthenticator(t)

	var captured *Identity
	handler := authn.RequireAuth()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured, _ = IdentityFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/cart", nil)
	req.Header.Set("Authorization", "Bearer "+mintToken(t, testSecret, baseClaims("user-2")))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if captured == nil || !captured.HasRole(RoleCustomer) {
		t.Fatalf("expected fallback customer role, got %+v", captured)
	}
}
