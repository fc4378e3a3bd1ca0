package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

var testSigningKey = []byte("test-secret-key-for-unit-tests-only")

func createTestToken(t *testing.T, claims Claims, key []byte) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenStr, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return tokenStr
}

func validClaims(sub string) Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		Roles: []string{"patient"},
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		name   string
		header string
		query  string
		want   string
	}{
		{"header", "Bearer abc", "", "abc"},
		{"lowercase scheme", "bearer abc", "", "abc"},
		{"query fallback", "", "xyz", "xyz"},
		{"header wins", "Bearer abc", "xyz", "abc"},
		{"basic auth", "Basic dXNlcjpwYXNz", "", ""},
		{"missing token", "Bearer", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := "/ws"
			if tt.query != "" {
				target += "?token=" + tt.query
			}
			req := httptest.NewRequest(http.MethodGet, target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			if got := BearerToken(req); got != tt.want {
				t.Errorf("BearerToken() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestJWTMiddleware_MissingHeader(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	c := e.NewContext(req, httptest.NewRecorder())

	err := JWTMiddleware(NewVerifier(JWTConfig{SigningKey: testSigningKey}))(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})(c)

	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", httpErr.Code)
	}
}

func TestJWTMiddleware_ValidToken(t *testing.T) {
	tokenStr := createTestToken(t, validClaims("user-123"), testSigningKey)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tokenStr)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	var handlerCalled bool
	handler := func(c echo.Context) error {
		handlerCalled = true
		if uid := UserIDFromContext(c.Request().Context()); uid != "user-123" {
			t.Errorf("expected user-123, got %s", uid)
		}
		if c.Get("user_id") != "user-123" {
			t.Errorf("expected user_id on echo context, got %v", c.Get("user_id"))
		}
		return c.String(http.StatusOK, "ok")
	}

	if err := JWTMiddleware(NewVerifier(JWTConfig{SigningKey: testSigningKey}))(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !handlerCalled {
		t.Error("expected handler to be called")
	}
}

func TestVerifier_RejectsWrongKeyAndExpired(t *testing.T) {
	v := NewVerifier(JWTConfig{SigningKey: testSigningKey})

	wrong := createTestToken(t, validClaims("u"), []byte("another-key"))
	if _, err := v.Verify(wrong); err == nil {
		t.Error("expected error for wrong signing key")
	}

	expired := validClaims("u")
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	if _, err := v.Verify(createTestToken(t, expired, testSigningKey)); err == nil {
		t.Error("expected error for expired token")
	}

	noExp := validClaims("u")
	noExp.ExpiresAt = nil
	if _, err := v.Verify(createTestToken(t, noExp, testSigningKey)); err == nil {
		t.Error("expected error for token without expiry")
	}
}

func TestVerifier_IssuerAndAudience(t *testing.T) {
	v := NewVerifier(JWTConfig{SigningKey: testSigningKey, Issuer: "https://idp.test", Audience: "notify"})

	claims := validClaims("u")
	claims.Issuer = "https://idp.test"
	claims.Audience = jwt.ClaimStrings{"notify"}
	if _, err := v.Verify(createTestToken(t, claims, testSigningKey)); err != nil {
		t.Errorf("expected valid token, got %v", err)
	}

	claims.Issuer = "https://other.test"
	if _, err := v.Verify(createTestToken(t, claims, testSigningKey)); err == nil {
		t.Error("expected error for wrong issuer")
	}
}

func TestDevAuthMiddleware(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	c := e.NewContext(req, httptest.NewRecorder())

	handler := func(c echo.Context) error {
		uid := UserIDFromContext(c.Request().Context())
		roles := RolesFromContext(c.Request().Context())
		if uid != "dev-user" {
			t.Errorf("expected dev-user, got %s", uid)
		}
		if len(roles) != 1 || roles[0] != RoleAdmin {
			t.Errorf("expected [admin] roles, got %v", roles)
		}
		return c.String(http.StatusOK, "ok")
	}

	if err := DevAuthMiddleware()(handler)(c); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestUserIDFromContext(t *testing.T) {
	ctx := context.WithValue(context.Background(), UserIDKey, "user-123")
	if uid := UserIDFromContext(ctx); uid != "user-123" {
		t.Errorf("expected user-123, got %s", uid)
	}
	if empty := UserIDFromContext(context.Background()); empty != "" {
		t.Errorf("expected empty string, got %s", empty)
	}
}
