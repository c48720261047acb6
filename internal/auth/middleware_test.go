package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signed(t *testing.T, secret string, claims Claims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func TestAuthenticateAndRequirePermission(t *testing.T) {
	m := NewJWTMiddleware("s3cret", "converse")
	h := m.Authenticate(RequirePermission(PermNarrationsWrite)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})))

	future := jwt.NewNumericDate(time.Now().Add(time.Hour))
	past := jwt.NewNumericDate(time.Now().Add(-time.Hour))
	tests := []struct {
		name   string
		token  string
		status int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"valid", signed(t, "s3cret", Claims{Scope: "narrations:read narrations:write", RegisteredClaims: jwt.RegisteredClaims{Issuer: "converse", ExpiresAt: future}}), http.StatusNoContent},
		{"wildcard", signed(t, "s3cret", Claims{Scope: "*", RegisteredClaims: jwt.RegisteredClaims{Issuer: "converse"}}), http.StatusNoContent},
		{"read only", signed(t, "s3cret", Claims{Scope: "narrations:read", RegisteredClaims: jwt.RegisteredClaims{Issuer: "converse"}}), http.StatusForbidden},
		{"expired", signed(t, "s3cret", Claims{Scope: "*", RegisteredClaims: jwt.RegisteredClaims{Issuer: "converse", ExpiresAt: past}}), http.StatusUnauthorized},
		{"wrong issuer", signed(t, "s3cret", Claims{Scope: "*", RegisteredClaims: jwt.RegisteredClaims{Issuer: "other"}}), http.StatusUnauthorized},
		{"wrong secret", signed(t, "nope", Claims{Scope: "*", RegisteredClaims: jwt.RegisteredClaims{Issuer: "converse"}}), http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/narrations", nil)
			if tt.token != "" {
				req.Header.Set("Authorization", "Bearer "+tt.token)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.status, rec.Body.String())
			}
		})
	}
}
