package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signedCoordinatorToken(t *testing.T, secret string) string {
	t.Helper()
	claims := CoordinatorClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "coord-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Email: "coord@example.com",
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func TestCoordinatorJWTRejects(t *testing.T) {
	cases := map[string]struct {
		secret string
		header string
	}{
		"missing secret": {secret: "", header: ""},
		"missing header": {secret: "secret", header: ""},
		"wrong scheme":   {secret: "secret", header: "Basic abc"},
		"bad signature":  {secret: "secret", header: "Bearer " + signedCoordinatorToken(t, "wrong")},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/campaigns", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			CoordinatorJWT(tc.secret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				t.Fatal("handler should not run")
			})).ServeHTTP(rec, req)
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", rec.Code)
			}
		})
	}
}

func TestCoordinatorJWTValidToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/campaigns", nil)
	req.Header.Set("Authorization", "Bearer "+signedCoordinatorToken(t, "secret"))
	rec := httptest.NewRecorder()

	var who string
	CoordinatorJWT("secret")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		who = CoordinatorID(r.Context())
		w.WriteHeader(http.StatusOK)
	})).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if who != "coord@example.com" {
		t.Fatalf("expected coordinator email in context, got %q", who)
	}
}
