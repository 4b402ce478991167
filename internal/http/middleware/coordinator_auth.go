package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const coordinatorClaimsKey contextKey = "coordinatorClaims"

// CoordinatorClaims identifies the study coordinator behind an API call.
type CoordinatorClaims struct {
	jwt.RegisteredClaims
	Email string   `json:"email,omitempty"`
	Sites []string `json:"sites,omitempty"`
}

// CoordinatorJWT enforces an HMAC-signed JWT on coordinator endpoints.
func CoordinatorJWT(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				http.Error(w, `{"error":"coordinator auth disabled"}`, http.StatusUnauthorized)
				return
			}
			auth := r.Header.Get("Authorization")
			if auth == "" || !strings.HasPrefix(auth, "Bearer ") {
				http.Error(w, `{"error":"missing authorization header"}`, http.StatusUnauthorized)
				return
			}
			claims := CoordinatorClaims{}
			token, err := jwt.ParseWithClaims(strings.TrimPrefix(auth, "Bearer "), &claims, func(token *jwt.Token) (any, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return []byte(secret), nil
			})
			if err != nil || !token.Valid {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithCoordinator(r.Context(), claims)))
		})
	}
}

// CoordinatorFromContext returns the coordinator claims if present.
func CoordinatorFromContext(ctx context.Context) (CoordinatorClaims, bool) {
	claims, ok := ctx.Value(coordinatorClaimsKey).(CoordinatorClaims)
	return claims, ok
}

// CoordinatorID returns the best label for audit columns such as
// uploaded_by and created_by.
func CoordinatorID(ctx context.Context) string {
	claims, ok := CoordinatorFromContext(ctx)
	if !ok {
		return ""
	}
	if claims.Email != "" {
		return claims.Email
	}
	return claims.Subject
}

// WithCoordinator attaches claims to ctx as CoordinatorJWT does.
func WithCoordinator(ctx context.Context, claims CoordinatorClaims) context.Context {
	return context.WithValue(ctx, coordinatorClaimsKey, claims)
}
