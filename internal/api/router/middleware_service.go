package router

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

const serviceTokenHeader = "X-Service-Token"

// requireServiceToken guards the endpoints the patient assistant calls.
// When expected is empty, the middleware is a no-op.
func requireServiceToken(expected string) func(http.Handler) http.Handler {
	expected = strings.TrimSpace(expected)
	return func(next http.Handler) http.Handler {
		if expected == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := strings.TrimSpace(r.Header.Get(serviceTokenHeader))
			if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
				http.Error(w, `{"error":"invalid service token"}`, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
