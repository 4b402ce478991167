package router

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	httpmiddleware "github.com/wolfman30/trial-scheduling-engine/internal/http/middleware"
)

// requireSiteAccess limits site-scoped routes to coordinators whose token
// lists the site. A token without sites, or with "*", may see every site.
func requireSiteAccess(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		siteID := strings.TrimSpace(chi.URLParam(r, "siteID"))
		if siteID == "" {
			http.Error(w, `{"error":"missing siteID"}`, http.StatusBadRequest)
			return
		}
		claims, ok := httpmiddleware.CoordinatorFromContext(r.Context())
		if !ok {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		if !allowsSite(claims.Sites, siteID) {
			http.Error(w, `{"error":"forbidden"}`, http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func allowsSite(sites []string, siteID string) bool {
	if len(sites) == 0 {
		return true
	}
	for _, s := range sites {
		s = strings.TrimSpace(s)
		if s == "*" || strings.EqualFold(s, siteID) {
			return true
		}
	}
	return false
}
