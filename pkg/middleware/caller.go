package middleware

import (
	"net/http"
	"strings"

	"github.com/platinummonkey/modulo/pkg/contextkeys"
	"github.com/platinummonkey/modulo/pkg/httputil"
)

// CallerHeader carries the authenticated user id set by the fronting host
const CallerHeader = "X-Modulo-User"

// CallerMiddleware stores the forwarded user id in the request context
func CallerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if userID := strings.TrimSpace(r.Header.Get(CallerHeader)); userID != "" {
			r = r.WithContext(contextkeys.WithUserID(r.Context(), userID))
		}
		next.ServeHTTP(w, r)
	})
}

// RequireCaller rejects requests that carry no user id
func RequireCaller(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if contextkeys.GetUserID(r.Context()) == "" {
			httputil.WriteErrorMessage(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}
