package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/platinummonkey/modulo/pkg/contextkeys"
)

func TestCallerMiddleware(t *testing.T) {
	var seen string
	handler := CallerMiddleware(RequireCaller(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = contextkeys.GetUserID(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})))

	tests := []struct {
		name   string
		header string
		status int
		user   string
	}{
		{"forwarded user", "alice", http.StatusNoContent, "alice"},
		{"whitespace trimmed", "  bob ", http.StatusNoContent, "bob"},
		{"missing header", "", http.StatusUnauthorized, ""},
		{"blank header", "   ", http.StatusUnauthorized, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = ""
			req := httptest.NewRequest(http.MethodPost, "/api/v1/plugins/x/start", nil)
			if tt.header != "" {
				req.Header.Set(CallerHeader, tt.header)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.user, seen)
		})
	}
}
