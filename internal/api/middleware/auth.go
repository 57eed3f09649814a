package middleware

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/modelrelay/modelrelay/internal/diag"
	"github.com/modelrelay/modelrelay/internal/security"
)

// Authenticate resolves the caller credential through the security manager
// and attaches the resulting AuthContext to the request. Credentials are
// accepted as:
//   - Authorization: Bearer <key>
//   - X-API-Key: <key>
//   - api_key query parameter (for SSE clients that cannot set headers)
func Authenticate(sec *security.Manager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth, err := sec.Authenticate(r.Context(), extractAPIKey(r))
			if err != nil {
				w.Header().Set("WWW-Authenticate", `Bearer realm="modelrelay"`)
				writeAuthError(w, r, http.StatusUnauthorized, "invalid_api_key", err.Error())
				return
			}
			next.ServeHTTP(w, r.WithContext(withAuth(r.Context(), auth)))
		})
	}
}

// RequireAdmin gates the admin surface on the key's admin flag.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := AuthFromContext(r.Context())
		if auth == nil || !auth.Admin {
			writeAuthError(w, r, http.StatusForbidden, "permission_denied", "this endpoint requires an admin API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func extractAPIKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return r.URL.Query().Get("api_key")
}

func writeAuthError(w http.ResponseWriter, r *http.Request, status int, kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{
			"kind":       kind,
			"message":    message,
			"request_id": diag.RequestID(r.Context()),
		},
	})
}
