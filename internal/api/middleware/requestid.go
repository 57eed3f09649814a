package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/modelrelay/modelrelay/internal/diag"
)

// Correlation accepts an inbound X-Request-Id, or generates one, attaches
// it to the request context, and echoes it on the response. Every log line
// and diagnostic produced while serving the request carries this id.
func Correlation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)

		ctx := diag.WithRequestID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
