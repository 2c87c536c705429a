package auth

import (
	"encoding/json"
	"net/http"
)

// HTTPMiddleware guards next with the same API key rules as
// APIKeyInterceptor. Rejected requests get 401 with a JSON error body.
func HTTPMiddleware(mode, header, key string, next http.Handler) http.Handler {
	if !enabled(mode, key) {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !keyMatches(r.Header.Get(header), key) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid api key"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
