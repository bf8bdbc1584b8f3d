package proxy

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// AuthMiddleware returns a chi-compatible middleware that accepts a Bearer
// token matching any of tokens, using constant-time comparison. Requests
// without a token receive 401, requests with an unknown one 403. With no
// tokens configured every request passes.
func AuthMiddleware(tokens []string) func(http.Handler) http.Handler {
	var keys [][]byte
	for _, t := range tokens {
		if t != "" {
			keys = append(keys, []byte(t))
		}
	}
	return func(next http.Handler) http.Handler {
		if len(keys) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			const prefix = "Bearer "
			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, prefix) {
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeJSONError(w, http.StatusUnauthorized, "authentication required", errTypeAuth)
				return
			}

			provided := []byte(strings.TrimPrefix(authHeader, prefix))
			ok := 0
			for _, k := range keys {
				// Check every key so timing does not reveal which one matched.
				ok |= subtle.ConstantTimeCompare(provided, k)
			}
			if ok != 1 {
				writeJSONError(w, http.StatusForbidden, "invalid token", errTypeAuth)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
