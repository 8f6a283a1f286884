// Package auth implements the local API-key gate in front of the relay
// routes: every route but /health requires a Bearer or x-api-key token
// matching the key recorded in the credential store.
package auth

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"github.com/ccrelay/ccrelay/internal/credential"
)

// Middleware validates requests against the single local API key.
type Middleware struct {
	store *credential.Store
}

func NewMiddleware(store *credential.Store) *Middleware {
	return &Middleware{store: store}
}

// Authenticate is the HTTP middleware that validates the local API key.
// When no key has been configured yet, every local caller is accepted —
// the key is opt-in, not mandatory.
func (m *Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec, configured := m.store.LoadAPIKey()
		if !configured {
			next.ServeHTTP(w, r)
			return
		}

		token := extractToken(r)
		if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(rec.Key)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid_api_key", "missing or invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func extractToken(r *http.Request) string {
	if key := r.Header.Get("x-api-key"); key != "" {
		return key
	}
	if a := r.Header.Get("Authorization"); strings.HasPrefix(a, "Bearer ") {
		return strings.TrimPrefix(a, "Bearer ")
	}
	return ""
}

func writeError(w http.ResponseWriter, status int, errType, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"type":"error","error":{"type":"%s","message":"%s"}}`, errType, msg)
}
