package main

import (
	"crypto/subtle"
	"net/http"
)

// requireAdminKey gates the admin surface on X-Admin-API-Key. With no key
// configured, dev environments let requests through and everything else
// answers 503 until an operator sets one.
func (a *app) requireAdminKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		expected := a.cfg.AdminAPIKey
		if expected == "" {
			if a.cfg.IsDev() {
				next.ServeHTTP(w, r)
				return
			}
			writeError(w, http.StatusServiceUnavailable, "ADMIN_KEY_NOT_CONFIGURED")
			return
		}

		got := r.Header.Get("X-Admin-API-Key")
		if subtle.ConstantTimeCompare([]byte(got), []byte(expected)) != 1 {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED")
			return
		}
		next.ServeHTTP(w, r)
	})
}
