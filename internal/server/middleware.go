package server

import (
	"net/http"
	"strings"
	"time"

	"git.home.luguber.info/inful/ando/internal/vault"
)

// requireToken authenticates API calls with an opaque bearer token. Lookup
// is by the indexed token prefix; the full token is verified against the
// stored HMAC in constant time.
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		prefix := vault.TokenPrefix(token)
		candidates, err := s.store.TokensByPrefix(r.Context(), prefix)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "token lookup failed")
			return
		}
		for _, cand := range candidates {
			if s.vault.VerifyToken(token, cand.Hash) {
				if err := s.store.TouchToken(r.Context(), cand.ID, time.Now()); err != nil {
					s.logger.Warn("touch token", "token_id", cand.ID, "err", err)
				}
				next.ServeHTTP(w, r)
				return
			}
		}
		writeError(w, http.StatusUnauthorized, "invalid token")
	})
}
