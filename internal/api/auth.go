package api

import (
	"net/http"
	"strings"

	"github.com/civicq/askrank/internal/identity"
)

type claimsHandler func(w http.ResponseWriter, r *http.Request, c *identity.Claims)

// bearer extracts and validates the token of the Authorization header. It
// writes 401 and returns nil when that fails.
func (s *Server) bearer(w http.ResponseWriter, r *http.Request) *identity.Claims {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		writeError(w, http.StatusUnauthorized, "missing or invalid Authorization header")
		return nil
	}
	claims, err := s.tokens.Verify(strings.TrimPrefix(auth, "Bearer "))
	if err != nil {
		s.log.Debug("token rejected", "error", err)
		writeError(w, http.StatusUnauthorized, "invalid or expired token")
		return nil
	}
	return claims
}

// withVoter admits any valid token. Whether the voter may vote is decided by
// the engine, from the directory.
func (s *Server) withVoter(h claimsHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if c := s.bearer(w, r); c != nil {
			h(w, r, c)
		}
	}
}

func (s *Server) withModerator(h claimsHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c := s.bearer(w, r)
		if c == nil {
			return
		}
		if c.Role != identity.RoleModerator {
			writeError(w, http.StatusForbidden, "moderator role required")
			return
		}
		h(w, r, c)
	}
}
