package api

import (
	"net/http"
	"strings"

	"github.com/nerrad567/gray-logic-relay/internal/auth"
)

// bearerToken returns the token from an "Authorization: Bearer" header.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return strings.TrimSpace(h[len(prefix):])
	}
	return ""
}

// streamToken returns the bearer token of a WebSocket handshake. Browsers
// cannot set headers on a WebSocket dial, so the token query parameter is
// accepted as a fallback.
func streamToken(r *http.Request) string {
	if t := bearerToken(r); t != "" {
		return t
	}
	return r.URL.Query().Get("token")
}

func (s *Server) parseToken(token string) (*auth.AccessClaims, error) {
	return auth.ParseAccessToken(token, s.secCfg.JWT.Secret)
}

// claimsFrom returns the claims stored by authMiddleware.
func claimsFrom(r *http.Request) *auth.AccessClaims {
	c, _ := r.Context().Value(ctxKeyClaims).(*auth.AccessClaims) //nolint:errcheck // nil outside authMiddleware
	return c
}

// principal returns the authenticated user id, or "" if there is none.
// The access gate treats "" as an authentication failure.
func principal(r *http.Request) string {
	if c := claimsFrom(r); c != nil {
		return c.UserID
	}
	return ""
}
