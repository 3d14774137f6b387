package web

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// tokenPlacement says where a route accepts the server token.
type tokenPlacement int

const (
	// tokenInHeader requires "Authorization: Bearer <token>". The CLI and
	// TUI client always send it.
	tokenInHeader tokenPlacement = iota
	// tokenInHeaderOrQuery also accepts ?token=. Browser EventSource and
	// the extension's WebSocket handshake cannot set request headers.
	tokenInHeaderOrQuery
)

// requireToken rejects requests that do not present the configured token.
// Without a token every request passes.
func (s *Server) requireToken(placement tokenPlacement, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.tokenPresented(r, placement) {
			w.Header().Set("WWW-Authenticate", `Bearer realm="tabtrail"`)
			writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
			return
		}
		next(w, r)
	}
}

func (s *Server) tokenPresented(r *http.Request, placement tokenPlacement) bool {
	if s.cfg.Token == "" {
		return true
	}
	presented := bearerToken(r.Header.Get("Authorization"))
	if presented == "" && placement == tokenInHeaderOrQuery {
		presented = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	if presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(s.cfg.Token)) == 1
}

// bearerToken extracts the credentials of a Bearer authorization header.
// The scheme name is case-insensitive.
func bearerToken(authHeader string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(authHeader), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
