package server

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

const tokenCookieName = "abg_token"

// authMiddleware accepts the token as a bearer header or a cookie
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.validToken(requestToken(r)) {
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("WWW-Authenticate", `Bearer realm="abgoat"`)
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: apiError{
			Kind:    "unauthorized",
			Message: "missing or invalid API token",
		}})
	})
}

func requestToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
		return ""
	}
	if cookie, err := r.Cookie(tokenCookieName); err == nil {
		return cookie.Value
	}
	return ""
}

func (s *Server) validToken(token string) bool {
	return token != "" && subtle.ConstantTimeCompare([]byte(token), []byte(s.token)) == 1
}
