package httpserver

import (
	"crypto/subtle"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/codrlabs/codr/internal/domain"
)

const apiKeyHeader = "X-API-Key"

// checkAPIKey compares the presented key against the configured secret in
// constant time. CORS preflights bypass the check.
func checkAPIKey(r *http.Request, configured string) error {
	if r.Method == http.MethodOptions {
		return nil
	}
	presented := r.Header.Get(apiKeyHeader)
	if presented == "" {
		return domain.ErrAuthMissing
	}
	if subtle.ConstantTimeCompare([]byte(presented), []byte(configured)) != 1 {
		return domain.ErrAuthInvalid
	}
	return nil
}

// RequireAPIKey guards a route subtree with the shared-secret check.
func (s *Server) RequireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := checkAPIKey(r, s.Cfg.APIKey); err != nil {
			writeError(w, fmt.Errorf("%w", err), nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RateLimit applies the broker-backed fixed-window limits after the key
// check so key counters only count authenticated traffic.
func (s *Server) RateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		if err := s.Limiter.Allow(r.Context(), ClientIP(r), r.Header.Get(apiKeyHeader)); err != nil {
			writeError(w, err, nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientIP extracts the originating address: first hop of X-Forwarded-For
// when present, else the peer address.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if first, _, ok := strings.Cut(xff, ","); ok {
			return strings.TrimSpace(first)
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
