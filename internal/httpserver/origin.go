package httpserver

import (
	"net/http"
	"strings"
)

// originMiddleware rejects browser requests from origins outside the policy,
// adds CORS headers for allowed ones and answers every OPTIONS request itself.
func (s *Server) originMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			normalizedOrigin, ok := s.origins.Check(r)
			if !ok {
				s.log.Debug("origin_rejected", "origin", r.Header.Get("Origin"), "path", r.URL.Path)
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}

			if normalizedOrigin != "" {
				w.Header().Set("Access-Control-Allow-Origin", normalizedOrigin)
				w.Header().Set("Access-Control-Expose-Headers", "X-Request-ID")
				w.Header().Add("Vary", "Origin")
			}

			if r.Method == http.MethodOptions {
				w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
				if requestHeaders := strings.TrimSpace(r.Header.Get("Access-Control-Request-Headers")); requestHeaders != "" {
					w.Header().Set("Access-Control-Allow-Headers", requestHeaders)
				} else {
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
				}
				w.Header().Set("Access-Control-Max-Age", "600")
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
