package httpserver

import (
	"net/http"
	"strings"

	"github.com/wilsonzlin/aero/proxy/call-signal/internal/origin"
)

// withOriginPolicy rejects browser requests from origins the policy does not
// allow and sets CORS headers for the ones it does. /ws applies the same policy
// in its upgrader.
func (s *Server) withOriginPolicy(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		originHeader := strings.TrimSpace(r.Header.Get("Origin"))
		if originHeader == "" {
			next(w, r)
			return
		}

		normalizedOrigin, originHost, ok := origin.NormalizeHeader(originHeader)
		if !ok || !s.origins.Allows(normalizedOrigin, originHost, r.Host) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		w.Header().Set("Access-Control-Allow-Origin", normalizedOrigin)
		w.Header().Set("Access-Control-Expose-Headers", "X-Request-ID")
		w.Header().Add("Vary", "Origin")
		next(w, r)
	}
}
