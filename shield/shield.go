// Package shield provides the HTTP hardening middleware of the ingest API:
// security headers, JSON body limits and per-client rate limiting of
// upload routes.
//
// Usage:
//
//	r := chi.NewRouter()
//	r.Use(shield.SecurityHeaders(shield.APIHeaders()))
//	r.Use(shield.MaxJSONBody(1 << 20))
//	rl := shield.NewRateLimiter(shield.RateLimit{Requests: 30, Window: time.Minute})
//	r.With(rl.Middleware).Post("/v1/ingest", h)
package shield

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP returns the client address of r. X-Forwarded-For is honoured
// only when trustProxy is set; its first entry is the original client.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
