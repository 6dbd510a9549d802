// Package ratelimit throttles WebSocket upgrade attempts per remote
// IP. It is a thin wrapper over the kept middleware.RateLimiter rather
// than a gin middleware, since upgrades happen at a raw net/http
// handler before any gin route matches.
package ratelimit

import (
	"net"
	"net/http"

	"github.com/groups-relay/relay/internal/middleware"
)

// Limiter gates connection attempts by remote address.
type Limiter struct {
	rl *middleware.RateLimiter
}

// New builds a limiter allowing requestsPerSecond sustained with the
// given burst, per remote IP.
func New(requestsPerSecond float64, burst int) *Limiter {
	return &Limiter{rl: middleware.NewRateLimiter(requestsPerSecond, burst)}
}

// Allow reports whether a new connection attempt from r's remote
// address should proceed.
func (l *Limiter) Allow(r *http.Request) bool {
	return l.rl.Allow(clientIP(r))
}

// clientIP prefers X-Forwarded-For's first hop (relay typically sits
// behind a reverse proxy) and falls back to RemoteAddr.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		for i, c := range fwd {
			if c == ',' {
				return fwd[:i]
			}
		}
		return fwd
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
