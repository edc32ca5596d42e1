// Package handlers provides HTTP handlers and middleware for the Synapse
// dashboard.
package handlers

import (
	"crypto/subtle"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/scrypster/synapse/internal/config"
)

// middlewareError writes the error envelope shared by the auth and rate-limit
// middleware.
func middlewareError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	http.Error(w, fmt.Sprintf(`{"error":%q,"code":%q}`, msg, code), status)
}

// RequireAuth enforces API token authentication in production mode. In
// development mode all requests pass through. The token travels as a Bearer
// credential or in the X-Synapse-Token header; with no token configured the
// middleware fails closed.
func RequireAuth(next http.Handler, cfg *config.Config) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if cfg.Security.SecurityMode == "development" {
			next.ServeHTTP(w, r)
			return
		}

		expected := cfg.Security.APIToken
		if expected == "" {
			middlewareError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
			return
		}

		token := r.Header.Get("X-Synapse-Token")
		if token == "" {
			token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
			middlewareError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// RateLimiter hands out one token bucket per client address, so a single
// runaway dashboard client cannot starve the others.
type RateLimiter struct {
	mu      sync.Mutex
	perSec  float64
	burst   int
	clients map[string]*rate.Limiter
}

// NewRateLimiter creates a rate limiter. reqPerSec is the sustained per-client
// rate, burst is the maximum burst size.
func NewRateLimiter(reqPerSec float64, burst int) *RateLimiter {
	return &RateLimiter{
		perSec:  reqPerSec,
		burst:   burst,
		clients: make(map[string]*rate.Limiter),
	}
}

func (rl *RateLimiter) allow(client string) bool {
	rl.mu.Lock()
	lim, ok := rl.clients[client]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(rl.perSec), rl.burst)
		rl.clients[client] = lim
	}
	rl.mu.Unlock()
	return lim.Allow()
}

// RateLimitMiddleware enforces per-client rate limiting on HTTP requests.
// Limited requests get a Retry-After hint.
func RateLimitMiddleware(next http.Handler, rl *RateLimiter) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client := r.RemoteAddr
		if host, _, err := net.SplitHostPort(client); err == nil {
			client = host
		}
		if !rl.allow(client) {
			w.Header().Set("Retry-After", "1")
			middlewareError(w, http.StatusTooManyRequests, "RATE_LIMITED", "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
