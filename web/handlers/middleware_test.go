package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/scrypster/synapse/internal/config"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequireAuthDevelopmentPassthrough(t *testing.T) {
	cfg := &config.Config{Security: config.SecurityConfig{SecurityMode: "development"}}
	handler := RequireAuth(okHandler(), cfg)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/stats", nil))

	assert.Equal(t, http.StatusOK, rec.Code, "development mode should not require a token")
}

func TestRequireAuthProductionRejectsMissingToken(t *testing.T) {
	cfg := &config.Config{Security: config.SecurityConfig{
		SecurityMode: "production",
		APIToken:     "correct-token",
	}}
	handler := RequireAuth(okHandler(), cfg)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/stats", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "UNAUTHORIZED")
}

func TestRequireAuthProductionRejectsWrongToken(t *testing.T) {
	cfg := &config.Config{Security: config.SecurityConfig{
		SecurityMode: "production",
		APIToken:     "correct-token",
	}}
	handler := RequireAuth(okHandler(), cfg)

	req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	req.Header.Set("Authorization", "Bearer wrong-token")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireAuthProductionAcceptsBearerToken(t *testing.T) {
	cfg := &config.Config{Security: config.SecurityConfig{
		SecurityMode: "production",
		APIToken:     "correct-token",
	}}
	handler := RequireAuth(okHandler(), cfg)

	req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	req.Header.Set("Authorization", "Bearer correct-token")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequireAuthProductionWithoutConfiguredToken(t *testing.T) {
	// No token configured means nothing can authenticate; fail closed.
	cfg := &config.Config{Security: config.SecurityConfig{SecurityMode: "production"}}
	handler := RequireAuth(okHandler(), cfg)

	req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	req.Header.Set("Authorization", "Bearer anything")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireAuthAcceptsSynapseTokenHeader(t *testing.T) {
	cfg := &config.Config{Security: config.SecurityConfig{
		SecurityMode: "production",
		APIToken:     "correct-token",
	}}
	handler := RequireAuth(okHandler(), cfg)

	req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	req.Header.Set("X-Synapse-Token", "correct-token")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimitMiddleware(t *testing.T) {
	rl := NewRateLimiter(1, 2)
	handler := RateLimitMiddleware(okHandler(), rl)

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/stats", nil))
		assert.Equal(t, http.StatusOK, rec.Code, "request %d should fit in the burst", i)
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), "RATE_LIMITED")
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestRateLimitIsolatesClients(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	handler := RateLimitMiddleware(okHandler(), rl)

	first := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	first.RemoteAddr = "10.0.0.1:40001"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, first)
	assert.Equal(t, http.StatusOK, rec.Code)

	exhausted := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	exhausted.RemoteAddr = "10.0.0.1:40002"
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, exhausted)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code, "same host shares one bucket")

	other := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	other.RemoteAddr = "10.0.0.2:40001"
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, other)
	assert.Equal(t, http.StatusOK, rec.Code, "a different host gets its own bucket")
}
