package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ethpandaops/staticpublish/pkg/config"
)

func TestExtractIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		want       string
	}{
		{name: "remote addr", remoteAddr: "10.0.0.1:1234", want: "10.0.0.1"},
		{name: "remote addr without port", remoteAddr: "10.0.0.1", want: "10.0.0.1"},
		{name: "single forwarded", remoteAddr: "10.0.0.1:1234", xff: "203.0.113.7", want: "203.0.113.7"},
		{name: "forwarded chain", remoteAddr: "10.0.0.1:1234", xff: "203.0.113.7, 10.0.0.2", want: "203.0.113.7"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr

			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}

			assert.Equal(t, tt.want, extractIP(req))
		})
	}
}

func TestRateLimit(t *testing.T) {
	srv := newTestServer(&fakeReader{}, config.APIConfig{
		RateLimit: config.RateLimitConfig{Enabled: true, RequestsPerMinute: 2},
	})
	defer func() { _ = srv.Stop() }()

	h := srv.buildRouter()

	get := func(path, ip string) int {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.RemoteAddr = ip + ":5000"

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		return rec.Code
	}

	assert.Equal(t, http.StatusOK, get("/api/v1/status", "192.0.2.1"))
	assert.Equal(t, http.StatusOK, get("/api/v1/status", "192.0.2.1"))
	assert.Equal(t, http.StatusTooManyRequests, get("/api/v1/status", "192.0.2.1"))

	// Other clients and the health check are not affected.
	assert.Equal(t, http.StatusOK, get("/api/v1/status", "192.0.2.2"))
	assert.Equal(t, http.StatusOK, get("/api/v1/health", "192.0.2.1"))
}

func TestClientLimiters_Sweep(t *testing.T) {
	clock := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	limiters := newClientLimiters(60)
	limiters.now = func() time.Time { return clock }

	assert.True(t, limiters.allow("192.0.2.1"))

	clock = clock.Add(limiterIdleTTL / 2)
	assert.True(t, limiters.allow("192.0.2.2"))
	assert.Equal(t, 2, limiters.sweep())

	clock = clock.Add(limiterIdleTTL/2 + time.Second)
	assert.Equal(t, 1, limiters.sweep(), "only the idle client is dropped")

	clock = clock.Add(limiterIdleTTL)
	assert.Zero(t, limiters.sweep())
}
