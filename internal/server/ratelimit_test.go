package server

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewRateLimiter_Defaults(t *testing.T) {
	t.Parallel()

	rl := newRateLimiter(RateLimitConfig{})
	assert.Equal(t, DefaultRateLimitConfig(), rl.config)
}

func TestRateLimiter_SlidingWindow(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := newRateLimiter(RateLimitConfig{MaxRequests: 2, Window: time.Minute})
	rl.now = func() time.Time { return now }

	assert.True(t, rl.check("10.0.0.1").Allowed)
	now = now.Add(20 * time.Second)
	assert.True(t, rl.check("10.0.0.1").Allowed)

	now = now.Add(10 * time.Second)
	res := rl.check("10.0.0.1")
	assert.False(t, res.Allowed)
	assert.Equal(t, 30*time.Second, res.RetryAfter, "until the first request leaves the window")

	assert.True(t, rl.check("10.0.0.2").Allowed, "limits are per client")

	now = now.Add(31 * time.Second)
	assert.True(t, rl.check("10.0.0.1").Allowed)
}

func TestRateLimiter_MinimumRetryAfter(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := newRateLimiter(RateLimitConfig{MaxRequests: 1, Window: time.Minute})
	rl.now = func() time.Time { return now }

	assert.True(t, rl.check("a").Allowed)
	now = now.Add(time.Minute - 100*time.Millisecond)
	assert.Equal(t, time.Second, rl.check("a").RetryAfter)
}

func TestRateLimiter_PrunesIdleClients(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := newRateLimiter(RateLimitConfig{MaxRequests: 1, Window: time.Minute})
	rl.now = func() time.Time { return now }

	rl.check("a")
	rl.check("b")
	now = now.Add(2 * time.Minute)
	rl.check("c")

	assert.Len(t, rl.requests, 1)
	assert.Contains(t, rl.requests, "c")
}

func TestExtractIP(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		want       string
	}{
		{name: "remote addr", remoteAddr: "192.168.1.5:4321", want: "192.168.1.5"},
		{name: "remote addr without port", remoteAddr: "192.168.1.5", want: "192.168.1.5"},
		{name: "forwarded for", remoteAddr: "10.0.0.1:1", headers: map[string]string{"X-Forwarded-For": " 203.0.113.9 , 10.0.0.1"}, want: "203.0.113.9"},
		{name: "real ip", remoteAddr: "10.0.0.1:1", headers: map[string]string{"X-Real-IP": "203.0.113.7"}, want: "203.0.113.7"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest("POST", "/debug/memwatch/capture", nil)
			req.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, extractIP(req))
		})
	}
}
