package server

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// RateLimitConfig bounds how often one client may call a limited endpoint.
type RateLimitConfig struct {
	MaxRequests int           // per window (default: 2)
	Window      time.Duration // sliding window (default: 1 minute)
}

// DefaultRateLimitConfig returns the default capture rate limit.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		MaxRequests: 2,
		Window:      time.Minute,
	}
}

// DefaultAuthRateLimitConfig returns the default password attempt limit.
func DefaultAuthRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		MaxRequests: 5,
		Window:      time.Minute,
	}
}

// rateLimiter is a per-IP sliding window limiter.
type rateLimiter struct {
	mu       sync.Mutex
	config   RateLimitConfig
	now      func() time.Time
	requests map[string][]time.Time
}

func newRateLimiter(config RateLimitConfig) *rateLimiter {
	if config.MaxRequests <= 0 {
		config.MaxRequests = 2
	}
	if config.Window <= 0 {
		config.Window = time.Minute
	}
	return &rateLimiter{
		config:   config,
		now:      time.Now,
		requests: make(map[string][]time.Time),
	}
}

type checkResult struct {
	Allowed    bool
	RetryAfter time.Duration
}

// check records a request from ip if it is within the limit.
func (rl *rateLimiter) check(ip string) checkResult {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.prune(now)

	recent := rl.requests[ip]
	if len(recent) >= rl.config.MaxRequests {
		retryAfter := recent[0].Add(rl.config.Window).Sub(now)
		if retryAfter < time.Second {
			retryAfter = time.Second
		}
		return checkResult{RetryAfter: retryAfter}
	}

	rl.requests[ip] = append(recent, now)
	return checkResult{Allowed: true}
}

// prune drops requests that left the window, and clients with none left.
func (rl *rateLimiter) prune(now time.Time) {
	windowStart := now.Add(-rl.config.Window)
	for ip, timestamps := range rl.requests {
		kept := timestamps[:0]
		for _, ts := range timestamps {
			if ts.After(windowStart) {
				kept = append(kept, ts)
			}
		}
		if len(kept) == 0 {
			delete(rl.requests, ip)
		} else {
			rl.requests[ip] = kept
		}
	}
}

// extractIP returns the client IP, preferring the first X-Forwarded-For hop,
// then X-Real-IP, then the connection's remote address.
func extractIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
