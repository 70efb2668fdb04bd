package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

// tokenExpiry is how long a token issued by the auth endpoint is valid.
const tokenExpiry = 24 * time.Hour

// tokenStore holds bearer tokens and their expiry times.
type tokenStore struct {
	mu     sync.RWMutex
	now    func() time.Time
	tokens map[string]time.Time
}

func newTokenStore() *tokenStore {
	return &tokenStore{now: time.Now, tokens: make(map[string]time.Time)}
}

// generate creates a 256-bit random token.
func (ts *tokenStore) generate() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	token := hex.EncodeToString(b)

	ts.mu.Lock()
	ts.tokens[token] = ts.now().Add(tokenExpiry)
	ts.mu.Unlock()
	return token, nil
}

func (ts *tokenStore) valid(token string) bool {
	if token == "" {
		return false
	}
	ts.mu.RLock()
	expiry, ok := ts.tokens[token]
	ts.mu.RUnlock()
	return ok && ts.now().Before(expiry)
}

func (ts *tokenStore) revoke(token string) {
	ts.mu.Lock()
	delete(ts.tokens, token)
	ts.mu.Unlock()
}

// prune drops expired tokens and returns how many remain.
func (ts *tokenStore) prune() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	now := ts.now()
	for token, expiry := range ts.tokens {
		if !now.Before(expiry) {
			delete(ts.tokens, token)
		}
	}
	return len(ts.tokens)
}

// pruneEvery runs prune on each tick until ctx is done.
func (ts *tokenStore) pruneEvery(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ts.prune()
		}
	}
}

// withAuth requires "Authorization: Bearer <token>" when a password hash is
// configured, and is a no-op otherwise.
func (s *Server) withAuth(handler http.HandlerFunc) http.HandlerFunc {
	if s.passwordHash == "" {
		return handler
	}
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "authorization required"})
			return
		}
		const bearerPrefix = "Bearer "
		if !strings.HasPrefix(header, bearerPrefix) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid authorization format"})
			return
		}
		if !s.tokens.valid(strings.TrimPrefix(header, bearerPrefix)) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid or expired token"})
			return
		}
		handler(w, r)
	}
}
