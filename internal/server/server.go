package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/thruflo/memwatch/internal/auth"
	"github.com/thruflo/memwatch/internal/config"
	"github.com/thruflo/memwatch/internal/diag"
	"github.com/thruflo/memwatch/internal/logging"
)

// Capturer takes an on-demand heap snapshot. heapdiff.Profiler implements it.
type Capturer interface {
	CaptureOnDemand(ctx context.Context) error
}

// Server is the diagnostics HTTP server.
type Server struct {
	listen   string
	app      *diag.App
	capturer Capturer
	limiter  *rateLimiter
	logger   *logging.Logger

	passwordHash string
	authLimiter  *rateLimiter
	tokens       *tokenStore

	mu       sync.RWMutex
	server   *http.Server
	listener net.Listener
	started  bool
}

// Config holds server configuration options.
type Config struct {
	// Listen is a host:port address; ":0" picks a free port.
	Listen string
	App    *diag.App
	// Capturer enables POST /debug/memwatch/capture when set.
	Capturer     Capturer
	CaptureLimit RateLimitConfig
	// PasswordHash is an argon2id hash from auth.HashPassword. When set,
	// the /debug/memwatch endpoints require a bearer token from
	// POST /debug/memwatch/auth.
	PasswordHash string
	AuthLimit    RateLimitConfig
	Logger       *logging.Logger
}

// NewServer creates a new Server instance.
func NewServer(cfg *Config) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if cfg.Listen == "" {
		return nil, errors.New("listen address is required")
	}
	if cfg.App == nil {
		return nil, errors.New("app is required")
	}
	if cfg.PasswordHash != "" {
		if err := auth.ValidateHash(cfg.PasswordHash); err != nil {
			return nil, err
		}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.With("component", "server")
	}

	return &Server{
		listen:   cfg.Listen,
		app:      cfg.App,
		capturer: cfg.Capturer,
		limiter:  newRateLimiter(cfg.CaptureLimit),
		logger:   logger,

		passwordHash: cfg.PasswordHash,
		authLimiter:  newRateLimiter(cfg.AuthLimit),
		tokens:       newTokenStore(),
	}, nil
}

// NewServerFromConfig creates a new Server from a config.ServerConfig.
func NewServerFromConfig(cfg *config.ServerConfig, app *diag.App, capturer Capturer) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("server config is required")
	}
	return NewServer(&Config{
		Listen:       cfg.Listen,
		App:          app,
		Capturer:     capturer,
		CaptureLimit: DefaultRateLimitConfig(),
		PasswordHash: cfg.PasswordHash,
		AuthLimit:    DefaultAuthRateLimitConfig(),
	})
}

// Start listens and serves until Stop is called. Cancelling ctx also stops
// the server.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("server already started")
	}

	listener, err := net.Listen("tcp", s.listen)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to listen on %s: %w", s.listen, err)
	}
	s.listener = listener

	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}
	s.started = true
	s.mu.Unlock()

	s.logger.Info("server: listening", "addr", listener.Addr().String(), "auth", s.passwordHash != "")

	stopped := make(chan struct{})
	defer close(stopped)
	if s.passwordHash != "" {
		pruneCtx, cancelPrune := context.WithCancel(ctx)
		defer cancelPrune()
		go s.tokens.pruneEvery(pruneCtx, time.Hour)
	}
	go func() {
		select {
		case <-ctx.Done():
			if err := s.Stop(); err != nil {
				s.logger.Warn("server: shutdown failed", "error", err)
			}
		case <-stopped:
		}
	}()

	err = s.server.Serve(listener)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started || s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	s.started = false
	return nil
}

// ListenAddr returns the address the server is listening on, or "" if it has
// not started.
func (s *Server) ListenAddr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.setupRoutes(mux)
	return mux
}

func (s *Server) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /debug/memwatch", s.withAuth(s.handleState))
	if s.capturer != nil {
		mux.HandleFunc("POST /debug/memwatch/capture", s.withAuth(s.handleCapture))
	}
	if s.passwordHash != "" {
		mux.HandleFunc("POST /debug/memwatch/auth", s.handleAuth)
		mux.HandleFunc("DELETE /debug/memwatch/auth", s.withAuth(s.handleLogout))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.app.Snapshot())
}

// handleCapture runs one snapshot synchronously and returns the updated
// state. Captures force a GC, so they are rate limited per client.
func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	ip := extractIP(r)
	result := s.limiter.check(ip)
	if !result.Allowed {
		s.logger.Warn("server: capture rate limited", "ip", ip, "retry_after", result.RetryAfter)
		w.Header().Set("Retry-After", strconv.Itoa(int(result.RetryAfter.Seconds()+0.5)))
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
		return
	}

	if err := s.capturer.CaptureOnDemand(r.Context()); err != nil {
		s.logger.Error("server: capture failed", "ip", ip, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	s.logger.Info("server: capture complete", "ip", ip)
	writeJSON(w, http.StatusOK, s.app.Snapshot())
}

// handleAuth exchanges the form field "password" for a bearer token.
func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	ip := extractIP(r)
	result := s.authLimiter.check(ip)
	if !result.Allowed {
		s.logger.Warn("server: auth rate limited", "ip", ip, "retry_after", result.RetryAfter)
		w.Header().Set("Retry-After", strconv.Itoa(int(result.RetryAfter.Seconds()+0.5)))
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
		return
	}

	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request"})
		return
	}
	password := r.FormValue("password")
	if password == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "password required"})
		return
	}

	ok, err := auth.VerifyPassword(password, s.passwordHash)
	if err != nil {
		s.logger.Error("server: verify password failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	if !ok {
		s.logger.Warn("server: invalid password", "ip", ip)
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid password"})
		return
	}

	token, err := s.tokens.generate()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.tokens.revoke(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
