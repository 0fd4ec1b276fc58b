// HTTP endpoint for Prometheus scraping
//
// Serves /metrics, /health and /ready with optional basic auth.
//
// Copyright (C) 2026  steppermon authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"steppermon/pkg/log"
)

// Gatherer renders metrics in text format. *DriverMetrics and *Registry
// satisfy it.
type Gatherer interface {
	Gather() string
}

// ServerConfig holds the endpoint settings.
type ServerConfig struct {
	Address string

	// Basic auth is enforced on /metrics when either is set.
	Username string
	Password string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultServerConfig returns the defaults for the [metrics] section.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:      ":9130",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Server serves one Gatherer over HTTP.
type Server struct {
	g      Gatherer
	cfg    ServerConfig
	server *http.Server
	mux    *http.ServeMux
	logger *log.Logger

	// healthy reports whether /health answers 200. Nil means always.
	healthy func() bool

	mu        sync.RWMutex
	running   bool
	addr      string
	startTime time.Time
}

// NewServer creates a server. Zero timeouts take the defaults.
func NewServer(g Gatherer, cfg ServerConfig) *Server {
	def := DefaultServerConfig()
	if cfg.Address == "" {
		cfg.Address = def.Address
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	s := &Server{
		g:      g,
		cfg:    cfg,
		mux:    http.NewServeMux(),
		logger: log.GetLogger("metrics"),
		addr:   cfg.Address,
	}
	s.mux.HandleFunc("/metrics", s.handleMetrics)
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/ready", s.handleReady)
	s.server = &http.Server{
		Handler:      s.mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// SetHealthCheck installs the /health predicate.
func (s *Server) SetHealthCheck(fn func() bool) {
	s.mu.Lock()
	s.healthy = fn
	s.mu.Unlock()
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.mux }

// Start listens and serves until Shutdown. It blocks.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("metrics: listen %s: %w", s.cfg.Address, err)
	}
	s.mu.Lock()
	s.running = true
	s.addr = ln.Addr().String()
	s.startTime = time.Now()
	s.mu.Unlock()
	s.logger.Info("serving metrics on %s", ln.Addr())

	err = s.server.Serve(ln)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics: serve: %w", err)
	}
	return nil
}

// StartAsync runs Start in a goroutine. The channel yields Start's error
// and is closed when it returns.
func (s *Server) StartAsync() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.Start(); err != nil {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	return s.server.Shutdown(ctx)
}

// IsRunning reports whether Start is serving.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Addr returns the bound address once started, the configured one before.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.addr
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.checkAuth(w, r) {
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	out := s.g.Gather()
	if r.Method == http.MethodHead {
		w.Header().Set("Content-Length", strconv.Itoa(len(out)))
		return
	}
	_, _ = w.Write([]byte(out))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	fn := s.healthy
	s.mu.RUnlock()
	w.Header().Set("Content-Type", "text/plain")
	if fn != nil && !fn() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("HALTED\n"))
		return
	}
	_, _ = w.Write([]byte("OK\n"))
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	if !s.IsRunning() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("Not Ready\n"))
		return
	}
	_, _ = w.Write([]byte("Ready\n"))
}

func (s *Server) checkAuth(w http.ResponseWriter, r *http.Request) bool {
	if s.cfg.Username == "" && s.cfg.Password == "" {
		return true
	}
	user, pass, ok := r.BasicAuth()
	if ok &&
		subtle.ConstantTimeCompare([]byte(user), []byte(s.cfg.Username)) == 1 &&
		subtle.ConstantTimeCompare([]byte(pass), []byte(s.cfg.Password)) == 1 {
		return true
	}
	w.Header().Set("WWW-Authenticate", `Basic realm="steppermon"`)
	http.Error(w, "Unauthorized", http.StatusUnauthorized)
	return false
}

// Status returns server state for diagnostics.
func (s *Server) Status() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := map[string]any{
		"address": s.addr,
		"running": s.running,
	}
	if s.running {
		st["uptime"] = time.Since(s.startTime).Seconds()
	}
	return st
}
