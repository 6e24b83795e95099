// Package health serves liveness, readiness and per-backend status over
// HTTP. Status snapshots come from in-memory state only; the handlers never
// touch a backend, so a slow backend cannot make the health endpoint slow.
package health

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Checker probes one dependency for readiness.
type Checker func(ctx context.Context) error

// StatusFunc returns the per-backend status snapshot.
type StatusFunc func() any

// Config holds health server settings.
type Config struct {
	Port         int
	CheckTimeout time.Duration
}

// DefaultConfig returns health server defaults.
func DefaultConfig() Config {
	return Config{
		Port:         8081,
		CheckTimeout: 5 * time.Second,
	}
}

func (c *Config) normalize() {
	if c.Port <= 0 {
		c.Port = 8081
	}
	if c.CheckTimeout <= 0 {
		c.CheckTimeout = 5 * time.Second
	}
}

// Server is the health HTTP server.
type Server struct {
	config Config
	logger *zap.Logger
	status StatusFunc

	mu     sync.RWMutex
	checks map[string]Checker

	srv      *http.Server
	stopOnce sync.Once
}

// NewServer creates a health server. The status function backs the
// /backends endpoint and may be nil.
func NewServer(config Config, status StatusFunc, logger *zap.Logger) *Server {
	config.normalize()
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		config: config,
		logger: logger,
		status: status,
		checks: make(map[string]Checker),
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/healthz", s.handleLiveness)
	router.GET("/readyz", s.handleReadiness)
	router.GET("/backends", s.handleBackends)

	s.srv = &http.Server{
		Addr:         fmt.Sprintf(":%d", config.Port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// RegisterCheck adds a named readiness check.
func (s *Server) RegisterCheck(name string, check Checker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks[name] = check
}

// Start begins serving. It blocks until the listener fails or Stop is
// called.
func (s *Server) Start() error {
	s.logger.Info("health server starting", zap.String("addr", s.srv.Addr))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("health server: %w", err)
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		s.logger.Info("health server stopping")
		err = s.srv.Shutdown(ctx)
	})
	return err
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

func (s *Server) handleLiveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleReadiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.config.CheckTimeout)
	defer cancel()

	s.mu.RLock()
	checks := make(map[string]Checker, len(s.checks))
	for name, check := range s.checks {
		checks[name] = check
	}
	s.mu.RUnlock()

	failed := make(map[string]string)
	for name, check := range checks {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}

	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "failed": failed})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) handleBackends(c *gin.Context) {
	if s.status == nil {
		c.JSON(http.StatusOK, gin.H{})
		return
	}
	c.JSON(http.StatusOK, s.status())
}
