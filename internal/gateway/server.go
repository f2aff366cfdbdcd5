// Package gateway provides the local HTTP surface of a running listener:
// health, a status snapshot and a WebSocket feed of normalized events.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/jersoncarin/facebook-message-api/internal/listener"
	"github.com/jersoncarin/facebook-message-api/internal/sink"
)

// Config holds the gateway configuration.
type Config struct {
	Host string
	Port int

	// Token, when set, is required on every route except /health.
	Token string

	RateLimit RateLimit
}

// RateLimit bounds requests per client IP.
type RateLimit struct {
	Enabled bool
	RPS     float64
	Burst   int
}

// StatusSource reports the listener runtime state. listener.Listener
// implements it.
type StatusSource interface {
	Snapshot() listener.RuntimeState
}

// Server represents the gateway server.
type Server struct {
	config *Config
	echo   *echo.Echo
	logger zerolog.Logger

	status StatusSource
	stream *sink.Stream
	userID string

	mu        sync.RWMutex
	running   bool
	startTime time.Time
	addr      net.Addr
	served    chan struct{}
}

// New creates a new gateway server for one listener.
func New(cfg *Config, status StatusSource, stream *sink.Stream, userID string, logger zerolog.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = NewCustomValidator()

	s := &Server{
		config: cfg,
		echo:   e,
		logger: logger.With().Str("component", "gateway").Logger(),
		status: status,
		stream: stream,
		userID: userID,
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// Handler exposes the routes for in-process use.
func (s *Server) Handler() http.Handler { return s.echo }

// Start binds the configured address and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("gateway already running")
	}

	addr := net.JoinHostPort(s.config.Host, fmt.Sprint(s.config.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gateway listen %s: %w", addr, err)
	}
	s.echo.Listener = ln
	s.addr = ln.Addr()
	s.running = true
	s.startTime = time.Now()
	s.served = make(chan struct{})

	served := s.served
	go func() {
		defer close(served)
		s.logger.Info().Str("addr", s.addr.String()).Msg("Gateway server starting")
		if err := s.echo.Start(""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Gateway server failed")
		}
	}()
	return nil
}

// Stop shuts the server down. Open event feeds are closed by the stream
// owner; Stop only waits for in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	served := s.served
	s.mu.Unlock()

	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	<-served
	s.logger.Info().Msg("Server stopped")
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.addr
}

// IsRunning reports whether the server is serving.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Uptime returns how long the gateway has been running.
func (s *Server) Uptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.running {
		return 0
	}
	return time.Since(s.startTime)
}

func (s *Server) setupMiddleware() {
	s.echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogMethod: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.logger.Debug().
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Msg("request")
			return nil
		},
	}))

	s.echo.Use(middleware.Recover())
	s.echo.Use(s.RateLimitMiddleware())
}

// setupRoutes configures HTTP routes.
func (s *Server) setupRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/status", s.handleStatus, s.AuthMiddleware)
	s.echo.GET("/events", s.handleEvents, s.AuthMiddleware)
}
