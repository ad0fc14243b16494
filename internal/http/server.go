// Package http provides the HTTP surface of the mcphoenix host.
package http

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// StatusReporter exposes backend pool state for the health endpoint.
type StatusReporter interface {
	Statuses() map[string]string
}

// Config holds HTTP server configuration.
type Config struct {
	Host    string
	Port    int
	Version string
}

// Server wraps the echo instance with the host's middleware and the
// operational endpoints. MCP routes are registered by pkg/mcp on the same
// instance.
type Server struct {
	echo     *echo.Echo
	logger   *zap.Logger
	config   *Config
	metrics  *HTTPMetrics
	statuses StatusReporter
}

// NewServer creates the HTTP server.
func NewServer(logger *zap.Logger, cfg *Config, statuses StatusReporter) (*Server, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if cfg == nil {
		cfg = &Config{Host: "127.0.0.1", Port: 8420}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	httpMetrics := NewHTTPMetrics(logger)

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(httpMetrics.MetricsMiddleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	s := &Server{
		echo:     e,
		logger:   logger,
		config:   cfg,
		metrics:  httpMetrics,
		statuses: statuses,
	}
	s.registerRoutes()
	return s, nil
}

// Echo returns the underlying echo instance for route registration.
func (s *Server) Echo() *echo.Echo { return s.echo }

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status   string            `json:"status"`
	Version  string            `json:"version"`
	Backends map[string]string `json:"backends"`
}

// handleHealth reports host liveness and per-backend status.
func (s *Server) handleHealth(c echo.Context) error {
	resp := HealthResponse{
		Status:   "ok",
		Version:  s.config.Version,
		Backends: map[string]string{},
	}
	if s.statuses != nil {
		resp.Backends = s.statuses.Statuses()
	}
	return c.JSON(http.StatusOK, resp)
}

// ErrBindFailed marks a listener bind failure so main can exit with the
// dedicated code.
var ErrBindFailed = errors.New("bind failed")

// Start binds the listener and serves until Shutdown. A bind failure is
// wrapped with ErrBindFailed.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrBindFailed, addr, err)
	}
	s.echo.Listener = listener

	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
