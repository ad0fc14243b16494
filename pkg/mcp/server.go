package mcp

import (
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/jmanhype/mcphoenix/internal/bus"
)

// Server bundles the MCP endpoints and registers them on an echo instance.
type Server struct {
	echo       *echo.Echo
	dispatcher *Dispatcher
	stream     *StreamHandler
}

// ServerOptions configures the MCP surface.
type ServerOptions struct {
	Executor  ToolExecutor
	Bus       *bus.Bus
	Logger    *zap.Logger
	Info      ServerInfo
	KeepAlive time.Duration
}

// NewServer creates the MCP server on an existing echo instance. Routes
// are not registered until RegisterRoutes is called.
func NewServer(e *echo.Echo, opts ServerOptions) *Server {
	metrics := NewMetrics(opts.Logger)
	dispatcher := NewDispatcher(DispatcherOptions{
		Executor: opts.Executor,
		Bus:      opts.Bus,
		Logger:   opts.Logger,
		Metrics:  metrics,
		Info:     opts.Info,
	})
	stream := NewStreamHandler(StreamOptions{
		Bus:          opts.Bus,
		Capabilities: dispatcher.CapabilitiesJSON,
		KeepAlive:    opts.KeepAlive,
		Logger:       opts.Logger,
		Metrics:      metrics,
	})
	return &Server{echo: e, dispatcher: dispatcher, stream: stream}
}

// RegisterRoutes mounts the MCP endpoints.
//
//	GET  /mcp/stream   SSE notification stream
//	POST /mcp/rpc      JSON-RPC request/response
//	POST /mcp          alias of /mcp/rpc
func (s *Server) RegisterRoutes() {
	s.echo.GET("/mcp/stream", s.stream.Handle)
	s.echo.POST("/mcp/rpc", s.dispatcher.HandleRPC)
	s.echo.POST("/mcp", s.dispatcher.HandleRPC)
}

// Dispatcher exposes the dispatcher, mainly for the health surface and
// tests.
func (s *Server) Dispatcher() *Dispatcher { return s.dispatcher }
