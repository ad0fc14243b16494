// Package config provides configuration loading for the mcphoenix host.
package config

import (
	"fmt"
	"sort"
	"time"
)

// Config is the root configuration document.
//
// It is a single JSON file holding the backend registry under "mcpServers"
// (the shape used by MCP-aware editors) plus host-level sections. Unknown
// keys are tolerated so the same file can be shared with other MCP hosts.
type Config struct {
	Server    ServerConfig             `koanf:"server"`
	Bus       BusConfig                `koanf:"bus"`
	Timeouts  TimeoutConfig            `koanf:"timeouts"`
	Logging   LoggingConfig            `koanf:"logging"`
	Telemetry TelemetryConfig          `koanf:"telemetry"`
	Backends  map[string]BackendConfig `koanf:"mcpServers"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// BusConfig selects the notification bus backbone. With Embedded set the
// host runs an in-process NATS server; otherwise URL names an external one.
type BusConfig struct {
	Embedded bool   `koanf:"embedded"`
	URL      string `koanf:"url"`
}

// TimeoutConfig carries the host's protocol deadlines.
type TimeoutConfig struct {
	ToolCall        time.Duration `koanf:"tool_call"`
	Handshake       time.Duration `koanf:"handshake"`
	BackendShutdown time.Duration `koanf:"backend_shutdown"`
	SSEKeepAlive    time.Duration `koanf:"sse_keepalive"`
}

// LoggingConfig controls the zap logger.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// TelemetryConfig controls OTLP export.
type TelemetryConfig struct {
	Enabled  bool   `koanf:"enabled"`
	Endpoint string `koanf:"endpoint"`
	Protocol string `koanf:"protocol"` // "grpc" or "http/protobuf"
	Insecure bool   `koanf:"insecure"`
}

// BackendConfig describes one spawnable backend tool server.
type BackendConfig struct {
	ID          string                `koanf:"-"`
	Command     string                `koanf:"command"`
	Args        []string              `koanf:"args"`
	Env         map[string]string     `koanf:"env"`
	Disabled    bool                  `koanf:"disabled"`
	AutoApprove []string              `koanf:"autoApprove"`
	Transport   string                `koanf:"transport"` // "stdio" (default)
	Restart     string                `koanf:"restart"`   // "none" (default) or "on_exit"
	Tools       map[string]ToolSchema `koanf:"tools"`
}

// ToolSchema is a configured tool declaration, used both for routing and as
// a fallback when a backend's initialize response omits schemas.
type ToolSchema struct {
	Description string      `koanf:"description" json:"description,omitempty"`
	Parameters  []Parameter `koanf:"parameters" json:"parameters,omitempty"`
}

// Parameter describes one tool parameter.
type Parameter struct {
	Name        string `koanf:"name" json:"name"`
	Type        string `koanf:"type" json:"type"`
	Required    bool   `koanf:"required" json:"required,omitempty"`
	Description string `koanf:"description" json:"description,omitempty"`
}

// Defaults for missing values.
const (
	DefaultPort            = 8420
	DefaultShutdownTimeout = 10 * time.Second
	DefaultToolCallTimeout = 60 * time.Second
	DefaultHandshake       = 10 * time.Second
	DefaultBackendShutdown = 5 * time.Second
	DefaultSSEKeepAlive    = 30 * time.Second
)

// ApplyDefaults fills in zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.Bus.URL == "" {
		c.Bus.Embedded = true
	}
	if c.Timeouts.ToolCall == 0 {
		c.Timeouts.ToolCall = DefaultToolCallTimeout
	}
	if c.Timeouts.Handshake == 0 {
		c.Timeouts.Handshake = DefaultHandshake
	}
	if c.Timeouts.BackendShutdown == 0 {
		c.Timeouts.BackendShutdown = DefaultBackendShutdown
	}
	if c.Timeouts.SSEKeepAlive == 0 {
		c.Timeouts.SSEKeepAlive = DefaultSSEKeepAlive
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Telemetry.Protocol == "" {
		c.Telemetry.Protocol = "grpc"
	}

	for id, backend := range c.Backends {
		backend.ID = id
		if backend.Transport == "" {
			backend.Transport = "stdio"
		}
		if backend.Restart == "" {
			backend.Restart = "none"
		}
		c.Backends[id] = backend
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("logging format must be 'json' or 'console', got %q", c.Logging.Format)
	}
	if c.Telemetry.Protocol != "grpc" && c.Telemetry.Protocol != "http/protobuf" {
		return fmt.Errorf("telemetry protocol must be 'grpc' or 'http/protobuf', got %q", c.Telemetry.Protocol)
	}

	for id, backend := range c.Backends {
		if backend.Disabled {
			continue
		}
		if backend.Command == "" {
			return fmt.Errorf("backend %q has no command", id)
		}
		switch backend.Transport {
		case "stdio", "http":
		default:
			return fmt.Errorf("backend %q has unknown transport %q", id, backend.Transport)
		}
		switch backend.Restart {
		case "none", "on_exit":
		default:
			return fmt.Errorf("backend %q has unknown restart policy %q", id, backend.Restart)
		}
	}
	return nil
}

// BackendOrder returns backend ids in their deterministic config order.
// JSON objects carry no ordering, so config order is defined as the sorted
// id order; it decides which backend wins a tool-name collision (last wins).
func (c *Config) BackendOrder() []string {
	ids := make([]string, 0, len(c.Backends))
	for id := range c.Backends {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
