// Package mcp implements the client-facing side of the host: the JSON-RPC
// dispatcher behind POST /mcp/rpc, the SSE stream behind GET /mcp/stream,
// and the built-in tools that exercise the dispatch path without a backend.
package mcp

import (
	"context"
	"encoding/json"

	"github.com/jmanhype/mcphoenix/pkg/jsonrpc"
)

// ClientIDHeader carries the opaque per-client token. The SSE endpoint
// mints one per stream; the RPC endpoint accepts it and always echoes one
// back.
const ClientIDHeader = "x-mcp-client-id"

// ToolExecutor is the slice of the backend pool the dispatcher needs.
type ToolExecutor interface {
	// ExecuteTool routes a call to a backend. An empty backendID means
	// route by tool name.
	ExecuteTool(ctx context.Context, backendID, tool string, arguments json.RawMessage) (json.RawMessage, *jsonrpc.Error)

	// ToolSchemas returns the merged tool schemas of all running backends.
	ToolSchemas() map[string]json.RawMessage

	// Statuses reports backend lifecycle states for the health surface.
	Statuses() map[string]string
}

// ServerInfo identifies the host in capability documents.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Resource is one entry of the small static resource list advertised by
// initialize.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// capabilitiesDocument is the initialize result and the first SSE event.
// It marshals deterministically (map keys sort), so repeated initialize
// calls return byte-identical documents for an unchanged pool.
type capabilitiesDocument struct {
	ProtocolVersion string          `json:"protocolVersion"`
	Capabilities    capabilitySet   `json:"capabilities"`
	ServerInfo      ServerInfo      `json:"serverInfo"`
	Resources       []Resource      `json:"resources"`
}

type capabilitySet struct {
	Tools map[string]json.RawMessage `json:"tools"`
}

// protocolVersion is the MCP revision the host advertises to clients.
const protocolVersion = "0.1.0"

// invokeToolParams is the parameter shape of invoke_tool and execute.
type invokeToolParams struct {
	ServerID   string          `json:"server_id"`
	Tool       string          `json:"tool"`
	Parameters json.RawMessage `json:"parameters"`
}

// callToolParams is the parameter shape of call_tool, matching the
// upstream MCP schema key names.
type callToolParams struct {
	ServerID  string          `json:"server_id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// requestRecord is the payload published to mcp:requests for every
// incoming RPC.
type requestRecord struct {
	ClientID  string          `json:"client_id"`
	Method    string          `json:"method,omitempty"`
	Envelope  json.RawMessage `json:"envelope"`
	LatencyMS float64         `json:"latency_ms"`
	Timestamp string          `json:"timestamp"`
}
