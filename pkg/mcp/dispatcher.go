package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/jmanhype/mcphoenix/internal/bus"
	"github.com/jmanhype/mcphoenix/pkg/jsonrpc"
)

// maxBodyBytes bounds a single RPC request body.
const maxBodyBytes = 8 * 1024 * 1024

// Dispatcher is the sole entry point for client-originated JSON-RPC. It
// parses, validates, routes by method, and formats the reply; errors never
// escape past it.
type Dispatcher struct {
	executor ToolExecutor
	builtins *Builtins
	bus      *bus.Bus
	logger   *zap.Logger
	metrics  *Metrics
	info     ServerInfo
}

// DispatcherOptions configures a Dispatcher.
type DispatcherOptions struct {
	Executor ToolExecutor
	Builtins *Builtins
	Bus      *bus.Bus
	Logger   *zap.Logger
	Metrics  *Metrics
	Info     ServerInfo
}

// NewDispatcher wires the dispatcher. Builtins defaults to the standard
// registry.
func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	builtins := opts.Builtins
	if builtins == nil {
		builtins = NewBuiltins()
	}
	return &Dispatcher{
		executor: opts.Executor,
		builtins: builtins,
		bus:      opts.Bus,
		logger:   logger.Named("dispatcher"),
		metrics:  opts.Metrics,
		info:     opts.Info,
	}
}

// HandleRPC serves POST /mcp/rpc (and POST /mcp).
//
// JSON-RPC errors still produce HTTP 200 with the error inside the
// envelope; only transport failures surface as non-200. Notifications get
// 204 with no body. A Request whose Accept header lists text/event-stream
// is answered over SSE on the same connection.
func (d *Dispatcher) HandleRPC(c echo.Context) error {
	start := time.Now()
	ctx := c.Request().Context()

	clientID := c.Request().Header.Get(ClientIDHeader)
	if clientID == "" {
		clientID = uuid.New().String()
	}
	c.Response().Header().Set(ClientIDHeader, clientID)

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxBodyBytes))
	if err != nil {
		d.logger.Error("failed to read request body", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "body read failed")
	}

	msg, parseErr := jsonrpc.Parse(body)
	if parseErr != nil {
		resp := jsonrpc.NewErrorResponse(jsonrpc.NullID(), parseErr)
		d.record(clientID, "", body, start, resp)
		return d.writeJSON(c, resp)
	}

	switch m := msg.(type) {
	case *jsonrpc.Notification:
		// Notifications are accepted and never answered.
		d.record(clientID, m.Method, body, start, nil)
		return c.NoContent(http.StatusNoContent)

	case *jsonrpc.Request:
		resp := d.handle(ctx, m)
		d.record(clientID, m.Method, body, start, resp)
		if acceptsEventStream(c.Request().Header.Get(echo.HeaderAccept)) {
			return d.writeEventStream(c, resp)
		}
		return d.writeJSON(c, resp)

	default:
		resp := jsonrpc.NewErrorResponse(jsonrpc.NullID(),
			jsonrpc.NewError(jsonrpc.CodeInternalError, "Internal error", nil))
		return d.writeJSON(c, resp)
	}
}

// handle dispatches one Request and always yields exactly one Response.
func (d *Dispatcher) handle(ctx context.Context, req *jsonrpc.Request) (resp *jsonrpc.Response) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("handler panic",
				zap.String("method", req.Method),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			resp = jsonrpc.NewErrorResponse(req.ID,
				jsonrpc.NewError(jsonrpc.CodeInternalError, "Internal error", nil))
		}
	}()

	switch req.Method {
	case "initialize":
		return d.handleInitialize(req)

	case "invoke_tool", "execute":
		var params invokeToolParams
		if rpcErr := decodeParams(req.Params, &params); rpcErr != nil {
			return jsonrpc.NewErrorResponse(req.ID, rpcErr)
		}
		if params.Tool == "" {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrInvalidParams("tool is required"))
		}
		return d.executeTool(ctx, req.ID, params.ServerID, params.Tool, params.Parameters)

	case "call_tool":
		// Alias of invoke_tool with the upstream MCP schema key names.
		var params callToolParams
		if rpcErr := decodeParams(req.Params, &params); rpcErr != nil {
			return jsonrpc.NewErrorResponse(req.ID, rpcErr)
		}
		if params.Name == "" {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrInvalidParams("name is required"))
		}
		return d.executeTool(ctx, req.ID, params.ServerID, params.Name, params.Arguments)

	default:
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrMethodNotFound(req.Method))
	}
}

// handleInitialize returns the merged capabilities document. Idempotent:
// repeated calls against an unchanged pool produce byte-identical results.
func (d *Dispatcher) handleInitialize(req *jsonrpc.Request) *jsonrpc.Response {
	raw, err := d.CapabilitiesJSON()
	if err != nil {
		d.logger.Error("building capabilities document", zap.Error(err))
		return jsonrpc.NewErrorResponse(req.ID,
			jsonrpc.NewError(jsonrpc.CodeInternalError, "Internal error", nil))
	}
	return &jsonrpc.Response{Result: raw, ID: req.ID}
}

// CapabilitiesJSON renders the capabilities document: built-in tools plus
// every running backend's schemas, plus the static resource list.
func (d *Dispatcher) CapabilitiesJSON() (json.RawMessage, error) {
	tools := d.builtins.Schemas()
	if d.executor != nil {
		for name, schema := range d.executor.ToolSchemas() {
			tools[name] = schema
		}
	}

	doc := capabilitiesDocument{
		ProtocolVersion: protocolVersion,
		Capabilities:    capabilitySet{Tools: tools},
		ServerInfo:      d.info,
		Resources: []Resource{
			{
				URI:         "mcp://host/status",
				Name:        "Host status",
				Description: "Backend pool status document",
				MimeType:    "application/json",
			},
		},
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshaling capabilities: %w", err)
	}
	return raw, nil
}

// executeTool routes a tool call to a built-in or the backend pool. The
// wire form toward backends is always tools/call {name, arguments},
// whichever alias the client used.
func (d *Dispatcher) executeTool(ctx context.Context, id jsonrpc.ID, serverID, tool string, arguments json.RawMessage) *jsonrpc.Response {
	var result json.RawMessage
	var rpcErr *jsonrpc.Error

	if serverID == "" && d.builtins.Has(tool) {
		result, rpcErr = d.builtins.Invoke(ctx, tool, arguments)
	} else if d.executor != nil {
		result, rpcErr = d.executor.ExecuteTool(ctx, serverID, tool, arguments)
	} else {
		rpcErr = jsonrpc.NewError(jsonrpc.CodeServerNotFound, "no backend provides tool",
			map[string]any{"tool": tool})
	}

	if rpcErr != nil {
		return jsonrpc.NewErrorResponse(id, rpcErr)
	}
	return &jsonrpc.Response{Result: result, ID: id}
}

// writeJSON emits the response envelope with HTTP 200.
func (d *Dispatcher) writeJSON(c echo.Context, resp *jsonrpc.Response) error {
	raw, err := resp.Encode()
	if err != nil {
		d.logger.Error("encoding response envelope", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "response encoding failed")
	}
	return c.Blob(http.StatusOK, echo.MIMEApplicationJSON, raw)
}

// writeEventStream answers a Request over SSE on the POST connection: one
// terminal message event carrying the response envelope, then the stream
// closes.
func (d *Dispatcher) writeEventStream(c echo.Context, resp *jsonrpc.Response) error {
	raw, err := resp.Encode()
	if err != nil {
		d.logger.Error("encoding response envelope", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "response encoding failed")
	}

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")
	res.WriteHeader(http.StatusOK)

	if _, err := fmt.Fprintf(res, "event: message\ndata: %s\n\n", raw); err != nil {
		return nil
	}
	res.Flush()
	return nil
}

// record publishes the RPC to mcp:requests and updates metrics. A nil
// response marks a notification.
func (d *Dispatcher) record(clientID, method string, body []byte, start time.Time, resp *jsonrpc.Response) {
	latency := time.Since(start)

	outcome := "notification"
	if resp != nil {
		outcome = "ok"
		if resp.Error != nil {
			outcome = "error"
		}
	}
	if d.metrics != nil {
		d.metrics.RecordRequest(context.Background(), method, outcome, latency)
	}

	if d.bus == nil {
		return
	}
	envelope := json.RawMessage(body)
	if !json.Valid(envelope) {
		envelope, _ = json.Marshal(string(body))
	}
	record := requestRecord{
		ClientID:  clientID,
		Method:    method,
		Envelope:  envelope,
		LatencyMS: float64(latency.Microseconds()) / 1000.0,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if err := d.bus.Publish(bus.TopicRequests, record); err != nil {
		d.logger.Debug("publishing request record", zap.Error(err))
	}
}

// decodeParams unmarshals request params, mapping failures to -32602.
func decodeParams(params json.RawMessage, into any) *jsonrpc.Error {
	if len(params) == 0 {
		return jsonrpc.ErrInvalidParams("params are required")
	}
	if err := json.Unmarshal(params, into); err != nil {
		return jsonrpc.ErrInvalidParams(err.Error())
	}
	return nil
}

// acceptsEventStream reports whether the Accept header lists
// text/event-stream.
func acceptsEventStream(accept string) bool {
	return strings.Contains(accept, "text/event-stream")
}
