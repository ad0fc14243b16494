package mcp

import (
	"context"
	"encoding/json"
	"math/rand/v2"
	"time"

	"github.com/jmanhype/mcphoenix/pkg/jsonrpc"
)

// builtinHandler executes one built-in tool.
type builtinHandler func(ctx context.Context, arguments json.RawMessage) (any, *jsonrpc.Error)

// builtin is a tool executed inside the host, without a backend. Built-ins
// are only consulted when the client supplied no server_id.
type builtin struct {
	schema  json.RawMessage
	handler builtinHandler
}

// Builtins is the registry of host-local tools.
type Builtins struct {
	tools map[string]builtin
	now   func() time.Time
}

// NewBuiltins creates the standard registry: echo, timestamp, and
// random_number.
func NewBuiltins() *Builtins {
	b := &Builtins{
		tools: make(map[string]builtin),
		now:   time.Now,
	}

	b.tools["echo"] = builtin{
		schema: json.RawMessage(`{"description":"Echo a message back with a timestamp","parameters":[{"name":"message","type":"string","required":true}]}`),
		handler: b.echo,
	}
	b.tools["timestamp"] = builtin{
		schema: json.RawMessage(`{"description":"Current host time in ISO 8601","parameters":[]}`),
		handler: b.timestamp,
	}
	b.tools["random_number"] = builtin{
		schema: json.RawMessage(`{"description":"Random integer in an inclusive range","parameters":[{"name":"min","type":"number","required":true},{"name":"max","type":"number","required":true}]}`),
		handler: b.randomNumber,
	}
	return b
}

// Has reports whether name is a built-in tool.
func (b *Builtins) Has(name string) bool {
	_, ok := b.tools[name]
	return ok
}

// Schemas returns the built-in tool schemas for the capabilities document.
func (b *Builtins) Schemas() map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(b.tools))
	for name, tool := range b.tools {
		out[name] = tool.schema
	}
	return out
}

// Invoke executes a built-in tool.
func (b *Builtins) Invoke(ctx context.Context, name string, arguments json.RawMessage) (json.RawMessage, *jsonrpc.Error) {
	tool, ok := b.tools[name]
	if !ok {
		return nil, jsonrpc.NewError(jsonrpc.CodeServerNotFound, "no backend provides tool",
			map[string]any{"tool": name})
	}

	result, rpcErr := tool.handler(ctx, arguments)
	if rpcErr != nil {
		return nil, rpcErr
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, jsonrpc.NewError(jsonrpc.CodeInternalError, "encoding builtin result", nil)
	}
	return raw, nil
}

func (b *Builtins) echo(_ context.Context, arguments json.RawMessage) (any, *jsonrpc.Error) {
	var args struct {
		Message *string `json:"message"`
	}
	if err := unmarshalArgs(arguments, &args); err != nil {
		return nil, err
	}
	if args.Message == nil {
		return nil, jsonrpc.ErrInvalidParams("message is required")
	}
	return map[string]any{
		"echo":      *args.Message,
		"timestamp": b.now().UTC().Format(time.RFC3339),
	}, nil
}

func (b *Builtins) timestamp(_ context.Context, _ json.RawMessage) (any, *jsonrpc.Error) {
	return map[string]any{
		"timestamp": b.now().UTC().Format(time.RFC3339),
	}, nil
}

func (b *Builtins) randomNumber(_ context.Context, arguments json.RawMessage) (any, *jsonrpc.Error) {
	var args struct {
		Min *int64 `json:"min"`
		Max *int64 `json:"max"`
	}
	if err := unmarshalArgs(arguments, &args); err != nil {
		return nil, err
	}
	if args.Min == nil || args.Max == nil {
		return nil, jsonrpc.ErrInvalidParams("min and max are required")
	}
	if *args.Min > *args.Max {
		return nil, jsonrpc.ErrInvalidParams("min must not exceed max")
	}

	n := *args.Min + rand.Int64N(*args.Max-*args.Min+1)
	return map[string]any{
		"number": n,
		"min":    *args.Min,
		"max":    *args.Max,
	}, nil
}

// unmarshalArgs decodes tool arguments, rejecting non-object input and
// wrong-typed fields as invalid params.
func unmarshalArgs(arguments json.RawMessage, into any) *jsonrpc.Error {
	if len(arguments) == 0 {
		arguments = json.RawMessage("{}")
	}
	if err := json.Unmarshal(arguments, into); err != nil {
		return jsonrpc.ErrInvalidParams(err.Error())
	}
	return nil
}
