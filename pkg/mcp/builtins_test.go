package mcp

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmanhype/mcphoenix/pkg/jsonrpc"
)

func TestBuiltinEcho(t *testing.T) {
	b := NewBuiltins()

	result, rpcErr := b.Invoke(context.Background(), "echo", json.RawMessage(`{"message":"hi"}`))
	require.Nil(t, rpcErr)

	var out struct {
		Echo      string `json:"echo"`
		Timestamp string `json:"timestamp"`
	}
	require.NoError(t, json.Unmarshal(result, &out))
	assert.Equal(t, "hi", out.Echo)
	assert.NotEmpty(t, out.Timestamp)
}

func TestBuiltinEchoRequiresMessage(t *testing.T) {
	b := NewBuiltins()

	_, rpcErr := b.Invoke(context.Background(), "echo", json.RawMessage(`{}`))
	require.NotNil(t, rpcErr)
	assert.Equal(t, jsonrpc.CodeInvalidParams, rpcErr.Code)
}

func TestBuiltinTimestamp(t *testing.T) {
	b := NewBuiltins()

	result, rpcErr := b.Invoke(context.Background(), "timestamp", nil)
	require.Nil(t, rpcErr)

	var out struct {
		Timestamp string `json:"timestamp"`
	}
	require.NoError(t, json.Unmarshal(result, &out))
	assert.NotEmpty(t, out.Timestamp)
}

func TestBuiltinRandomNumber(t *testing.T) {
	b := NewBuiltins()

	result, rpcErr := b.Invoke(context.Background(), "random_number", json.RawMessage(`{"min":3,"max":7}`))
	require.Nil(t, rpcErr)

	var out struct {
		Number int64 `json:"number"`
		Min    int64 `json:"min"`
		Max    int64 `json:"max"`
	}
	require.NoError(t, json.Unmarshal(result, &out))
	assert.Equal(t, int64(3), out.Min)
	assert.Equal(t, int64(7), out.Max)
	assert.GreaterOrEqual(t, out.Number, int64(3))
	assert.LessOrEqual(t, out.Number, int64(7))
}

func TestBuiltinRandomNumberValidation(t *testing.T) {
	b := NewBuiltins()

	tests := []string{
		`{}`,
		`{"min":1}`,
		`{"max":1}`,
		`{"min":5,"max":4}`,
		`{"min":"a","max":"b"}`,
	}
	for _, args := range tests {
		_, rpcErr := b.Invoke(context.Background(), "random_number", json.RawMessage(args))
		require.NotNil(t, rpcErr, args)
		assert.Equal(t, jsonrpc.CodeInvalidParams, rpcErr.Code, args)
	}
}

func TestBuiltinRandomNumberDegenerateRange(t *testing.T) {
	b := NewBuiltins()

	result, rpcErr := b.Invoke(context.Background(), "random_number", json.RawMessage(`{"min":4,"max":4}`))
	require.Nil(t, rpcErr)

	var out struct {
		Number int64 `json:"number"`
	}
	require.NoError(t, json.Unmarshal(result, &out))
	assert.Equal(t, int64(4), out.Number)
}

func TestBuiltinSchemas(t *testing.T) {
	b := NewBuiltins()
	schemas := b.Schemas()
	assert.Len(t, schemas, 3)
	for name, schema := range schemas {
		assert.True(t, json.Valid(schema), name)
	}
}
