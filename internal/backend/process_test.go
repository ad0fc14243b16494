package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/jmanhype/mcphoenix/internal/config"
	"github.com/jmanhype/mcphoenix/pkg/jsonrpc"
)

const helperEnv = "MCPHOENIX_HELPER_BACKEND"

// TestHelperBackend is not a real test: when re-executed with the helper
// env set, the test binary becomes a line-delimited JSON-RPC backend.
func TestHelperBackend(t *testing.T) {
	if os.Getenv(helperEnv) != "1" {
		return
	}
	runHelperBackend()
	os.Exit(0)
}

// runHelperBackend implements a minimal MCP tool server on stdio.
func runHelperBackend() {
	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()

	writeLine := func(v any) {
		data, _ := json.Marshal(v)
		fmt.Fprintf(out, "%s\n", data)
		out.Flush()
	}

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		var req struct {
			Method string          `json:"method"`
			ID     json.RawMessage `json:"id"`
			Params struct {
				Name      string `json:"name"`
				Arguments struct {
					S  string `json:"s"`
					Ms int    `json:"ms"`
				} `json:"arguments"`
			} `json:"params"`
		}
		if err := json.Unmarshal(line, &req); err != nil {
			continue
		}

		switch req.Method {
		case "initialize":
			// A junk line first, to exercise the host's discard path.
			fmt.Fprintln(out, "helper backend warming up")
			out.Flush()
			writeLine(map[string]any{
				"jsonrpc": "2.0",
				"result": map[string]any{
					"protocolVersion": "0.1.0",
					"capabilities": map[string]any{
						"tools": map[string]any{
							"upper":   map[string]any{"description": "uppercase a string"},
							"reflect": map[string]any{"description": "echo the request id"},
							"sleep":   map[string]any{"description": "never reply"},
							"fail":    map[string]any{"description": "reply with an error"},
							"die":     map[string]any{"description": "exit without replying"},
						},
					},
					"serverInfo": map[string]any{"name": "helper", "version": "0.0.1"},
				},
				"id": json.RawMessage(req.ID),
			})

		case "tools/call":
			switch req.Params.Name {
			case "upper":
				writeLine(map[string]any{
					"jsonrpc": "2.0",
					"result":  map[string]any{"out": strings.ToUpper(req.Params.Arguments.S)},
					"id":      json.RawMessage(req.ID),
				})
			case "reflect":
				writeLine(map[string]any{
					"jsonrpc": "2.0",
					"result":  map[string]any{"id": json.RawMessage(req.ID)},
					"id":      json.RawMessage(req.ID),
				})
			case "sleep":
				// Never reply.
			case "fail":
				writeLine(map[string]any{
					"jsonrpc": "2.0",
					"error":   map[string]any{"code": -32001, "message": "backend boom", "data": map[string]any{"tool": "fail"}},
					"id":      json.RawMessage(req.ID),
				})
			case "die":
				os.Exit(1)
			}

		case "shutdown":
			os.Exit(0)
		}
	}
}

// helperConfig builds a backend config that re-executes this test binary
// as the helper backend.
func helperConfig(id string) config.BackendConfig {
	return config.BackendConfig{
		ID:        id,
		Command:   os.Args[0],
		Args:      []string{"-test.run=^TestHelperBackend$"},
		Env:       map[string]string{helperEnv: "1"},
		Transport: "stdio",
	}
}

func startHelperProcess(t *testing.T, timeouts config.TimeoutConfig) *Process {
	t.Helper()
	proc := New(helperConfig("helper"), Options{
		Logger:   zaptest.NewLogger(t),
		Timeouts: timeouts,
		Client:   ClientInfo{Name: "mcphoenix-test", Version: "0.0.0"},
	})
	require.NoError(t, proc.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		proc.Stop(ctx)
	})
	return proc
}

func TestProcessHandshakeDiscoversTools(t *testing.T) {
	proc := startHelperProcess(t, config.TimeoutConfig{})

	assert.Equal(t, StatusReady, proc.Status())
	tools := proc.Tools()
	assert.Contains(t, tools, "upper")
	assert.Contains(t, tools, "sleep")
}

func TestProcessCallTool(t *testing.T) {
	proc := startHelperProcess(t, config.TimeoutConfig{})

	result, rpcErr := proc.CallTool(context.Background(), "upper", json.RawMessage(`{"s":"ab"}`))
	require.Nil(t, rpcErr)
	assert.JSONEq(t, `{"out":"AB"}`, string(result))
}

func TestProcessRequestIDsMonotonicFromOne(t *testing.T) {
	proc := startHelperProcess(t, config.TimeoutConfig{})

	for want := int64(1); want <= 3; want++ {
		result, rpcErr := proc.CallTool(context.Background(), "reflect", json.RawMessage(`{}`))
		require.Nil(t, rpcErr)

		var echoed struct {
			ID int64 `json:"id"`
		}
		require.NoError(t, json.Unmarshal(result, &echoed))
		assert.Equal(t, want, echoed.ID)
	}
}

func TestProcessForwardsBackendError(t *testing.T) {
	proc := startHelperProcess(t, config.TimeoutConfig{})

	result, rpcErr := proc.CallTool(context.Background(), "fail", json.RawMessage(`{}`))
	assert.Nil(t, result)
	require.NotNil(t, rpcErr)
	assert.Equal(t, -32001, rpcErr.Code)
	assert.Equal(t, "backend boom", rpcErr.Message)
}

func TestProcessCallTimeout(t *testing.T) {
	proc := startHelperProcess(t, config.TimeoutConfig{ToolCall: 150 * time.Millisecond})

	start := time.Now()
	_, rpcErr := proc.CallTool(context.Background(), "sleep", json.RawMessage(`{}`))
	require.NotNil(t, rpcErr)
	assert.Equal(t, jsonrpc.CodeCallTimeout, rpcErr.Code)
	assert.Equal(t, "tool call timed out", rpcErr.Message)
	assert.Less(t, time.Since(start), 5*time.Second)

	// The waiter must be gone; the id lives on only as a tombstone.
	proc.mu.Lock()
	assert.Empty(t, proc.pending)
	assert.Len(t, proc.tombstones, 1)
	proc.mu.Unlock()
}

func TestProcessCallCancellation(t *testing.T) {
	proc := startHelperProcess(t, config.TimeoutConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, rpcErr := proc.CallTool(ctx, "sleep", json.RawMessage(`{}`))
	require.NotNil(t, rpcErr)
	assert.Equal(t, jsonrpc.CodeClientCancelled, rpcErr.Code)

	proc.mu.Lock()
	assert.Empty(t, proc.pending)
	proc.mu.Unlock()
}

func TestProcessBackendExitFailsPendingCalls(t *testing.T) {
	proc := startHelperProcess(t, config.TimeoutConfig{})

	_, rpcErr := proc.CallTool(context.Background(), "die", json.RawMessage(`{}`))
	require.NotNil(t, rpcErr)
	assert.Equal(t, jsonrpc.CodeBackendTerminated, rpcErr.Code)
	assert.Equal(t, "backend terminated", rpcErr.Message)

	select {
	case <-proc.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not report exit")
	}
	assert.Equal(t, StatusStopped, proc.Status())

	proc.mu.Lock()
	assert.Empty(t, proc.pending)
	proc.mu.Unlock()
}

func TestProcessCallAfterExit(t *testing.T) {
	proc := startHelperProcess(t, config.TimeoutConfig{})

	_, _ = proc.CallTool(context.Background(), "die", json.RawMessage(`{}`))
	<-proc.Done()

	_, rpcErr := proc.CallTool(context.Background(), "upper", json.RawMessage(`{"s":"x"}`))
	require.NotNil(t, rpcErr)
	assert.Equal(t, jsonrpc.CodeBackendTerminated, rpcErr.Code)
}

func TestBuildEnv(t *testing.T) {
	env := buildEnv(map[string]string{"B": "2", "A": "1"})
	require.Len(t, env, 3)
	assert.True(t, strings.HasPrefix(env[0], "PATH="))
	assert.Equal(t, "A=1", env[1])
	assert.Equal(t, "B=2", env[2])
}

func TestFallbackTools(t *testing.T) {
	tools := fallbackTools("filesystem")
	require.NotNil(t, tools)
	assert.Contains(t, tools, "read_file")

	assert.Nil(t, fallbackTools("unknown-backend"))
}
