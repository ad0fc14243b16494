package backend

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/jmanhype/mcphoenix/internal/config"
	"github.com/jmanhype/mcphoenix/pkg/jsonrpc"
)

func startTestManager(t *testing.T, backends map[string]config.BackendConfig) *Manager {
	t.Helper()

	cfg := &config.Config{Backends: backends}
	cfg.ApplyDefaults()

	m := NewManager(ManagerOptions{
		Logger: zaptest.NewLogger(t),
		Client: ClientInfo{Name: "mcphoenix-test", Version: "0.0.0"},
	})
	m.Start(context.Background(), cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		m.Shutdown(ctx)
	})
	return m
}

func TestManagerRoutesToolCalls(t *testing.T) {
	m := startTestManager(t, map[string]config.BackendConfig{
		"t1": helperConfig("t1"),
	})

	result, rpcErr := m.ExecuteTool(context.Background(), "", "upper", json.RawMessage(`{"s":"ab"}`))
	require.Nil(t, rpcErr)
	assert.JSONEq(t, `{"out":"AB"}`, string(result))

	// Explicit backend id routes there unconditionally.
	result, rpcErr = m.ExecuteTool(context.Background(), "t1", "upper", json.RawMessage(`{"s":"cd"}`))
	require.Nil(t, rpcErr)
	assert.JSONEq(t, `{"out":"CD"}`, string(result))
}

func TestManagerUnknownTool(t *testing.T) {
	m := startTestManager(t, map[string]config.BackendConfig{
		"t1": helperConfig("t1"),
	})

	_, rpcErr := m.ExecuteTool(context.Background(), "", "nope", nil)
	require.NotNil(t, rpcErr)
	assert.Equal(t, jsonrpc.CodeServerNotFound, rpcErr.Code)
}

func TestManagerUnknownBackend(t *testing.T) {
	m := startTestManager(t, map[string]config.BackendConfig{
		"t1": helperConfig("t1"),
	})

	_, rpcErr := m.ExecuteTool(context.Background(), "ghost", "upper", nil)
	require.NotNil(t, rpcErr)
	assert.Equal(t, jsonrpc.CodeServerNotFound, rpcErr.Code)
	assert.Equal(t, "backend not running", rpcErr.Message)
}

func TestManagerSkipsDisabledBackends(t *testing.T) {
	disabled := helperConfig("off")
	disabled.Disabled = true

	m := startTestManager(t, map[string]config.BackendConfig{
		"off": disabled,
		"t1":  helperConfig("t1"),
	})

	statuses := m.Statuses()
	assert.NotContains(t, statuses, "off")
	assert.Equal(t, string(StatusReady), statuses["t1"])
}

func TestManagerFailedSpawnDoesNotAbortStartup(t *testing.T) {
	broken := config.BackendConfig{
		ID:        "broken",
		Command:   "/nonexistent/backend-binary",
		Transport: "stdio",
	}

	m := startTestManager(t, map[string]config.BackendConfig{
		"broken": broken,
		"t1":     helperConfig("t1"),
	})

	_, ok := m.Resolve("upper")
	assert.True(t, ok)
	assert.NotContains(t, m.Statuses(), "broken")
}

func TestManagerStopRemovesRoutes(t *testing.T) {
	m := startTestManager(t, map[string]config.BackendConfig{
		"t1": helperConfig("t1"),
	})

	_, ok := m.Resolve("upper")
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	m.Stop(ctx, "t1")

	_, ok = m.Resolve("upper")
	assert.False(t, ok)

	_, rpcErr := m.ExecuteTool(context.Background(), "t1", "upper", nil)
	require.NotNil(t, rpcErr)
	assert.Equal(t, jsonrpc.CodeServerNotFound, rpcErr.Code)
}

func TestManagerBackendCrashRemovesRoutes(t *testing.T) {
	m := startTestManager(t, map[string]config.BackendConfig{
		"t1": helperConfig("t1"),
	})

	_, rpcErr := m.ExecuteTool(context.Background(), "t1", "die", nil)
	require.NotNil(t, rpcErr)
	assert.Equal(t, jsonrpc.CodeBackendTerminated, rpcErr.Code)

	// The exit callback fires asynchronously from the wait goroutine.
	require.Eventually(t, func() bool {
		_, ok := m.Resolve("upper")
		return !ok
	}, 5*time.Second, 20*time.Millisecond)
}

func TestManagerToolSchemasShadowing(t *testing.T) {
	// Two backends advertising the same tool: the later one in config
	// order (sorted ids) must win.
	m := startTestManager(t, map[string]config.BackendConfig{
		"a-first":  helperConfig("a-first"),
		"b-second": helperConfig("b-second"),
	})

	backendID, ok := m.Resolve("upper")
	require.True(t, ok)
	assert.Equal(t, "b-second", backendID)

	schemas := m.ToolSchemas()
	assert.Contains(t, schemas, "upper")
	assert.Contains(t, schemas, "reflect")
}
