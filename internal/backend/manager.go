package backend

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/jmanhype/mcphoenix/internal/config"
	"github.com/jmanhype/mcphoenix/pkg/jsonrpc"
)

// route maps a tool name to the backend serving it.
type route struct {
	backendID string
	schema    json.RawMessage
}

// Manager owns the backend pool and the tool routing table.
//
// The routing table is rebuilt on every backend start, stop, or exit. Tool
// name collisions across backends are resolved by config order, later
// backends shadowing earlier ones. Crashed backends are not restarted.
type Manager struct {
	logger   *zap.Logger
	metrics  *Metrics
	timeouts config.TimeoutConfig
	client   ClientInfo

	mu        sync.Mutex
	order     []string
	processes map[string]*Process

	routeMu sync.RWMutex
	routes  map[string]route
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Logger   *zap.Logger
	Metrics  *Metrics
	Timeouts config.TimeoutConfig
	Client   ClientInfo
}

// NewManager creates an empty pool.
func NewManager(opts ManagerOptions) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		logger:    logger.Named("pool"),
		metrics:   opts.Metrics,
		timeouts:  opts.Timeouts,
		client:    opts.Client,
		processes: make(map[string]*Process),
		routes:    make(map[string]route),
	}
}

// Start spawns every enabled stdio backend from the config. A backend that
// fails to start is logged and skipped; its tools simply stay unavailable.
func (m *Manager) Start(ctx context.Context, cfg *config.Config) {
	for _, id := range cfg.BackendOrder() {
		backendCfg := cfg.Backends[id]
		if backendCfg.Disabled {
			m.logger.Info("skipping disabled backend", zap.String("backend_id", id))
			continue
		}
		if backendCfg.Transport != "stdio" {
			m.logger.Warn("skipping backend with unsupported transport",
				zap.String("backend_id", id),
				zap.String("transport", backendCfg.Transport))
			continue
		}

		proc := New(backendCfg, Options{
			Logger:   m.logger,
			Metrics:  m.metrics,
			Timeouts: m.timeouts,
			Client:   m.client,
			OnExit:   m.handleBackendExit,
		})
		if err := proc.Start(ctx); err != nil {
			m.logger.Error("backend failed to start",
				zap.String("backend_id", id),
				zap.Error(err))
			continue
		}

		m.mu.Lock()
		m.order = append(m.order, id)
		m.processes[id] = proc
		m.mu.Unlock()
	}

	m.rebuildRoutes()
}

// ExecuteTool routes a tool call. With a backend id it routes there
// unconditionally; otherwise the routing table decides. The result or error
// from the backend is forwarded transparently.
func (m *Manager) ExecuteTool(ctx context.Context, backendID, tool string, arguments json.RawMessage) (json.RawMessage, *jsonrpc.Error) {
	if backendID == "" {
		m.routeMu.RLock()
		r, ok := m.routes[tool]
		m.routeMu.RUnlock()
		if !ok {
			return nil, jsonrpc.NewError(jsonrpc.CodeServerNotFound, "no backend provides tool",
				map[string]any{"tool": tool})
		}
		backendID = r.backendID
	}

	m.mu.Lock()
	proc := m.processes[backendID]
	m.mu.Unlock()

	if proc == nil || proc.Status() != StatusReady {
		return nil, jsonrpc.NewError(jsonrpc.CodeServerNotFound, "backend not running",
			map[string]any{"server_id": backendID})
	}
	return proc.CallTool(ctx, tool, arguments)
}

// Stop gracefully shuts down one backend and removes its routes.
func (m *Manager) Stop(ctx context.Context, backendID string) {
	m.mu.Lock()
	proc := m.processes[backendID]
	m.mu.Unlock()
	if proc == nil {
		return
	}
	proc.Stop(ctx)
	m.remove(backendID)
}

// Shutdown stops every backend in the pool.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	procs := make([]*Process, 0, len(m.processes))
	for _, proc := range m.processes {
		procs = append(procs, proc)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, proc := range procs {
		wg.Add(1)
		go func(p *Process) {
			defer wg.Done()
			p.Stop(ctx)
		}(proc)
	}
	wg.Wait()

	m.mu.Lock()
	m.processes = make(map[string]*Process)
	m.order = nil
	m.mu.Unlock()
	m.rebuildRoutes()
}

// ToolSchemas returns the merged tool schema map across all ready
// backends, in routing precedence. The map is deterministic for a given
// pool state, which keeps the capabilities document stable.
func (m *Manager) ToolSchemas() map[string]json.RawMessage {
	m.routeMu.RLock()
	defer m.routeMu.RUnlock()
	out := make(map[string]json.RawMessage, len(m.routes))
	for name, r := range m.routes {
		out[name] = r.schema
	}
	return out
}

// Resolve returns the backend id serving a tool, if any.
func (m *Manager) Resolve(tool string) (string, bool) {
	m.routeMu.RLock()
	defer m.routeMu.RUnlock()
	r, ok := m.routes[tool]
	return r.backendID, ok
}

// Statuses reports each tracked backend's lifecycle state.
func (m *Manager) Statuses() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.processes))
	for id, proc := range m.processes {
		out[id] = string(proc.Status())
	}
	return out
}

// handleBackendExit runs from a process's wait goroutine when the child
// dies. The pool drops the backend (restart policy is none) and rebuilds
// the routing table so its tools disappear.
func (m *Manager) handleBackendExit(backendID string) {
	m.remove(backendID)
	m.logger.Warn("backend removed from pool", zap.String("backend_id", backendID))
}

func (m *Manager) remove(backendID string) {
	m.mu.Lock()
	delete(m.processes, backendID)
	order := m.order[:0]
	for _, id := range m.order {
		if id != backendID {
			order = append(order, id)
		}
	}
	m.order = order
	m.mu.Unlock()

	m.rebuildRoutes()
}

// rebuildRoutes recomputes the tool routing table from the live pool in
// config order; a later backend shadows an earlier one on name collisions.
func (m *Manager) rebuildRoutes() {
	m.mu.Lock()
	type entry struct {
		id    string
		tools map[string]json.RawMessage
	}
	entries := make([]entry, 0, len(m.order))
	for _, id := range m.order {
		if proc, ok := m.processes[id]; ok {
			entries = append(entries, entry{id: id, tools: proc.Tools()})
		}
	}
	m.mu.Unlock()

	routes := make(map[string]route)
	for _, e := range entries {
		for name, schema := range e.tools {
			routes[name] = route{backendID: e.id, schema: schema}
		}
	}

	m.routeMu.Lock()
	m.routes = routes
	m.routeMu.Unlock()
}
