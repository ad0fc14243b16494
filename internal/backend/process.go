// Package backend manages the pool of spawned MCP tool servers.
//
// Each backend is a child process speaking line-delimited JSON-RPC 2.0 on
// its stdio. Process wraps one child: it owns the pipes, frames messages,
// correlates request ids, and tracks the tool schemas the child advertises.
// Manager owns the set of Processes and the tool routing table.
package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/jmanhype/mcphoenix/internal/config"
	"github.com/jmanhype/mcphoenix/pkg/jsonrpc"
)

// Status is the lifecycle state of a backend process.
type Status string

const (
	StatusStarting Status = "starting"
	StatusReady    Status = "ready"
	StatusFailed   Status = "failed"
	StatusStopped  Status = "stopped"
)

// maxLineBytes bounds a single JSON-RPC line from a backend.
const maxLineBytes = 8 * 1024 * 1024

// ClientInfo identifies the host in the initialize handshake.
type ClientInfo struct {
	Name    string
	Version string
}

// Options configures a Process.
type Options struct {
	Logger   *zap.Logger
	Metrics  *Metrics
	Timeouts config.TimeoutConfig
	Client   ClientInfo

	// OnExit is invoked once, from the process's wait goroutine, after the
	// child has exited and all pending calls were failed.
	OnExit func(backendID string)
}

type callResult struct {
	result json.RawMessage
	err    *jsonrpc.Error
}

// Process supervises one backend child process.
//
// A single reader goroutine consumes the child's stdout; stdin writes are
// serialized; any number of callers may invoke CallTool concurrently.
type Process struct {
	cfg    config.BackendConfig
	opts   Options
	logger *zap.Logger

	cmd     *exec.Cmd
	stdin   io.WriteCloser
	writeMu sync.Mutex

	// nextID mints outbound request ids. 0 is reserved for initialize, so
	// tool calls start at 1.
	nextID atomic.Int64

	mu         sync.Mutex
	status     Status
	pending    map[int64]chan callResult
	tombstones map[int64]struct{}
	tools      map[string]json.RawMessage

	done     chan struct{}
	exitOnce sync.Once
}

// New creates a Process for the given backend config. Call Start to spawn
// the child.
func New(cfg config.BackendConfig, opts Options) *Process {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Timeouts.ToolCall == 0 {
		opts.Timeouts.ToolCall = config.DefaultToolCallTimeout
	}
	if opts.Timeouts.Handshake == 0 {
		opts.Timeouts.Handshake = config.DefaultHandshake
	}
	if opts.Timeouts.BackendShutdown == 0 {
		opts.Timeouts.BackendShutdown = config.DefaultBackendShutdown
	}
	return &Process{
		cfg:        cfg,
		opts:       opts,
		logger:     logger.Named("backend").With(zap.String("backend_id", cfg.ID)),
		status:     StatusStarting,
		pending:    make(map[int64]chan callResult),
		tombstones: make(map[int64]struct{}),
		tools:      make(map[string]json.RawMessage),
		done:       make(chan struct{}),
	}
}

// ID returns the backend id.
func (p *Process) ID() string { return p.cfg.ID }

// Status returns the current lifecycle state.
func (p *Process) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Done is closed when the child has exited.
func (p *Process) Done() <-chan struct{} { return p.done }

// Start spawns the child, wires its pipes, and runs the initialize
// handshake. The child environment is replaced entirely by the configured
// env plus the host's PATH.
func (p *Process) Start(ctx context.Context) error {
	cmd := exec.Command(p.cfg.Command, p.cfg.Args...)
	cmd.Env = buildEnv(p.cfg.Env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		p.setStatus(StatusFailed)
		return fmt.Errorf("starting %s: %w", p.cfg.Command, err)
	}

	p.cmd = cmd
	p.stdin = stdin
	p.logger.Info("backend spawned",
		zap.String("command", p.cfg.Command),
		zap.Int("pid", cmd.Process.Pid))
	if p.opts.Metrics != nil {
		p.opts.Metrics.RecordSpawn(ctx, p.cfg.ID)
	}

	go p.readLoop(stdout)
	go p.drainStderr(stderr)
	go func() {
		err := cmd.Wait()
		p.handleExit(err)
	}()

	if err := p.handshake(ctx); err != nil {
		p.setStatus(StatusFailed)
		p.kill()
		return fmt.Errorf("initialize handshake: %w", err)
	}

	p.setStatus(StatusReady)
	p.logger.Info("backend ready", zap.Int("tools", len(p.Tools())))
	return nil
}

// buildEnv produces the child environment: configured vars plus PATH.
func buildEnv(extra map[string]string) []string {
	env := []string{"PATH=" + os.Getenv("PATH")}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}

// handshake sends initialize with id 0 and waits for the reply.
func (p *Process) handshake(ctx context.Context) error {
	params, err := json.Marshal(map[string]any{
		"protocolVersion": "0.1.0",
		"capabilities":    map[string]any{"tools": map[string]any{}},
		"clientInfo": map[string]any{
			"name":    p.opts.Client.Name,
			"version": p.opts.Client.Version,
		},
	})
	if err != nil {
		return fmt.Errorf("marshaling initialize params: %w", err)
	}

	ch := make(chan callResult, 1)
	p.mu.Lock()
	p.pending[0] = ch
	p.mu.Unlock()

	req := &jsonrpc.Request{Method: "initialize", Params: params, ID: jsonrpc.Int64ID(0)}
	if err := p.writeEnvelope(req); err != nil {
		p.abandon(0)
		return err
	}

	timer := time.NewTimer(p.opts.Timeouts.Handshake)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return fmt.Errorf("backend rejected initialize: %s", res.err.Message)
		}
		p.adoptTools(res.result)
		return nil
	case <-timer.C:
		p.abandon(0)
		return fmt.Errorf("no initialize response within %s", p.opts.Timeouts.Handshake)
	case <-ctx.Done():
		p.abandon(0)
		return ctx.Err()
	case <-p.done:
		return fmt.Errorf("backend exited during handshake")
	}
}

// adoptTools extracts result.capabilities.tools and merges it over the
// configured schemas and the static fallback for well-known backends.
func (p *Process) adoptTools(result json.RawMessage) {
	merged := make(map[string]json.RawMessage)

	for name, schema := range p.cfg.Tools {
		if raw, err := json.Marshal(schema); err == nil {
			merged[name] = raw
		}
	}
	for name, raw := range fallbackTools(p.cfg.ID) {
		merged[name] = raw
	}

	var init struct {
		Capabilities struct {
			Tools map[string]json.RawMessage `json:"tools"`
		} `json:"capabilities"`
	}
	if err := json.Unmarshal(result, &init); err != nil {
		p.logger.Warn("unparseable initialize result", zap.Error(err))
	}
	for name, raw := range init.Capabilities.Tools {
		merged[name] = raw
	}

	p.mu.Lock()
	p.tools = merged
	p.mu.Unlock()
}

// Tools returns the merged tool schema map discovered for this backend.
func (p *Process) Tools() map[string]json.RawMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]json.RawMessage, len(p.tools))
	for name, raw := range p.tools {
		out[name] = raw
	}
	return out
}

// CallTool invokes a tool on the backend as a tools/call request and waits
// for the correlated response, the per-call deadline, or cancellation.
func (p *Process) CallTool(ctx context.Context, name string, arguments json.RawMessage) (json.RawMessage, *jsonrpc.Error) {
	if arguments == nil {
		arguments = json.RawMessage("{}")
	}
	params, err := json.Marshal(struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}{Name: name, Arguments: arguments})
	if err != nil {
		return nil, jsonrpc.NewError(jsonrpc.CodeInternalError, "encoding tool call", nil)
	}

	id := p.nextID.Add(1)
	ch := make(chan callResult, 1)

	p.mu.Lock()
	if p.status != StatusReady {
		status := p.status
		p.mu.Unlock()
		return nil, jsonrpc.NewError(jsonrpc.CodeBackendTerminated, "backend terminated",
			map[string]any{"backend_id": p.cfg.ID, "status": string(status)})
	}
	p.pending[id] = ch
	p.mu.Unlock()

	start := time.Now()
	req := &jsonrpc.Request{Method: "tools/call", Params: params, ID: jsonrpc.Int64ID(id)}
	if err := p.writeEnvelope(req); err != nil {
		p.abandon(id)
		return nil, jsonrpc.NewError(jsonrpc.CodeBackendTerminated, "backend terminated",
			map[string]any{"backend_id": p.cfg.ID, "cause": err.Error()})
	}

	timer := time.NewTimer(p.opts.Timeouts.ToolCall)
	defer timer.Stop()

	select {
	case res := <-ch:
		p.recordCall(ctx, name, start, res.err)
		return res.result, res.err

	case <-timer.C:
		p.tombstone(id)
		if p.opts.Metrics != nil {
			p.opts.Metrics.RecordTimeout(ctx, p.cfg.ID, name)
		}
		p.logger.Warn("tool call timed out",
			zap.String("tool", name),
			zap.Int64("request_id", id),
			zap.Duration("timeout", p.opts.Timeouts.ToolCall))
		return nil, jsonrpc.NewError(jsonrpc.CodeCallTimeout, "tool call timed out",
			map[string]any{"backend_id": p.cfg.ID, "tool": name, "timeout_seconds": p.opts.Timeouts.ToolCall.Seconds()})

	case <-ctx.Done():
		p.tombstone(id)
		p.cancelRemote(id)
		return nil, jsonrpc.NewError(jsonrpc.CodeClientCancelled, "client cancelled",
			map[string]any{"backend_id": p.cfg.ID, "tool": name})
	}
}

func (p *Process) recordCall(ctx context.Context, tool string, start time.Time, rpcErr *jsonrpc.Error) {
	if p.opts.Metrics == nil {
		return
	}
	outcome := "ok"
	if rpcErr != nil {
		outcome = "error"
	}
	p.opts.Metrics.RecordCall(ctx, p.cfg.ID, tool, outcome, time.Since(start))
}

// cancelRemote tells the backend to abort a call. Best effort; many
// backends ignore it.
func (p *Process) cancelRemote(id int64) {
	params, _ := json.Marshal(map[string]any{"id": id})
	note := &jsonrpc.Notification{Method: "$/cancelRequest", Params: params}
	if err := p.writeEnvelope(note); err != nil {
		p.logger.Debug("cancel notification failed", zap.Error(err))
	}
}

// abandon forgets a pending call without tombstoning it.
func (p *Process) abandon(id int64) {
	p.mu.Lock()
	delete(p.pending, id)
	p.mu.Unlock()
}

// tombstone forgets a pending call and remembers the id so a late reply is
// dropped silently instead of logging an unmatched-id warning.
func (p *Process) tombstone(id int64) {
	p.mu.Lock()
	delete(p.pending, id)
	p.tombstones[id] = struct{}{}
	p.mu.Unlock()
}

type encoder interface {
	Encode() ([]byte, error)
}

// writeEnvelope serializes one envelope as a single line on the child's
// stdin. Writes are serialized so concurrent callers never interleave.
func (p *Process) writeEnvelope(env encoder) error {
	line, err := env.Encode()
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}
	line = append(line, '\n')

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if p.stdin == nil {
		return fmt.Errorf("stdin not connected")
	}
	if _, err := p.stdin.Write(line); err != nil {
		return fmt.Errorf("writing to backend: %w", err)
	}
	return nil
}

// readLoop consumes newline-framed JSON from the child's stdout. Partial
// trailing bytes stay in the scanner buffer; lines that do not parse as a
// JSON-RPC message are logged and discarded.
func (p *Process) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		p.handleLine(line)
	}
	if err := scanner.Err(); err != nil {
		p.logger.Debug("stdout read ended", zap.Error(err))
	}
}

func (p *Process) handleLine(line []byte) {
	msg, err := jsonrpc.DecodeMessage(line)
	if err != nil {
		p.logger.Warn("discarding unparseable backend output",
			zap.String("line", truncate(string(line), 200)))
		return
	}

	switch m := msg.(type) {
	case *jsonrpc.Response:
		p.dispatchResponse(m)
	case *jsonrpc.Request:
		// Server-initiated requests (sampling, elicitation, roots) are not
		// supported yet.
		p.logger.Warn("ignoring backend-initiated request",
			zap.String("method", m.Method),
			zap.String("request_id", m.ID.String()))
	case *jsonrpc.Notification:
		p.logger.Debug("ignoring backend notification", zap.String("method", m.Method))
	}
}

// dispatchResponse completes the waiter registered for the response id.
func (p *Process) dispatchResponse(resp *jsonrpc.Response) {
	id, ok := resp.ID.Int64()
	if !ok {
		p.logger.Warn("discarding response with non-integer id",
			zap.String("id", resp.ID.String()))
		return
	}

	p.mu.Lock()
	ch, found := p.pending[id]
	if found {
		delete(p.pending, id)
	}
	_, dead := p.tombstones[id]
	if dead {
		delete(p.tombstones, id)
	}
	p.mu.Unlock()

	if !found {
		if !dead {
			p.logger.Warn("discarding response with unmatched id", zap.Int64("id", id))
		}
		return
	}
	ch <- callResult{result: resp.Result, err: resp.Error}
}

// drainStderr logs the child's stderr line by line.
func (p *Process) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			p.logger.Warn("backend stderr", zap.String("line", truncate(line, 500)))
		}
	}
}

// Stop shuts the backend down gracefully: a shutdown notification, stdin
// close, a bounded wait, then kill.
func (p *Process) Stop(ctx context.Context) {
	note := &jsonrpc.Notification{Method: "shutdown"}
	if err := p.writeEnvelope(note); err != nil {
		p.logger.Debug("shutdown notification failed", zap.Error(err))
	}

	p.writeMu.Lock()
	if p.stdin != nil {
		_ = p.stdin.Close()
		p.stdin = nil
	}
	p.writeMu.Unlock()

	timer := time.NewTimer(p.opts.Timeouts.BackendShutdown)
	defer timer.Stop()
	select {
	case <-p.done:
	case <-timer.C:
		p.logger.Warn("backend did not exit in time, killing")
		p.kill()
		<-p.done
	case <-ctx.Done():
		p.kill()
	}
}

func (p *Process) kill() {
	if p.cmd != nil && p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
}

// handleExit runs once when the child exits: every pending waiter is failed
// with a backend-terminated error and the status becomes stopped, unless
// the process had already been marked failed, which it stays.
func (p *Process) handleExit(waitErr error) {
	p.exitOnce.Do(func() {
		p.mu.Lock()
		orphaned := p.pending
		p.pending = make(map[int64]chan callResult)
		if p.status != StatusFailed {
			p.status = StatusStopped
		}
		p.mu.Unlock()

		for id, ch := range orphaned {
			ch <- callResult{err: jsonrpc.NewError(jsonrpc.CodeBackendTerminated, "backend terminated",
				map[string]any{"backend_id": p.cfg.ID, "request_id": id})}
		}

		if waitErr != nil {
			p.logger.Warn("backend exited", zap.Error(waitErr), zap.Int("orphaned_calls", len(orphaned)))
		} else {
			p.logger.Info("backend exited", zap.Int("orphaned_calls", len(orphaned)))
		}
		if p.opts.Metrics != nil {
			p.opts.Metrics.RecordExit(context.Background(), p.cfg.ID)
		}

		close(p.done)
		if p.opts.OnExit != nil {
			p.opts.OnExit(p.cfg.ID)
		}
	})
}

func (p *Process) setStatus(s Status) {
	p.mu.Lock()
	p.status = s
	p.mu.Unlock()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
