// Package mcp implements a subprocess-backed Model Context Protocol client:
// it owns one external tool-server process and speaks newline-delimited
// JSON-RPC 2.0 with it over stdin/stdout.
package mcp

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"sync"
	"time"
)

// defaultRequestTimeout bounds every request so a hung subprocess cannot
// stall the caller indefinitely.
const defaultRequestTimeout = 30 * time.Second

// ErrAlreadyStarted is returned by Start on a bridge that is not stopped.
var ErrAlreadyStarted = errors.New("mcp bridge already started")

// ErrNotRunning is returned when a request is attempted while the stdin
// pipe is not writable. Requests are never queued.
var ErrNotRunning = errors.New("mcp bridge not running")

// HandshakeError wraps a failed initialize round-trip.
type HandshakeError struct {
	Err error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("mcp handshake failed: %v", e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// RequestTimeoutError reports that no matching response arrived within the
// timeout window, distinct from the server answering with an error.
type RequestTimeoutError struct {
	Method string
	ID     int64
}

func (e *RequestTimeoutError) Error() string {
	return fmt.Sprintf("mcp request timed out: method=%s id=%d", e.Method, e.ID)
}

type bridgeState int

const (
	stateStopped bridgeState = iota
	stateStarting
	stateReady
)

// ServerConfig describes the external tool-server process a bridge owns.
// Env values support ${NAME} substitution against the ambient environment.
type ServerConfig struct {
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
}

// Bridge manages one tool-server subprocess for its lifetime. The process
// handle, stdin pipe and pending-request map are exclusively owned by the
// bridge; no other component touches them.
type Bridge struct {
	cfg     ServerConfig
	logger  *slog.Logger
	timeout time.Duration

	mu      sync.Mutex
	state   bridgeState
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	nextID  int64
	pending map[int64]chan rpcResponse
}

// NewBridge creates a stopped bridge for the given server.
func NewBridge(cfg ServerConfig, logger *slog.Logger) *Bridge {
	return &Bridge{
		cfg:     cfg,
		logger:  logger.With("component", "mcp_bridge", "command", cfg.Command),
		timeout: defaultRequestTimeout,
		pending: make(map[int64]chan rpcResponse),
	}
}

// Start spawns the configured process, performs the initialize handshake and
// marks the bridge ready. A second Start on a non-stopped bridge fails with
// ErrAlreadyStarted.
func (b *Bridge) Start() error {
	b.mu.Lock()
	if b.state != stateStopped {
		b.mu.Unlock()
		return ErrAlreadyStarted
	}
	b.state = stateStarting

	cmd := exec.Command(b.cfg.Command, b.cfg.Args...)
	cmd.Env = mergeEnv(os.Environ(), b.cfg.Env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		b.state = stateStopped
		b.mu.Unlock()
		return fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		b.state = stateStopped
		b.mu.Unlock()
		return fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		b.state = stateStopped
		b.mu.Unlock()
		return fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		b.state = stateStopped
		b.mu.Unlock()
		return fmt.Errorf("failed to spawn mcp server: %w", err)
	}

	b.cmd = cmd
	b.stdin = stdin
	b.mu.Unlock()

	var pipes sync.WaitGroup
	pipes.Add(2)
	go func() {
		defer pipes.Done()
		b.readLoop(stdout)
	}()
	go func() {
		defer pipes.Done()
		b.drainStderr(stderr)
	}()
	go func() {
		pipes.Wait()
		// Pending requests are left to time out naturally; an exit does
		// not retroactively fail them.
		if err := cmd.Wait(); err != nil {
			b.logger.Warn("mcp server exited abnormally", "error", err)
		} else {
			b.logger.Debug("mcp server exited")
		}
	}()

	if err := b.handshake(); err != nil {
		b.Stop()
		return &HandshakeError{Err: err}
	}

	b.mu.Lock()
	b.state = stateReady
	b.mu.Unlock()
	b.logger.Info("mcp bridge ready")
	return nil
}

// handshake sends initialize and the initialized notification.
func (b *Bridge) handshake() error {
	params := initializeParams{
		ProtocolVersion: protocolVersion,
		ClientInfo:      clientInfo{Name: "vigild", Version: "1.0.0"},
	}
	if _, err := b.call(methodInitialize, params); err != nil {
		return err
	}
	return b.notify(methodInitialized, struct{}{})
}

// Stop terminates the subprocess best-effort and resets the bridge to
// stopped. Safe to call on a bridge that was never started.
func (b *Bridge) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cmd != nil && b.cmd.Process != nil {
		if err := b.cmd.Process.Kill(); err != nil {
			b.logger.Debug("kill failed", "error", err)
		}
	}
	if b.stdin != nil {
		_ = b.stdin.Close()
	}
	b.cmd = nil
	b.stdin = nil
	b.state = stateStopped
}

// IsReady reports whether the handshake has completed and the bridge has not
// been stopped since.
func (b *Bridge) IsReady() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == stateReady
}

// ListTools asks the server which tools it exposes.
func (b *Bridge) ListTools() ([]ToolDescriptor, error) {
	raw, err := b.call(methodToolsList, struct{}{})
	if err != nil {
		return nil, err
	}
	var result listToolsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("malformed tools/list result: %w", err)
	}
	return result.Tools, nil
}

// CallTool invokes one server tool and returns the raw result envelope. The
// bridge does not interpret tool-specific payloads.
func (b *Bridge) CallTool(name string, args map[string]any) (*ToolResult, error) {
	raw, err := b.call(methodToolsCall, callToolParams{Name: name, Arguments: args})
	if err != nil {
		return nil, err
	}
	var result ToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("malformed tools/call result: %w", err)
	}
	return &result, nil
}

// call sends one request and blocks until its correlated response or the
// timeout. Ids strictly increase from 1 and are never reused.
func (b *Bridge) call(method string, params any) (json.RawMessage, error) {
	b.mu.Lock()
	if b.stdin == nil {
		b.mu.Unlock()
		return nil, ErrNotRunning
	}
	b.nextID++
	id := b.nextID
	ch := make(chan rpcResponse, 1)
	b.pending[id] = ch
	stdin := b.stdin
	b.mu.Unlock()

	req := rpcRequest{JSONRPC: "2.0", ID: &id, Method: method, Params: params}
	if err := writeLine(stdin, req); err != nil {
		b.abandon(id)
		return nil, fmt.Errorf("failed to write request: %w", err)
	}

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, fmt.Errorf("mcp server error (%d): %s", resp.Error.Code, resp.Error.Message)
		}
		return resp.Result, nil
	case <-timer.C:
		// Drop the pending entry so a late response cannot resolve an
		// abandoned caller.
		b.abandon(id)
		return nil, &RequestTimeoutError{Method: method, ID: id}
	}
}

// notify sends a fire-and-forget notification (no id, no response).
func (b *Bridge) notify(method string, params any) error {
	b.mu.Lock()
	stdin := b.stdin
	b.mu.Unlock()
	if stdin == nil {
		return ErrNotRunning
	}
	return writeLine(stdin, rpcRequest{JSONRPC: "2.0", Method: method, Params: params})
}

func (b *Bridge) abandon(id int64) {
	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
}

// readLoop consumes newline-delimited JSON from the server. Partial lines at
// the end of a read chunk are retained by the buffered scanner; a corrupt
// line is dropped and never blocks subsequent lines.
func (b *Bridge) readLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var resp rpcResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			b.logger.Debug("dropping malformed line", "error", err)
			continue
		}
		if resp.ID == nil {
			// Server-initiated notification, nothing is waiting on it.
			b.logger.Debug("ignoring server notification")
			continue
		}

		b.mu.Lock()
		ch, ok := b.pending[*resp.ID]
		if ok {
			delete(b.pending, *resp.ID)
		}
		b.mu.Unlock()

		if !ok {
			b.logger.Debug("dropping response with no pending request", "id", *resp.ID)
			continue
		}
		ch <- resp
	}

	if err := scanner.Err(); err != nil {
		b.logger.Debug("read loop ended", "error", err)
	}
}

func (b *Bridge) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		b.logger.Debug("mcp server stderr", "line", scanner.Text())
	}
}

func writeLine(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = w.Write(append(data, '\n'))
	return err
}

var envToken = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv substitutes every ${NAME} token with lookup(NAME). An unresolved
// reference substitutes to empty string, never stays literal.
func expandEnv(value string, lookup func(string) string) string {
	return envToken.ReplaceAllStringFunc(value, func(token string) string {
		name := envToken.FindStringSubmatch(token)[1]
		return lookup(name)
	})
}

// mergeEnv layers the bridge-specific variables, with ${NAME} substitution
// against the ambient environment, on top of the ambient environment.
func mergeEnv(ambient []string, extra map[string]string) []string {
	merged := append([]string(nil), ambient...)
	for k, v := range extra {
		merged = append(merged, k+"="+expandEnv(v, os.Getenv))
	}
	return merged
}

// attach wires the bridge to externally owned pipes instead of a spawned
// process. Tests use it to drive the wire protocol deterministically.
func (b *Bridge) attach(stdin io.WriteCloser, stdout io.Reader) {
	b.mu.Lock()
	b.stdin = stdin
	b.state = stateReady
	b.mu.Unlock()
	go b.readLoop(stdout)
}
