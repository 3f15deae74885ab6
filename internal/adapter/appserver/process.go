// Package appserver runs `codex app-server` as a subprocess and implements
// the transport port over its stdio: newline-delimited JSON-RPC 2.0 on
// stdout/stdin, raw log lines on stderr.
package appserver

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	port "github.com/Strob0t/OrchHub/internal/port/appserver"
)

const (
	eventQueueSize = 2000
	// Server lines can carry whole agent turns; give the scanner room.
	scanBufferSize  = 64 * 1024
	scanBufferLimit = 8 * 1024 * 1024
	probeTimeout    = 5 * time.Second
	stopGrace       = time.Second
)

// execCommand is swappable in tests.
var execCommand = exec.CommandContext

// Process is the subprocess-backed Transport implementation.
type Process struct {
	binary string
	cwd    string
	log    *slog.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	writeMu sync.Mutex

	nextID  atomic.Int64
	pending map[int64]chan response
	pendMu  sync.Mutex

	events    chan port.Event
	eventMu   sync.Mutex
	dropped   atomic.Int64
	done      chan struct{} // closed when the stdout pump exits
	stderrEnd chan struct{}
	closeOnce sync.Once
}

type response struct {
	result json.RawMessage
	err    *port.RPCError
}

// wireMessage is the incoming JSON-RPC envelope.
type wireMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *port.RPCError  `json:"error,omitempty"`
}

// New creates a transport that will run `<binary> app-server` in cwd.
func New(binary, cwd string, log *slog.Logger) *Process {
	if log == nil {
		log = slog.Default()
	}
	return &Process{
		binary:    binary,
		cwd:       cwd,
		log:       log,
		pending:   make(map[int64]chan response),
		events:    make(chan port.Event, eventQueueSize),
		done:      make(chan struct{}),
		stderrEnd: make(chan struct{}),
	}
}

// Start probes for app-server support, launches the subprocess, and begins
// pumping stdout and stderr.
func (p *Process) Start(ctx context.Context) error {
	if err := p.probe(ctx); err != nil {
		return &port.StartError{Binary: p.binary, Err: err}
	}

	cmd := execCommand(ctx, p.binary, "app-server")
	cmd.Dir = p.cwd

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return &port.StartError{Binary: p.binary, Err: fmt.Errorf("stdin pipe: %w", err)}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &port.StartError{Binary: p.binary, Err: fmt.Errorf("stdout pipe: %w", err)}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return &port.StartError{Binary: p.binary, Err: fmt.Errorf("stderr pipe: %w", err)}
	}

	if err := cmd.Start(); err != nil {
		return &port.StartError{Binary: p.binary, Err: err}
	}

	p.cmd = cmd
	p.stdin = stdin
	p.stdout = stdout
	p.stderr = stderr

	go p.pumpStdout()
	go p.pumpStderr()

	p.log.Info("app-server started", "binary", p.binary, "pid", cmd.Process.Pid, "cwd", p.cwd)
	return nil
}

// probe checks that the binary understands the app-server subcommand.
func (p *Process) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	cmd := execCommand(probeCtx, p.binary, "app-server", "--help")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("app-server probe: %w", err)
	}
	return nil
}

// Stop closes stdin so the server sees EOF, waits briefly, then kills.
func (p *Process) Stop(ctx context.Context) error {
	if p.cmd == nil {
		p.closeEvents()
		return nil
	}
	_ = p.stdin.Close()

	waited := make(chan error, 1)
	go func() { waited <- p.cmd.Wait() }()

	select {
	case <-waited:
	case <-time.After(stopGrace):
		p.log.Warn("app-server did not exit after stdin EOF, killing", "pid", p.cmd.Process.Pid)
		_ = p.cmd.Process.Kill()
		<-waited
	case <-ctx.Done():
		_ = p.cmd.Process.Kill()
		<-waited
	}

	// Pumps exit on pipe EOF after the process dies.
	<-p.done
	<-p.stderrEnd
	p.closeEvents()
	p.failPending()
	p.log.Info("app-server stopped")
	return nil
}

// Call sends a request and waits for the matching response. The deadline is
// the per-method timeout unless ctx expires first.
func (p *Process) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if p.stdin == nil {
		return nil, port.ErrTransportClosed
	}

	id := p.nextID.Add(1)
	ch := make(chan response, 1)
	p.pendMu.Lock()
	if p.pending == nil {
		p.pendMu.Unlock()
		return nil, port.ErrTransportClosed
	}
	p.pending[id] = ch
	p.pendMu.Unlock()
	defer func() {
		p.pendMu.Lock()
		delete(p.pending, id)
		p.pendMu.Unlock()
	}()

	payload := map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  method,
	}
	if params != nil {
		payload["params"] = params
	} else {
		payload["params"] = map[string]any{}
	}
	if err := p.writeJSON(payload); err != nil {
		return nil, fmt.Errorf("send %s: %w", method, err)
	}

	timer := time.NewTimer(port.CallTimeout(method))
	defer timer.Stop()

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, port.ErrTransportClosed
		}
		if resp.err != nil {
			return nil, fmt.Errorf("%s failed: %w", method, resp.err)
		}
		return resp.result, nil
	case <-timer.C:
		return nil, fmt.Errorf("%s: %w", method, port.ErrTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.done:
		return nil, port.ErrTransportClosed
	}
}

// Notify sends a notification (no id, no response).
func (p *Process) Notify(method string, params any) error {
	payload := map[string]any{"jsonrpc": "2.0", "method": method}
	if params != nil {
		payload["params"] = params
	}
	return p.writeJSON(payload)
}

// Respond answers a server-initiated request.
func (p *Process) Respond(id json.RawMessage, result any) error {
	return p.writeJSON(map[string]any{"jsonrpc": "2.0", "id": id, "result": result})
}

// RespondError answers a server-initiated request with an error object.
func (p *Process) RespondError(id json.RawMessage, code int, message string) error {
	return p.writeJSON(map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"error":   map[string]any{"code": code, "message": message},
	})
}

// Events returns the stream of server-initiated traffic.
func (p *Process) Events() <-chan port.Event { return p.events }

func (p *Process) writeJSON(payload any) error {
	if p.stdin == nil {
		return port.ErrTransportClosed
	}
	line, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if _, err := p.stdin.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write to app-server: %w", err)
	}
	return nil
}

// pumpStdout reads newline-delimited JSON from the server, correlating
// responses with pending calls and queueing everything else as events.
func (p *Process) pumpStdout() {
	defer close(p.done)

	scanner := bufio.NewScanner(p.stdout)
	scanner.Buffer(make([]byte, scanBufferSize), scanBufferLimit)
	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var msg wireMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			p.queueEvent(port.Event{Kind: port.KindUnknown, Payload: string(raw)})
			continue
		}
		p.dispatch(msg)
	}
	if err := scanner.Err(); err != nil && err != io.ErrClosedPipe {
		p.log.Warn("app-server stdout read", "error", err)
	}
}

func (p *Process) dispatch(msg wireMessage) {
	switch {
	case msg.ID != nil && (msg.Result != nil || msg.Error != nil):
		if id, err := strconv.ParseInt(string(msg.ID), 10, 64); err == nil {
			p.pendMu.Lock()
			ch, ok := p.pending[id]
			p.pendMu.Unlock()
			if ok {
				ch <- response{result: msg.Result, err: msg.Error}
				return
			}
		}
		// Late or unsolicited response; surface it rather than drop it.
		p.queueEvent(port.Event{Kind: port.KindResponse, ID: msg.ID, Result: msg.Result, Error: msg.Error})
	case msg.ID != nil && msg.Method != "":
		p.queueEvent(port.Event{Kind: port.KindRequest, ID: msg.ID, Method: msg.Method, Params: msg.Params})
	case msg.Method != "":
		p.queueEvent(port.Event{Kind: port.KindNotification, Method: msg.Method, Params: msg.Params})
	default:
		raw, _ := json.Marshal(msg)
		p.queueEvent(port.Event{Kind: port.KindUnknown, Payload: string(raw)})
	}
}

func (p *Process) pumpStderr() {
	defer close(p.stderrEnd)

	scanner := bufio.NewScanner(p.stderr)
	scanner.Buffer(make([]byte, scanBufferSize), scanBufferLimit)
	for scanner.Scan() {
		p.queueEvent(port.Event{Kind: port.KindStderr, Line: scanner.Text()})
	}
}

// queueEvent enqueues without blocking: when the queue is full the oldest
// event is discarded so the hub keeps seeing fresh traffic.
func (p *Process) queueEvent(e port.Event) {
	p.eventMu.Lock()
	defer p.eventMu.Unlock()
	for {
		select {
		case p.events <- e:
			return
		default:
		}
		select {
		case <-p.events:
			if n := p.dropped.Add(1); n == 1 || n%100 == 0 {
				p.log.Warn("app-server event queue full, dropping oldest", "dropped_total", n)
			}
		default:
		}
	}
}

func (p *Process) closeEvents() {
	p.closeOnce.Do(func() {
		p.eventMu.Lock()
		close(p.events)
		p.eventMu.Unlock()
	})
}

// failPending releases callers still waiting when the transport dies.
func (p *Process) failPending() {
	p.pendMu.Lock()
	for id, ch := range p.pending {
		close(ch)
		delete(p.pending, id)
	}
	p.pending = nil
	p.pendMu.Unlock()
}
