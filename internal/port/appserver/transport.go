// Package appserver defines the port to the Codex app-server: a JSON-RPC
// 2.0 peer reached over a subprocess's stdio, plus the small set of
// conversation operations the hub drives through it.
package appserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Event is one message surfaced by the transport's read side.
type Event struct {
	Kind    EventKind       `json:"kind"`
	ID      json.RawMessage `json:"id,omitempty"`     // request, response
	Method  string          `json:"method,omitempty"` // request, notification
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"` // unclaimed response
	Error   *RPCError       `json:"error,omitempty"`
	Line    string          `json:"line,omitempty"`    // stderr
	Payload string          `json:"payload,omitempty"` // unknown
}

// EventKind classifies a transport event.
type EventKind string

const (
	KindRequest      EventKind = "request"
	KindNotification EventKind = "notification"
	KindResponse     EventKind = "response"
	KindStderr       EventKind = "stderr"
	KindUnknown      EventKind = "unknown"
	KindError        EventKind = "error"
)

// Transport is a JSON-RPC connection to a running app-server.
type Transport interface {
	// Start launches the server process and its read pumps.
	Start(ctx context.Context) error

	// Stop shuts the server down: stdin EOF, short grace, then kill.
	Stop(ctx context.Context) error

	// Call sends a request and waits for its response. The timeout comes
	// from CallTimeout(method) unless ctx expires first.
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)

	// Notify sends a fire-and-forget notification.
	Notify(method string, params any) error

	// Respond answers a server-initiated request.
	Respond(id json.RawMessage, result any) error

	// RespondError answers a server-initiated request with a JSON-RPC error.
	RespondError(id json.RawMessage, code int, message string) error

	// Events is the stream of server-initiated traffic and stderr lines.
	// It is closed when the transport stops.
	Events() <-chan Event
}

// Sentinel errors shared by transport implementations.
var (
	ErrTransportClosed = errors.New("appserver: transport closed")
	ErrTimeout         = errors.New("appserver: call timed out")
)

// StartError reports that the app-server subprocess could not be launched.
type StartError struct {
	Binary string
	Err    error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("appserver: unable to start %q app-server: %v", e.Binary, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

// RPCError is a JSON-RPC error object returned by the server.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("appserver: rpc error %d: %s", e.Code, e.Message)
}

// CodeMethodNotFound is returned for server requests the hub does not handle.
const CodeMethodNotFound = -32601

// DefaultCallTimeout applies to methods without an explicit entry.
const DefaultCallTimeout = 60 * time.Second

var callTimeouts = map[string]time.Duration{
	"initialize":              30 * time.Second,
	"newConversation":         30 * time.Second,
	"addConversationListener": 10 * time.Second,
	"sendUserMessage":         600 * time.Second,
}

// CallTimeout returns the per-method request deadline.
func CallTimeout(method string) time.Duration {
	if d, ok := callTimeouts[method]; ok {
		return d
	}
	return DefaultCallTimeout
}
