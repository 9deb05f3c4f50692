package lspmux

import (
	"errors"
	"fmt"
)

// Standard errors returned by the runtime.
var (
	// ErrMuxShutdown indicates the mux has been shut down.
	ErrMuxShutdown = errors.New("mux shut down")

	// ErrNoServer indicates no server is registered under the given name.
	ErrNoServer = errors.New("no server registered")

	// ErrConnectionLost indicates the server process or its streams are no
	// longer usable. Every request that was pending when the connection was
	// lost resolves with an error wrapping this one.
	ErrConnectionLost = errors.New("connection lost")

	// ErrTransportClosed indicates a write was attempted on a closed transport.
	ErrTransportClosed = errors.New("transport closed")

	// ErrRequestCancelled indicates the caller cancelled a pending request.
	ErrRequestCancelled = errors.New("request cancelled")

	// ErrHandleDetached indicates the handle has already been detached.
	ErrHandleDetached = errors.New("handle detached")

	// ErrServerCrashed indicates the server process terminated unexpectedly.
	ErrServerCrashed = errors.New("server crashed")

	// ErrNeedMoreData is reported by Decoder.Next when the buffered bytes do
	// not yet contain a complete frame.
	ErrNeedMoreData = errors.New("need more data")

	// ErrReattachFailed indicates a Reattacher exhausted its retry budget.
	ErrReattachFailed = errors.New("reattach failed")
)

// RPCError represents a JSON-RPC error object sent by the server. It is
// surfaced only to the caller whose request produced it.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("rpc error %d: %s (data: %v)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes.
const (
	// JSON-RPC standard errors
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	// LSP-specific errors
	CodeServerNotInitialized = -32002
	CodeUnknownErrorCode     = -32001
	CodeRequestCancelled     = -32800
	CodeContentModified      = -32801
	CodeServerCancelled      = -32802
	CodeRequestFailed        = -32803
)

// SpawnError indicates the server process could not be started.
type SpawnError struct {
	Command string
	Err     error
}

// Error implements the error interface.
func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Command, e.Err)
}

// Unwrap returns the underlying error.
func (e *SpawnError) Unwrap() error {
	return e.Err
}

// FramingError indicates byte-stream synchronization has been lost: a frame
// header could not be located or parsed within the decoder's lookahead.
// It is fatal to the connection.
type FramingError struct {
	Reason string
}

// Error implements the error interface.
func (e *FramingError) Error() string {
	return "framing error: " + e.Reason
}

// MalformedFrameError indicates a complete frame arrived whose body is not
// valid JSON. The frame is dropped and the connection continues; the raw
// bytes are retained for diagnostics.
type MalformedFrameError struct {
	Raw []byte
}

// Error implements the error interface.
func (e *MalformedFrameError) Error() string {
	return fmt.Sprintf("malformed frame body (%d bytes)", len(e.Raw))
}

// ServerError wraps an error with the name of the server it concerns.
type ServerError struct {
	Name string
	Err  error
}

// Error implements the error interface.
func (e *ServerError) Error() string {
	return fmt.Sprintf("server %s: %v", e.Name, e.Err)
}

// Unwrap returns the underlying error.
func (e *ServerError) Unwrap() error {
	return e.Err
}
