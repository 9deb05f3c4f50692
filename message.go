package lspmux

import "encoding/json"

// JSON-RPC protocol version used by the LSP base protocol.
const jsonRPCVersion = "2.0"

// Method used for the best-effort cancellation courtesy notification.
const cancelRequestMethod = "$/cancelRequest"

// Request represents an outgoing JSON-RPC request. A zero ID marks it as a
// notification on the wire (the id field is omitted).
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Response represents a JSON-RPC response frame matched against a pending
// request. Exactly one of Result and Error is meaningful.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// Notification is a server-initiated message delivered to subscribers.
// Params is left opaque; decoding method-specific shapes is the consumer's
// job.
//
// When the server sends a request of its own (a message with both a method
// and an id), it is delivered through the same path with ReplyID set to the
// raw id so a higher layer can answer it. Plain notifications have a nil
// ReplyID.
type Notification struct {
	Method  string
	Params  json.RawMessage
	ReplyID json.RawMessage
}

// incoming is the probe shape used to classify a decoded frame.
type incoming struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}
