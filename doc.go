// Package lspmux provides a client-side runtime for the Language Server
// Protocol base transport: it spawns a language server as a subprocess,
// frames JSON-RPC 2.0 messages over its standard streams, correlates
// asynchronous responses with the requests that caused them, and fans out
// server notifications to subscribers.
//
// The package deliberately treats request and notification payloads as
// opaque JSON keyed by method name. Typed encoding/decoding of
// method-specific shapes (textDocument/completion and friends) belongs to
// the layer above.
//
// # Architecture
//
// The package is organized around these core components:
//
//   - Mux: registry of server configurations and live connections;
//     hands out Handles
//   - Handle: the facade a consumer uses to talk to one server
//   - ServerConnection: one server process shared by any number of Handles
//   - Transport: subprocess lifecycle plus the framed byte streams
//   - Decoder: resumable Content-Length frame decoding
//
// # Quick Start
//
// Register a server and attach to it:
//
//	mux := lspmux.NewMux(lspmux.WithLogger(logger))
//	mux.RegisterServer("gopls", lspmux.ServerConfig{
//	    Command: "gopls",
//	    Args:    []string{"serve"},
//	})
//	defer mux.Shutdown()
//
//	h, err := mux.Attach("gopls")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer h.Detach()
//
//	result, err := h.Request(ctx, "initialize", initParams)
//
// # Connection Sharing
//
// Attaching to a server name that already has a live connection joins that
// connection instead of spawning a second process. The connection is
// reference counted: it is torn down when the last Handle detaches, or
// immediately when the server process dies. Either way every pending
// request resolves (never hangs) and every subscription is closed.
//
// # Notifications
//
// Handles subscribe to server notifications by exact method name or with
// the "*" wildcard. Each subscription has its own bounded queue and
// delivery goroutine, so a slow consumer can never stall the connection's
// read loop or delay other subscribers; it only risks dropping its own
// overflow.
//
// # Thread Safety
//
// Mux, Handle and Subscription are safe for concurrent use. A Request call
// suspends only its caller; it never blocks the read loop, the writer, or
// other in-flight requests.
package lspmux
