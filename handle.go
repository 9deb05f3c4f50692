package lspmux

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Handle is one client's view of a shared server connection. Handles are
// cheap; every consumer gets its own and detaches when done. All methods
// are safe for concurrent use.
type Handle struct {
	id   string
	mux  *Mux
	conn *ServerConnection

	mu   sync.Mutex
	subs map[*Subscription]struct{}

	detached atomic.Bool
}

func newHandle(m *Mux, c *ServerConnection) *Handle {
	return &Handle{
		id:   uuid.NewString(),
		mux:  m,
		conn: c,
		subs: make(map[*Subscription]struct{}),
	}
}

// ID returns the handle's unique identifier.
func (h *Handle) ID() string { return h.id }

// Server returns the name of the server this handle is attached to.
func (h *Handle) Server() string { return h.conn.name }

// Request sends a request and blocks for the response. The server's error
// reply comes back as an *RPCError. A context without a deadline gets the
// connection's default timeout; cancelling the context abandons the request
// and notifies the server.
func (h *Handle) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if h.detached.Load() {
		return nil, ErrHandleDetached
	}
	return h.conn.request(ctx, method, params)
}

// Notify sends a notification. No response is expected.
func (h *Handle) Notify(ctx context.Context, method string, params any) error {
	if h.detached.Load() {
		return ErrHandleDetached
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return h.conn.notify(method, params)
}

// Subscribe registers a handler for incoming notifications matching method.
// Use Wildcard to receive everything. The handler runs on its own goroutine;
// a handler that cannot keep up loses its oldest queued notifications but
// never stalls other subscribers or the read loop.
func (h *Handle) Subscribe(method string, handler NotificationHandler) (*Subscription, error) {
	if h.detached.Load() {
		return nil, ErrHandleDetached
	}
	sub, err := h.conn.router.subscribe(method, handler)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub, nil
}

// Unsubscribe removes a subscription created by this handle.
func (h *Handle) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	delete(h.subs, sub)
	h.mu.Unlock()
	h.conn.router.unsubscribe(sub)
}

// Reply answers a server-initiated request. The notification must carry a
// reply id, otherwise Reply fails.
func (h *Handle) Reply(n Notification, result any) error {
	if h.detached.Load() {
		return ErrHandleDetached
	}
	return h.conn.respond(n.ReplyID, result, nil)
}

// ReplyError answers a server-initiated request with an error.
func (h *Handle) ReplyError(n Notification, rpcErr *RPCError) error {
	if h.detached.Load() {
		return ErrHandleDetached
	}
	return h.conn.respond(n.ReplyID, nil, rpcErr)
}

// Lost returns a channel closed when the underlying connection terminates,
// whether by crash or by the last handle detaching.
func (h *Handle) Lost() <-chan struct{} { return h.conn.lostCh }

// Err reports why the connection terminated, nil while it is live.
func (h *Handle) Err() error {
	select {
	case <-h.conn.lostCh:
		return h.conn.deadErr()
	default:
		return nil
	}
}

// Stderr returns the server's stderr output captured so far. Useful for
// diagnostics after a crash.
func (h *Handle) Stderr() string { return h.conn.Stderr() }

// Detach releases this handle's reference. Its subscriptions are removed.
// The connection itself survives until the last handle detaches. Detach is
// idempotent.
func (h *Handle) Detach() {
	if h.detached.Swap(true) {
		return
	}

	h.mu.Lock()
	subs := make([]*Subscription, 0, len(h.subs))
	for sub := range h.subs {
		subs = append(subs, sub)
	}
	h.subs = make(map[*Subscription]struct{})
	h.mu.Unlock()

	for _, sub := range subs {
		h.conn.router.unsubscribe(sub)
	}
	h.mux.detach(h.conn)
}
