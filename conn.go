package lspmux

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ConnState tracks the lifecycle of a shared server connection.
type ConnState int32

const (
	// ConnStarting means the process is being spawned.
	ConnStarting ConnState = iota
	// ConnLive means the connection is accepting requests.
	ConnLive
	// ConnDraining means the last handle detached and teardown has begun.
	ConnDraining
	// ConnTerminated means the connection is dead. Terminal state.
	ConnTerminated
)

func (s ConnState) String() string {
	switch s {
	case ConnStarting:
		return "starting"
	case ConnLive:
		return "live"
	case ConnDraining:
		return "draining"
	case ConnTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

type connOptions struct {
	logger         *zap.Logger
	queueSize      int
	killGrace      time.Duration
	requestTimeout time.Duration
	onDown         func(*ServerConnection)
	trace          TraceFunc
}

// ServerConnection owns one server process and its wire state. Handles share
// a connection through the mux; they never hold one directly.
type ServerConnection struct {
	name           string
	config         ServerConfig
	transport      *Transport
	tracker        *tracker
	router         *router
	log            *zap.Logger
	requestTimeout time.Duration
	onDown         func(*ServerConnection)

	state atomic.Int32 // ConnState

	mu         sync.Mutex
	refs       int
	exitReason error

	lostOnce sync.Once
	lostCh   chan struct{}
}

func newServerConnection(name string, config ServerConfig, opts connOptions) (*ServerConnection, error) {
	log := opts.logger.With(zap.String("server", name))

	timeout := config.RequestTimeout
	if timeout <= 0 {
		timeout = opts.requestTimeout
	}

	c := &ServerConnection{
		name:           name,
		config:         config,
		tracker:        newTracker(log),
		router:         newRouter(log, opts.queueSize),
		log:            log,
		requestTimeout: timeout,
		onDown:         opts.onDown,
		lostCh:         make(chan struct{}),
	}
	c.state.Store(int32(ConnStarting))

	t, err := Spawn(config, log)
	if err != nil {
		c.state.Store(int32(ConnTerminated))
		return nil, err
	}
	if opts.killGrace > 0 {
		t.killGrace = opts.killGrace
	}
	c.transport = t

	t.OnMessage(c.dispatchFrame)
	t.OnConnectionLost(func(reason error) {
		c.connectionLost(reason)
	})
	if opts.trace != nil {
		t.OnTrace(opts.trace)
	}

	t.Start(context.Background())

	c.state.Store(int32(ConnLive))
	log.Info("server connection established",
		zap.String("command", config.Command),
		zap.Strings("args", config.Args))
	return c, nil
}

// Name returns the registered server name.
func (c *ServerConnection) Name() string { return c.name }

// State returns the current lifecycle state.
func (c *ServerConnection) State() ConnState { return ConnState(c.state.Load()) }

// Stderr returns everything the server wrote to stderr so far.
func (c *ServerConnection) Stderr() string {
	if c.transport == nil {
		return ""
	}
	return c.transport.Stderr()
}

// dispatchFrame classifies one decoded frame. A method with a non-null id is
// a server-initiated request, a method without one is a notification, and an
// integer id without a method is a response to something we sent.
func (c *ServerConnection) dispatchFrame(raw json.RawMessage) {
	var msg incoming
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.log.Warn("dropping undecodable frame", zap.Error(err))
		return
	}

	hasID := len(msg.ID) > 0 && !bytes.Equal(msg.ID, []byte("null"))

	switch {
	case msg.Method != "" && hasID:
		c.router.dispatch(Notification{Method: msg.Method, Params: msg.Params, ReplyID: msg.ID})
	case msg.Method != "":
		c.router.dispatch(Notification{Method: msg.Method, Params: msg.Params})
	case hasID:
		var id int64
		if err := json.Unmarshal(msg.ID, &id); err != nil {
			c.log.Warn("dropping response with non-integer id", zap.ByteString("id", msg.ID))
			return
		}
		c.tracker.resolve(&Response{JSONRPC: jsonRPCVersion, ID: id, Result: msg.Result, Error: msg.Error})
	default:
		c.log.Warn("dropping unclassifiable frame")
	}
}

// request sends a request and blocks until the response arrives, the context
// ends, or the connection is lost. A context without a deadline gets the
// connection's default timeout.
func (c *ServerConnection) request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if c.State() != ConnLive {
		return nil, c.deadErr()
	}

	p, err := c.tracker.register(method)
	if err != nil {
		return nil, err
	}

	req := &Request{JSONRPC: jsonRPCVersion, ID: p.id, Method: method, Params: params}
	if err := c.transport.Write(req); err != nil {
		c.tracker.fail(p.id, err)
		return nil, err
	}

	if _, ok := ctx.Deadline(); !ok && c.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}

	select {
	case out := <-p.done:
		return out.result, out.err
	case <-ctx.Done():
		c.cancelRequest(p.id)
		return nil, fmt.Errorf("%s: %w", method, ctx.Err())
	}
}

// cancelRequest abandons a pending request and tells the server, best effort.
func (c *ServerConnection) cancelRequest(id int64) {
	if !c.tracker.cancel(id) {
		return
	}
	note := &Request{
		JSONRPC: jsonRPCVersion,
		Method:  cancelRequestMethod,
		Params:  map[string]int64{"id": id},
	}
	if err := c.transport.Write(note); err != nil {
		c.log.Debug("cancel notification not delivered", zap.Int64("id", id), zap.Error(err))
	}
}

// notify sends a fire-and-forget notification.
func (c *ServerConnection) notify(method string, params any) error {
	if c.State() != ConnLive {
		return c.deadErr()
	}
	return c.transport.Write(&Request{JSONRPC: jsonRPCVersion, Method: method, Params: params})
}

type resultReply struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result"`
}

type errorReply struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Error   *RPCError       `json:"error"`
}

// respond answers a server-initiated request identified by its raw id.
func (c *ServerConnection) respond(replyID json.RawMessage, result any, rpcErr *RPCError) error {
	if len(replyID) == 0 {
		return fmt.Errorf("reply to a message without an id")
	}
	if c.State() != ConnLive {
		return c.deadErr()
	}
	if rpcErr != nil {
		return c.transport.Write(&errorReply{JSONRPC: jsonRPCVersion, ID: replyID, Error: rpcErr})
	}
	return c.transport.Write(&resultReply{JSONRPC: jsonRPCVersion, ID: replyID, Result: result})
}

// retain adds a handle reference. Returns false if the connection is no
// longer live, in which case the caller must attach elsewhere.
func (c *ServerConnection) retain() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.State() != ConnLive {
		return false
	}
	c.refs++
	return true
}

// release drops a handle reference and reports how many remain.
func (c *ServerConnection) release() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.refs > 0 {
		c.refs--
	}
	return c.refs
}

func (c *ServerConnection) attached() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refs
}

// teardown shuts the connection down deliberately, as opposed to losing it.
func (c *ServerConnection) teardown() error {
	c.state.CompareAndSwap(int32(ConnLive), int32(ConnDraining))
	err := c.transport.Close()
	c.connectionLost(errors.New("connection closed"))
	return err
}

// connectionLost runs exactly once and moves the connection to its terminal
// state: every pending request fails, every subscription closes, and the
// mux forgets the connection.
func (c *ServerConnection) connectionLost(reason error) {
	c.lostOnce.Do(func() {
		c.mu.Lock()
		c.state.Store(int32(ConnTerminated))
		c.exitReason = reason
		c.mu.Unlock()

		c.tracker.failAll(reason)
		c.router.closeAll()
		close(c.lostCh)
		_ = c.transport.Close()

		if c.onDown != nil {
			c.onDown(c)
		}
		c.log.Info("server connection terminated", zap.Error(reason))
	})
}

// deadErr describes why the connection is unusable.
func (c *ServerConnection) deadErr() error {
	c.mu.Lock()
	reason := c.exitReason
	c.mu.Unlock()
	if reason == nil {
		return ErrConnectionLost
	}
	if errors.Is(reason, ErrConnectionLost) || errors.Is(reason, ErrServerCrashed) {
		return reason
	}
	return fmt.Errorf("%w: %v", ErrConnectionLost, reason)
}
