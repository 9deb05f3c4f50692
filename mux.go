package lspmux

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultRequestTimeout = 30 * time.Second
)

// MuxOption configures a Mux.
type MuxOption func(*Mux)

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(log *zap.Logger) MuxOption {
	return func(m *Mux) {
		if log != nil {
			m.log = log
		}
	}
}

// WithRequestTimeout sets the default request deadline for servers whose
// config does not set one.
func WithRequestTimeout(d time.Duration) MuxOption {
	return func(m *Mux) {
		if d > 0 {
			m.requestTimeout = d
		}
	}
}

// WithQueueSize sets the notification queue depth per subscription.
func WithQueueSize(n int) MuxOption {
	return func(m *Mux) {
		if n > 0 {
			m.queueSize = n
		}
	}
}

// WithKillGrace sets how long a server gets to exit after an interrupt
// before it is killed.
func WithKillGrace(d time.Duration) MuxOption {
	return func(m *Mux) {
		if d > 0 {
			m.killGrace = d
		}
	}
}

// WithTrace registers a wire observer applied to every connection.
func WithTrace(fn TraceFunc) MuxOption {
	return func(m *Mux) {
		m.trace = fn
	}
}

// Mux multiplexes any number of client handles onto shared server
// connections. At most one live connection exists per registered server;
// Attach joins it or spawns it.
type Mux struct {
	log            *zap.Logger
	requestTimeout time.Duration
	queueSize      int
	killGrace      time.Duration
	trace          TraceFunc

	mu      sync.Mutex
	configs map[string]ServerConfig
	conns   map[string]*ServerConnection
	closed  bool
}

// NewMux creates a multiplexer with no servers registered.
func NewMux(opts ...MuxOption) *Mux {
	m := &Mux{
		log:            zap.NewNop(),
		requestTimeout: defaultRequestTimeout,
		configs:        make(map[string]ServerConfig),
		conns:          make(map[string]*ServerConnection),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RegisterServer adds or replaces a named server configuration. A live
// connection under the old config keeps running until it terminates.
func (m *Mux) RegisterServer(name string, config ServerConfig) error {
	if err := config.validate(); err != nil {
		return &ServerError{Name: name, Err: err}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrMuxShutdown
	}
	m.configs[name] = config
	return nil
}

// RegisterConfig registers every server in a loaded configuration.
func (m *Mux) RegisterConfig(cfg *Config) error {
	for name, sc := range cfg.Servers {
		if err := m.RegisterServer(name, sc); err != nil {
			return err
		}
	}
	return nil
}

// Attach returns a handle on the named server, spawning its process if no
// live connection exists. A connection whose process died is replaced.
// The registry lock is not held across the spawn, so attaches to other
// servers proceed while one starts; a concurrent attach to the same name is
// settled by a second check after startup.
func (m *Mux) Attach(name string) (*Handle, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrMuxShutdown
	}
	if conn := m.conns[name]; conn != nil && conn.retain() {
		m.mu.Unlock()
		return newHandle(m, conn), nil
	}
	config, ok := m.configs[name]
	if !ok {
		m.mu.Unlock()
		return nil, &ServerError{Name: name, Err: ErrNoServer}
	}
	m.mu.Unlock()

	conn, err := newServerConnection(name, config, connOptions{
		logger:         m.log,
		queueSize:      m.queueSize,
		killGrace:      m.killGrace,
		requestTimeout: m.requestTimeout,
		trace:          m.trace,
		onDown: func(c *ServerConnection) {
			m.dropConn(name, c)
		},
	})
	if err != nil {
		return nil, &ServerError{Name: name, Err: err}
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = conn.teardown()
		return nil, ErrMuxShutdown
	}
	if existing := m.conns[name]; existing != nil && existing.retain() {
		// Lost the race. Join the winner and discard our spawn.
		m.mu.Unlock()
		_ = conn.teardown()
		return newHandle(m, existing), nil
	}
	if !conn.retain() {
		// Died between spawn and here. The next Attach respawns.
		m.mu.Unlock()
		return nil, &ServerError{Name: name, Err: conn.deadErr()}
	}
	m.conns[name] = conn
	m.mu.Unlock()
	return newHandle(m, conn), nil
}

// detach is called by Handle.Detach. The last handle out tears the
// connection down.
func (m *Mux) detach(conn *ServerConnection) {
	if conn.release() == 0 {
		m.dropConn(conn.name, conn)
		_ = conn.teardown()
	}
}

// dropConn forgets a connection, but only if it is still the one mapped
// under its name. A respawned successor is left alone.
func (m *Mux) dropConn(name string, conn *ServerConnection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conns[name] == conn {
		delete(m.conns, name)
	}
}

// AttachCount reports how many handles are attached to the named server's
// live connection, zero if there is none.
func (m *Mux) AttachCount(name string) int {
	m.mu.Lock()
	conn := m.conns[name]
	m.mu.Unlock()
	if conn == nil {
		return 0
	}
	return conn.attached()
}

// ConnInfo describes one live connection.
type ConnInfo struct {
	Name     string
	State    ConnState
	Attached int
	Pending  int
}

// Infos returns a snapshot of every live connection.
func (m *Mux) Infos() []ConnInfo {
	m.mu.Lock()
	conns := make([]*ServerConnection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	infos := make([]ConnInfo, 0, len(conns))
	for _, c := range conns {
		infos = append(infos, ConnInfo{
			Name:     c.name,
			State:    c.State(),
			Attached: c.attached(),
			Pending:  c.tracker.pendingCount(),
		})
	}
	return infos
}

// Shutdown tears down every live connection and rejects further attaches.
func (m *Mux) Shutdown() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	conns := make([]*ServerConnection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.conns = make(map[string]*ServerConnection)
	m.mu.Unlock()

	var errs []error
	for _, c := range conns {
		if err := c.teardown(); err != nil {
			errs = append(errs, &ServerError{Name: c.name, Err: err})
		}
	}
	m.log.Info("mux shut down", zap.Int("connections", len(conns)))
	return errors.Join(errs...)
}
