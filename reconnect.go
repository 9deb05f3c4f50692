package lspmux

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// ReattachState represents the state of a reattacher.
type ReattachState int32

const (
	// ReattachIdle means the reattacher has not started.
	ReattachIdle ReattachState = iota
	// ReattachRunning means a live handle is held.
	ReattachRunning
	// ReattachRetrying means the connection was lost and reattachment is in progress.
	ReattachRetrying
	// ReattachFailed means the attempt budget is exhausted.
	ReattachFailed
	// ReattachStopped means the reattacher was explicitly stopped.
	ReattachStopped
)

func (s ReattachState) String() string {
	switch s {
	case ReattachIdle:
		return "idle"
	case ReattachRunning:
		return "running"
	case ReattachRetrying:
		return "retrying"
	case ReattachFailed:
		return "failed"
	case ReattachStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ReattachConfig configures crash recovery.
type ReattachConfig struct {
	// MaxAttempts is the maximum number of reattach attempts before giving up.
	// Default: 5
	MaxAttempts int

	// InitialBackoff is the backoff after the first loss.
	// Default: 1 second
	InitialBackoff time.Duration

	// MaxBackoff caps the backoff growth.
	// Default: 60 seconds
	MaxBackoff time.Duration

	// BackoffMultiplier is applied to the backoff after each failure.
	// Default: 2.0
	BackoffMultiplier float64

	// ResetWindow is how long a connection must stay up before the attempt
	// count resets.
	// Default: 5 minutes
	ResetWindow time.Duration
}

// DefaultReattachConfig returns the default recovery configuration.
func DefaultReattachConfig() ReattachConfig {
	return ReattachConfig{
		MaxAttempts:       5,
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        60 * time.Second,
		BackoffMultiplier: 2.0,
		ResetWindow:       5 * time.Minute,
	}
}

// ReattachEventType identifies the type of reattach event.
type ReattachEventType int

const (
	// ReattachEventLost indicates the connection was lost.
	ReattachEventLost ReattachEventType = iota
	// ReattachEventRetrying indicates a reattach attempt is starting.
	ReattachEventRetrying
	// ReattachEventRecovered indicates a new handle is live.
	ReattachEventRecovered
	// ReattachEventFailed indicates recovery has been abandoned.
	ReattachEventFailed
)

func (t ReattachEventType) String() string {
	switch t {
	case ReattachEventLost:
		return "lost"
	case ReattachEventRetrying:
		return "retrying"
	case ReattachEventRecovered:
		return "recovered"
	case ReattachEventFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ReattachEvent describes a recovery transition.
type ReattachEvent struct {
	Type      ReattachEventType
	Server    string
	Error     error
	Attempt   int
	NextRetry time.Duration
}

// subscriptionSpec records a subscription so it can be replayed on a fresh
// handle after recovery.
type subscriptionSpec struct {
	method  string
	handler NotificationHandler
}

// Reattacher holds a handle on a server and replaces it when the connection
// dies. Subscriptions made through the reattacher survive recovery; requests
// in flight at the moment of loss still fail and are the caller's to retry.
//
// Thread Safety: safe for concurrent use. The state field uses atomic
// operations for lock-free reads; everything else is protected by mu.
type Reattacher struct {
	mu sync.Mutex

	mux    *Mux
	server string
	config ReattachConfig

	handle *Handle
	subs   []subscriptionSpec

	state      atomic.Int32
	attempts   int
	lastAttach time.Time

	ctx       context.Context
	cancel    context.CancelFunc
	eventCh   chan ReattachEvent
	closed    atomic.Bool
	closeOnce sync.Once
}

// NewReattacher creates a reattacher for the named server.
func NewReattacher(m *Mux, server string, config ReattachConfig) *Reattacher {
	r := &Reattacher{
		mux:     m,
		server:  server,
		config:  config,
		eventCh: make(chan ReattachEvent, 16),
	}
	r.state.Store(int32(ReattachIdle))
	return r
}

// Start attaches and begins monitoring.
func (r *Reattacher) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ReattachState(r.state.Load()) != ReattachIdle {
		return ErrReattachFailed
	}

	r.ctx, r.cancel = context.WithCancel(ctx)

	if err := r.attachLocked(); err != nil {
		r.state.Store(int32(ReattachFailed))
		return err
	}

	r.state.Store(int32(ReattachRunning))
	go r.monitor()
	return nil
}

// attachLocked attaches a fresh handle and replays subscriptions (must hold mu).
func (r *Reattacher) attachLocked() error {
	h, err := r.mux.Attach(r.server)
	if err != nil {
		return err
	}
	for _, spec := range r.subs {
		if _, err := h.Subscribe(spec.method, spec.handler); err != nil {
			h.Detach()
			return err
		}
	}
	r.handle = h
	r.lastAttach = time.Now()
	return nil
}

// monitor watches the current handle and drives recovery.
func (r *Reattacher) monitor() {
	for {
		r.mu.Lock()
		h := r.handle
		r.mu.Unlock()

		if h == nil {
			return
		}

		select {
		case <-r.ctx.Done():
			return
		case <-h.Lost():
			if !r.recover(h.Err()) {
				return
			}
		}
	}
}

// recover retries attachment with backoff. Returns true once a new handle is
// live, false if recovery was abandoned or the reattacher stopped.
func (r *Reattacher) recover(lossErr error) bool {
	r.mu.Lock()
	old := r.handle
	r.handle = nil
	r.mu.Unlock()
	if old != nil {
		old.Detach()
	}

	for {
		r.mu.Lock()

		if ReattachState(r.state.Load()) == ReattachStopped {
			r.mu.Unlock()
			return false
		}

		if time.Since(r.lastAttach) > r.config.ResetWindow {
			r.attempts = 0
		}
		r.attempts++

		r.emitLocked(ReattachEvent{
			Type:    ReattachEventLost,
			Server:  r.server,
			Error:   lossErr,
			Attempt: r.attempts,
		})

		if r.attempts > r.config.MaxAttempts {
			r.state.Store(int32(ReattachFailed))
			r.handle = nil
			r.emitLocked(ReattachEvent{
				Type:    ReattachEventFailed,
				Server:  r.server,
				Error:   lossErr,
				Attempt: r.attempts,
			})
			r.mu.Unlock()
			return false
		}

		delay := backoffDelay(
			r.attempts,
			r.config.InitialBackoff,
			r.config.MaxBackoff,
			r.config.BackoffMultiplier,
		)

		r.state.Store(int32(ReattachRetrying))
		r.emitLocked(ReattachEvent{
			Type:      ReattachEventRetrying,
			Server:    r.server,
			Attempt:   r.attempts,
			NextRetry: delay,
		})

		r.mu.Unlock()

		select {
		case <-r.ctx.Done():
			return false
		case <-time.After(delay):
		}

		r.mu.Lock()

		if ReattachState(r.state.Load()) == ReattachStopped {
			r.mu.Unlock()
			return false
		}

		if err := r.attachLocked(); err != nil {
			lossErr = err
			r.mu.Unlock()
			continue
		}

		r.state.Store(int32(ReattachRunning))
		r.emitLocked(ReattachEvent{
			Type:    ReattachEventRecovered,
			Server:  r.server,
			Attempt: r.attempts,
		})

		r.mu.Unlock()
		return true
	}
}

// emitLocked sends an event to listeners. Events are dropped if the channel
// is full or closed.
func (r *Reattacher) emitLocked(event ReattachEvent) {
	if r.closed.Load() {
		return
	}
	select {
	case r.eventCh <- event:
	default:
	}
}

// Request forwards to the current handle.
func (r *Reattacher) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	r.mu.Lock()
	h := r.handle
	r.mu.Unlock()

	if h == nil {
		return nil, ErrConnectionLost
	}
	return h.Request(ctx, method, params)
}

// Notify forwards to the current handle.
func (r *Reattacher) Notify(ctx context.Context, method string, params any) error {
	r.mu.Lock()
	h := r.handle
	r.mu.Unlock()

	if h == nil {
		return ErrConnectionLost
	}
	return h.Notify(ctx, method, params)
}

// Subscribe records the subscription and applies it to the current handle.
// Recorded subscriptions are replayed automatically after recovery.
func (r *Reattacher) Subscribe(method string, handler NotificationHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.subs = append(r.subs, subscriptionSpec{method: method, handler: handler})
	if r.handle == nil {
		return nil
	}
	_, err := r.handle.Subscribe(method, handler)
	return err
}

// Handle returns the current handle, nil during recovery or after failure.
func (r *Reattacher) Handle() *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handle
}

// State returns the current reattacher state.
func (r *Reattacher) State() ReattachState {
	return ReattachState(r.state.Load())
}

// Attempts returns the number of reattach attempts since the last reset.
func (r *Reattacher) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

// Events returns the event channel for observing recovery. The channel is
// closed when the reattacher stops.
func (r *Reattacher) Events() <-chan ReattachEvent {
	return r.eventCh
}

// Stop detaches the current handle and ends monitoring.
func (r *Reattacher) Stop() {
	r.mu.Lock()
	state := ReattachState(r.state.Load())
	if state == ReattachStopped || state == ReattachIdle {
		r.mu.Unlock()
		return
	}
	r.state.Store(int32(ReattachStopped))
	h := r.handle
	r.handle = nil
	r.mu.Unlock()

	if r.cancel != nil {
		r.cancel()
	}

	r.closeOnce.Do(func() {
		r.closed.Store(true)
		close(r.eventCh)
	})

	if h != nil {
		h.Detach()
	}
}

// backoffDelay returns the wait before the given attempt. The first attempt
// waits the initial backoff; each later one grows by the multiplier, capped
// at max.
func backoffDelay(attempt int, initial, max time.Duration, multiplier float64) time.Duration {
	d := float64(initial)
	for i := 1; i < attempt; i++ {
		d *= multiplier
		if d >= float64(max) {
			return max
		}
	}
	return time.Duration(d)
}
