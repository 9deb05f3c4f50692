package lspmux

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Wildcard subscribes to every notification method.
const Wildcard = "*"

// NotificationHandler processes one server notification. Handlers for a
// single subscription run on a dedicated goroutine and see notifications
// in server-send order; a slow handler delays only its own subscription.
type NotificationHandler func(n Notification)

// defaultQueueSize is the per-subscription delivery queue depth.
const defaultQueueSize = 64

// Subscription is one registered listener for server notifications.
type Subscription struct {
	method  string
	queue   chan Notification
	done    chan struct{}
	once    sync.Once
	dropped atomic.Uint64
}

// Method returns the method filter this subscription was created with.
func (s *Subscription) Method() string {
	return s.method
}

// Dropped returns how many notifications were discarded because the
// subscription's queue was full.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// offer enqueues a notification without blocking. Overflow is dropped;
// losing a notification beats stalling the connection's read loop.
func (s *Subscription) offer(n Notification, log *zap.Logger) {
	select {
	case s.queue <- n:
	default:
		s.dropped.Add(1)
		log.Warn("subscriber queue full, dropping notification",
			zap.String("filter", s.method),
			zap.String("method", n.Method))
	}
}

// run delivers queued notifications to the handler until the subscription
// is closed.
func (s *Subscription) run(handler NotificationHandler) {
	for {
		select {
		case <-s.done:
			return
		case n := <-s.queue:
			handler(n)
		}
	}
}

// close stops delivery. Safe to call more than once.
func (s *Subscription) close() {
	s.once.Do(func() {
		close(s.done)
	})
}

// router fans incoming notifications out to subscribers. Dispatch is a
// map lookup plus non-blocking queue pushes, so the caller (the
// connection's read loop) never waits on a consumer.
type router struct {
	log *zap.Logger

	mu        sync.RWMutex
	subs      map[string][]*Subscription
	queueSize int
	closed    bool
}

func newRouter(logger *zap.Logger, queueSize int) *router {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &router{
		log:       logger,
		subs:      make(map[string][]*Subscription),
		queueSize: queueSize,
	}
}

// subscribe registers a handler for the given method (or Wildcard) and
// starts its delivery goroutine.
func (r *router) subscribe(method string, handler NotificationHandler) (*Subscription, error) {
	sub := &Subscription{
		method: method,
		queue:  make(chan Notification, r.queueSize),
		done:   make(chan struct{}),
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrConnectionLost
	}
	r.subs[method] = append(r.subs[method], sub)
	r.mu.Unlock()

	go sub.run(handler)
	return sub, nil
}

// unsubscribe removes the subscription and stops its delivery goroutine.
func (r *router) unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	r.mu.Lock()
	list := r.subs[sub.method]
	for i, s := range list {
		if s == sub {
			r.subs[sub.method] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(r.subs[sub.method]) == 0 {
		delete(r.subs, sub.method)
	}
	r.mu.Unlock()

	sub.close()
}

// dispatch delivers a notification to every matching subscription. With no
// subscribers the notification is dropped, not buffered.
func (r *router) dispatch(n Notification) {
	r.mu.RLock()
	exact := r.subs[n.Method]
	wild := r.subs[Wildcard]
	targets := make([]*Subscription, 0, len(exact)+len(wild))
	targets = append(targets, exact...)
	targets = append(targets, wild...)
	r.mu.RUnlock()

	if len(targets) == 0 {
		return
	}
	for _, sub := range targets {
		sub.offer(n, r.log)
	}
}

// closeAll drops every subscription and rejects new ones. Called when the
// connection is lost or torn down.
func (r *router) closeAll() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	subs := r.subs
	r.subs = make(map[string][]*Subscription)
	r.mu.Unlock()

	for _, list := range subs {
		for _, sub := range list {
			sub.close()
		}
	}
}
