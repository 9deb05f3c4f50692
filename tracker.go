package lspmux

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// requestOutcome is the single completion value delivered to a waiting
// caller: a raw result, the server's error object, or a local failure
// (cancellation, connection loss).
type requestOutcome struct {
	result json.RawMessage
	err    error
}

// pendingRequest is one in-flight request slot. It is owned by the tracker;
// the caller holds only the completion channel to await on.
type pendingRequest struct {
	id      int64
	method  string
	created time.Time
	done    chan requestOutcome // buffered, cap 1
}

// tracker assigns request ids and correlates responses with the requests
// that caused them. Each pending request completes exactly once: on a
// matching response, on cancellation, or when the connection is lost.
type tracker struct {
	log    *zap.Logger
	nextID atomic.Int64

	mu      sync.Mutex
	pending map[int64]*pendingRequest
	failed  error // non-nil once failAll has run; register rejects thereafter
}

func newTracker(logger *zap.Logger) *tracker {
	return &tracker{
		log:     logger,
		pending: make(map[int64]*pendingRequest),
	}
}

// register allocates a connection-unique id and a completion slot. It
// fails once the connection has been lost.
func (tr *tracker) register(method string) (*pendingRequest, error) {
	p := &pendingRequest{
		id:      tr.nextID.Add(1),
		method:  method,
		created: time.Now(),
		done:    make(chan requestOutcome, 1),
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.failed != nil {
		return nil, tr.failed
	}
	tr.pending[p.id] = p
	return p, nil
}

// resolve completes the pending request matching the response id. A
// response with no matching pending request is a protocol violation on the
// server's side; it is reported and dropped without affecting anything
// else.
func (tr *tracker) resolve(resp *Response) {
	tr.mu.Lock()
	p, ok := tr.pending[resp.ID]
	if ok {
		delete(tr.pending, resp.ID)
	}
	tr.mu.Unlock()

	if !ok {
		tr.log.Warn("response for unknown request id, dropping", zap.Int64("id", resp.ID))
		return
	}

	if resp.Error != nil {
		p.done <- requestOutcome{err: resp.Error}
		return
	}
	p.done <- requestOutcome{result: resp.Result}
}

// cancel removes the pending request, if still pending, and completes it
// as cancelled. It reports whether there was anything to cancel (a false
// return means the response already arrived or the id is unknown).
func (tr *tracker) cancel(id int64) bool {
	tr.mu.Lock()
	p, ok := tr.pending[id]
	if ok {
		delete(tr.pending, id)
	}
	tr.mu.Unlock()

	if !ok {
		return false
	}
	p.done <- requestOutcome{err: ErrRequestCancelled}
	return true
}

// fail removes the pending request and completes it with err. Used when
// the frame could not be written after the slot was registered.
func (tr *tracker) fail(id int64, err error) {
	tr.mu.Lock()
	p, ok := tr.pending[id]
	if ok {
		delete(tr.pending, id)
	}
	tr.mu.Unlock()

	if ok {
		p.done <- requestOutcome{err: err}
	}
}

// failAll completes every pending request with a connection-lost error and
// atomically rejects all subsequent register calls.
func (tr *tracker) failAll(reason error) {
	failure := fmt.Errorf("%w: %v", ErrConnectionLost, reason)

	tr.mu.Lock()
	if tr.failed != nil {
		tr.mu.Unlock()
		return
	}
	tr.failed = failure
	pending := tr.pending
	tr.pending = make(map[int64]*pendingRequest)
	tr.mu.Unlock()

	for _, p := range pending {
		p.done <- requestOutcome{err: failure}
	}
	if len(pending) > 0 {
		tr.log.Debug("failed pending requests on connection loss", zap.Int("count", len(pending)))
	}
}

// pendingCount reports the number of in-flight requests.
func (tr *tracker) pendingCount() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return len(tr.pending)
}
