package rpc

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrConnectionLost completes a pending call whose connection dropped
	// before the response arrived.
	ErrConnectionLost = errors.New("connection lost before response")

	// ErrCallTimeout completes a pending call that outlived the configured
	// call timeout.
	ErrCallTimeout = errors.New("rpc call timed out")
)

// RemoteError is an error raised by the remote method, carried back as a
// string in the response frame.
type RemoteError struct {
	Method string
	Msg    string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s: %s", e.Method, e.Msg)
}

// Callback receives the outcome of an asynchronous call: the response data,
// the caller's extra data (plus), and the remote error if any. Callbacks run
// on the service event goroutine.
type Callback func(data any, plus any, err error)

type pendingCall struct {
	method   string
	callback Callback
	plus     any
	created  time.Time
}

// pendingLedger correlates responses to their originating calls. Each
// connection owns one ledger and stamps outgoing requests with ids from a
// connection-scoped sequence, so ids from different connections can never
// interfere.
type pendingLedger struct {
	mu    sync.Mutex
	seq   uint64
	calls map[string]*pendingCall
}

func newPendingLedger() *pendingLedger {
	return &pendingLedger{calls: make(map[string]*pendingCall)}
}

// register stamps a fresh correlation id and stores the call state. Must be
// called exactly once per call.
func (l *pendingLedger) register(method string, cb Callback, plus any) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	id := fmt.Sprintf("c%d", l.seq)
	l.calls[id] = &pendingCall{
		method:   method,
		callback: cb,
		plus:     plus,
		created:  time.Now(),
	}
	return id
}

// take removes and returns the call registered under id, if any.
func (l *pendingLedger) take(id string) *pendingCall {
	l.mu.Lock()
	defer l.mu.Unlock()
	call := l.calls[id]
	delete(l.calls, id)
	return call
}

// takeAll removes and returns every pending call, oldest first not
// guaranteed. Used when a connection closes.
func (l *pendingLedger) takeAll() []*pendingCall {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*pendingCall, 0, len(l.calls))
	for id, call := range l.calls {
		out = append(out, call)
		delete(l.calls, id)
	}
	return out
}

// takeExpired removes and returns calls created before the cutoff.
func (l *pendingLedger) takeExpired(cutoff time.Time) []*pendingCall {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*pendingCall
	for id, call := range l.calls {
		if call.created.Before(cutoff) {
			out = append(out, call)
			delete(l.calls, id)
		}
	}
	return out
}

func (l *pendingLedger) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.calls)
}

// fire invokes the callback, tolerating calls made without one: an error on
// a callback-less call is only worth a log line, which the caller handles.
func (c *pendingCall) fire(data any, err error) bool {
	if c.callback == nil {
		return err != nil
	}
	c.callback(data, c.plus, err)
	return false
}
