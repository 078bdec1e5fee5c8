package rpccore

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
)

// ErrEndOfStream is returned by Iterator.Next when a streaming response call
// has completed with an OK status and no more messages remain.
var ErrEndOfStream = errors.New("rpccore: end of stream")

// ErrTimeout is returned by Future.Result when the timeout elapses before
// the call reaches a terminal state.
var ErrTimeout = errors.New("rpccore: timeout waiting for rpc")

// CancelledError is returned by Future.Result/Next in place of the
// rendezvous itself when the call's terminal CANCELLED status resulted from
// a local Cancel() call, downgrading what would otherwise be "raise self".
type CancelledError struct {
	Method string
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("rpccore: call to %s was cancelled", e.Method)
}

// Future is the blocking-result view of a rendezvous.
type Future interface {
	InitialMetadata() Metadata
	TrailingMetadata() Metadata
	Code() codes.Code
	Details() string
	DebugErrorString() string
	Result(timeout time.Duration) ([]byte, error)
	AddDoneCallback(fn func(Future))
	Cancel() bool
	Cancelled() bool
	Running() bool
	Done() bool
}

// Iterator is the streaming-response view of a rendezvous.
type Iterator interface {
	Next() ([]byte, error)
}

// MTRendezvous is the multi-threaded rendezvous: it depends on the channel
// spin worker to drive HandleEvent, and itself only ever waits on the
// state's condition variable. It implements Future, Iterator, and error
// simultaneously, per the "rendezvous is an error" design note: a non-OK,
// non-cancelled terminal status is surfaced by returning the rendezvous
// itself as the error value.
type MTRendezvous struct {
	method string
	state  *RPCState
	submit Submitter
	cancel Canceller
	logger *zap.Logger
}

var (
	_ Future   = (*MTRendezvous)(nil)
	_ Iterator = (*MTRendezvous)(nil)
	_ error    = (*MTRendezvous)(nil)
)

// NewMTRendezvous constructs a multi-threaded rendezvous over state. submit
// is used by Next to request additional response messages; cancel issues
// transport-level cancellation.
func NewMTRendezvous(method string, state *RPCState, submit Submitter, cancel Canceller, logger *zap.Logger) *MTRendezvous {
	return &MTRendezvous{method: method, state: state, submit: submit, cancel: cancel, logger: logger}
}

// Error implements the error interface, making the rendezvous usable as the
// error value returned for a non-OK, non-cancelled terminal status.
func (r *MTRendezvous) Error() string {
	r.state.Lock()
	defer r.state.Unlock()
	code, details, ok := statusFromState(r.state)
	if !ok {
		return fmt.Sprintf("rpccore: call to %s is not yet terminal", r.method)
	}
	return fmt.Sprintf("rpccore: call to %s failed with %s: %s", r.method, code, details)
}

func (r *MTRendezvous) InitialMetadata() Metadata {
	r.state.Lock()
	defer r.state.Unlock()
	for !r.state.haveInitial && r.state.code == nil {
		r.state.cond.Wait()
	}
	return r.state.initialMetadata
}

func (r *MTRendezvous) TrailingMetadata() Metadata {
	r.state.Lock()
	defer r.state.Unlock()
	for !r.state.haveTrailing {
		r.state.cond.Wait()
	}
	return r.state.trailingMetadata
}

func (r *MTRendezvous) Code() codes.Code {
	r.state.Lock()
	defer r.state.Unlock()
	for r.state.code == nil {
		r.state.cond.Wait()
	}
	return *r.state.code
}

func (r *MTRendezvous) Details() string {
	r.state.Lock()
	defer r.state.Unlock()
	for r.state.code == nil {
		r.state.cond.Wait()
	}
	return r.state.details
}

func (r *MTRendezvous) DebugErrorString() string {
	r.state.Lock()
	defer r.state.Unlock()
	for r.state.code == nil {
		r.state.cond.Wait()
	}
	return r.state.debugErrorString
}

// Result waits up to timeout for the call to terminate, returning the most
// recently stored response on OK, a *CancelledError if locally cancelled, the
// rendezvous itself on any other non-OK code, or ErrTimeout. A non-positive
// timeout means wait indefinitely.
func (r *MTRendezvous) Result(timeout time.Duration) ([]byte, error) {
	var expired bool
	var timer *time.Timer
	if timeout > 0 {
		// The timer takes state's lock before flipping expired and
		// broadcasting, the same as every other state mutation, so a timer
		// firing between the waiter's last check and its cond.Wait() call
		// can never go unobserved: either it acquires the lock first (and
		// the waiter sees expired==true before it waits) or the waiter is
		// already asleep in Wait() and gets woken by the broadcast.
		timer = time.AfterFunc(timeout, func() {
			r.state.Lock()
			expired = true
			r.state.cond.Broadcast()
			r.state.Unlock()
		})
		defer timer.Stop()
	}

	r.state.Lock()
	defer r.state.Unlock()

	for r.state.code == nil && !expired {
		r.state.cond.Wait()
	}

	if r.state.code == nil {
		return nil, ErrTimeout
	}

	if *r.state.code == codes.OK {
		return r.state.response, nil
	}
	if r.state.cancelled {
		return nil, &CancelledError{Method: r.method}
	}
	return nil, r
}

// AddDoneCallback registers fn to run once the call terminates. If the call
// is already terminal, fn runs synchronously, outside any lock.
func (r *MTRendezvous) AddDoneCallback(fn func(Future)) {
	r.state.Lock()
	alreadyDone := r.state.code != nil
	if !alreadyDone {
		r.state.callbacks = append(r.state.callbacks, func() { fn(r) })
	}
	r.state.Unlock()

	if alreadyDone {
		fn(r)
	}
}

// Cancel flips the state to CANCELLED immediately -- so Cancelled(), Code(),
// and Result() all observe it without waiting on the transport -- and then
// issues a transport-level cancellation. It is idempotent: returns false if
// the call was already terminal.
func (r *MTRendezvous) Cancel() bool {
	ok, fired := foldCancel(r.state)
	if !ok {
		return false
	}

	var combined error
	for _, cb := range fired {
		combined = multierr.Append(combined, invokeSafely(cb))
	}
	if combined != nil && r.logger != nil {
		r.logger.Error("panic in rpc done-callback", zap.Error(combined))
	}

	r.cancel(codes.Canceled, ReasonLocallyCancelled)
	return true
}

func (r *MTRendezvous) Cancelled() bool {
	r.state.Lock()
	defer r.state.Unlock()
	return r.state.cancelled && r.state.code != nil && *r.state.code == codes.Canceled
}

func (r *MTRendezvous) Running() bool {
	r.state.Lock()
	defer r.state.Unlock()
	return r.state.code == nil
}

func (r *MTRendezvous) Done() bool {
	r.state.Lock()
	defer r.state.Unlock()
	return r.state.code != nil
}

// Next implements Iterator: it requests one more response message and
// blocks until either a message arrives or the call terminates.
func (r *MTRendezvous) Next() ([]byte, error) {
	r.state.Lock()
	defer r.state.Unlock()

	if r.state.code != nil && !r.state.haveResponse {
		if *r.state.code == codes.OK {
			return nil, ErrEndOfStream
		}
		if r.state.cancelled {
			return nil, &CancelledError{Method: r.method}
		}
		return nil, r
	}

	if !r.state.haveResponse {
		r.state.addDue(ReceiveMessage)
		batch := Batch{{Kind: ReceiveMessage}}
		if !r.submit(batch) {
			r.state.removeDue(ReceiveMessage)
		}

		for !r.state.haveResponse {
			if _, due := r.state.due[ReceiveMessage]; !due && r.state.code != nil {
				break
			}
			r.state.cond.Wait()
		}
	}

	if r.state.haveResponse {
		msg := r.state.response
		r.state.response = nil
		r.state.haveResponse = false
		return msg, nil
	}

	if *r.state.code == codes.OK {
		return nil, ErrEndOfStream
	}
	if r.state.cancelled {
		return nil, &CancelledError{Method: r.method}
	}
	return nil, r
}

// FinalizeIfLeaked cancels the call if it is still non-terminal, mirroring
// the source's finalizer-based cleanup. Callers should invoke this from a
// defer/Close rather than relying on garbage collection (Design Note:
// finalizer-based cancellation is fragile; call handles should be
// scoped-acquisition resources in Go).
func (r *MTRendezvous) FinalizeIfLeaked() {
	r.state.Lock()
	terminal := r.state.code != nil
	r.state.Unlock()
	if !terminal {
		r.cancel(codes.Canceled, ReasonGCCancelled)
	}
}

