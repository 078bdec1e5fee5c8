package rpccore

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
)

// ErrNotReady is returned by STRendezvous's Result/Code when called
// before the call has reached a terminal state: the single-threaded variant
// never blocks on the condition variable, since nothing else drives the
// completion queue on its behalf.
var ErrNotReady = errors.New("rpccore: call has not completed yet (single-threaded rendezvous never blocks here)")

// EventPuller blocks until the next completion event for this call is
// available from the transport's segregated per-call queue, or returns an
// error if the queue is closed/the call ended abnormally.
type EventPuller func() (*CompletionEvent, error)

// STRendezvous is the single-threaded rendezvous variant (§4.E): it does not
// depend on the channel spin worker. Every state-mutating read drives the
// completion queue directly by pulling and folding events itself, one at a
// time, until the condition it is waiting for is satisfied.
//
// Done-callbacks added before completion are invoked by whichever call to
// Next/pump (the dispatching caller) observes the terminal event; unlike
// MTRendezvous, exceptions raised inside those callbacks propagate to that
// caller instead of being swallowed.
type STRendezvous struct {
	method string
	state  *RPCState
	pull   EventPuller
	submit Submitter
	cancel Canceller
}

var (
	_ Iterator = (*STRendezvous)(nil)
	_ error    = (*STRendezvous)(nil)
)

// NewSTRendezvous constructs a single-threaded rendezvous. pull is used both
// by accessors (to eagerly pump initial metadata/status) and by Next to pull
// response messages.
func NewSTRendezvous(method string, state *RPCState, pull EventPuller, submit Submitter, cancel Canceller) *STRendezvous {
	return &STRendezvous{method: method, state: state, pull: pull, submit: submit, cancel: cancel}
}

func (r *STRendezvous) Error() string {
	r.state.Lock()
	defer r.state.Unlock()
	code, details, ok := statusFromState(r.state)
	if !ok {
		return fmt.Sprintf("rpccore: call to %s is not yet terminal", r.method)
	}
	return fmt.Sprintf("rpccore: call to %s failed with %s: %s", r.method, code, details)
}

// dispatchOne pulls and folds exactly one completion event, invoking any
// callbacks it frees directly -- letting panics inside them propagate to
// this goroutine, per the single-threaded variant's documented semantics.
func (r *STRendezvous) dispatchOne() error {
	ev, err := r.pull()
	if err != nil {
		return err
	}
	for _, cb := range foldEvent(r.state, ev) {
		cb()
	}
	return nil
}

// pumpUntil drives the completion queue until cond reports satisfaction,
// while holding no lock of its own between pulls (each dispatchOne takes
// and releases the state's lock internally).
func (r *STRendezvous) pumpUntil(cond func() bool) error {
	for {
		r.state.Lock()
		done := cond()
		r.state.Unlock()
		if done {
			return nil
		}
		if err := r.dispatchOne(); err != nil {
			return err
		}
	}
}

// InitialMetadata pumps events, if necessary, until initial metadata or a
// terminal status arrives. Per the Open Question in §9, this eagerly pumps
// rather than waiting for a prior Next() call.
func (r *STRendezvous) InitialMetadata() (Metadata, error) {
	if err := r.pumpUntil(func() bool {
		return r.state.haveInitial || r.state.code != nil
	}); err != nil {
		return nil, err
	}
	r.state.Lock()
	defer r.state.Unlock()
	return r.state.initialMetadata, nil
}

// Code returns the terminal code without blocking; it returns ErrNotReady if
// the call has not yet completed, per the no-block contract of the
// single-threaded variant's Future-like accessors.
func (r *STRendezvous) Code() (codes.Code, error) {
	r.state.Lock()
	defer r.state.Unlock()
	if r.state.code == nil {
		return codes.OK, ErrNotReady
	}
	return *r.state.code, nil
}

// Result returns the stored response without blocking, refusing with
// ErrNotReady if the call is not yet terminal.
func (r *STRendezvous) Result() ([]byte, error) {
	r.state.Lock()
	code := r.state.code
	cancelled := r.state.cancelled
	response := r.state.response
	r.state.Unlock()

	if code == nil {
		return nil, ErrNotReady
	}
	if *code == codes.OK {
		return response, nil
	}
	if cancelled {
		return nil, &CancelledError{Method: r.method}
	}
	return nil, r
}

// AddDoneCallback registers fn if the call is not yet terminal, or invokes
// it synchronously if it already is.
func (r *STRendezvous) AddDoneCallback(fn func()) {
	r.state.Lock()
	alreadyDone := r.state.code != nil
	if !alreadyDone {
		r.state.callbacks = append(r.state.callbacks, fn)
	}
	r.state.Unlock()

	if alreadyDone {
		fn()
	}
}

// Cancel mirrors MTRendezvous.Cancel, except any done-callbacks it frees run
// synchronously on the calling goroutine and their panics propagate, per the
// single-threaded variant's documented semantics.
func (r *STRendezvous) Cancel() bool {
	ok, fired := foldCancel(r.state)
	if !ok {
		return false
	}

	for _, cb := range fired {
		cb()
	}

	r.cancel(codes.Canceled, ReasonLocallyCancelled)
	return true
}

// Next pulls and dispatches events itself until either a response message
// or a terminal status surfaces.
func (r *STRendezvous) Next() ([]byte, error) {
	r.state.Lock()
	if r.state.code != nil && !r.state.haveResponse {
		code, cancelled := *r.state.code, r.state.cancelled
		r.state.Unlock()
		if code == codes.OK {
			return nil, ErrEndOfStream
		}
		if cancelled {
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
	}
	r.state.Unlock()

	if err := r.pumpUntil(func() bool {
		if r.state.haveResponse {
			return true
		}
		_, due := r.state.due[ReceiveMessage]
		return !due && r.state.code != nil
	}); err != nil {
		return nil, err
	}

	r.state.Lock()
	defer r.state.Unlock()
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
