package rpccore

import (
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
)

// HandleEvent consumes one completion event, folding its per-operation
// results into state and extracting any done-callbacks that became runnable
// as a result. It is the single place that enforces the finality invariant
// (state.code, once set, never changes) and the message-before-status
// tie-break: when a ReceiveMessage and a ReceiveStatusOnClient complete in
// the same event, the message is stored first.
//
// A terminal event can have more than one done-callback registered (via
// multiple AddDoneCallback calls); if several of them panic, every panic is
// recovered and reported together as one combined error rather than
// clobbering all but the last one.
//
// logger is used only to report panics recovered from callbacks invoked
// outside the lock; it may be nil.
func HandleEvent(state *RPCState, ev *CompletionEvent, logger *zap.Logger) {
	fired := foldEvent(state, ev)
	var combined error
	for _, cb := range fired {
		combined = multierr.Append(combined, invokeSafely(cb))
	}
	if combined != nil && logger != nil {
		logger.Error("panic in rpc done-callback", zap.Error(combined))
	}
}

// foldEvent applies one completion event's results to state under its lock,
// broadcasts the condition, and returns any done-callbacks that became
// runnable as a result -- drained from state but not yet invoked, so the
// caller can choose how to run them (swallowing panics for the channel spin
// worker, or letting them propagate for the single-threaded rendezvous that
// dispatches its own events).
func foldEvent(state *RPCState, ev *CompletionEvent) []func() {
	state.Lock()
	defer state.Unlock()

	var statusOp *Operation
	for i := range ev.Completed {
		op := &ev.Completed[i]
		state.removeDue(op.Kind)

		switch op.Kind {
		case ReceiveInitialMetadata:
			state.initialMetadata = op.InMetadata
			state.haveInitial = true
		case ReceiveMessage:
			state.response = op.InPayload
			state.haveResponse = true
		case ReceiveStatusOnClient:
			// Deferred below so a ReceiveMessage in the same event is
			// stored first, per the tie-break rule.
			statusOp = op
		}
	}

	var fired []func()
	if statusOp != nil {
		state.trailingMetadata = statusOp.InMetadata
		state.haveTrailing = true

		if state.code == nil {
			code, details := MapStatusCode(statusOp.StatusCode, statusOp.StatusDetails)
			state.code = &code
			state.details = details
			state.debugErrorString = statusOp.DebugError

			if !state.callbacksFired {
				fired = state.callbacks
				state.callbacks = nil
				state.callbacksFired = true
			}
		}
		// If already terminated, the spec requires the first code to
		// stand: do not overwrite code/details/debugErrorString.
	}

	state.cond.Broadcast()
	return fired
}

// invokeSafely runs cb, converting a recovered panic into an error instead
// of letting it unwind into the channel spin worker.
func invokeSafely(cb func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("recovered: %v", r)
		}
	}()
	cb()
	return nil
}

// foldCancel marks state CANCELLED immediately, mirroring foldEvent's
// terminal-transition bookkeeping but driven by a local Cancel() call rather
// than a completion event arriving from the transport. Returns whether this
// call performed the transition (false if the state was already terminal)
// and any done-callbacks that became runnable as a result.
func foldCancel(state *RPCState) (bool, []func()) {
	state.Lock()
	defer state.Unlock()

	if state.code != nil {
		return false, nil
	}

	state.cancelled = true
	code := codes.Canceled
	state.code = &code
	state.details = ReasonLocallyCancelled

	var fired []func()
	if !state.callbacksFired {
		fired = state.callbacks
		state.callbacks = nil
		state.callbacksFired = true
	}

	state.cond.Broadcast()
	return true, fired
}

// statusFromState reads the terminal code/details if present.
func statusFromState(state *RPCState) (codes.Code, string, bool) {
	if state.code == nil {
		return codes.OK, "", false
	}
	return *state.code, state.details, true
}
