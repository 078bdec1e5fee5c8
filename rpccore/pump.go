package rpccore

import (
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
)

// RequestIterator is the caller-supplied source of request messages for a
// streaming call. Next returns (nil, false) at end of input. Err reports
// whatever the iterator wants surfaced if it stopped abnormally; a pump that
// sees Next return false checks Err to distinguish clean end-of-input from
// an iteration failure.
type RequestIterator interface {
	Next() (any, bool)
	Err() error
}

// Serializer turns one request value into wire bytes.
type Serializer func(any) ([]byte, error)

// Submitter submits a batch to the transport for the owning call, returning
// whether the transport accepted it.
type Submitter func(Batch) bool

// Canceller issues a transport-level cancellation for the owning call.
type Canceller func(code codes.Code, details string)

// RunRequestPump drains reqIter, serializing and submitting one SendMessage
// at a time with per-message backpressure: at most one SendMessage is ever
// outstanding simultaneously. It runs on its own goroutine, one per active
// streaming request, and returns when the request side of the call is done
// (either all requests were sent and the call half-closed, or the call
// became terminal or was locally cancelled).
func RunRequestPump(state *RPCState, reqIter RequestIterator, ser Serializer, submit Submitter, cancel Canceller, logger *zap.Logger) {
	for {
		item, ok := reqIter.Next()
		if !ok {
			if err := reqIter.Err(); err != nil {
				cancel(codes.Unknown, ReasonIterateFailed)
				if logger != nil {
					logger.Error("exception iterating requests", zap.Error(err))
				}
				return
			}
			break
		}

		payload, err := ser(item)
		if err != nil {
			cancel(codes.Internal, ReasonSerializeFailed)
			if logger != nil {
				logger.Error("exception serializing request", zap.Error(err))
			}
			return
		}

		if !sendOneMessage(state, payload, submit) {
			return
		}
	}

	sendClose(state, submit)
}

// sendOneMessage submits a single SendMessage batch and waits for either its
// completion or call termination, reporting whether the pump should keep
// going.
func sendOneMessage(state *RPCState, payload []byte, submit Submitter) bool {
	state.Lock()
	defer state.Unlock()

	if state.code != nil || state.cancelled {
		return false
	}

	state.addDue(SendMessage)
	batch := Batch{{Kind: SendMessage, OutPayload: payload}}

	if !submit(batch) {
		state.removeDue(SendMessage)
		return false
	}

	for {
		if _, due := state.due[SendMessage]; !due {
			return true
		}
		if state.code != nil {
			return false
		}
		state.cond.Wait()
	}
}

// sendClose submits the final SendCloseFromClient batch if the call is still
// non-terminal.
func sendClose(state *RPCState, submit Submitter) {
	state.Lock()
	defer state.Unlock()

	if state.code != nil || state.cancelled {
		return
	}

	state.addDue(SendCloseFromClient)
	batch := Batch{{Kind: SendCloseFromClient}}
	if !submit(batch) {
		state.removeDue(SendCloseFromClient)
	}
}
