package rpccore

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
)

// sliceRequestIterator adapts a plain slice to RequestIterator.
type sliceRequestIterator struct {
	items []any
	i     int
	err   error
}

func (it *sliceRequestIterator) Next() (any, bool) {
	if it.i >= len(it.items) {
		return nil, false
	}
	v := it.items[it.i]
	it.i++
	return v, true
}

func (it *sliceRequestIterator) Err() error { return it.err }

func TestRunRequestPump_OneMessageInFlightAtATime(t *testing.T) {
	state := NewRPCState([]OpKind{SendMessage, SendCloseFromClient})
	iter := &sliceRequestIterator{items: []any{"a", "b", "c"}}
	ser := func(v any) ([]byte, error) { return []byte(v.(string)), nil }

	var mu sync.Mutex
	var inFlight, maxInFlight int
	var sent []string

	submit := func(b Batch) bool {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()

		for _, op := range b {
			if op.Kind == SendMessage {
				sent = append(sent, string(op.OutPayload))
				go func(k OpKind) {
					time.Sleep(time.Millisecond)
					mu.Lock()
					inFlight--
					mu.Unlock()
					state.Lock()
					state.removeDue(k)
					state.cond.Broadcast()
					state.Unlock()
				}(op.Kind)
			}
			if op.Kind == SendCloseFromClient {
				// The pump calls submit with the state's lock already held.
				state.removeDue(op.Kind)
				state.cond.Broadcast()
			}
		}
		return true
	}
	cancel := func(codes.Code, string) {}

	done := make(chan struct{})
	go func() {
		RunRequestPump(state, iter, ser, submit, cancel, zap.NewNop())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pump did not finish")
	}

	require.Equal(t, []string{"a", "b", "c"}, sent)
	require.Equal(t, 1, maxInFlight, "at most one SendMessage should be outstanding at a time")
}

func TestRunRequestPump_SerializeFailureCancels(t *testing.T) {
	state := NewRPCState([]OpKind{SendMessage})
	iter := &sliceRequestIterator{items: []any{"x"}}
	serErr := errors.New("boom")
	ser := func(any) ([]byte, error) { return nil, serErr }
	submit := func(Batch) bool { return true }

	var gotCode codes.Code
	var gotReason string
	cancel := func(code codes.Code, details string) {
		gotCode = code
		gotReason = details
	}

	RunRequestPump(state, iter, ser, submit, cancel, zap.NewNop())

	require.Equal(t, codes.Internal, gotCode)
	require.Equal(t, ReasonSerializeFailed, gotReason)
}

func TestRunRequestPump_IterationFailureCancels(t *testing.T) {
	state := NewRPCState([]OpKind{SendMessage})
	iterErr := errors.New("iteration exploded")
	iter := &sliceRequestIterator{err: iterErr}
	ser := func(v any) ([]byte, error) { return []byte(v.(string)), nil }
	submit := func(Batch) bool { return true }

	var gotCode codes.Code
	cancel := func(code codes.Code, details string) { gotCode = code }

	RunRequestPump(state, iter, ser, submit, cancel, zap.NewNop())

	require.Equal(t, codes.Unknown, gotCode)
}

func TestRunRequestPump_SendsCloseAfterExhaustingInput(t *testing.T) {
	state := NewRPCState([]OpKind{SendCloseFromClient})
	iter := &sliceRequestIterator{}
	ser := func(v any) ([]byte, error) { return []byte(v.(string)), nil }

	var closed bool
	submit := func(b Batch) bool {
		for _, op := range b {
			if op.Kind == SendCloseFromClient {
				closed = true
				// The pump calls submit with the state's lock already held.
				state.removeDue(op.Kind)
			}
		}
		return true
	}
	cancel := func(codes.Code, string) {}

	RunRequestPump(state, iter, ser, submit, cancel, zap.NewNop())
	require.True(t, closed)
}
