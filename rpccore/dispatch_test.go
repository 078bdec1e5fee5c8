package rpccore

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
)

func TestHandleEvent_MessageBeforeStatusTieBreak(t *testing.T) {
	state := NewRPCState([]OpKind{ReceiveMessage, ReceiveStatusOnClient})

	ev := &CompletionEvent{
		Success: true,
		Completed: []Operation{
			{Kind: ReceiveMessage, InPayload: []byte("payload")},
			{Kind: ReceiveStatusOnClient, StatusCode: codes.OK},
		},
	}

	HandleEvent(state, ev, zap.NewNop())

	state.Lock()
	defer state.Unlock()
	require.True(t, state.haveResponse)
	require.Equal(t, []byte("payload"), state.response)
	require.NotNil(t, state.code)
	require.Equal(t, codes.OK, *state.code)
}

func TestHandleEvent_FinalityInvariant(t *testing.T) {
	state := NewRPCState([]OpKind{ReceiveStatusOnClient})

	first := &CompletionEvent{Completed: []Operation{
		{Kind: ReceiveStatusOnClient, StatusCode: codes.Unavailable, StatusDetails: "first"},
	}}
	HandleEvent(state, first, zap.NewNop())

	// A second, late status (e.g. a duplicate delivery) must never overwrite
	// the first terminal code.
	second := &CompletionEvent{Completed: []Operation{
		{Kind: ReceiveStatusOnClient, StatusCode: codes.OK, StatusDetails: "second"},
	}}
	HandleEvent(state, second, zap.NewNop())

	state.Lock()
	defer state.Unlock()
	require.Equal(t, codes.Unavailable, *state.code)
	require.Equal(t, "first", state.details)
}

func TestHandleEvent_CallbacksFireExactlyOnce(t *testing.T) {
	state := NewRPCState([]OpKind{ReceiveStatusOnClient})

	var fires int
	state.Lock()
	state.callbacks = append(state.callbacks, func() { fires++ })
	state.callbacks = append(state.callbacks, func() { fires++ })
	state.Unlock()

	ev := &CompletionEvent{Completed: []Operation{
		{Kind: ReceiveStatusOnClient, StatusCode: codes.OK},
	}}
	HandleEvent(state, ev, zap.NewNop())
	HandleEvent(state, ev, zap.NewNop())

	require.Equal(t, 2, fires)
}

func TestHandleEvent_PanicInCallbackIsSwallowedAndLogged(t *testing.T) {
	state := NewRPCState([]OpKind{ReceiveStatusOnClient})

	state.Lock()
	state.callbacks = append(state.callbacks, func() { panic("boom") })
	state.Unlock()

	ev := &CompletionEvent{Completed: []Operation{
		{Kind: ReceiveStatusOnClient, StatusCode: codes.OK},
	}}

	require.NotPanics(t, func() {
		HandleEvent(state, ev, zap.NewNop())
	})
}

func TestHandleEvent_RemovesCompletedKindsFromDue(t *testing.T) {
	state := NewRPCState([]OpKind{ReceiveInitialMetadata, ReceiveMessage, ReceiveStatusOnClient})

	ev := &CompletionEvent{Completed: []Operation{
		{Kind: ReceiveInitialMetadata, InMetadata: Metadata{{Key: "k", Value: "v"}}},
	}}
	HandleEvent(state, ev, zap.NewNop())

	require.False(t, state.IsDue(ReceiveInitialMetadata))
	require.True(t, state.IsDue(ReceiveMessage))
	require.True(t, state.IsDue(ReceiveStatusOnClient))
}
