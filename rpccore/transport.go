package rpccore

import (
	"context"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
)

// Transport is the external collaborator of §6: an opaque provider of
// HTTP/2 framing, TLS, and flow control. The invocation core never reaches
// past this interface; a concrete adapter lives in
// github.com/arrow-rpc/rpccore/transport/grpctransport, built on
// google.golang.org/grpc.
type Transport interface {
	// SegregatedCall creates a call with its own private completion queue,
	// used by the single-threaded rendezvous so it can drive events itself
	// without depending on the channel spin worker.
	SegregatedCall(ctx context.Context, method, host string, deadline *time.Time, md Metadata, flags CallFlags, batches []Batch) (Call, error)

	// IntegratedCall creates a call that shares the channel-wide completion
	// queue; each batch's tag is invoked by the channel spin worker.
	IntegratedCall(ctx context.Context, method, host string, deadline *time.Time, md Metadata, flags CallFlags, batches []Batch, tag func(*CompletionEvent) bool) (Call, error)

	// NextCallEvent blocks until the next completion event on the
	// channel-wide queue is available, or a queue-timeout/error occurs.
	NextCallEvent() (*CompletionEvent, error)

	CheckConnectivityState(tryToConnect bool) connectivity.State
	WatchConnectivityState(current connectivity.State, deadline time.Time) (changed bool)

	Close(code codes.Code, details string) error
}

// Call is the per-call handle returned by Transport.
type Call interface {
	// Operate submits one additional batch against this call, reporting
	// whether the transport accepted it.
	Operate(batch Batch) bool

	// NextEvent blocks for the next completion event on this call's own
	// (segregated) queue. Only valid for calls created via SegregatedCall.
	NextEvent() (*CompletionEvent, error)

	Cancel(code codes.Code, details string)
}
