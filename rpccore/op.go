// Package rpccore implements the client-side invocation core of a gRPC-style
// RPC runtime: the per-call state machine, the channel-wide completion-event
// multiplexer, and the connectivity subscription engine that sit underneath a
// typed method stub.
package rpccore

import "google.golang.org/grpc/codes"

// OpKind names one kind of wire operation submitted as part of a Batch.
type OpKind int

const (
	// SendInitialMetadata transmits the call's initial metadata.
	SendInitialMetadata OpKind = iota
	// SendMessage transmits one serialized request message.
	SendMessage
	// SendCloseFromClient half-closes the client's send side.
	SendCloseFromClient
	// ReceiveInitialMetadata receives the server's initial metadata.
	ReceiveInitialMetadata
	// ReceiveMessage receives one serialized response message.
	ReceiveMessage
	// ReceiveStatusOnClient receives the call's terminal status and trailers.
	ReceiveStatusOnClient
)

func (k OpKind) String() string {
	switch k {
	case SendInitialMetadata:
		return "SendInitialMetadata"
	case SendMessage:
		return "SendMessage"
	case SendCloseFromClient:
		return "SendCloseFromClient"
	case ReceiveInitialMetadata:
		return "ReceiveInitialMetadata"
	case ReceiveMessage:
		return "ReceiveMessage"
	case ReceiveStatusOnClient:
		return "ReceiveStatusOnClient"
	default:
		return "Unknown"
	}
}

// IsSend reports whether k belongs to the send group of operations.
func (k OpKind) IsSend() bool {
	return k == SendInitialMetadata || k == SendMessage || k == SendCloseFromClient
}

// Metadata is an ordered list of (key, value) pairs, mirroring gRPC's wire
// metadata representation without committing to a concrete metadata package.
type Metadata []KV

// KV is one metadata key/value pair.
type KV struct {
	Key   string
	Value string
}

// Operation is one instance of an OpKind carried in a Batch, together with
// whatever payload it sends (on submission) or receives (on completion).
type Operation struct {
	Kind OpKind

	// Outgoing payloads, valid for the send group.
	OutMetadata Metadata
	OutPayload  []byte

	// Incoming payloads, filled in by the transport when the operation
	// completes; valid for the receive group.
	InMetadata  Metadata
	InPayload   []byte
	StatusCode  codes.Code
	StatusDetails string
	DebugError  string
}

// Batch is an ordered sequence of operations submitted atomically to the
// transport. The transport either accepts the batch, eventually emitting one
// CompletionEvent carrying results for every operation in it, or refuses it,
// in which case no event will ever arrive for that batch.
type Batch []Operation

// Kinds returns the set of OpKinds present in the batch.
func (b Batch) Kinds() []OpKind {
	kinds := make([]OpKind, len(b))
	for i, op := range b {
		kinds[i] = op.Kind
	}
	return kinds
}

// CompletionEvent is produced by the transport when every operation in a
// submitted batch has finished. For the channel spin worker, Tag is the
// event-handler function registered at submission time.
type CompletionEvent struct {
	Completed []Operation
	Success   bool
	Tag       func(*CompletionEvent) bool
}
