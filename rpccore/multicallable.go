package rpccore

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
)

// Deserializer turns wire bytes into a caller-visible response value.
type Deserializer func([]byte) (any, error)

// CallOptions carries the per-call arguments of §6's multicallable surface:
// call(req_or_iter, timeout?, metadata?, creds?, waitForReady?, compression?).
// Credentials and compression-algorithm selection are out of scope per §1
// Non-goals; Compression here is the pass-through flag the spec describes.
type CallOptions struct {
	Timeout      time.Duration
	Metadata     Metadata
	WaitForReady *bool
	UserAgent    string
	Compression  string

	// RequestPayload is the pre-serialized unary request; set internally
	// by the multicallable, not by the caller.
	RequestPayload []byte
}

func (o CallOptions) deadline() *time.Time {
	if o.Timeout <= 0 {
		return nil
	}
	d := time.Now().Add(o.Timeout)
	return &d
}

func (o CallOptions) flags() CallFlags {
	return CallFlags{}.WithWaitForReady(o.WaitForReady)
}

// UnaryUnaryMultiCallable is bound to one RPC method of unary-unary
// cardinality (§6).
type UnaryUnaryMultiCallable struct {
	channel *Channel
	method  string
	ser     Serializer
	des     Deserializer
	logger  *zap.Logger
}

func newUnaryUnary(ch *Channel, method string, ser Serializer, des Deserializer, logger *zap.Logger) *UnaryUnaryMultiCallable {
	return &UnaryUnaryMultiCallable{channel: ch, method: method, ser: ser, des: des, logger: logger}
}

// Call serializes req, invokes the RPC, and blocks for the decoded response.
func (m *UnaryUnaryMultiCallable) Call(ctx context.Context, req any, opts CallOptions) (any, error) {
	v, _, err := m.invoke(ctx, req, opts)
	return v, err
}

// WithCall is Call plus the trailing metadata observed on return.
func (m *UnaryUnaryMultiCallable) WithCall(ctx context.Context, req any, opts CallOptions) (any, Metadata, error) {
	return m.invoke(ctx, req, opts)
}

// Future starts the call and returns immediately with a Future the caller
// can poll, wait on with a timeout, or attach done-callbacks to.
func (m *UnaryUnaryMultiCallable) Future(ctx context.Context, req any, opts CallOptions) (Future, error) {
	payload, err := m.ser(req)
	if err != nil {
		return nil, &localError{code: codes.Internal, reason: ReasonSerializeFailed}
	}
	opts.RequestPayload = payload

	handle, err := m.channel.startCall(ctx, m.method, unaryUnary, opts, false)
	if err != nil {
		return nil, err
	}
	return NewMTRendezvous(m.method, handle.state, handle.submit, handle.cancel, m.logger), nil
}

func (m *UnaryUnaryMultiCallable) invoke(ctx context.Context, req any, opts CallOptions) (any, Metadata, error) {
	payload, err := m.ser(req)
	if err != nil {
		return nil, nil, &localError{code: codes.Internal, reason: ReasonSerializeFailed}
	}
	opts.RequestPayload = payload

	handle, err := m.channel.startCall(ctx, m.method, unaryUnary, opts, false)
	if err != nil {
		return nil, nil, err
	}
	rz := NewMTRendezvous(m.method, handle.state, handle.submit, handle.cancel, m.logger)

	raw, err := rz.Result(opts.Timeout)
	if err != nil {
		return nil, rz.TrailingMetadata(), err
	}
	value, err := m.des(raw)
	if err != nil {
		return nil, rz.TrailingMetadata(), &localError{code: codes.Internal, reason: ReasonDeserializeFailed}
	}
	return value, rz.TrailingMetadata(), nil
}

// UnaryStreamMultiCallable is bound to one RPC method of unary-stream
// cardinality.
type UnaryStreamMultiCallable struct {
	channel *Channel
	method  string
	ser     Serializer
	des     Deserializer
	logger  *zap.Logger
}

func newUnaryStream(ch *Channel, method string, ser Serializer, des Deserializer, logger *zap.Logger) *UnaryStreamMultiCallable {
	return &UnaryStreamMultiCallable{channel: ch, method: method, ser: ser, des: des, logger: logger}
}

// ResponseIterator decodes each response message lazily as Next is called.
type ResponseIterator struct {
	des  Deserializer
	next func() ([]byte, error)
}

// Next returns the next decoded response, or ErrEndOfStream/CancelledError/
// the underlying rendezvous error at call completion.
func (it *ResponseIterator) Next() (any, error) {
	raw, err := it.next()
	if err != nil {
		return nil, err
	}
	v, err := it.des(raw)
	if err != nil {
		return nil, &localError{code: codes.Internal, reason: ReasonDeserializeFailed}
	}
	return v, nil
}

// Call starts a unary-request/server-streaming RPC and returns an iterator
// over decoded responses. The channel's SingleThreadedUnaryStream option (or
// the GRPC_SINGLE_THREADED_UNARY_STREAM environment variable) selects which
// rendezvous variant fronts it.
func (m *UnaryStreamMultiCallable) Call(ctx context.Context, req any, opts CallOptions) (*ResponseIterator, error) {
	payload, err := m.ser(req)
	if err != nil {
		return nil, &localError{code: codes.Internal, reason: ReasonSerializeFailed}
	}
	opts.RequestPayload = payload

	singleThreaded := m.channel.opts.resolveSingleThreaded()
	handle, err := m.channel.startCall(ctx, m.method, unaryStream, opts, singleThreaded)
	if err != nil {
		return nil, err
	}

	if singleThreaded {
		st := NewSTRendezvous(m.method, handle.state, handle.pull, handle.submit, handle.cancel)
		return &ResponseIterator{des: m.des, next: st.Next}, nil
	}
	mt := NewMTRendezvous(m.method, handle.state, handle.submit, handle.cancel, m.logger)
	return &ResponseIterator{des: m.des, next: mt.Next}, nil
}

// StreamUnaryMultiCallable is bound to one RPC method of stream-unary
// cardinality.
type StreamUnaryMultiCallable struct {
	channel *Channel
	method  string
	ser     Serializer
	des     Deserializer
	logger  *zap.Logger
}

func newStreamUnary(ch *Channel, method string, ser Serializer, des Deserializer, logger *zap.Logger) *StreamUnaryMultiCallable {
	return &StreamUnaryMultiCallable{channel: ch, method: method, ser: ser, des: des, logger: logger}
}

// Call starts the call, launches the request-iterator pump over reqIter,
// and blocks for the single decoded response.
func (m *StreamUnaryMultiCallable) Call(ctx context.Context, reqIter RequestIterator, opts CallOptions) (any, error) {
	handle, err := m.channel.startCall(ctx, m.method, streamUnary, opts, false)
	if err != nil {
		return nil, err
	}
	rz := NewMTRendezvous(m.method, handle.state, handle.submit, handle.cancel, m.logger)
	go RunRequestPump(handle.state, reqIter, m.ser, handle.submit, handle.cancel, m.logger)

	raw, err := rz.Result(opts.Timeout)
	if err != nil {
		return nil, err
	}
	value, err := m.des(raw)
	if err != nil {
		return nil, &localError{code: codes.Internal, reason: ReasonDeserializeFailed}
	}
	return value, nil
}

// StreamStreamMultiCallable is bound to one RPC method of stream-stream
// cardinality.
type StreamStreamMultiCallable struct {
	channel *Channel
	method  string
	ser     Serializer
	des     Deserializer
	logger  *zap.Logger
}

func newStreamStream(ch *Channel, method string, ser Serializer, des Deserializer, logger *zap.Logger) *StreamStreamMultiCallable {
	return &StreamStreamMultiCallable{channel: ch, method: method, ser: ser, des: des, logger: logger}
}

// Call starts the call, launches the request-iterator pump, and returns an
// iterator over decoded responses.
func (m *StreamStreamMultiCallable) Call(ctx context.Context, reqIter RequestIterator, opts CallOptions) (*ResponseIterator, error) {
	handle, err := m.channel.startCall(ctx, m.method, streamStream, opts, false)
	if err != nil {
		return nil, err
	}
	rz := NewMTRendezvous(m.method, handle.state, handle.submit, handle.cancel, m.logger)
	go RunRequestPump(handle.state, reqIter, m.ser, handle.submit, handle.cancel, m.logger)

	return &ResponseIterator{des: m.des, next: rz.Next}, nil
}

// UnaryUnary constructs a multicallable bound to method with the given
// serializer/deserializer (§6 Channel.unaryUnary).
func (c *Channel) UnaryUnary(method string, ser Serializer, des Deserializer) *UnaryUnaryMultiCallable {
	return newUnaryUnary(c, method, ser, des, c.logger)
}

// UnaryStream mirrors Channel.unaryStream.
func (c *Channel) UnaryStream(method string, ser Serializer, des Deserializer) *UnaryStreamMultiCallable {
	return newUnaryStream(c, method, ser, des, c.logger)
}

// StreamUnary mirrors Channel.streamUnary.
func (c *Channel) StreamUnary(method string, ser Serializer, des Deserializer) *StreamUnaryMultiCallable {
	return newStreamUnary(c, method, ser, des, c.logger)
}

// StreamStream mirrors Channel.streamStream.
func (c *Channel) StreamStream(method string, ser Serializer, des Deserializer) *StreamStreamMultiCallable {
	return newStreamStream(c, method, ser, des, c.logger)
}

// localError is the representation of §7's local-failure taxonomy: a
// failure that aborts the call before the transport is ever invoked, so
// there is no rendezvous to serve as the error value.
type localError struct {
	code   codes.Code
	reason string
}

func (e *localError) Error() string { return e.reason }

// Code reports the status code a localError corresponds to, so callers can
// branch on it the same way they would on a terminal rendezvous code.
func (e *localError) Code() codes.Code { return e.code }
