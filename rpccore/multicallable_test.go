package rpccore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
)

// fakeIntegratedTransport completes every batch it's handed by immediately
// echoing a scripted response back through the channel-wide completion
// queue, driving the tag registered at IntegratedCall time. It exercises the
// multicallable/Channel wiring down to the spin worker without a real
// network transport.
type fakeIntegratedTransport struct {
	mu       sync.Mutex
	queue    chan *CompletionEvent
	response []byte
	calls    int
}

func newFakeIntegratedTransport(response []byte) *fakeIntegratedTransport {
	return &fakeIntegratedTransport{queue: make(chan *CompletionEvent, 16), response: response}
}

func (f *fakeIntegratedTransport) SegregatedCall(ctx context.Context, method, host string, deadline *time.Time, md Metadata, flags CallFlags, batches []Batch) (Call, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeIntegratedTransport) IntegratedCall(ctx context.Context, method, host string, deadline *time.Time, md Metadata, flags CallFlags, batches []Batch, tag func(*CompletionEvent) bool) (Call, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	c := &fakeIntegratedCall{transport: f, tag: tag, response: f.response}
	for _, b := range batches {
		c.Operate(b)
	}
	return c, nil
}

func (f *fakeIntegratedTransport) NextCallEvent() (*CompletionEvent, error) {
	return <-f.queue, nil
}

func (f *fakeIntegratedTransport) CheckConnectivityState(bool) connectivity.State { return connectivity.Ready }
func (f *fakeIntegratedTransport) WatchConnectivityState(connectivity.State, time.Time) bool {
	return false
}
func (f *fakeIntegratedTransport) Close(codes.Code, string) error { return nil }

type fakeIntegratedCall struct {
	transport *fakeIntegratedTransport
	tag       func(*CompletionEvent) bool
	response  []byte
}

func (c *fakeIntegratedCall) Operate(b Batch) bool {
	completed := make([]Operation, len(b))
	for i, op := range b {
		completed[i] = op
		switch op.Kind {
		case ReceiveInitialMetadata:
			completed[i].InMetadata = Metadata{{Key: "initial", Value: "meta"}}
		case ReceiveMessage:
			completed[i].InPayload = c.response
		case ReceiveStatusOnClient:
			completed[i].StatusCode = codes.OK
			completed[i].InMetadata = Metadata{{Key: "server", Value: "ok"}}
		}
	}
	c.transport.queue <- &CompletionEvent{Completed: completed, Success: true, Tag: c.tag}
	return true
}

func (c *fakeIntegratedCall) NextEvent() (*CompletionEvent, error) {
	return nil, errors.New("not segregated")
}

func (c *fakeIntegratedCall) Cancel(codes.Code, string) {}

func newTestChannel(transport Transport) *Channel {
	return NewChannel(transport, "test-host:1", ChannelOptions{}, zap.NewNop())
}

func TestUnaryUnaryMultiCallable_CallReturnsDecodedResponse(t *testing.T) {
	transport := newFakeIntegratedTransport([]byte("resp"))
	ch := newTestChannel(transport)
	m := ch.UnaryUnary("/svc/Echo",
		func(v any) ([]byte, error) { return []byte(v.(string)), nil },
		func(raw []byte) (any, error) { return string(raw), nil },
	)

	resp, err := m.Call(context.Background(), "hi", CallOptions{})
	require.NoError(t, err)
	require.Equal(t, "resp", resp)
}

func TestUnaryUnaryMultiCallable_WithCallReturnsTrailingMetadata(t *testing.T) {
	transport := newFakeIntegratedTransport([]byte("resp"))
	ch := newTestChannel(transport)
	m := ch.UnaryUnary("/svc/Echo",
		func(v any) ([]byte, error) { return []byte(v.(string)), nil },
		func(raw []byte) (any, error) { return string(raw), nil },
	)

	resp, md, err := m.WithCall(context.Background(), "hi", CallOptions{})
	require.NoError(t, err)
	require.Equal(t, "resp", resp)
	require.Equal(t, Metadata{{Key: "server", Value: "ok"}}, md)
}

func TestUnaryUnaryMultiCallable_Future_ResolvesAsynchronously(t *testing.T) {
	transport := newFakeIntegratedTransport([]byte("resp"))
	ch := newTestChannel(transport)
	m := ch.UnaryUnary("/svc/Echo",
		func(v any) ([]byte, error) { return []byte(v.(string)), nil },
		func(raw []byte) (any, error) { return string(raw), nil },
	)

	fut, err := m.Future(context.Background(), "hi", CallOptions{})
	require.NoError(t, err)

	raw, err := fut.Result(time.Second)
	require.NoError(t, err)
	require.Equal(t, []byte("resp"), raw)
}

func TestUnaryUnaryMultiCallable_SerializeFailureNeverReachesTransport(t *testing.T) {
	transport := newFakeIntegratedTransport(nil)
	ch := newTestChannel(transport)
	serErr := errors.New("bad request")
	m := ch.UnaryUnary("/svc/Echo",
		func(any) ([]byte, error) { return nil, serErr },
		func(raw []byte) (any, error) { return raw, nil },
	)

	_, err := m.Call(context.Background(), "hi", CallOptions{})
	require.Error(t, err)
	var le *localError
	require.ErrorAs(t, err, &le)
	require.Equal(t, codes.Internal, le.Code())
	require.Equal(t, ReasonSerializeFailed, le.reason)

	transport.mu.Lock()
	defer transport.mu.Unlock()
	require.Equal(t, 0, transport.calls, "transport must never be invoked when serialization fails")
}

func TestUnaryUnaryMultiCallable_DeserializeFailureStillReportsTrailingMetadata(t *testing.T) {
	transport := newFakeIntegratedTransport([]byte("not-json"))
	ch := newTestChannel(transport)
	desErr := errors.New("malformed")
	m := ch.UnaryUnary("/svc/Echo",
		func(v any) ([]byte, error) { return []byte(v.(string)), nil },
		func([]byte) (any, error) { return nil, desErr },
	)

	_, md, err := m.WithCall(context.Background(), "hi", CallOptions{})
	require.Error(t, err)
	var le *localError
	require.ErrorAs(t, err, &le)
	require.Equal(t, ReasonDeserializeFailed, le.reason)
	require.Equal(t, Metadata{{Key: "server", Value: "ok"}}, md)
}

func TestStreamUnaryMultiCallable_Call_PumpsRequestsThenReturnsResponse(t *testing.T) {
	transport := newFakeIntegratedTransport([]byte("resp"))
	ch := newTestChannel(transport)
	m := ch.StreamUnary("/svc/Collect",
		func(v any) ([]byte, error) { return []byte(v.(string)), nil },
		func(raw []byte) (any, error) { return string(raw), nil },
	)

	iter := &sliceRequestIterator{items: []any{"a", "b"}}
	resp, err := m.Call(context.Background(), iter, CallOptions{})
	require.NoError(t, err)
	require.Equal(t, "resp", resp)
}
