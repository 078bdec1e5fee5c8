package grpctransport

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/arrow-rpc/rpccore/rpccore"
)

// eventQueueDepth bounds the channel-wide completion queue. A full queue
// blocks the call goroutine submitting the next event rather than growing
// without limit, the same backpressure the teacher's exporter applies to its
// own internal stream queues.
const eventQueueDepth = 256

// Conn adapts a *grpc.ClientConn to rpccore.Transport (§6), giving the
// invocation core's opaque Transport collaborator a concrete body. It is
// grounded on the teacher's use of grpc.ClientConn and PerRPCCredentials in
// internal/arrow/exporter.go.
type Conn struct {
	cc     *grpc.ClientConn
	logger *zap.Logger

	events chan *rpccore.CompletionEvent
}

// Dial opens a grpc.ClientConn to target and wraps it as an rpccore
// Transport. creds is optional; nil selects insecure transport credentials,
// matching the teacher's dial helper in internal/arrow/exporter.go for local
// and test configurations.
func Dial(ctx context.Context, target string, creds credentials.TransportCredentials, perRPC credentials.PerRPCCredentials, logger *zap.Logger, extra ...grpc.DialOption) (*Conn, error) {
	if creds == nil {
		creds = insecure.NewCredentials()
	}
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(rawCodec{})),
	}, extra...)
	if perRPC != nil {
		dialOpts = append(dialOpts, grpc.WithPerRPCCredentials(perRPC))
	}

	cc, err := grpc.DialContext(ctx, target, dialOpts...)
	if err != nil {
		return nil, err
	}
	return &Conn{
		cc:     cc,
		logger: logger,
		events: make(chan *rpccore.CompletionEvent, eventQueueDepth),
	}, nil
}

// streamDesc is shared by every call regardless of cardinality: the
// invocation core, not grpc-go, decides how many messages travel each
// direction, so every call opens a fully bidirectional raw stream.
var streamDesc = &grpc.StreamDesc{
	StreamName:    "rpccore",
	ServerStreams: true,
	ClientStreams: true,
}

func (c *Conn) newStream(ctx context.Context, method string, deadline *time.Time, md rpccore.Metadata, callOpts ...grpc.CallOption) (grpc.ClientStream, context.CancelFunc, error) {
	cancel := func() {}
	if deadline != nil {
		ctx, cancel = context.WithDeadline(ctx, *deadline)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	if len(md) > 0 {
		ctx = metadata.NewOutgoingContext(ctx, toMD(md))
	}
	stream, err := c.cc.NewStream(ctx, streamDesc, method, callOpts...)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	return stream, cancel, nil
}

func toMD(md rpccore.Metadata) metadata.MD {
	out := metadata.MD{}
	for _, kv := range md {
		out.Append(kv.Key, kv.Value)
	}
	return out
}

func callOptionsFor(flags rpccore.CallFlags) []grpc.CallOption {
	var opts []grpc.CallOption
	if v, explicit := flags.WaitForReady(); explicit && v {
		opts = append(opts, grpc.WaitForReady(true))
	}
	return opts
}

// SegregatedCall implements rpccore.Transport.
func (c *Conn) SegregatedCall(ctx context.Context, method, host string, deadline *time.Time, md rpccore.Metadata, flags rpccore.CallFlags, batches []rpccore.Batch) (rpccore.Call, error) {
	stream, cancel, err := c.newStream(ctx, method, deadline, md, callOptionsFor(flags)...)
	if err != nil {
		return nil, err
	}
	call := newCall(stream, md, c.logger, make(chan *rpccore.CompletionEvent, eventQueueDepth), cancel)
	for _, b := range batches {
		call.Operate(b)
	}
	return call, nil
}

// IntegratedCall implements rpccore.Transport. Every produced event carries
// tag as its Tag field and is pushed onto the channel-wide queue the spin
// worker reads via NextCallEvent.
func (c *Conn) IntegratedCall(ctx context.Context, method, host string, deadline *time.Time, md rpccore.Metadata, flags rpccore.CallFlags, batches []rpccore.Batch, tag func(*rpccore.CompletionEvent) bool) (rpccore.Call, error) {
	stream, cancel, err := c.newStream(ctx, method, deadline, md, callOptionsFor(flags)...)
	if err != nil {
		return nil, err
	}
	call := newCall(stream, md, c.logger, c.events, cancel)
	call.tag = tag
	for _, b := range batches {
		call.Operate(b)
	}
	return call, nil
}

// NextCallEvent implements rpccore.Transport.
func (c *Conn) NextCallEvent() (*rpccore.CompletionEvent, error) {
	ev, ok := <-c.events
	if !ok {
		return nil, errors.New("grpctransport: connection closed")
	}
	return ev, nil
}

// CheckConnectivityState implements rpccore.Transport.
func (c *Conn) CheckConnectivityState(tryToConnect bool) connectivity.State {
	if tryToConnect {
		c.cc.Connect()
	}
	return c.cc.GetState()
}

// WatchConnectivityState implements rpccore.Transport.
func (c *Conn) WatchConnectivityState(current connectivity.State, deadline time.Time) bool {
	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()
	return c.cc.WaitForStateChange(ctx, current)
}

// Close implements rpccore.Transport. code and details describe the status
// delivered to any call still in flight; grpc-go itself has no use for them
// beyond logging, since closing the underlying ClientConn aborts every
// stream unconditionally.
func (c *Conn) Close(code codes.Code, details string) error {
	if c.logger != nil {
		c.logger.Debug("closing grpc transport", zap.Stringer("code", code), zap.String("details", details))
	}
	close(c.events)
	return c.cc.Close()
}
