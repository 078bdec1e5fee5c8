package rpccore

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/connectivity"
)

// Channel is the façade of §4's component J: it binds the operation batch
// primitives, per-call state machine, event dispatcher, request pump,
// rendezvous variants, multicallables, channel call manager, spin worker,
// and connectivity engine into the public surface of §6.
type Channel struct {
	transport Transport
	host      string
	opts      ChannelOptions
	logger    *zap.Logger
	forkGate  *ForkGate

	callMgr    *CallManager
	connEngine *ConnectivityEngine

	mu     sync.Mutex
	closed bool
}

// NewChannel constructs a Channel bound to transport, addressing host
// (e.g. "api.example.com:443"), configured by opts.
func NewChannel(transport Transport, host string, opts ChannelOptions, logger *zap.Logger) *Channel {
	forkGate := NewForkGate()
	ch := &Channel{
		transport: transport,
		host:      host,
		opts:      opts,
		logger:    logger,
		forkGate:  forkGate,
	}
	ch.callMgr = NewCallManager(transport.NextCallEvent, forkGate, logger)
	ch.connEngine = NewConnectivityEngine(transport, forkGate, logger)
	return ch
}

// Subscribe registers callback for connectivity transitions, per §6.
func (c *Channel) Subscribe(callback func(connectivity.State), tryToConnect bool) *SubscribeHandle {
	return c.connEngine.Subscribe(callback, tryToConnect)
}

// Unsubscribe is the inverse of Subscribe.
func (c *Channel) Unsubscribe(h *SubscribeHandle) {
	h.Unsubscribe()
}

// Close drains all subscribers, issues a cancel-all to the transport, and
// waits for the spin worker to exit if it was running.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.connEngine.Shutdown()
	c.callMgr.Wait()
	return c.transport.Close(0, "channel closed")
}

// cardinality enumerates the four RPC shapes of §4.A.
type cardinality int

const (
	unaryUnary cardinality = iota
	unaryStream
	streamUnary
	streamStream
)

// initialDue returns the canonical initial due set for cardinality, per the
// table in §4.A.
func initialDue(c cardinality) []OpKind {
	switch c {
	case unaryUnary:
		return []OpKind{SendInitialMetadata, SendMessage, SendCloseFromClient, ReceiveInitialMetadata, ReceiveMessage, ReceiveStatusOnClient}
	case unaryStream:
		return []OpKind{SendInitialMetadata, SendMessage, SendCloseFromClient, ReceiveInitialMetadata, ReceiveStatusOnClient}
	case streamUnary:
		return []OpKind{SendInitialMetadata, ReceiveInitialMetadata, ReceiveMessage, ReceiveStatusOnClient}
	default: // streamStream
		return []OpKind{SendInitialMetadata, ReceiveInitialMetadata, ReceiveStatusOnClient}
	}
}

// initialBatch builds the wire-level operations for the initial batch: for
// unary requests, the request payload rides along as a SendMessage op;
// streaming requests omit it, since the iterator pump submits SendMessage
// ops one at a time afterward.
func initialBatch(c cardinality, md Metadata, payload []byte) Batch {
	var b Batch
	b = append(b, Operation{Kind: SendInitialMetadata, OutMetadata: md})
	if c == unaryUnary || c == unaryStream {
		b = append(b, Operation{Kind: SendMessage, OutPayload: payload})
		b = append(b, Operation{Kind: SendCloseFromClient})
	}
	b = append(b, Operation{Kind: ReceiveInitialMetadata})
	if c == unaryUnary || c == streamUnary {
		b = append(b, Operation{Kind: ReceiveMessage})
	}
	b = append(b, Operation{Kind: ReceiveStatusOnClient})
	return b
}

// callHandle bundles what a multicallable needs regardless of which
// rendezvous variant ends up fronting it.
type callHandle struct {
	state  *RPCState
	submit Submitter
	cancel Canceller
	pull   EventPuller // non-nil only for single-threaded (segregated) calls
}

// startCall creates a transport call for method, submits its initial batch,
// and wires either the channel spin worker (multi-threaded) or a private
// per-call queue (single-threaded) to drive its RPCState.
func (c *Channel) startCall(ctx context.Context, method string, card cardinality, opts CallOptions, singleThreaded bool) (*callHandle, error) {
	// due is populated before the initial batch is ever submitted to the
	// transport, per the RPCState invariant in §3.
	state := NewRPCState(initialDue(card))

	md := c.callMetadata(opts)
	batch := initialBatch(card, md, opts.RequestPayload)

	deadline := EffectiveDeadline(deadlineFromContext(ctx), opts.deadline())

	if singleThreaded {
		transportCall, err := c.transport.SegregatedCall(ctx, method, c.host, deadline, md, opts.flags(), []Batch{batch})
		if err != nil {
			return nil, err
		}
		submit := func(b Batch) bool { return transportCall.Operate(b) }
		cancel := Canceller(transportCall.Cancel)
		pull := func() (*CompletionEvent, error) { return transportCall.NextEvent() }
		return &callHandle{state: state, submit: submit, cancel: cancel, pull: pull}, nil
	}

	tag := func(ev *CompletionEvent) bool {
		HandleEvent(state, ev, c.logger)
		return state.IsTerminal()
	}

	transportCall, err := c.transport.IntegratedCall(ctx, method, c.host, deadline, md, opts.flags(), []Batch{batch}, tag)
	if err != nil {
		return nil, err
	}
	// Only registered once the call actually exists, so a failed
	// IntegratedCall never leaves the managed count (and therefore the spin
	// worker) running for a call that will never complete.
	c.callMgr.CreateManaged()

	submit := func(b Batch) bool { return transportCall.Operate(b) }
	cancel := Canceller(transportCall.Cancel)
	return &callHandle{state: state, submit: submit, cancel: cancel}, nil
}

func (c *Channel) callMetadata(opts CallOptions) Metadata {
	md := append(Metadata{}, opts.Metadata...)
	if ua := c.opts.userAgent(opts.UserAgent); ua != "" {
		md = append(md, KV{Key: "user-agent", Value: ua})
	}
	compression := c.opts.Compression
	if opts.Compression != "" {
		compression = opts.Compression
	}
	if compression != "" {
		md = append(md, KV{Key: "grpc-encoding", Value: compression})
	}
	return md
}

func deadlineFromContext(ctx context.Context) *time.Time {
	if ctx == nil {
		return nil
	}
	if d, ok := ctx.Deadline(); ok {
		return &d
	}
	return nil
}
