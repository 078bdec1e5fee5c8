package grpctransport

import (
	"context"
	"io"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/arrow-rpc/rpccore/rpccore"
)

// call implements rpccore.Call over one grpc.ClientStream. Each submitted
// batch is executed by a dedicated goroutine so that Operate never blocks
// the caller on wire I/O, mirroring the "batches complete asynchronously,
// signaled by a later CompletionEvent" contract of §4.A.
type call struct {
	stream grpc.ClientStream
	md     rpccore.Metadata
	logger *zap.Logger
	cancel context.CancelFunc

	queue chan *rpccore.CompletionEvent
	tag   func(*rpccore.CompletionEvent) bool // nil for segregated calls

	mu   sync.Mutex
	done bool
}

func newCall(stream grpc.ClientStream, md rpccore.Metadata, logger *zap.Logger, queue chan *rpccore.CompletionEvent, cancel context.CancelFunc) *call {
	return &call{stream: stream, md: md, logger: logger, queue: queue, cancel: cancel}
}

// Operate implements rpccore.Call.
func (c *call) Operate(batch rpccore.Batch) bool {
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return false
	}
	c.mu.Unlock()

	go c.run(batch)
	return true
}

func (c *call) run(batch rpccore.Batch) {
	completed := make([]rpccore.Operation, 0, len(batch))
	success := true

	for _, op := range batch {
		result, ok := c.runOne(op)
		completed = append(completed, result)
		if !ok {
			success = false
			break
		}
	}

	ev := &rpccore.CompletionEvent{Completed: completed, Success: success, Tag: c.tag}
	c.publish(ev)
}

func (c *call) runOne(op rpccore.Operation) (rpccore.Operation, bool) {
	switch op.Kind {
	case rpccore.SendInitialMetadata:
		// grpc-go sends initial metadata implicitly with the stream's first
		// message (or SendHeader on the server side); on the client there is
		// no separate wire action here beyond having attached it at
		// NewStream time, so this op always completes immediately.
		return op, true

	case rpccore.SendMessage:
		payload := op.OutPayload
		if err := c.stream.SendMsg(&payload); err != nil {
			return c.failure(op, err)
		}
		return op, true

	case rpccore.SendCloseFromClient:
		if err := c.stream.CloseSend(); err != nil {
			return c.failure(op, err)
		}
		return op, true

	case rpccore.ReceiveInitialMetadata:
		hdr, err := c.stream.Header()
		if err != nil {
			return c.failure(op, err)
		}
		op.InMetadata = fromMD(hdr)
		return op, true

	case rpccore.ReceiveMessage:
		var out []byte
		if err := c.stream.RecvMsg(&out); err != nil {
			return c.failure(op, err)
		}
		op.InPayload = out
		return op, true

	case rpccore.ReceiveStatusOnClient:
		// Draining RecvMsg until io.EOF is how grpc-go surfaces the final
		// status on a client stream; any non-EOF error carries the real
		// status code via status.FromError.
		var discard []byte
		for {
			if err := c.stream.RecvMsg(&discard); err != nil {
				if err == io.EOF {
					break
				}
				st, _ := status.FromError(err)
				op.StatusCode = st.Code()
				op.StatusDetails = st.Message()
				op.InMetadata = fromMD(c.stream.Trailer())
				c.markDone()
				return op, true
			}
		}
		op.StatusCode = codes.OK
		op.InMetadata = fromMD(c.stream.Trailer())
		c.markDone()
		return op, true

	default:
		return op, true
	}
}

func (c *call) failure(op rpccore.Operation, err error) (rpccore.Operation, bool) {
	st, _ := status.FromError(err)
	op.StatusCode = st.Code()
	op.StatusDetails = st.Message()
	op.DebugError = err.Error()
	c.markDone()
	return op, false
}

func (c *call) markDone() {
	c.mu.Lock()
	c.done = true
	c.mu.Unlock()
}

func (c *call) publish(ev *rpccore.CompletionEvent) {
	if c.queue == nil {
		return
	}
	defer func() {
		// The channel-wide queue is closed by Conn.Close once the transport
		// is torn down; a call finishing its last event after that race
		// loses nothing the caller still needed.
		recover()
	}()
	c.queue <- ev
}

// NextEvent implements rpccore.Call, valid only for segregated calls.
func (c *call) NextEvent() (*rpccore.CompletionEvent, error) {
	ev, ok := <-c.queue
	if !ok {
		return nil, io.EOF
	}
	return ev, nil
}

// Cancel implements rpccore.Call: it cancels the stream's context, which
// grpc-go surfaces to the in-flight Recv as a codes.Canceled status.
func (c *call) Cancel(code codes.Code, details string) {
	if c.logger != nil {
		c.logger.Debug("cancelling call", zap.Stringer("code", code), zap.String("details", details))
	}
	c.cancel()
	c.markDone()
}

func fromMD(md metadata.MD) rpccore.Metadata {
	if md == nil {
		return nil
	}
	out := make(rpccore.Metadata, 0, len(md))
	for k, vs := range md {
		for _, v := range vs {
			out = append(out, rpccore.KV{Key: k, Value: v})
		}
	}
	return out
}
