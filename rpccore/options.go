package rpccore

import (
	"fmt"
	"os"
)

// envSingleThreadedUnaryStream is consulted each time a unary-stream call
// resolves which rendezvous variant to use; its mere presence enables the
// option globally, matching the spec's GRPC_SINGLE_THREADED_UNARY_STREAM
// environment variable.
const envSingleThreadedUnaryStream = "GRPC_SINGLE_THREADED_UNARY_STREAM"

// ChannelOptions configures a Channel, per §6 Configuration options.
type ChannelOptions struct {
	// SingleThreadedUnaryStream selects the single-threaded rendezvous
	// variant for unary-request/server-streaming calls.
	SingleThreadedUnaryStream bool

	// PrimaryUserAgentString is prepended to the User-Agent header of every
	// call made on this channel.
	PrimaryUserAgentString string

	// Compression is inserted as a channel argument and augments per-call
	// metadata; the core treats it as an opaque pass-through flag (§1
	// Non-goals: compression algorithms are out of scope).
	Compression string
}

// Validate reports whether o is well-formed. It never rejects zero values;
// PrimaryUserAgentString and Compression are unconstrained strings, so this
// exists for parity with the teacher's ConfigValidator convention (e.g.
// PrioritizerName.Validate) rather than because options can presently be
// malformed.
func (o ChannelOptions) Validate() error {
	return nil
}

// resolveSingleThreaded applies the GRPC_SINGLE_THREADED_UNARY_STREAM
// environment override on top of the explicit option.
func (o ChannelOptions) resolveSingleThreaded() bool {
	if o.SingleThreadedUnaryStream {
		return true
	}
	_, set := os.LookupEnv(envSingleThreadedUnaryStream)
	return set
}

func (o ChannelOptions) userAgent(callerAgent string) string {
	if o.PrimaryUserAgentString == "" {
		return callerAgent
	}
	if callerAgent == "" {
		return o.PrimaryUserAgentString
	}
	return fmt.Sprintf("%s %s", o.PrimaryUserAgentString, callerAgent)
}
