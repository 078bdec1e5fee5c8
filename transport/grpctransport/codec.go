// Package grpctransport adapts google.golang.org/grpc's low-level client
// stream API to the rpccore.Transport contract (§6), giving the otherwise
// opaque Transport interface a concrete, import-exercising home. It is
// grounded on the teacher's own use of grpc.ClientConn, grpc.CallOption, and
// credentials.PerRPCCredentials in
// internal/arrow/exporter.go and internal/arrow/stream_legacy_reference.go.
package grpctransport

import "google.golang.org/grpc/encoding"

// rawCodec passes already-serialized bytes straight through. rpccore's own
// encode/decode functions (the caller-provided Serializer/Deserializer of
// §1) do the real marshaling; the wire codec's job here is only to avoid a
// second, redundant protobuf round-trip.
type rawCodec struct{}

const rawCodecName = "rpccore-raw"

func (rawCodec) Name() string { return rawCodecName }

func (rawCodec) Marshal(v any) ([]byte, error) {
	switch t := v.(type) {
	case []byte:
		return t, nil
	case *[]byte:
		return *t, nil
	default:
		return nil, errUnsupportedPayload{v}
	}
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	dst, ok := v.(*[]byte)
	if !ok {
		return errUnsupportedPayload{v}
	}
	*dst = append((*dst)[:0], data...)
	return nil
}

type errUnsupportedPayload struct{ v any }

func (e errUnsupportedPayload) Error() string {
	return "grpctransport: unsupported payload type for raw codec"
}

func init() {
	encoding.RegisterCodec(rawCodec{})
}
