package rpccore

import (
	"fmt"

	"google.golang.org/grpc/codes"
)

// knownCodes is the closed enumeration from §6 Status code mapping, expressed
// directly in terms of google.golang.org/grpc/codes rather than a
// project-local re-enumeration: every value the spec names already has a
// codes.Code constant.
var knownCodes = map[codes.Code]struct{}{
	codes.OK:                 {},
	codes.Canceled:           {},
	codes.Unknown:            {},
	codes.InvalidArgument:    {},
	codes.DeadlineExceeded:   {},
	codes.NotFound:           {},
	codes.AlreadyExists:      {},
	codes.PermissionDenied:   {},
	codes.ResourceExhausted:  {},
	codes.FailedPrecondition: {},
	codes.Aborted:            {},
	codes.OutOfRange:         {},
	codes.Unimplemented:      {},
	codes.Internal:           {},
	codes.Unavailable:        {},
	codes.DataLoss:           {},
	codes.Unauthenticated:    {},
}

// MapStatusCode translates a transport-native status code into the closed
// enumeration. Unrecognised codes map to codes.Unknown, with details
// rewritten to record what was actually observed.
func MapStatusCode(raw codes.Code, details string) (codes.Code, string) {
	if _, ok := knownCodes[raw]; ok {
		return raw, details
	}
	return codes.Unknown, fmt.Sprintf("Server sent unknown code %d and details %s", uint32(raw), details)
}

// Error-reason constants for the local failure taxonomy of §7.
const (
	ReasonSerializeFailed   = "Exception serializing request!"
	ReasonDeserializeFailed = "Exception deserializing response!"
	ReasonIterateFailed     = "Exception iterating requests!"
	ReasonLocallyCancelled  = "Locally cancelled by application!"
	ReasonGCCancelled       = "Cancelled upon garbage collection!"
)
