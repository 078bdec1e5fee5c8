package rpccore

import (
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
)

func TestMapStatusCode_KnownCodePassesThroughUnchanged(t *testing.T) {
	code, details := MapStatusCode(codes.NotFound, "no such widget")
	require.Equal(t, codes.NotFound, code)
	require.Equal(t, "no such widget", details)
}

func TestMapStatusCode_OKPassesThrough(t *testing.T) {
	code, details := MapStatusCode(codes.OK, "")
	require.Equal(t, codes.OK, code)
	require.Equal(t, "", details)
}

func TestMapStatusCode_UnknownCodeCollapsesToUnknownWithDetails(t *testing.T) {
	code, details := MapStatusCode(codes.Code(999), "weird")
	require.Equal(t, codes.Unknown, code)
	require.Contains(t, details, "999")
	require.Contains(t, details, "weird")
}
