package rpccore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	tm, err := time.Parse(time.RFC3339, s)
	require.NoError(t, err)
	return tm
}

func TestInitialDue_MatchesCardinalityTable(t *testing.T) {
	cases := []struct {
		name string
		card cardinality
		want []OpKind
	}{
		{"unaryUnary", unaryUnary, []OpKind{SendInitialMetadata, SendMessage, SendCloseFromClient, ReceiveInitialMetadata, ReceiveMessage, ReceiveStatusOnClient}},
		{"unaryStream", unaryStream, []OpKind{SendInitialMetadata, SendMessage, SendCloseFromClient, ReceiveInitialMetadata, ReceiveStatusOnClient}},
		{"streamUnary", streamUnary, []OpKind{SendInitialMetadata, ReceiveInitialMetadata, ReceiveMessage, ReceiveStatusOnClient}},
		{"streamStream", streamStream, []OpKind{SendInitialMetadata, ReceiveInitialMetadata, ReceiveStatusOnClient}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.ElementsMatch(t, tc.want, initialDue(tc.card))
		})
	}
}

func TestInitialBatch_UnaryRequestCarriesPayloadAndClose(t *testing.T) {
	b := initialBatch(unaryUnary, Metadata{{Key: "a", Value: "b"}}, []byte("req"))
	kinds := b.Kinds()
	require.Contains(t, kinds, SendMessage)
	require.Contains(t, kinds, SendCloseFromClient)
}

func TestInitialBatch_StreamingRequestOmitsPayloadOps(t *testing.T) {
	b := initialBatch(streamUnary, Metadata{{Key: "a", Value: "b"}}, nil)
	kinds := b.Kinds()
	require.NotContains(t, kinds, SendMessage)
	require.NotContains(t, kinds, SendCloseFromClient)
}

func TestChannelOptions_UserAgentComposition(t *testing.T) {
	opts := ChannelOptions{PrimaryUserAgentString: "core/1.0"}
	require.Equal(t, "core/1.0 caller/2.0", opts.userAgent("caller/2.0"))
	require.Equal(t, "core/1.0", opts.userAgent(""))

	bare := ChannelOptions{}
	require.Equal(t, "caller/2.0", bare.userAgent("caller/2.0"))
}

func TestChannelOptions_SingleThreadedEnvOverride(t *testing.T) {
	t.Setenv(envSingleThreadedUnaryStream, "1")
	opts := ChannelOptions{}
	require.True(t, opts.resolveSingleThreaded())
}

func TestEffectiveDeadline_EarlierOfTwoWins(t *testing.T) {
	earlier := mustTime(t, "2026-01-01T00:00:00Z")
	later := mustTime(t, "2026-01-01T01:00:00Z")

	require.Equal(t, &earlier, EffectiveDeadline(&earlier, &later))
	require.Equal(t, &earlier, EffectiveDeadline(&later, &earlier))
	require.Equal(t, &later, EffectiveDeadline(nil, &later))
	require.Equal(t, &earlier, EffectiveDeadline(&earlier, nil))
	require.Nil(t, EffectiveDeadline(nil, nil))
}
