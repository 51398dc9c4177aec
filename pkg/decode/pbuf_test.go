package decode

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResetClearsFieldsButKeepsCapacity(t *testing.T) {
	var pb PBuf
	pb.Payload = append(pb.Payload, []byte("stale")...)
	pb.Timestamp = 42
	pb.Reject = RejectMalformedHeader

	beforeCap := cap(pb.Payload)
	pb.Reset()

	require.Equal(t, int64(0), pb.Timestamp)
	require.Equal(t, RejectNone, pb.Reject)
	require.Empty(t, pb.Payload)
	require.Equal(t, beforeCap, cap(pb.Payload))
}

func TestValidRequiresTimestampAndNoReject(t *testing.T) {
	var pb PBuf
	require.False(t, pb.Valid())

	pb.Timestamp = 1
	require.True(t, pb.Valid())

	pb.Reject = RejectTruncatedTransport
	require.False(t, pb.Valid())
}

func TestRejectReasonString(t *testing.T) {
	require.Equal(t, "malformed_header", RejectMalformedHeader.String())
	require.Equal(t, "none", RejectNone.String())
}

func TestSetPayloadCopiesIntoExistingCapacity(t *testing.T) {
	var pb PBuf
	pb.Payload = make([]byte, 0, 16)
	backing := &pb.Payload

	src := []byte("abcde")
	pb.setPayload(src)

	require.Equal(t, "abcde", string(pb.Payload))
	require.Equal(t, cap(*backing), cap(pb.Payload))

	src[0] = 'z'
	require.Equal(t, "abcde", string(pb.Payload), "payload must be a copy, not an alias")
}
