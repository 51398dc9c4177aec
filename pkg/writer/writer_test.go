package writer

import (
	"bytes"
	"encoding/json"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowforge/yafgo/pkg/flowtable"
	"github.com/flowforge/yafgo/pkg/yafkey"
)

// nopWriteCloser adapts a bytes.Buffer to io.WriteCloser without actually
// closing anything, so tests can inspect the buffer after Close.
type nopWriteCloser struct {
	*bytes.Buffer
	closed bool
}

func (n *nopWriteCloser) Close() error {
	n.closed = true
	return nil
}

func testFlow() *flowtable.Flow {
	f := &flowtable.Flow{
		Key: yafkey.Key{
			SrcIP:   netip.MustParseAddr("10.0.0.1"),
			DstIP:   netip.MustParseAddr("10.0.0.2"),
			SrcPort: 51234,
			DstPort: 443,
			Proto:   yafkey.TCP,
		},
		STime:     1000,
		ETime:     2000,
		EndReason: flowtable.EndClosed,
	}
	f.Val.Octets = 120
	f.Val.Packets = 2
	f.RVal.Octets = 300
	f.RVal.Packets = 3
	return f
}

func TestJSONWriterWritesNewlineDelimitedRecords(t *testing.T) {
	buf := &nopWriteCloser{Buffer: &bytes.Buffer{}}
	w := NewJSONWriter(buf)

	require.NoError(t, w.Write(testFlow()))
	require.NoError(t, w.Write(testFlow()))
	require.NoError(t, w.Flush())

	lines := bytes.Split(bytes.TrimRight(buf.Bytes(), "\n"), []byte("\n"))
	require.Len(t, lines, 2)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &rec))
	require.Equal(t, "10.0.0.1", rec["sip"])
	require.Equal(t, "10.0.0.2", rec["dip"])
	require.Equal(t, "closed", rec["endReason"])
	require.EqualValues(t, 120, rec["fwdOctets"])
	require.EqualValues(t, 3, rec["revPackets"])
}

func TestJSONWriterCloseFlushesAndClosesUnderlying(t *testing.T) {
	buf := &nopWriteCloser{Buffer: &bytes.Buffer{}}
	w := NewJSONWriter(buf)

	require.NoError(t, w.Write(testFlow()))
	require.NoError(t, w.Close())

	require.True(t, buf.closed)
	require.NotZero(t, buf.Len())
}
