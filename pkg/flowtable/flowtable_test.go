package flowtable

import (
	"net/netip"
	"testing"

	"github.com/flowforge/yafgo/pkg/decode"
	"github.com/flowforge/yafgo/pkg/yafkey"
	"github.com/stretchr/testify/require"
)

func fwdKey() yafkey.Key {
	return yafkey.Key{
		SrcIP:   netip.MustParseAddr("10.0.0.1"),
		DstIP:   netip.MustParseAddr("10.0.0.2"),
		SrcPort: 40000,
		DstPort: 443,
		Proto:   yafkey.TCP,
		Version: yafkey.IPv4,
	}
}

type nopWriter struct {
	written []*Flow
}

func (w *nopWriter) Write(f *Flow) error { w.written = append(w.written, f); return nil }
func (w *nopWriter) Flush() error        { return nil }
func (w *nopWriter) Close() error        { return nil }

func pkt(k yafkey.Key, ts int64, seq, ack uint32, flags uint8) *decode.PBuf {
	return &decode.PBuf{Key: k, Timestamp: ts, TotalLen: 60, SeqNum: seq, AckNum: ack, TCPFlags: flags}
}

type fakeLabeler struct{ scans int }

func (l *fakeLabeler) Scan(payload []byte, _ *Flow, _ *FlowValue) uint16 {
	l.scans++
	if len(payload) == 0 {
		return 0
	}
	return 7
}

func (l *fakeLabeler) Process(*Flow, []byte) LabelContext { return nil }

func TestTCPBiflowClosesOnFinFin(t *testing.T) {
	cfg := Config{IdleTimeoutMillis: 30_000, ActiveTimeoutMillis: 300_000, MaxFlows: 1000}
	ft := New(cfg, nil)

	fk := fwdKey()
	rk := fk.Reverse()

	ft.Update(1000, pkt(fk, 1000, 100, 0, decode.TCPFlagSYN))
	ft.Update(1010, pkt(rk, 1010, 500, 101, decode.TCPFlagSYN|decode.TCPFlagACK))
	ft.Update(1020, pkt(fk, 1020, 101, 501, decode.TCPFlagACK))
	ft.Update(2000, pkt(fk, 2000, 101, 501, decode.TCPFlagFIN))
	ft.Update(2010, pkt(rk, 2010, 501, 102, decode.TCPFlagFIN|decode.TCPFlagACK))

	w := &nopWriter{}
	require.NoError(t, ft.Flush(2010, false, w))

	require.Len(t, w.written, 1)
	f := w.written[0]
	require.Equal(t, int64(1000), f.STime)
	require.Equal(t, int64(2010), f.ETime)
	require.Equal(t, int64(10), f.RDTime)
	require.Equal(t, EndClosed, f.EndReason)
	require.EqualValues(t, 3, f.Val.Packets)
	require.EqualValues(t, 2, f.RVal.Packets)
	require.NotZero(t, f.Val.IFlags&decode.TCPFlagSYN)
	require.NotZero(t, f.RVal.IFlags&decode.TCPFlagSYN)
}

func TestSnapshotAndEmittedTrackOpenAndFlushedFlows(t *testing.T) {
	cfg := Config{IdleTimeoutMillis: 30_000, ActiveTimeoutMillis: 300_000, MaxFlows: 1000}
	ft := New(cfg, nil)

	fk := fwdKey()
	rk := fk.Reverse()

	ft.Update(1000, pkt(fk, 1000, 100, 0, decode.TCPFlagSYN))
	ft.Update(1010, pkt(rk, 1010, 500, 101, decode.TCPFlagSYN|decode.TCPFlagACK))

	snap := ft.Snapshot()
	require.Len(t, snap, 1)
	require.Equal(t, fk, snap[0].Key)
	require.EqualValues(t, 1, snap[0].FwdPackets)
	require.EqualValues(t, 1, snap[0].RevPackets)
	require.Zero(t, ft.Emitted())

	ft.Update(2000, pkt(fk, 2000, 101, 501, decode.TCPFlagFIN))
	ft.Update(2010, pkt(rk, 2010, 501, 102, decode.TCPFlagFIN|decode.TCPFlagACK))

	w := &nopWriter{}
	require.NoError(t, ft.Flush(2010, false, w))

	require.Empty(t, ft.Snapshot())
	require.EqualValues(t, 1, ft.Emitted())
}

func TestIdleExpiryEmitsSingleFlowWithZeroETimeRelativeOffset(t *testing.T) {
	cfg := Config{IdleTimeoutMillis: 5000, ActiveTimeoutMillis: 300_000, MaxFlows: 1000}
	ft := New(cfg, nil)

	fk := yafkey.Key{
		SrcIP: netip.MustParseAddr("10.0.0.1"), DstIP: netip.MustParseAddr("10.0.0.2"),
		SrcPort: 5000, DstPort: 53, Proto: yafkey.UDP, Version: yafkey.IPv4,
	}
	ft.Update(0, &decode.PBuf{Key: fk, Timestamp: 0, TotalLen: 80})

	w := &nopWriter{}
	require.NoError(t, ft.Flush(5001, false, w))

	require.Len(t, w.written, 1)
	f := w.written[0]
	require.Equal(t, EndIdle, f.EndReason)
	require.Equal(t, int64(0), f.STime)
	require.Equal(t, int64(0), f.ETime)
}

func TestActiveExpiryCreatesContinuationFlow(t *testing.T) {
	cfg := Config{IdleTimeoutMillis: 30_000, ActiveTimeoutMillis: 3000, MaxFlows: 1000}
	ft := New(cfg, nil)
	fk := fwdKey()

	for i := int64(0); i <= 4; i++ {
		ft.Update(i*1000, pkt(fk, i*1000, uint32(100+i), 0, decode.TCPFlagACK))
	}

	w := &nopWriter{}
	require.NoError(t, ft.Flush(4000, true, w))

	require.Len(t, w.written, 2)
	require.Equal(t, EndActive, w.written[0].EndReason)
	require.False(t, w.written[0].Continuation)
	require.True(t, w.written[1].Continuation)
}

func TestResourceCapEvictsLeastRecentlyTouched(t *testing.T) {
	cfg := Config{IdleTimeoutMillis: 30_000, ActiveTimeoutMillis: 300_000, MaxFlows: 2}
	ft := New(cfg, nil)

	mk := func(n int) yafkey.Key {
		return yafkey.Key{
			SrcIP: netip.MustParseAddr("10.0.0.1"), DstIP: netip.MustParseAddr("10.0.0.2"),
			SrcPort: uint16(40000 + n), DstPort: 443, Proto: yafkey.TCP, Version: yafkey.IPv4,
		}
	}

	ft.Update(0, pkt(mk(1), 0, 1, 0, 0))
	ft.Update(1, pkt(mk(2), 1, 1, 0, 0))
	ft.Update(2, pkt(mk(3), 2, 1, 0, 0))
	require.Equal(t, 3, ft.Open())

	w := &nopWriter{}
	require.NoError(t, ft.Flush(2, false, w))

	require.Equal(t, 2, ft.Open())
	require.Len(t, w.written, 1)
	require.Equal(t, EndResource, w.written[0].EndReason)
	require.Equal(t, mk(1), w.written[0].Key)
}

func TestOutOfSequenceAttributeSet(t *testing.T) {
	cfg := Config{IdleTimeoutMillis: 30_000, ActiveTimeoutMillis: 300_000, MaxFlows: 1000}
	ft := New(cfg, nil)
	fk := fwdKey()

	p1 := pkt(fk, 0, 100, 0, 0)
	p1.Payload = []byte("0123456789")
	ft.Update(0, p1)

	p2 := pkt(fk, 1, 50, 0, 0) // seq went backwards relative to 100+10
	ft.Update(1, p2)

	w := &nopWriter{}
	require.NoError(t, ft.Flush(1, true, w))
	require.True(t, w.written[0].Val.Attributes.Has(AttrOutOfSequence))
}

func TestTerminationForcesLabelingBelowThreshold(t *testing.T) {
	cfg := Config{IdleTimeoutMillis: 30_000, ActiveTimeoutMillis: 300_000, MaxFlows: 1000, MaxPayload: 1024, LabelPackets: 100}
	labeler := &fakeLabeler{}
	ft := New(cfg, labeler)

	fk := fwdKey()
	rk := fk.Reverse()

	p1 := pkt(fk, 1000, 100, 0, decode.TCPFlagSYN)
	p1.Payload = []byte("clienthello")
	ft.Update(1000, p1)
	ft.Update(1010, pkt(rk, 1010, 500, 101, decode.TCPFlagSYN|decode.TCPFlagACK))
	ft.Update(2000, pkt(fk, 2000, 101, 501, decode.TCPFlagFIN))
	ft.Update(2010, pkt(rk, 2010, 501, 102, decode.TCPFlagFIN|decode.TCPFlagACK))

	w := &nopWriter{}
	require.NoError(t, ft.Flush(2010, false, w))

	require.Len(t, w.written, 1)
	require.NotZero(t, labeler.scans, "terminating flow should still get a labeling attempt")
	require.EqualValues(t, 7, w.written[0].Label)
}

func TestVLANIgnoredOnReverseMatch(t *testing.T) {
	cfg := Config{IdleTimeoutMillis: 30_000, ActiveTimeoutMillis: 300_000, MaxFlows: 1000}
	ft := New(cfg, nil)

	fk := fwdKey()
	fk.VlanID = 10
	rk := fk.Reverse()
	rk.VlanID = 20 // different VLAN tag on the return path

	ft.Update(0, pkt(fk, 0, 1, 0, 0))
	ft.Update(1, pkt(rk, 1, 1, 0, 0))

	require.Equal(t, 1, ft.Open())
}
