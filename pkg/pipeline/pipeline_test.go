package pipeline

import (
	"net"
	"sync/atomic"
	"testing"

	"github.com/fako1024/gopacket"
	"github.com/fako1024/gopacket/layers"
	"github.com/stretchr/testify/require"

	"github.com/flowforge/yafgo/pkg/decode"
	"github.com/flowforge/yafgo/pkg/flowtable"
	"github.com/flowforge/yafgo/pkg/ring"
)

func serialize(t *testing.T, l ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, l...))
	return buf.Bytes()
}

func udpPacket(t *testing.T, srcPort uint16, payload []byte) []byte {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55},
		DstMAC:       net.HardwareAddr{0x66, 0x77, 0x88, 0x99, 0xaa, 0xbb},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.ParseIP("192.0.2.1").To4(),
		DstIP:    net.ParseIP("192.0.2.2").To4(),
	}
	udp := &layers.UDP{SrcPort: layers.UDPPort(srcPort), DstPort: 53}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	return serialize(t, eth, ip, udp, gopacket.Payload(payload))
}

// fakeSource replays a fixed list of packets, each tagged with a capture
// timestamp, then reports ErrSourceClosed.
type fakeSource struct {
	frames [][]byte
	tsMs   []int64
	i      int
}

func (s *fakeSource) NextPacket() (data []byte, timestampMs int64, totalLen int, err error) {
	if s.i >= len(s.frames) {
		return nil, 0, 0, ErrSourceClosed
	}
	data = s.frames[s.i]
	timestampMs = s.tsMs[s.i]
	s.i++
	return data, timestampMs, len(data), nil
}

func TestCaptureLoopPublishesDecodedPackets(t *testing.T) {
	r := ring.New(8, 256, ring.SingleThread)
	dec := decode.New(decode.Config{})
	loop := NewCaptureLoop(r, dec, nil, layers.LayerTypeEthernet)

	src := &fakeSource{
		frames: [][]byte{udpPacket(t, 1000, []byte("a")), udpPacket(t, 1001, []byte("b"))},
		tsMs:   []int64{10, 20},
	}
	var quit atomic.Bool
	require.NoError(t, loop.Run(src, &quit))

	require.Equal(t, 2, r.Len())
	pb, ok := r.NextTail()
	require.True(t, ok)
	require.Equal(t, int64(10), pb.Timestamp)
	require.Equal(t, "a", string(pb.Payload))
	r.Release()

	pb, ok = r.NextTail()
	require.True(t, ok)
	require.Equal(t, int64(20), pb.Timestamp)
	r.Release()
}

type collectWriter struct {
	written []*flowtable.Flow
}

func (w *collectWriter) Write(f *flowtable.Flow) error { w.written = append(w.written, f); return nil }
func (w *collectWriter) Flush() error                  { return nil }
func (w *collectWriter) Close() error                  { return nil }

func TestFlushLoopDrainsAndFlushesOnPacketThreshold(t *testing.T) {
	r := ring.New(8, 256, ring.SingleThread)
	dec := decode.New(decode.Config{})
	capLoop := NewCaptureLoop(r, dec, nil, layers.LayerTypeEthernet)

	src := &fakeSource{
		frames: [][]byte{udpPacket(t, 1000, []byte("a")), udpPacket(t, 1001, []byte("b"))},
		tsMs:   []int64{10, 20},
	}
	var quit atomic.Bool
	require.NoError(t, capLoop.Run(src, &quit))

	table := flowtable.New(flowtable.Config{
		IdleTimeoutMillis:   30_000,
		ActiveTimeoutMillis: 300_000,
		MaxFlows:            1000,
	}, nil)

	w := &collectWriter{}
	flushLoop := NewFlushLoop(r, table, func() (flowtable.Writer, error) { return w, nil }, FlushConfig{
		FlushEveryPackets: 1,
		FlushEveryMillis:  1_000_000,
	})

	drained, err := flushLoop.drainOne()
	require.NoError(t, err)
	require.True(t, drained)
	require.Equal(t, 1, table.Open())

	drained, err = flushLoop.drainOne()
	require.NoError(t, err)
	require.True(t, drained)

	drained, err = flushLoop.drainOne()
	require.NoError(t, err)
	require.False(t, drained) // ring empty, SingleThread mode
}

func TestFlushLoopRotatesWriterOnInterval(t *testing.T) {
	r := ring.New(8, 256, ring.SingleThread)
	dec := decode.New(decode.Config{})
	capLoop := NewCaptureLoop(r, dec, nil, layers.LayerTypeEthernet)

	src := &fakeSource{
		frames: [][]byte{udpPacket(t, 1000, []byte("a")), udpPacket(t, 1001, []byte("b"))},
		tsMs:   []int64{0, 5000},
	}
	var quit atomic.Bool
	require.NoError(t, capLoop.Run(src, &quit))

	table := flowtable.New(flowtable.Config{
		IdleTimeoutMillis:   30_000,
		ActiveTimeoutMillis: 300_000,
		MaxFlows:            1000,
	}, nil)

	var opened int
	writers := []*collectWriter{}
	flushLoop := NewFlushLoop(r, table, func() (flowtable.Writer, error) {
		opened++
		w := &collectWriter{}
		writers = append(writers, w)
		return w, nil
	}, FlushConfig{
		FlushEveryPackets: 1000,
		FlushEveryMillis:  1000,
		RotateEveryMillis: 1000,
	})

	_, err := flushLoop.drainOne() // t=0: opens first writer, establishes clock baseline
	require.NoError(t, err)
	require.Equal(t, 1, opened)

	_, err = flushLoop.drainOne() // t=5000: >=1000ms since rotate baseline, rotates
	require.NoError(t, err)
	require.Equal(t, 2, opened)
}

func TestFlushLoopShutdownForcesFlushAndClosesWriter(t *testing.T) {
	r := ring.New(8, 256, ring.SingleThread)
	dec := decode.New(decode.Config{})
	capLoop := NewCaptureLoop(r, dec, nil, layers.LayerTypeEthernet)

	src := &fakeSource{
		frames: [][]byte{udpPacket(t, 1000, []byte("a"))},
		tsMs:   []int64{10},
	}
	var quit atomic.Bool
	require.NoError(t, capLoop.Run(src, &quit))

	table := flowtable.New(flowtable.Config{
		IdleTimeoutMillis:   30_000,
		ActiveTimeoutMillis: 300_000,
		MaxFlows:            1000,
	}, nil)

	w := &collectWriter{}
	flushLoop := NewFlushLoop(r, table, func() (flowtable.Writer, error) { return w, nil }, FlushConfig{
		FlushEveryPackets: 1000,
		FlushEveryMillis:  1_000_000,
	})

	quit.Store(true)
	require.NoError(t, flushLoop.Run(&quit))

	require.Len(t, w.written, 1)
	require.Equal(t, flowtable.EndForced, w.written[0].EndReason)
}
