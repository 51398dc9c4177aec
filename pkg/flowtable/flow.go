package flowtable

import (
	"container/list"

	"github.com/flowforge/yafgo/pkg/decode"
	"github.com/flowforge/yafgo/pkg/yafkey"
)

// EndReason records why a flow was removed from the table, mirroring the
// original YAF flow-state close reasons (original_source/include/yaf/yafcore.h).
type EndReason uint8

const (
	// EndNone is the zero value: the flow is still open.
	EndNone EndReason = iota
	// EndIdle means no packet arrived within IdleTimeout of etime.
	EndIdle
	// EndActive means the flow has been open longer than ActiveTimeout;
	// a continuation flow is created immediately for the same key.
	EndActive
	// EndClosed means a TCP FIN was seen on both directions, or an RST on
	// either direction.
	EndClosed
	// EndForced means the flow was flushed out during shutdown.
	EndForced
	// EndResource means the flow was evicted to stay under MaxFlows.
	EndResource
	// EndUDPForce means a UDP flow exceeded the configured uniflow
	// lifetime and was force-closed to bound memory for long-lived,
	// connectionless traffic.
	EndUDPForce
)

func (r EndReason) String() string {
	switch r {
	case EndNone:
		return "none"
	case EndIdle:
		return "idle"
	case EndActive:
		return "active"
	case EndClosed:
		return "closed"
	case EndForced:
		return "forced"
	case EndResource:
		return "resource"
	case EndUDPForce:
		return "udp_force"
	default:
		return "unknown"
	}
}

// Attributes is a per-direction bitset of observed traffic characteristics.
// A plain flag register mirrors yfFlowVal_t's own bitfield in the original
// C struct; fako1024/gotools/bitpack packs *columns* of many values for
// on-disk storage (see pkg/goDB/storage/gpfile/metadata.go) and has no
// single-value bitset API, so it isn't a fit here.
type Attributes uint8

const (
	// AttrSameSize is set when every non-empty packet in this direction
	// has had the same payload size.
	AttrSameSize Attributes = 1 << iota
	// AttrOutOfSequence is set when a TCP packet arrives with a sequence
	// number less than the previous packet's sequence number plus its
	// payload length.
	AttrOutOfSequence
	// AttrMPCapable marks an MPTCP-capable flow. The decoder does not parse
	// TCP options, so no code path in this module sets it.
	AttrMPCapable
	// AttrFragments is set when any packet in this direction arrived via
	// fragment reassembly.
	AttrFragments
)

// Has reports whether all bits in mask are set.
func (a Attributes) Has(mask Attributes) bool { return a&mask == mask }

// maxPayloadOffsets bounds FlowValue.PayloadOffsets, per spec's "fixed
// bound" for downstream DPI offset tracking.
const maxPayloadOffsets = 64

// histogramBuckets is the bucket count for the optional inter-arrival and
// packet-size histograms.
const histogramBuckets = 10

// Stats holds the optional per-direction statistics spec.md marks as
// "optional": an inter-arrival-time histogram, a packet-size histogram,
// small/large packet counts, and a TCP urgent-flag count.
type Stats struct {
	IAHistogram      [histogramBuckets]uint64
	PacketSizeHist   [histogramBuckets]uint64
	SmallPackets     uint64
	LargePackets     uint64
	TCPUrgentCount   uint64
	lastPacketTimeMs int64
}

func (s *Stats) observe(now int64, packetLen uint16, smallThresh, largeThresh uint16, urgent bool) {
	if s.lastPacketTimeMs != 0 {
		s.IAHistogram[bucketIndex(now-s.lastPacketTimeMs, histogramBuckets)]++
	}
	s.lastPacketTimeMs = now

	s.PacketSizeHist[bucketIndex(int64(packetLen), histogramBuckets)]++
	if packetLen <= smallThresh {
		s.SmallPackets++
	}
	if packetLen >= largeThresh {
		s.LargePackets++
	}
	if urgent {
		s.TCPUrgentCount++
	}
}

// bucketIndex maps v into [0, n) on a log2 scale, clamping at the top
// bucket, so both histograms stay fixed-size regardless of magnitude.
func bucketIndex(v int64, n int) int {
	if v <= 0 {
		return 0
	}
	idx := 0
	for v > 1 && idx < n-1 {
		v >>= 1
		idx++
	}
	return idx
}

// FlowValue is the per-direction counter and metadata set spec.md defines.
type FlowValue struct {
	Octets  uint64
	Packets uint64

	// PayloadCaptured holds up to Config.MaxPayload octets of captured
	// payload for this direction, concatenated across packets.
	PayloadCaptured []byte
	// PayloadOffsets records, for each captured packet, the offset into
	// PayloadCaptured where that packet's payload ends — up to
	// maxPayloadOffsets entries, for downstream DPI framing.
	PayloadOffsets []uint32

	IFlags  uint8 // flags on the first packet in this direction
	UFlags  uint8 // union of flags across all packets in this direction
	ISN     uint32
	LastSeq uint32

	lastPayloadLen  uint16
	firstPayloadLen uint16
	FirstPacketSize uint16

	Attributes Attributes
	VlanID     uint16
	MAC        [6]byte

	Stats *Stats
}

func (v *FlowValue) captureBytes(cfg Config, payload []byte) {
	if cfg.MaxPayload == 0 || len(payload) == 0 {
		return
	}
	room := cfg.MaxPayload - len(v.PayloadCaptured)
	if room <= 0 {
		return
	}
	if room > len(payload) {
		room = len(payload)
	}
	v.PayloadCaptured = append(v.PayloadCaptured, payload[:room]...)
	if len(v.PayloadOffsets) < maxPayloadOffsets {
		v.PayloadOffsets = append(v.PayloadOffsets, uint32(len(v.PayloadCaptured)))
	}
}

// update folds one packet in this direction into v, per the attribute
// rules in spec.md §4.4.
func (v *FlowValue) update(now int64, pb *decode.PBuf, cfg Config) {
	plen := len(pb.Payload)

	if v.Packets == 0 {
		v.IFlags = pb.TCPFlags
		v.ISN = pb.SeqNum
		v.FirstPacketSize = pb.TotalLen
		v.VlanID = pb.VlanID
		v.MAC = pb.MAC
		v.Attributes |= AttrSameSize
	}
	if plen > 0 {
		if v.firstPayloadLen == 0 {
			v.firstPayloadLen = uint16(plen)
		} else if uint16(plen) != v.firstPayloadLen {
			v.Attributes &^= AttrSameSize
		}
	}
	v.UFlags |= pb.TCPFlags

	if pb.Key.Proto == yafkey.TCP && v.Packets > 0 {
		if pb.SeqNum < v.LastSeq+uint32(v.lastPayloadLen) {
			v.Attributes |= AttrOutOfSequence
		}
	}
	v.LastSeq = pb.SeqNum
	v.lastPayloadLen = uint16(plen)

	if pb.Frag.IsFragment {
		v.Attributes |= AttrFragments
	}

	v.Octets += uint64(pb.TotalLen)
	v.Packets++
	v.captureBytes(cfg, pb.Payload)

	if cfg.EnableStats {
		if v.Stats == nil {
			v.Stats = &Stats{}
		}
		urgent := pb.Key.Proto == yafkey.TCP && pb.TCPFlags&decode.TCPFlagURG != 0
		v.Stats.observe(now, pb.TotalLen, cfg.SmallPacketThreshold, cfg.LargePacketThreshold, urgent)
	}
}

// MPTCPInfo is the optional MPTCP metadata a flow can carry, widened (per
// the original yfMPTCPFlow_t) with a flags bitfield tracking which
// suboptions have been observed, beyond the four fields spec.md names.
type MPTCPInfo struct {
	InitialDataSeqNum uint64
	ReceiverToken      uint32
	MaxSegmentSize     uint16
	AddressID          uint8
	Flags              uint8
}

// LabelContext is the opaque, plugin-owned per-flow inspection record
// referenced by Flow.LabelCtx. It replaces the original's raw pointer +
// free-callback pair (see DESIGN.md's Open Questions) with an interface a
// plugin implements directly, so the FlowTable frees it by calling Free
// rather than holding an untyped pointer and a separate function pointer.
type LabelContext interface {
	Free()
}

// Labeler is the application-label/DPI hook. Scan is called once a flow has
// accumulated Config.LabelPackets packets, with or without payload (or is
// about to terminate), and may return a nonzero label; Process, if Scan matched,
// builds the opaque per-flow context later released via LabelContext.Free.
type Labeler interface {
	Scan(payload []byte, flow *Flow, val *FlowValue) uint16
	Process(flow *Flow, payload []byte) LabelContext
}

// Flow is a joined biflow: one forward FlowValue and one reverse FlowValue
// sharing a canonical key.
type Flow struct {
	Key   yafkey.Key
	STime int64 // epoch ms
	ETime int64 // epoch ms
	RDTime int64 // rval's first-packet time minus STime: an initial RTT proxy

	Val  FlowValue
	RVal FlowValue

	EndReason    EndReason
	Continuation bool

	MPLS      *decode.MPLSLabels
	MPLSDepth uint8

	MPTCP *MPTCPInfo

	Label    uint16
	LabelCtx LabelContext

	labeled bool
	elem    *list.Element
}

// PacketCount returns the total packets seen across both directions.
func (f *Flow) PacketCount() uint64 { return f.Val.Packets + f.RVal.Packets }

func newFlow(cfg Config, now int64, pb *decode.PBuf) *Flow {
	f := &Flow{
		Key:   pb.Key,
		STime: now,
		ETime: now,
	}
	if pb.MPLSDepth > 0 {
		mpls := pb.MPLS
		f.MPLS = &mpls
		f.MPLSDepth = pb.MPLSDepth
	}
	f.Val.update(now, pb, cfg)
	return f
}
