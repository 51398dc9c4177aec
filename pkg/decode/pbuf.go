// Package decode turns a captured frame into a PBuf: a fixed-size,
// reusable record carrying the draft flow key and transport metadata the
// flow table needs. It follows the teacher's GPPacket.Populate
// (github.com/els0r/goProbe pkg/capture/GPPacket.go) in walking gopacket's
// network/transport layers rather than hand-parsing headers, but widens the
// supported link types and extracts the richer field set the flow table
// (and IP fragment reassembly) requires.
package decode

import "github.com/flowforge/yafgo/pkg/yafkey"

// RejectReason classifies why a frame could not be turned into a PBuf. The
// zero value, RejectNone, means decode succeeded.
type RejectReason uint8

const (
	RejectNone RejectReason = iota
	RejectUnsupportedLinkType
	RejectTruncatedLink
	RejectTruncatedNetwork
	RejectTruncatedTransport
	RejectUnsupportedNetwork
	RejectMalformedHeader

	// NumRejectReasons is the count of defined RejectReason values,
	// including RejectNone — sized for callers indexing a counter array
	// by reason (see pkg/pipeline's CaptureLoop error tally).
	NumRejectReasons
)

// String renders a reason for use as a Prometheus label and in log fields.
func (r RejectReason) String() string {
	switch r {
	case RejectNone:
		return "none"
	case RejectUnsupportedLinkType:
		return "unsupported_link_type"
	case RejectTruncatedLink:
		return "truncated_link"
	case RejectTruncatedNetwork:
		return "truncated_network"
	case RejectTruncatedTransport:
		return "truncated_transport"
	case RejectUnsupportedNetwork:
		return "unsupported_network"
	case RejectMalformedHeader:
		return "malformed_header"
	default:
		return "unknown"
	}
}

// FragInfo carries fragment-handling metadata for an IP datagram that is
// not a single, complete packet. Proto/Src/Dst/ID together form the
// fragment table's lookup key (see pkg/fragtable).
type FragInfo struct {
	IsFragment    bool
	MoreFragments bool
	ID            uint32 // IPv4 identification field, or IPv6 fragment header id
	Offset        uint16 // in octets
	HeaderLen     uint16 // bytes of IP header preceding the payload
}

// MPLSLabels holds up to the top three MPLS labels seen on a frame, per
// yfMPLSNode_st (original_source/include/yaf/yafcore.h).
type MPLSLabels [3]uint32

// PBuf is a decoded packet buffer: a fixed-size record meant to live inside
// a single ring slot and be overwritten packet after packet (see
// pkg/ring). A PBuf whose Timestamp is zero is considered invalid by
// convention and skipped by the ring consumer.
type PBuf struct {
	Key       yafkey.Key
	Timestamp int64 // epoch milliseconds
	CapLen    uint16
	TotalLen  uint16
	TCPFlags  uint8
	SeqNum    uint32
	AckNum    uint32
	ICMPType  uint8
	ICMPCode  uint8
	MAC       [6]byte
	VlanID    uint16
	MPLS      MPLSLabels
	MPLSDepth uint8
	Frag      FragInfo
	Payload   []byte // copied, not aliased — safe to read after the capture buffer is reused
	Reject    RejectReason
}

// Reset clears p for reuse in a ring slot, without discarding the
// underlying Payload slice capacity.
func (p *PBuf) Reset() {
	payload := p.Payload[:0]
	*p = PBuf{Payload: payload}
}

// setPayload copies src into p.Payload's existing capacity (which, inside a
// ring slot, is backed by the ring's preallocated per-slot buffer) rather
// than aliasing src directly. src typically points into a capture buffer
// that the capture source may reuse or free once the decoder returns, so a
// PBuf that outlives that call — as every ring slot does — must not retain
// a reference into it.
func (p *PBuf) setPayload(src []byte) {
	p.Payload = append(p.Payload[:0], src...)
}

// Valid reports whether p holds a successfully decoded packet.
func (p *PBuf) Valid() bool {
	return p.Timestamp != 0 && p.Reject == RejectNone
}
