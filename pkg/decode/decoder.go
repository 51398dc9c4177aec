package decode

import (
	"encoding/binary"
	"net/netip"

	"github.com/fako1024/gopacket"
	"github.com/fako1024/gopacket/layers"
	"github.com/flowforge/yafgo/pkg/yafkey"
)

var defaultDecodeOptions = gopacket.DecodeOptions{
	Lazy:   true,
	NoCopy: true,
}

// Config tunes optional decode behavior.
type Config struct {
	// MPLSEnabled controls whether MPLS label stacks are recorded on PBuf.
	MPLSEnabled bool
	// GRERecurse allows one level of GRE-in-IP decapsulation before
	// re-running the network/transport decode on the inner packet.
	GRERecurse bool
	// JuniperEncapsulation strips a Juniper-specific link-layer prefix
	// before decoding, when the capture source reports it is present.
	JuniperEncapsulation bool
}

// Decoder turns captured frames into PBufs. It is stateless and safe to
// call repeatedly from the capture thread; all state lives in the PBuf
// passed to Decode.
type Decoder struct {
	cfg Config
}

// New returns a Decoder configured per cfg.
func New(cfg Config) *Decoder {
	return &Decoder{cfg: cfg}
}

// LinkType maps a capture source's reported link type to the gopacket
// decoder used to parse it. ok is false for link types the decoder does
// not support, which the caller should count as RejectUnsupportedLinkType.
func LinkType(linkType int) (gopacket.Decoder, bool) {
	switch linkType {
	case 1: // LINKTYPE_ETHERNET
		return layers.LayerTypeEthernet, true
	case 0: // LINKTYPE_NULL
		return layers.LayerTypeLoopback, true
	case 101: // LINKTYPE_RAW
		return layers.LayerTypeIPv4, true
	case 113: // LINKTYPE_LINUX_SLL
		return layers.LayerTypeLinuxSLL, true
	default:
		return nil, false
	}
}

// Decode parses raw (the captured bytes, possibly shorter than totalLen due
// to a snaplen) using linkType and fills dst in place. dst.Timestamp and
// dst.CapLen/TotalLen are set by the caller beforehand; Decode only touches
// the remaining fields. On failure dst.Reject is set to a reason other than
// RejectNone and the rest of dst is left in whatever partial state decoding
// reached — callers must check Reject, not Valid-by-omission.
func (d *Decoder) Decode(raw []byte, linkType gopacket.Decoder, dst *PBuf) {
	if d.cfg.JuniperEncapsulation && len(raw) > 4 {
		raw = stripJuniperPrefix(raw)
	}

	pkt := gopacket.NewPacket(raw, linkType, defaultDecodeOptions)
	if err := pkt.ErrorLayer(); err != nil {
		dst.Reject = RejectMalformedHeader
		return
	}

	d.decodeLinkMeta(pkt, dst)

	nwL := pkt.NetworkLayer()
	if nwL == nil {
		dst.Reject = RejectUnsupportedNetwork
		return
	}
	nwLC := nwL.LayerContents()
	if len(nwLC) == 0 {
		dst.Reject = RejectTruncatedNetwork
		return
	}

	switch nwL.LayerType() {
	case layers.LayerTypeIPv4:
		d.decodeIPv4(pkt, nwLC, dst)
	case layers.LayerTypeIPv6:
		d.decodeIPv6(pkt, nwLC, dst)
	default:
		dst.Reject = RejectUnsupportedNetwork
		return
	}
	if dst.Reject != RejectNone {
		return
	}

	if d.cfg.GRERecurse {
		if greL := pkt.Layer(layers.LayerTypeGRE); greL != nil {
			gre, ok := greL.(*layers.GRE)
			if ok && (gre.Protocol == layers.EthernetTypeIPv4 || gre.Protocol == layers.EthernetTypeIPv6) {
				inner := gopacket.NewPacket(gre.LayerPayload(), layerTypeForGRE(gre), defaultDecodeOptions)
				if innerNW := inner.NetworkLayer(); innerNW != nil {
					innerLC := innerNW.LayerContents()
					if len(innerLC) > 0 {
						switch innerNW.LayerType() {
						case layers.LayerTypeIPv4:
							d.decodeIPv4(inner, innerLC, dst)
						case layers.LayerTypeIPv6:
							d.decodeIPv6(inner, innerLC, dst)
						}
					}
				}
			}
		}
	}
}

func layerTypeForGRE(gre *layers.GRE) gopacket.LayerType {
	if gre.Protocol == layers.EthernetTypeIPv6 {
		return layers.LayerTypeIPv6
	}
	return layers.LayerTypeIPv4
}

func (d *Decoder) decodeLinkMeta(pkt gopacket.Packet, dst *PBuf) {
	if ethL, ok := pkt.LinkLayer().(*layers.Ethernet); ok {
		copy(dst.MAC[:], ethL.SrcMAC)
	}
	for _, l := range pkt.Layers() {
		switch v := l.(type) {
		case *layers.Dot1Q:
			dst.VlanID = v.VLANIdentifier
		case *layers.MPLS:
			if d.cfg.MPLSEnabled && dst.MPLSDepth < uint8(len(dst.MPLS)) {
				dst.MPLS[dst.MPLSDepth] = v.Label
				dst.MPLSDepth++
			}
		}
	}
}

func (d *Decoder) decodeIPv4(pkt gopacket.Packet, nwLC []byte, dst *PBuf) {
	if len(nwLC) < 20 {
		dst.Reject = RejectTruncatedNetwork
		return
	}

	src, dstAddr := pkt.NetworkLayer().NetworkFlow().Endpoints()
	srcIP, ok1 := netip.AddrFromSlice(src.Raw())
	dstIP, ok2 := netip.AddrFromSlice(dstAddr.Raw())
	if !ok1 || !ok2 {
		dst.Reject = RejectMalformedHeader
		return
	}

	dst.Key.SrcIP = srcIP
	dst.Key.DstIP = dstIP
	dst.Key.Version = yafkey.IPv4
	dst.Key.TOS = nwLC[1]
	dst.Key.Proto = nwLC[9]

	fragBits := (0xe0 & nwLC[6]) >> 5
	fragOffset := (uint16(0x1f&nwLC[6]) << 8) | uint16(nwLC[7])
	moreFragments := fragBits&0x01 != 0

	if fragOffset != 0 || moreFragments {
		dst.Frag = FragInfo{
			IsFragment:    true,
			MoreFragments: moreFragments,
			ID:            uint32(binary.BigEndian.Uint16(nwLC[4:6])),
			Offset:        fragOffset * 8,
			HeaderLen:     uint16(nwLC[0]&0x0f) * 4,
		}
		if fragOffset != 0 {
			// non-initial fragment: no transport header present
			return
		}
	}

	if dst.Key.Proto == yafkey.ESP {
		return
	}

	d.decodeTransport(pkt, dst)
}

func (d *Decoder) decodeIPv6(pkt gopacket.Packet, nwLC []byte, dst *PBuf) {
	if len(nwLC) < 40 {
		dst.Reject = RejectTruncatedNetwork
		return
	}

	src, dstAddr := pkt.NetworkLayer().NetworkFlow().Endpoints()
	srcIP, ok1 := netip.AddrFromSlice(src.Raw())
	dstIP, ok2 := netip.AddrFromSlice(dstAddr.Raw())
	if !ok1 || !ok2 {
		dst.Reject = RejectMalformedHeader
		return
	}

	dst.Key.SrcIP = srcIP
	dst.Key.DstIP = dstIP
	dst.Key.Version = yafkey.IPv6
	dst.Key.TOS = (nwLC[0]<<4 | nwLC[1]>>4) & 0xff

	nextHeader := nwLC[6]
	// walk extension headers reported by gopacket to find the true upper
	// protocol and, for IPv6 fragments, the fragment header fields
	for _, l := range pkt.Layers() {
		switch v := l.(type) {
		case *layers.IPv6Fragment:
			nextHeader = uint8(v.NextHeader)
			dst.Frag = FragInfo{
				IsFragment:    true,
				MoreFragments: v.MoreFragments,
				ID:            v.Identification,
				Offset:        v.FragmentOffset * 8,
				HeaderLen:     40,
			}
		case *layers.IPv6HopByHop:
			nextHeader = uint8(v.NextHeader)
		case *layers.IPv6Routing:
			nextHeader = uint8(v.NextHeader)
		}
	}
	dst.Key.Proto = nextHeader

	if dst.Frag.IsFragment && dst.Frag.Offset != 0 {
		return
	}
	if dst.Key.Proto == yafkey.ESP {
		return
	}

	d.decodeTransport(pkt, dst)
}

func (d *Decoder) decodeTransport(pkt gopacket.Packet, dst *PBuf) {
	switch dst.Key.Proto {
	case yafkey.TCP:
		tcpL, ok := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP)
		if !ok {
			dst.Reject = RejectTruncatedTransport
			return
		}
		dst.Key.SrcPort = uint16(tcpL.SrcPort)
		dst.Key.DstPort = uint16(tcpL.DstPort)
		dst.SeqNum = tcpL.Seq
		dst.AckNum = tcpL.Ack
		dst.TCPFlags = tcpFlagsByte(tcpL)
		dst.setPayload(tcpL.LayerPayload())
	case yafkey.UDP:
		udpL, ok := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
		if !ok {
			dst.Reject = RejectTruncatedTransport
			return
		}
		dst.Key.SrcPort = uint16(udpL.SrcPort)
		dst.Key.DstPort = uint16(udpL.DstPort)
		dst.setPayload(udpL.LayerPayload())
	case yafkey.ICMP:
		icmpL, ok := pkt.Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4)
		if !ok {
			dst.Reject = RejectTruncatedTransport
			return
		}
		dst.ICMPType = uint8(icmpL.TypeCode.Type())
		dst.ICMPCode = uint8(icmpL.TypeCode.Code())
		dst.Key.SrcPort = uint16(dst.ICMPType)<<8 | uint16(dst.ICMPCode)
		dst.setPayload(icmpL.LayerPayload())
	case yafkey.ICMPv6:
		icmpL, ok := pkt.Layer(layers.LayerTypeICMPv6).(*layers.ICMPv6)
		if !ok {
			dst.Reject = RejectTruncatedTransport
			return
		}
		dst.ICMPType = uint8(icmpL.TypeCode.Type())
		dst.ICMPCode = uint8(icmpL.TypeCode.Code())
		dst.Key.SrcPort = uint16(dst.ICMPType)<<8 | uint16(dst.ICMPCode)
		dst.setPayload(icmpL.LayerPayload())
	default:
		// no transport metadata for this protocol; the packet is still a
		// valid PBuf keyed purely on the network-layer 5-tuple
	}
}

func tcpFlagsByte(tcpL *layers.TCP) uint8 {
	var flags uint8
	if tcpL.FIN {
		flags |= 0x01
	}
	if tcpL.SYN {
		flags |= 0x02
	}
	if tcpL.RST {
		flags |= 0x04
	}
	if tcpL.PSH {
		flags |= 0x08
	}
	if tcpL.ACK {
		flags |= 0x10
	}
	if tcpL.URG {
		flags |= 0x20
	}
	return flags
}

// TCP flag bit positions, mirrored from the original YAF wire format.
const (
	TCPFlagFIN = 0x01
	TCPFlagSYN = 0x02
	TCPFlagRST = 0x04
	TCPFlagPSH = 0x08
	TCPFlagACK = 0x10
	TCPFlagURG = 0x20
)

func stripJuniperPrefix(raw []byte) []byte {
	// Juniper's PCAP link-layer adds a small magic + flags + extension-
	// length prefix before the real Ethernet frame.
	const juniperMagic = 0x4d4743
	if len(raw) < 4 {
		return raw
	}
	magic := uint32(raw[0])<<16 | uint32(raw[1])<<8 | uint32(raw[2])
	if magic != juniperMagic {
		return raw
	}
	extLen := int(binary.BigEndian.Uint16(raw[4:6]))
	prefix := 6 + extLen
	if prefix >= len(raw) {
		return raw
	}
	return raw[prefix:]
}
