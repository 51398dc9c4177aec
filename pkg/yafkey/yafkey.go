// Package yafkey defines the flow key used to index the flow table, whose
// Reverse lets a reverse-direction packet find the uniflow its
// forward-direction sibling created, so the two can be joined into a
// biflow, and a canonical fixed-size endpoint hash encoding of that key.
//
// The hash layout is a direct generalization of the teacher's EPHashV4/
// EPHashV6 (github.com/els0r/goProbe pkg/capture/capturetypes/packet.go):
// source endpoint, destination endpoint, protocol, packed into a fixed byte
// array so it can be used as a map key without an extra allocation, plus a
// VLAN tag so two otherwise-identical flows on different VLANs don't
// collide.
package yafkey

import (
	"encoding/binary"
	"net/netip"

	"github.com/zeebo/xxh3"
)

// Common IP protocol numbers.
const (
	ICMP   = 0x01
	TCP    = 0x06
	UDP    = 0x11
	ESP    = 0x32
	ICMPv6 = 0x3A
)

// IPVersion distinguishes the two address families carried in a Key.
type IPVersion uint8

const (
	IPv4 IPVersion = 4
	IPv6 IPVersion = 6
)

// Key identifies a single direction of traffic (a uniflow). Two Keys that
// are Reverse() of one another belong to the same biflow.
type Key struct {
	SrcIP    netip.Addr
	DstIP    netip.Addr
	SrcPort  uint16
	DstPort  uint16
	Proto    uint8
	Version  IPVersion
	VlanID   uint16
	TOS      uint8
	Layer2ID uint32 // ground in yfFlowKey_st's layer2Id: VLAN, or an outer tunnel id
}

// EPHashSizeV4 and EPHashSizeV6 are the fixed encoded sizes for each address
// family, two bytes longer than the teacher's layout to carry the VLAN tag.
const (
	EPHashSizeV4 = 15 // 4 + 2 + 4 + 2 + 1 + 2
	EPHashSizeV6 = 39 // 16 + 2 + 16 + 2 + 1 + 2
)

// EPHashV4 is the fixed-size encoding of a Key for IPv4 traffic.
// Layout: srcIP(4) srcPort(2) dstIP(4) dstPort(2) proto(1) vlan(2)
type EPHashV4 [EPHashSizeV4]byte

// EPHashV6 is the fixed-size encoding of a Key for IPv6 traffic.
// Layout: srcIP(16) srcPort(2) dstIP(16) dstPort(2) proto(1) vlan(2)
type EPHashV6 [EPHashSizeV6]byte

// Encode renders k into its fixed-size endpoint hash, returning which
// variant was used.
func (k Key) Encode() (v4 EPHashV4, v6 EPHashV6, isV4 bool) {
	if k.Version == IPv4 {
		src := k.SrcIP.As4()
		dst := k.DstIP.As4()
		copy(v4[0:4], src[:])
		binary.BigEndian.PutUint16(v4[4:6], k.SrcPort)
		copy(v4[6:10], dst[:])
		binary.BigEndian.PutUint16(v4[10:12], k.DstPort)
		v4[12] = k.Proto
		binary.BigEndian.PutUint16(v4[13:15], k.VlanID)
		return v4, v6, true
	}

	src := k.SrcIP.As16()
	dst := k.DstIP.As16()
	copy(v6[0:16], src[:])
	binary.BigEndian.PutUint16(v6[16:18], k.SrcPort)
	copy(v6[18:34], dst[:])
	binary.BigEndian.PutUint16(v6[34:36], k.DstPort)
	v6[36] = k.Proto
	binary.BigEndian.PutUint16(v6[37:39], k.VlanID)
	return v4, v6, false
}

// Reverse swaps source and destination, i.e. turns a Key describing the
// client->server direction into the server->client direction of the same
// biflow.
func (k Key) Reverse() Key {
	rev := k
	rev.SrcIP, rev.DstIP = k.DstIP, k.SrcIP
	rev.SrcPort, rev.DstPort = k.DstPort, k.SrcPort
	return rev
}

// Hash returns a fast, non-cryptographic hash of the canonical encoding,
// suitable for flow table bucketing.
func (h EPHashV4) Hash() uint64 { return xxh3.Hash(h[:]) }

// Hash returns a fast, non-cryptographic hash of the canonical encoding,
// suitable for flow table bucketing.
func (h EPHashV6) Hash() uint64 { return xxh3.Hash(h[:]) }

// Reverse computes the encoded hash of the reverse-direction packet without
// re-deriving it from a Key.
func (h EPHashV4) Reverse() (rev EPHashV4) {
	copy(rev[0:6], h[6:12])
	copy(rev[6:12], h[0:6])
	rev[12] = h[12]
	copy(rev[13:15], h[13:15])
	return
}

// Reverse computes the encoded hash of the reverse-direction packet without
// re-deriving it from a Key.
func (h EPHashV6) Reverse() (rev EPHashV6) {
	copy(rev[0:18], h[18:36])
	copy(rev[18:36], h[0:18])
	rev[36] = h[36]
	copy(rev[37:39], h[37:39])
	return
}

// IsProbablyReverse is a cheap heuristic (no map lookup) for whether h is
// more likely to be the reverse-direction leg of a flow, based on port
// ordering. The flow table does not call it; it matches reverse-direction
// packets through its index of reversed Keys.
func (h EPHashV4) IsProbablyReverse() bool {
	if h[4] == 0 && h[5] == 0 {
		return false
	}
	if h[10] == 0 && h[11] == 0 {
		return true
	}
	if h[4] != h[10] {
		return h[4] < h[10]
	}
	return h[5] < h[11]
}

// IsProbablyReverse is the IPv6 counterpart of EPHashV4.IsProbablyReverse.
func (h EPHashV6) IsProbablyReverse() bool {
	if h[16] == 0 && h[17] == 0 {
		return false
	}
	if h[34] == 0 && h[35] == 0 {
		return true
	}
	if h[16] != h[34] {
		return h[16] < h[34]
	}
	return h[17] < h[35]
}
