package decode

import (
	"net"
	"testing"

	"github.com/fako1024/gopacket"
	"github.com/fako1024/gopacket/layers"
	"github.com/flowforge/yafgo/pkg/yafkey"
	"github.com/stretchr/testify/require"
)

func serialize(t *testing.T, l ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, l...))
	return buf.Bytes()
}

func udpPacket(t *testing.T, payload []byte) []byte {
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
	udp := &layers.UDP{SrcPort: 53000, DstPort: 53}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	return serialize(t, eth, ip, udp, gopacket.Payload(payload))
}

func TestDecodeUDPPopulatesKeyAndPayload(t *testing.T) {
	raw := udpPacket(t, []byte("hello"))
	d := New(Config{})

	var pb PBuf
	pb.Timestamp = 1
	d.Decode(raw, layers.LayerTypeEthernet, &pb)

	require.Equal(t, RejectNone, pb.Reject)
	require.True(t, pb.Valid())
	require.Equal(t, yafkey.UDP, pb.Key.Proto)
	require.Equal(t, yafkey.IPv4, pb.Key.Version)
	require.Equal(t, uint16(53000), pb.Key.SrcPort)
	require.Equal(t, uint16(53), pb.Key.DstPort)
	require.Equal(t, "hello", string(pb.Payload))
	require.Equal(t, "192.0.2.1", pb.Key.SrcIP.String())
}

func TestDecodeReusesPayloadCapacityAcrossCalls(t *testing.T) {
	d := New(Config{})
	var pb PBuf
	pb.Payload = make([]byte, 0, 4096)

	pb.Timestamp = 1
	d.Decode(udpPacket(t, []byte("first")), layers.LayerTypeEthernet, &pb)
	require.Equal(t, "first", string(pb.Payload))
	firstCap := cap(pb.Payload)

	pb.Reset()
	pb.Timestamp = 2
	d.Decode(udpPacket(t, []byte("second!")), layers.LayerTypeEthernet, &pb)
	require.Equal(t, "second!", string(pb.Payload))
	require.Equal(t, firstCap, cap(pb.Payload))
}

func TestDecodeUnsupportedNetworkLayerRejected(t *testing.T) {
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 5},
		DstMAC:       net.HardwareAddr{6, 7, 8, 9, 10, 11},
		EthernetType: layers.EthernetTypeARP,
	}
	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPRequest,
		SourceHwAddress:   []byte{0, 1, 2, 3, 4, 5},
		SourceProtAddress: []byte{192, 0, 2, 1},
		DstHwAddress:      []byte{0, 0, 0, 0, 0, 0},
		DstProtAddress:    []byte{192, 0, 2, 2},
	}
	raw := serialize(t, eth, arp)

	d := New(Config{})
	var pb PBuf
	pb.Timestamp = 1
	d.Decode(raw, layers.LayerTypeEthernet, &pb)

	require.Equal(t, RejectUnsupportedNetwork, pb.Reject)
	require.False(t, pb.Valid())
}

func TestLinkTypeMapping(t *testing.T) {
	_, ok := LinkType(1)
	require.True(t, ok)
	_, ok = LinkType(9999)
	require.False(t, ok)
}

func TestStripJuniperPrefixLeavesNonJuniperFramesAlone(t *testing.T) {
	raw := []byte{0x01, 0x02, 0x03, 0x04, 0x05}
	require.Equal(t, raw, stripJuniperPrefix(raw))
}
