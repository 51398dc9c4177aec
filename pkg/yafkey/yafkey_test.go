package yafkey

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeV4RoundTripsReverse(t *testing.T) {
	k := Key{
		SrcIP:   netip.MustParseAddr("10.0.0.1"),
		DstIP:   netip.MustParseAddr("10.0.0.2"),
		SrcPort: 51000,
		DstPort: 443,
		Proto:   TCP,
		Version: IPv4,
		VlanID:  42,
	}
	v4, _, isV4 := k.Encode()
	require.True(t, isV4)

	rv4, _, _ := k.Reverse().Encode()
	require.Equal(t, rv4, v4.Reverse())
}

func TestEncodeV6(t *testing.T) {
	k := Key{
		SrcIP:   netip.MustParseAddr("2001:db8::1"),
		DstIP:   netip.MustParseAddr("2001:db8::2"),
		SrcPort: 51000,
		DstPort: 443,
		Proto:   UDP,
		Version: IPv6,
	}
	_, v6, isV4 := k.Encode()
	require.False(t, isV4)

	rv6, _, _ := k.Reverse().Encode()
	require.Equal(t, rv6, v6.Reverse())
}

func TestIsProbablyReverseV4(t *testing.T) {
	forward := Key{
		SrcIP: netip.MustParseAddr("10.0.0.1"), DstIP: netip.MustParseAddr("10.0.0.2"),
		SrcPort: 51000, DstPort: 443, Proto: TCP, Version: IPv4,
	}
	v4, _, _ := forward.Encode()
	require.False(t, v4.IsProbablyReverse())

	reverse := forward.Reverse()
	rv4, _, _ := reverse.Encode()
	require.True(t, rv4.IsProbablyReverse())
}

func TestHashDiffersByVlan(t *testing.T) {
	base := Key{
		SrcIP: netip.MustParseAddr("10.0.0.1"), DstIP: netip.MustParseAddr("10.0.0.2"),
		SrcPort: 51000, DstPort: 443, Proto: TCP, Version: IPv4,
	}
	other := base
	other.VlanID = 7

	v4a, _, _ := base.Encode()
	v4b, _, _ := other.Encode()
	require.NotEqual(t, v4a.Hash(), v4b.Hash())
}
