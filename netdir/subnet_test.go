package netdir

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
	"go4.org/netipx"
)

func relayAt(addrs ...string) *Relay {
	r := &Relay{}
	for _, a := range addrs {
		r.Addrs = append(r.Addrs, netip.MustParseAddr(a))
	}
	return r
}

func TestAddrsInSameSubnet(t *testing.T) {
	c := DefaultSubnetConfig
	require.True(t, c.AddrsInSameSubnet(netip.MustParseAddr("1.2.3.4"), netip.MustParseAddr("1.2.99.100")))
	require.False(t, c.AddrsInSameSubnet(netip.MustParseAddr("1.2.3.4"), netip.MustParseAddr("1.3.3.4")))
	require.True(t, c.AddrsInSameSubnet(netip.MustParseAddr("2001:db8:1::1"), netip.MustParseAddr("2001:db8:ffff::2")))
	require.False(t, c.AddrsInSameSubnet(netip.MustParseAddr("2001:db8::1"), netip.MustParseAddr("2001:db9::1")))
	// Mixed families never match.
	require.False(t, c.AddrsInSameSubnet(netip.MustParseAddr("1.2.3.4"), netip.MustParseAddr("2001:db8::1")))
	// v4-mapped addresses are treated as IPv4.
	require.True(t, c.AddrsInSameSubnet(netip.MustParseAddr("::ffff:1.2.3.4"), netip.MustParseAddr("1.2.200.1")))
}

func TestSubnetConfigDisabled(t *testing.T) {
	c := SubnetConfig{V4Bits: 33, V6Bits: 129}
	require.False(t, c.AddrsInSameSubnet(netip.MustParseAddr("1.2.3.4"), netip.MustParseAddr("1.2.3.4")))
	require.False(t, c.AddrsInSameSubnet(netip.MustParseAddr("2001:db8::1"), netip.MustParseAddr("2001:db8::1")))

	set, err := c.ExclusionSet(relayAt("1.2.3.4", "2001:db8::1"))
	require.NoError(t, err)
	require.False(t, IntersectsSet(relayAt("1.2.3.4"), set))
}

func TestInSameSubnet(t *testing.T) {
	c := DefaultSubnetConfig
	a := relayAt("1.2.3.4", "2001:db8::1")
	b := relayAt("5.6.7.8", "2001:db8:0:1::1")
	d := relayAt("5.6.7.9")
	require.True(t, c.InSameSubnet(a, b))
	require.True(t, c.InSameSubnet(b, d))
	require.False(t, c.InSameSubnet(a, d))
}

func TestExclusionSetMatchesPairwise(t *testing.T) {
	c := SubnetConfig{V4Bits: 24, V6Bits: 48}
	guard := relayAt("10.1.2.3")
	exit := relayAt("192.168.7.1", "2001:db8:aa::1")
	set, err := c.ExclusionSet(guard, exit)
	require.NoError(t, err)

	for _, cand := range []*Relay{
		relayAt("10.1.2.200"),
		relayAt("10.1.3.1"),
		relayAt("192.168.7.254"),
		relayAt("172.16.0.1", "2001:db8:aa:ff::1"),
		relayAt("172.16.0.1", "2001:db8:ab::1"),
	} {
		want := c.InSameSubnet(cand, guard) || c.InSameSubnet(cand, exit)
		require.Equal(t, want, IntersectsSet(cand, set), "%v", cand.Addrs)
	}
}

func TestReachable(t *testing.T) {
	r := relayAt("10.1.2.3", "2001:db8::1")
	require.True(t, Reachable(r, nil))

	var b netipx.IPSetBuilder
	b.AddPrefix(netip.MustParsePrefix("2001:db8::/32"))
	v6only, err := b.IPSet()
	require.NoError(t, err)
	require.True(t, Reachable(r, v6only))
	require.False(t, Reachable(relayAt("10.1.2.3"), v6only))
}
