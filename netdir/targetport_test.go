package netdir

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTargetPortString(t *testing.T) {
	require.Equal(t, "80", IPv4Port(80).String())
	require.Equal(t, "443v6", IPv6Port(443).String())
	require.Equal(t, "[80,443v6]", TargetPorts{IPv4Port(80), IPv6Port(443)}.String())
	require.Equal(t, "[]", TargetPorts{}.String())
}

func TestTargetPortOrder(t *testing.T) {
	ports := []TargetPort{IPv6Port(22), IPv4Port(443), IPv6Port(21), IPv4Port(80)}
	slices.SortFunc(ports, TargetPort.Compare)
	require.Equal(t, []TargetPort{IPv4Port(80), IPv4Port(443), IPv6Port(21), IPv6Port(22)}, ports)
	require.Zero(t, IPv4Port(80).Compare(IPv4Port(80)))
}

func TestTargetPortSupported(t *testing.T) {
	r := &Relay{
		IPv4Policy: NewPortPolicy(PortRange{Lo: 80, Hi: 80}, PortRange{Lo: 443, Hi: 443}),
		IPv6Policy: NewPortPolicy(PortRange{Lo: 443, Hi: 443}),
	}
	require.True(t, IPv4Port(80).IsSupportedBy(r))
	require.False(t, IPv6Port(80).IsSupportedBy(r))
	require.True(t, IPv6Port(443).IsSupportedBy(r))
	require.True(t, TargetPorts{IPv4Port(80), IPv6Port(443)}.AllSupportedBy(r))
	require.False(t, TargetPorts{IPv4Port(80), IPv4Port(22)}.AllSupportedBy(r))
	require.True(t, TargetPorts{}.AllSupportedBy(r))

	r.Flags.BadExit = true
	require.False(t, IPv4Port(80).IsSupportedBy(r))
}
