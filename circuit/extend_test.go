package circuit

import (
	"encoding/binary"
	"net/netip"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/cvsouth/torcirc/netdir"
	"github.com/cvsouth/torcirc/ntor"
)

func TestExtend2PayloadRoundTrip(t *testing.T) {
	r := &netdir.Relay{
		Addrs:      []netip.Addr{netip.MustParseAddr("1.2.3.4"), netip.MustParseAddr("2001:db8::1")},
		ORPort:     9001,
		HasEd25519: true,
	}
	for i := range r.ID {
		r.ID[i] = byte(i)
	}
	for i := range r.Ed25519ID {
		r.Ed25519ID[i] = byte(0x80 + i)
	}
	var clientData [ntor.ClientDataLen]byte
	for i := range clientData {
		clientData[i] = byte(i + 100)
	}

	payload := Extend2Payload(r, clientData)
	require.Equal(t, byte(4), payload[0])

	specs, gotData, err := ParseExtend2(payload)
	require.NoError(t, err)
	require.Equal(t, clientData, gotData)

	v6 := netip.MustParseAddr("2001:db8::1").As16()
	want := []LinkSpec{
		{Type: LinkSpecIPv4, Data: []byte{1, 2, 3, 4, 0x23, 0x29}},
		{Type: LinkSpecIPv6, Data: append(v6[:], 0x23, 0x29)},
		{Type: LinkSpecRSAID, Data: r.ID[:]},
		{Type: LinkSpecEd25519, Data: r.Ed25519ID[:]},
	}
	if diff := cmp.Diff(want, specs); diff != "" {
		t.Fatalf("link specifiers (-want +got):\n%s", diff)
	}
}

func TestExtend2PayloadWithoutEd25519(t *testing.T) {
	r := &netdir.Relay{Addrs: []netip.Addr{netip.MustParseAddr("10.0.0.1")}, ORPort: 443}
	specs, _, err := ParseExtend2(Extend2Payload(r, [ntor.ClientDataLen]byte{}))
	require.NoError(t, err)
	require.Len(t, specs, 2)
	require.Equal(t, uint8(LinkSpecIPv4), specs[0].Type)
	require.Equal(t, uint8(LinkSpecRSAID), specs[1].Type)
}

func TestParseExtend2Errors(t *testing.T) {
	r := &netdir.Relay{Addrs: []netip.Addr{netip.MustParseAddr("10.0.0.1")}, ORPort: 443}
	payload := Extend2Payload(r, [ntor.ClientDataLen]byte{})

	_, _, err := ParseExtend2(nil)
	require.Error(t, err)
	_, _, err = ParseExtend2(payload[:5])
	require.Error(t, err)
	_, _, err = ParseExtend2(payload[:len(payload)-1])
	require.Error(t, err)

	bad := append([]byte(nil), payload...)
	binary.BigEndian.PutUint16(bad[len(bad)-ntor.ClientDataLen-4:], 0x0003)
	_, _, err = ParseExtend2(bad)
	require.Error(t, err)
}

func TestHandshakeReply(t *testing.T) {
	var sd [ntor.ServerDataLen]byte
	sd[0], sd[63] = 1, 2
	reply := HandshakeReply(sd)
	got, err := parseHandshakeReply(reply)
	require.NoError(t, err)
	require.Equal(t, sd, got)

	_, err = parseHandshakeReply(reply[:1])
	require.Error(t, err)
	_, err = parseHandshakeReply(reply[:40])
	require.Error(t, err)
	binary.BigEndian.PutUint16(reply, 32)
	_, err = parseHandshakeReply(reply)
	require.Error(t, err)
}
