package circuit

import (
	"encoding/binary"
	"fmt"

	"github.com/cvsouth/torcirc/cell"
	"github.com/cvsouth/torcirc/netdir"
	"github.com/cvsouth/torcirc/ntor"
)

// LinkSpecType constants for EXTEND2 link specifiers.
const (
	LinkSpecIPv4    = 0x00 // 6 bytes: 4 IP + 2 port
	LinkSpecIPv6    = 0x01 // 18 bytes: 16 IP + 2 port
	LinkSpecRSAID   = 0x02 // 20 bytes: RSA identity fingerprint
	LinkSpecEd25519 = 0x03 // 32 bytes: Ed25519 identity
)

const htypeNtor = 0x0002

// LinkSpec is one link specifier of an EXTEND2 message.
type LinkSpec struct {
	Type uint8
	Data []byte
}

// CreateCell starts a circuit at r: it returns the CREATE2 cell to send and
// the handshake to finish with FinishCreate.
func CreateCell(circID uint32, r *netdir.Relay) (cell.Cell, *ntor.HandshakeState, error) {
	hs, err := ntor.NewHandshake(r.ID, r.NtorOnionKey)
	if err != nil {
		return nil, nil, fmt.Errorf("ntor handshake init: %w", err)
	}
	clientData := hs.ClientData()
	create2 := cell.NewFixedCell(circID, cell.CmdCreate2)
	p := create2.Payload()
	binary.BigEndian.PutUint16(p[0:2], htypeNtor)
	binary.BigEndian.PutUint16(p[2:4], ntor.ClientDataLen)
	copy(p[4:4+ntor.ClientDataLen], clientData[:])
	return create2, hs, nil
}

// FinishCreate completes the first hop from the relay's reply to CREATE2.
func (c *Circuit) FinishCreate(hs *ntor.HandshakeState, resp cell.Cell) error {
	defer hs.Close()
	if c.NHops() != 0 {
		return fmt.Errorf("circuit already has %d hops", c.NHops())
	}
	switch cmd := resp.Command(); cmd {
	case cell.CmdCreated2:
	case cell.CmdDestroy:
		return fmt.Errorf("relay sent DESTROY (reason=%d) instead of CREATED2", resp.Payload()[0])
	default:
		return fmt.Errorf("expected CREATED2 (11), got command %d", cmd)
	}
	serverData, err := parseHandshakeReply(resp.Payload())
	if err != nil {
		return fmt.Errorf("CREATED2: %w", err)
	}
	return c.completeHop(hs, serverData)
}

// BeginExtend builds the RELAY_EARLY EXTEND2 cell that asks the last hop to
// extend the circuit to r.
func (c *Circuit) BeginExtend(r *netdir.Relay) (cell.Cell, *ntor.HandshakeState, error) {
	n := c.NHops()
	if n == 0 {
		return nil, nil, ErrNoHops
	}
	hs, err := ntor.NewHandshake(r.ID, r.NtorOnionKey)
	if err != nil {
		return nil, nil, fmt.Errorf("ntor handshake init: %w", err)
	}
	payload := Extend2Payload(r, hs.ClientData())
	early, _, err := c.EncryptRelayEarly(HopNum(n-1), RelayMsg{Command: RelayExtend2, Data: payload})
	if err != nil {
		hs.Close()
		return nil, nil, fmt.Errorf("encrypt EXTEND2: %w", err)
	}
	c.logger.Debug("sent EXTEND2", "to", r)
	return early, hs, nil
}

// FinishExtend completes a new hop from the EXTENDED2 message sent by the
// previous last hop.
func (c *Circuit) FinishExtend(hs *ntor.HandshakeState, msg RelayMsg) error {
	defer hs.Close()
	if msg.Command != RelayExtended2 {
		return fmt.Errorf("expected EXTENDED2 (15), got relay command %d", msg.Command)
	}
	serverData, err := parseHandshakeReply(msg.Data)
	if err != nil {
		return fmt.Errorf("EXTENDED2: %w", err)
	}
	if err := c.completeHop(hs, serverData); err != nil {
		return err
	}
	c.logger.Info("circuit extended", "hops", c.NHops())
	return nil
}

func (c *Circuit) completeHop(hs *ntor.HandshakeState, serverData [ntor.ServerDataLen]byte) error {
	kg, err := hs.Complete(serverData)
	if err != nil {
		return fmt.Errorf("ntor complete: %w", err)
	}
	pair, err := Tor1.Construct(kg)
	if err != nil {
		return fmt.Errorf("init hop: %w", err)
	}
	c.AddHop(pair)
	return nil
}

// parseHandshakeReply parses HLEN(2) + HDATA(HLEN) of CREATED2/EXTENDED2.
func parseHandshakeReply(data []byte) ([ntor.ServerDataLen]byte, error) {
	var serverData [ntor.ServerDataLen]byte
	if len(data) < 2 {
		return serverData, fmt.Errorf("too short: %d bytes", len(data))
	}
	hlen := binary.BigEndian.Uint16(data[0:2])
	if hlen != ntor.ServerDataLen {
		return serverData, fmt.Errorf("HLEN=%d, expected %d", hlen, ntor.ServerDataLen)
	}
	if len(data) < 2+int(hlen) {
		return serverData, fmt.Errorf("truncated: %d bytes, need %d", len(data), 2+hlen)
	}
	copy(serverData[:], data[2:2+ntor.ServerDataLen])
	return serverData, nil
}

// HandshakeReply builds the CREATED2/EXTENDED2 body a relay returns.
func HandshakeReply(serverData [ntor.ServerDataLen]byte) []byte {
	out := make([]byte, 2+ntor.ServerDataLen)
	binary.BigEndian.PutUint16(out[0:2], ntor.ServerDataLen)
	copy(out[2:], serverData[:])
	return out
}

// Extend2Payload builds an EXTEND2 body naming every address and identity
// the snapshot knows for r.
func Extend2Payload(r *netdir.Relay, clientData [ntor.ClientDataLen]byte) []byte {
	var specs []LinkSpec
	for _, addr := range r.Addrs {
		addr = addr.Unmap()
		if addr.Is4() {
			a4 := addr.As4()
			specs = append(specs, LinkSpec{Type: LinkSpecIPv4, Data: binary.BigEndian.AppendUint16(a4[:], r.ORPort)})
		} else {
			a16 := addr.As16()
			specs = append(specs, LinkSpec{Type: LinkSpecIPv6, Data: binary.BigEndian.AppendUint16(a16[:], r.ORPort)})
		}
	}
	specs = append(specs, LinkSpec{Type: LinkSpecRSAID, Data: append([]byte(nil), r.ID[:]...)})
	if r.HasEd25519 {
		specs = append(specs, LinkSpec{Type: LinkSpecEd25519, Data: append([]byte(nil), r.Ed25519ID[:]...)})
	}

	// NSPEC(1) + link_specifiers + HTYPE(2) + HLEN(2) + HDATA(84)
	payload := []byte{byte(len(specs))}
	for _, s := range specs {
		payload = append(payload, s.Type, byte(len(s.Data)))
		payload = append(payload, s.Data...)
	}
	payload = binary.BigEndian.AppendUint16(payload, htypeNtor)
	payload = binary.BigEndian.AppendUint16(payload, ntor.ClientDataLen)
	payload = append(payload, clientData[:]...)
	return payload
}

// ParseExtend2 is the relay side of Extend2Payload.
func ParseExtend2(data []byte) ([]LinkSpec, [ntor.ClientDataLen]byte, error) {
	var clientData [ntor.ClientDataLen]byte
	if len(data) < 1 {
		return nil, clientData, fmt.Errorf("EXTEND2 empty")
	}
	nspec := int(data[0])
	off := 1
	specs := make([]LinkSpec, 0, nspec)
	for i := 0; i < nspec; i++ {
		if off+2 > len(data) {
			return nil, clientData, fmt.Errorf("EXTEND2 link specifier %d truncated", i)
		}
		typ, n := data[off], int(data[off+1])
		off += 2
		if off+n > len(data) {
			return nil, clientData, fmt.Errorf("EXTEND2 link specifier %d truncated", i)
		}
		specs = append(specs, LinkSpec{Type: typ, Data: append([]byte(nil), data[off:off+n]...)})
		off += n
	}
	if off+4 > len(data) {
		return nil, clientData, fmt.Errorf("EXTEND2 missing handshake")
	}
	htype := binary.BigEndian.Uint16(data[off:])
	hlen := int(binary.BigEndian.Uint16(data[off+2:]))
	off += 4
	if htype != htypeNtor || hlen != ntor.ClientDataLen {
		return nil, clientData, fmt.Errorf("EXTEND2 handshake type %d length %d not supported", htype, hlen)
	}
	if off+hlen > len(data) {
		return nil, clientData, fmt.Errorf("EXTEND2 handshake truncated")
	}
	copy(clientData[:], data[off:off+hlen])
	return specs, clientData, nil
}
