package circuit

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/cvsouth/torcirc/cell"
)

// Relay cell command constants (tor-spec §6.1).
const (
	RelayBegin     uint8 = 1
	RelayData      uint8 = 2
	RelayEnd       uint8 = 3
	RelayConnected uint8 = 4
	RelaySendMe    uint8 = 5
	RelayExtend    uint8 = 6
	RelayExtended  uint8 = 7
	RelayTruncate  uint8 = 8
	RelayTruncated uint8 = 9
	RelayDrop      uint8 = 10
	RelayBeginDir  uint8 = 13
	RelayExtend2   uint8 = 14
	RelayExtended2 uint8 = 15
)

// Relay header offsets within the 509-byte body.
const (
	relayCommandOff    = 0  // 1 byte
	relayRecognizedOff = 1  // 2 bytes
	relayStreamIDOff   = 3  // 2 bytes
	relayDigestOff     = 5  // 4 bytes
	relayLengthOff     = 9  // 2 bytes
	relayDataOff       = 11 // up to 498 bytes
)

// MaxRelayDataLen is the maximum data in a single relay cell.
const MaxRelayDataLen = cell.MaxPayloadLen - relayDataOff // 498

// RelayMsg is the plaintext content of a relay cell.
type RelayMsg struct {
	Command  uint8
	StreamID uint16
	Data     []byte
}

// Encode writes m into a fresh body with zero Recognized and Digest fields.
// Unused space is four zero bytes followed by random padding (tor-spec
// §6.1); padding is read from rnd, or crypto/rand if rnd is nil.
func (m RelayMsg) Encode(rnd io.Reader) (*RelayCellBody, error) {
	if len(m.Data) > MaxRelayDataLen {
		return nil, fmt.Errorf("relay data too large: %d > %d", len(m.Data), MaxRelayDataLen)
	}
	if rnd == nil {
		rnd = rand.Reader
	}

	body := new(RelayCellBody)
	body[relayCommandOff] = m.Command
	binary.BigEndian.PutUint16(body[relayStreamIDOff:], m.StreamID)
	binary.BigEndian.PutUint16(body[relayLengthOff:], uint16(len(m.Data)))
	copy(body[relayDataOff:], m.Data)

	padStart := relayDataOff + len(m.Data) + 4
	if padStart < len(body) {
		if _, err := io.ReadFull(rnd, body[padStart:]); err != nil {
			return nil, fmt.Errorf("relay padding: %w", err)
		}
	}
	return body, nil
}

// DecodeRelayMsg parses a recognized, decrypted body.
func DecodeRelayMsg(body *RelayCellBody) (RelayMsg, error) {
	n := int(binary.BigEndian.Uint16(body[relayLengthOff:]))
	if n > MaxRelayDataLen {
		return RelayMsg{}, fmt.Errorf("relay data length %d exceeds maximum %d", n, MaxRelayDataLen)
	}
	data := make([]byte, n)
	copy(data, body[relayDataOff:relayDataOff+n])
	return RelayMsg{
		Command:  body[relayCommandOff],
		StreamID: binary.BigEndian.Uint16(body[relayStreamIDOff:]),
		Data:     data,
	}, nil
}

// sendmeVersion is the SENDME version carrying an authenticated tag.
const sendmeVersion = 1

// SendmePayload builds a SENDME v1 body: version, tag length, tag.
func SendmePayload(tag []byte) []byte {
	payload := make([]byte, 3+len(tag))
	payload[0] = sendmeVersion
	binary.BigEndian.PutUint16(payload[1:3], uint16(len(tag)))
	copy(payload[3:], tag)
	return payload
}

// ParseSendme extracts the tag from a SENDME v1 body. A version 0 SENDME
// carries no tag and yields nil.
func ParseSendme(payload []byte) ([]byte, error) {
	if len(payload) == 0 || payload[0] == 0 {
		return nil, nil
	}
	if payload[0] != sendmeVersion {
		return nil, fmt.Errorf("unsupported SENDME version %d", payload[0])
	}
	if len(payload) < 3 {
		return nil, fmt.Errorf("truncated SENDME")
	}
	n := int(binary.BigEndian.Uint16(payload[1:3]))
	if n != SendmeTagLen || len(payload) < 3+n {
		return nil, fmt.Errorf("bad SENDME tag length %d", n)
	}
	return payload[3 : 3+n], nil
}
