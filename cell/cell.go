// Package cell implements fixed-length cell framing for circuit traffic.
package cell

import (
	"encoding/binary"
	"fmt"
)

// Command constants (tor-spec §3).
const (
	CmdPadding     uint8 = 0
	CmdCreate      uint8 = 1
	CmdCreated     uint8 = 2
	CmdRelay       uint8 = 3
	CmdDestroy     uint8 = 4
	CmdCreateFast  uint8 = 5
	CmdCreatedFast uint8 = 6
	CmdVersions    uint8 = 7
	CmdRelayEarly  uint8 = 9
	CmdCreate2     uint8 = 10
	CmdCreated2    uint8 = 11
	CmdVPadding    uint8 = 128
)

const (
	MaxPayloadLen = 509
	FixedCellLen  = 514 // 4 (circID) + 1 (cmd) + 509 (payload)
)

// IsVariableLength returns true for VERSIONS (7) and commands >= 128.
func IsVariableLength(cmd uint8) bool {
	return cmd == CmdVersions || cmd >= 128
}

// IsRelay reports whether cmd carries an onion-encrypted relay body.
func IsRelay(cmd uint8) bool {
	return cmd == CmdRelay || cmd == CmdRelayEarly
}

// Cell is a fixed-length cell backed by a byte slice.
type Cell []byte

// NewFixedCell creates a 514-byte fixed-length cell.
func NewFixedCell(circID uint32, cmd uint8) Cell {
	c := make(Cell, FixedCellLen)
	binary.BigEndian.PutUint32(c[0:4], circID)
	c[4] = cmd
	return c
}

// NewRelayCell wraps an already-encrypted relay body in a RELAY (or
// RELAY_EARLY) cell.
func NewRelayCell(circID uint32, early bool, body *[MaxPayloadLen]byte) Cell {
	cmd := CmdRelay
	if early {
		cmd = CmdRelayEarly
	}
	c := NewFixedCell(circID, cmd)
	copy(c[5:], body[:])
	return c
}

// Parse validates that b is a well-formed fixed-length cell.
func Parse(b []byte) (Cell, error) {
	if len(b) != FixedCellLen {
		return nil, fmt.Errorf("cell length %d, want %d", len(b), FixedCellLen)
	}
	if IsVariableLength(b[4]) {
		return nil, fmt.Errorf("command %d is variable-length", b[4])
	}
	return Cell(b), nil
}

func (c Cell) CircID() uint32 {
	return binary.BigEndian.Uint32(c[0:4])
}

func (c Cell) Command() uint8 {
	return c[4]
}

func (c Cell) Payload() []byte {
	return c[5:]
}

// Body copies the payload of a relay cell into a fresh relay body.
func (c Cell) Body() *[MaxPayloadLen]byte {
	var b [MaxPayloadLen]byte
	copy(b[:], c[5:])
	return &b
}
