package circuit

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cvsouth/torcirc/cell"
	"github.com/cvsouth/torcirc/circusage"
	"github.com/cvsouth/torcirc/metrics"
)

// MaxRelayEarly is the maximum number of RELAY_EARLY cells per circuit (tor-spec §5.6).
const MaxRelayEarly = 8

// Circuit is the client's view of a circuit: its layered crypto and the
// usage it may serve. It does no I/O; callers move the cells it produces.
type Circuit struct {
	rmu            sync.Mutex // protects in
	wmu            sync.Mutex // protects out, RelayEarlySent
	umu            sync.Mutex // protects usage
	ID             uint32
	out            OutboundClientCrypt
	in             InboundClientCrypt
	RelayEarlySent int // tracks RELAY_EARLY cells sent (max 8)
	usage          *circusage.SupportedCircUsage
	logger         *slog.Logger
}

// NewCircuit returns a circuit with no hops. usage is what the circuit's
// path was selected for; nil means it supports nothing yet.
func NewCircuit(id uint32, usage *circusage.SupportedCircUsage, logger *slog.Logger) *Circuit {
	if logger == nil {
		logger = slog.Default()
	}
	if usage == nil {
		usage = circusage.NewSupportedNone()
	}
	return &Circuit{
		ID:     id,
		usage:  usage,
		logger: logger.With("circID", fmt.Sprintf("0x%08x", id)),
	}
}

// AllocateCircID returns a random circuit ID with the MSB set, as required
// for client-initiated circuits.
func AllocateCircID() (uint32, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	circID := binary.BigEndian.Uint32(buf[:])
	circID |= 0x80000000 // Set MSB (client-initiated)
	return circID, nil
}

// AddHop appends the crypto state of a newly extended hop.
func (c *Circuit) AddHop(l ClientLayer) {
	c.wmu.Lock()
	c.rmu.Lock()
	AddLayers(&c.out, &c.in, l)
	n := c.in.NLayers()
	c.rmu.Unlock()
	c.wmu.Unlock()
	c.logger.Debug("hop added", "hops", n)
}

// NHops returns the number of hops with crypto state.
func (c *Circuit) NHops() int {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	return c.in.NLayers()
}

// Truncate drops every hop beyond the first n.
func (c *Circuit) Truncate(n int) {
	c.wmu.Lock()
	c.rmu.Lock()
	c.out.Truncate(n)
	c.in.Truncate(n)
	c.rmu.Unlock()
	c.wmu.Unlock()
	c.logger.Info("circuit truncated", "hops", n)
}

// EncryptRelay builds a RELAY cell carrying msg to hop and returns it with
// the cell's SENDME tag.
func (c *Circuit) EncryptRelay(hop HopNum, msg RelayMsg) (cell.Cell, []byte, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.encryptRelayLocked(hop, msg, false)
}

// EncryptRelayEarly is EncryptRelay for RELAY_EARLY cells, enforcing the
// per-circuit budget of 8.
func (c *Circuit) EncryptRelayEarly(hop HopNum, msg RelayMsg) (cell.Cell, []byte, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.RelayEarlySent >= MaxRelayEarly {
		return nil, nil, fmt.Errorf("RELAY_EARLY budget exhausted (%d/%d)", c.RelayEarlySent, MaxRelayEarly)
	}
	cl, tag, err := c.encryptRelayLocked(hop, msg, true)
	if err != nil {
		return nil, nil, err
	}
	c.RelayEarlySent++
	return cl, tag, nil
}

func (c *Circuit) encryptRelayLocked(hop HopNum, msg RelayMsg, early bool) (cell.Cell, []byte, error) {
	body, err := msg.Encode(nil)
	if err != nil {
		return nil, nil, err
	}
	tag, err := c.out.Encrypt(body, hop)
	if err != nil {
		return nil, nil, err
	}
	metrics.CellEncrypted()
	return cell.NewRelayCell(c.ID, early, (*[cell.MaxPayloadLen]byte)(body)), tag, nil
}

// DecryptRelay removes the circuit's layers from an inbound RELAY cell and
// returns the originating hop, the message, and the cell's SENDME tag.
// ErrBadCellAuth is fatal: the circuit must be destroyed.
func (c *Circuit) DecryptRelay(incoming cell.Cell) (HopNum, RelayMsg, []byte, error) {
	if !cell.IsRelay(incoming.Command()) {
		return 0, RelayMsg{}, nil, fmt.Errorf("unexpected cell command %d on circuit", incoming.Command())
	}
	body := (*RelayCellBody)(incoming.Body())

	c.rmu.Lock()
	hop, tag, err := c.in.Decrypt(body)
	c.rmu.Unlock()
	if err != nil {
		if errors.Is(err, ErrBadCellAuth) {
			metrics.CellDecrypted(false)
			c.logger.Debug("inbound cell failed authentication")
		}
		return 0, RelayMsg{}, nil, err
	}
	metrics.CellDecrypted(true)

	msg, err := DecodeRelayMsg(body)
	if err != nil {
		return 0, RelayMsg{}, nil, fmt.Errorf("hop %d: %w", hop, err)
	}
	return hop, msg, tag, nil
}

// Usage returns a snapshot of what the circuit currently supports.
func (c *Circuit) Usage() *circusage.SupportedCircUsage {
	c.umu.Lock()
	defer c.umu.Unlock()
	return c.usage.Clone()
}

// Supports reports whether the circuit could serve target right now.
func (c *Circuit) Supports(target circusage.TargetCircUsage) bool {
	c.umu.Lock()
	defer c.umu.Unlock()
	return c.usage.Supports(target)
}

// TryClaim narrows the circuit's usage to target. The check and the
// narrowing happen under one lock, so two incompatible claims cannot both
// succeed.
func (c *Circuit) TryClaim(target circusage.TargetCircUsage) error {
	c.umu.Lock()
	defer c.umu.Unlock()
	if err := c.usage.Restrict(target); err != nil {
		return err
	}
	c.logger.Debug("circuit claimed", "usage", target)
	return nil
}

// DestroyCell builds a DESTROY cell for the circuit.
func (c *Circuit) DestroyCell(reason uint8) cell.Cell {
	destroy := cell.NewFixedCell(c.ID, cell.CmdDestroy)
	destroy.Payload()[0] = reason
	return destroy
}
