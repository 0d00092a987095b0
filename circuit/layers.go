package circuit

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrBadCellAuth means an inbound cell was not recognized by any hop.
	// The circuit must be torn down.
	ErrBadCellAuth = errors.New("relay cell not recognized at any hop")

	// ErrNoSuchHop means a crypto operation named a hop the circuit does
	// not have.
	ErrNoSuchHop = errors.New("no such hop")

	// ErrNoHops means the circuit has no crypto layers yet.
	ErrNoHops = errors.New("circuit has no hops")
)

// maxLayers bounds the stack so that every index fits in a HopNum.
const maxLayers = math.MaxUint8

// HopNum is the zero-based index of a hop; hop 0 is nearest the client.
type HopNum uint8

// OutboundClientLayer is one hop's layer of client-to-relay encryption.
type OutboundClientLayer interface {
	// OriginateFor stamps and encrypts a cell addressed to this hop and
	// returns its SENDME tag.
	OriginateFor(body *RelayCellBody) []byte
	// EncryptOutbound encrypts a cell addressed to a later hop.
	EncryptOutbound(body *RelayCellBody)
}

// InboundClientLayer is one hop's layer of relay-to-client decryption.
type InboundClientLayer interface {
	// DecryptInbound removes the layer and, if the cell originated at
	// this hop, returns its SENDME tag.
	DecryptInbound(body *RelayCellBody) ([]byte, bool)
}

// RelayLayer is the crypto a relay applies to one circuit.
type RelayLayer interface {
	Originate(body *RelayCellBody) []byte
	EncryptInbound(body *RelayCellBody)
	DecryptOutbound(body *RelayCellBody) ([]byte, bool)
}

// ClientLayer is a hop's crypto state before it is split across the
// client's two stacks.
type ClientLayer interface {
	Split() (OutboundClientLayer, InboundClientLayer)
}

// OutboundClientCrypt is the client's stack of outbound layers, nearest hop
// first.
type OutboundClientCrypt struct {
	layers []OutboundClientLayer
}

// Encrypt prepares body for delivery to hop: that hop's layer stamps and
// encrypts it, then every nearer layer encrypts it, farthest first. It
// returns the SENDME tag of the cell.
func (c *OutboundClientCrypt) Encrypt(body *RelayCellBody, hop HopNum) ([]byte, error) {
	if int(hop) >= len(c.layers) {
		return nil, fmt.Errorf("%w: hop %d, circuit has %d", ErrNoSuchHop, hop, len(c.layers))
	}
	tag := c.layers[hop].OriginateFor(body)
	for i := int(hop) - 1; i >= 0; i-- {
		c.layers[i].EncryptOutbound(body)
	}
	return tag, nil
}

// AddLayer appends the layer for the next hop.
func (c *OutboundClientCrypt) AddLayer(l OutboundClientLayer) {
	if len(c.layers) >= maxLayers {
		panic("circuit: too many outbound layers")
	}
	c.layers = append(c.layers, l)
}

// NLayers returns the number of hops in the stack.
func (c *OutboundClientCrypt) NLayers() int {
	return len(c.layers)
}

// Truncate drops every layer beyond the first n.
func (c *OutboundClientCrypt) Truncate(n int) {
	if n < len(c.layers) {
		clear(c.layers[n:])
		c.layers = c.layers[:n]
	}
}

// InboundClientCrypt is the client's stack of inbound layers, nearest hop
// first.
type InboundClientCrypt struct {
	layers []InboundClientLayer
}

// Decrypt removes layers nearest-first until one recognizes the cell, and
// returns that hop and the cell's SENDME tag.
func (c *InboundClientCrypt) Decrypt(body *RelayCellBody) (HopNum, []byte, error) {
	if len(c.layers) == 0 {
		return 0, nil, ErrNoHops
	}
	for i, l := range c.layers {
		if tag, ok := l.DecryptInbound(body); ok {
			return HopNum(i), tag, nil
		}
	}
	return 0, nil, ErrBadCellAuth
}

// AddLayer appends the layer for the next hop.
func (c *InboundClientCrypt) AddLayer(l InboundClientLayer) {
	if len(c.layers) >= maxLayers {
		panic("circuit: too many inbound layers")
	}
	c.layers = append(c.layers, l)
}

// NLayers returns the number of hops in the stack.
func (c *InboundClientCrypt) NLayers() int {
	return len(c.layers)
}

// Truncate drops every layer beyond the first n.
func (c *InboundClientCrypt) Truncate(n int) {
	if n < len(c.layers) {
		clear(c.layers[n:])
		c.layers = c.layers[:n]
	}
}

// AddLayers splits a hop's state onto both client stacks.
func AddLayers(out *OutboundClientCrypt, in *InboundClientCrypt, l ClientLayer) {
	f, b := l.Split()
	out.AddLayer(f)
	in.AddLayer(b)
}
