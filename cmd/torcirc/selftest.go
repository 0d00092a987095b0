package main

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/netip"

	"github.com/spf13/cobra"

	"github.com/cvsouth/torcirc/cell"
	"github.com/cvsouth/torcirc/circuit"
	"github.com/cvsouth/torcirc/netdir"
	"github.com/cvsouth/torcirc/ntor"
)

var selftestFlags struct {
	hops  int
	cells int
}

var selftestCmd = &cobra.Command{
	Use:   "selftest",
	Short: "Build a circuit through in-process relays and pass cells over it",
	Long: `'selftest' creates relays with fresh onion keys, builds a circuit through
them with CREATE2 and EXTEND2 handshakes, then sends cells to every hop and
back, checking that each is recognized by the right hop and that SENDMEs
echo the right tags.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSelftest(cmd.OutOrStdout(), selftestFlags.hops, selftestFlags.cells, logger)
	},
}

func init() {
	rootCmd.AddCommand(selftestCmd)
	selftestCmd.Flags().IntVar(&selftestFlags.hops, "hops", 3, "Number of hops")
	selftestCmd.Flags().IntVar(&selftestFlags.cells, "cells", 250, "Cells to send in each direction per hop")
}

// localRelay is an in-process relay: its descriptor, onion key, and the
// crypto state of the one circuit through it.
type localRelay struct {
	desc  *netdir.Relay
	onion [32]byte
	layer *circuit.CryptStatePair
}

func newLocalRelay(i int) (*localRelay, error) {
	priv, pub, err := ntor.NewOnionKey()
	if err != nil {
		return nil, err
	}
	desc := &netdir.Relay{
		Nickname:     fmt.Sprintf("selftest%d", i),
		Addrs:        []netip.Addr{netip.AddrFrom4([4]byte{127, 0, 0, byte(i + 1)})},
		ORPort:       9001,
		NtorOnionKey: pub,
	}
	if _, err := rand.Read(desc.ID[:]); err != nil {
		return nil, err
	}
	return &localRelay{desc: desc, onion: priv}, nil
}

func (r *localRelay) accept(clientData [ntor.ClientDataLen]byte) ([]byte, error) {
	sd, kg, err := ntor.ServerHandshake(r.desc.ID, r.onion, r.desc.NtorOnionKey, clientData, nil)
	if err != nil {
		return nil, err
	}
	if r.layer, err = circuit.Tor1.Construct(kg); err != nil {
		return nil, err
	}
	return circuit.HandshakeReply(sd), nil
}

// forward carries an outbound cell along the relays until one recognizes
// it.
func forward(relays []*localRelay, cl cell.Cell) (int, circuit.RelayMsg, []byte, error) {
	body := (*circuit.RelayCellBody)(cl.Body())
	for i, r := range relays {
		if r.layer == nil {
			break
		}
		if tag, ok := r.layer.DecryptOutbound(body); ok {
			msg, err := circuit.DecodeRelayMsg(body)
			return i, msg, tag, err
		}
	}
	return 0, circuit.RelayMsg{}, nil, circuit.ErrBadCellAuth
}

// backward builds a cell originated at relays[hop] as it reaches the client.
func backward(relays []*localRelay, hop int, circID uint32, msg circuit.RelayMsg) (cell.Cell, []byte, error) {
	body, err := msg.Encode(nil)
	if err != nil {
		return nil, nil, err
	}
	tag := relays[hop].layer.Originate(body)
	for i := hop; i >= 0; i-- {
		relays[i].layer.EncryptInbound(body)
	}
	return cell.NewRelayCell(circID, false, (*[cell.MaxPayloadLen]byte)(body)), tag, nil
}

func buildLocalCircuit(relays []*localRelay, logger *slog.Logger) (*circuit.Circuit, error) {
	id, err := circuit.AllocateCircID()
	if err != nil {
		return nil, err
	}
	c := circuit.NewCircuit(id, nil, logger)

	create, hs, err := circuit.CreateCell(id, relays[0].desc)
	if err != nil {
		return nil, err
	}
	var clientData [ntor.ClientDataLen]byte
	copy(clientData[:], create.Payload()[4:])
	reply, err := relays[0].accept(clientData)
	if err != nil {
		return nil, fmt.Errorf("hop 0: %w", err)
	}
	created := cell.NewFixedCell(id, cell.CmdCreated2)
	copy(created.Payload(), reply)
	if err := c.FinishCreate(hs, created); err != nil {
		return nil, err
	}

	for next := 1; next < len(relays); next++ {
		extend, hs, err := c.BeginExtend(relays[next].desc)
		if err != nil {
			return nil, err
		}
		last, msg, _, err := forward(relays, extend)
		if err != nil {
			return nil, fmt.Errorf("EXTEND2 to hop %d: %w", next, err)
		}
		if last != next-1 || msg.Command != circuit.RelayExtend2 {
			return nil, fmt.Errorf("EXTEND2 to hop %d arrived at hop %d as command %d", next, last, msg.Command)
		}
		_, clientData, err := circuit.ParseExtend2(msg.Data)
		if err != nil {
			return nil, err
		}
		reply, err := relays[next].accept(clientData)
		if err != nil {
			return nil, fmt.Errorf("hop %d: %w", next, err)
		}
		extended, _, err := backward(relays, next-1, id, circuit.RelayMsg{Command: circuit.RelayExtended2, Data: reply})
		if err != nil {
			return nil, err
		}
		_, msg, _, err = c.DecryptRelay(extended)
		if err != nil {
			return nil, err
		}
		if err := c.FinishExtend(hs, msg); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// receive sends msg from relays[hop] to the client and checks that it
// arrives intact and attributed to hop.
func receive(c *circuit.Circuit, relays []*localRelay, hop int, msg circuit.RelayMsg) error {
	back, tag, err := backward(relays, hop, c.ID, msg)
	if err != nil {
		return err
	}
	from, got, recvTag, err := c.DecryptRelay(back)
	if err != nil {
		return err
	}
	if int(from) != hop || !bytes.Equal(recvTag, tag) {
		return fmt.Errorf("attributed to hop %d", from)
	}
	if got.Command != msg.Command || !bytes.Equal(got.Data, msg.Data) {
		return errors.New("garbled")
	}
	return nil
}

func runSelftest(w io.Writer, hops, cells int, logger *slog.Logger) error {
	if hops < 1 || hops > 8 {
		return fmt.Errorf("hops must be between 1 and 8, got %d", hops)
	}
	if logger == nil {
		logger = slog.Default()
	}
	relays := make([]*localRelay, hops)
	for i := range relays {
		r, err := newLocalRelay(i)
		if err != nil {
			return err
		}
		relays[i] = r
	}
	c, err := buildLocalCircuit(relays, logger)
	if err != nil {
		return fmt.Errorf("build circuit: %w", err)
	}
	fmt.Fprintf(w, "built %d-hop circuit 0x%08x\n", c.NHops(), c.ID)

	data := make([]byte, 64)
	for hop := 0; hop < hops; hop++ {
		clientWin, relayWin := circuit.NewFlowWindow(), circuit.NewFlowWindow()
		sendmes := 0
		for i := 0; i < cells; i++ {
			if _, err := rand.Read(data); err != nil {
				return err
			}
			out := circuit.RelayMsg{Command: circuit.RelayData, StreamID: 1, Data: data}
			cl, sent, err := c.EncryptRelay(circuit.HopNum(hop), out)
			if err != nil {
				return err
			}
			if err := clientWin.Sent(sent); err != nil {
				return err
			}
			got, msg, tag, err := forward(relays, cl)
			if err != nil {
				return fmt.Errorf("outbound cell %d to hop %d: %w", i, hop, err)
			}
			if got != hop || !bytes.Equal(msg.Data, data) || !bytes.Equal(tag, sent) {
				return fmt.Errorf("outbound cell %d to hop %d arrived at hop %d garbled", i, hop, got)
			}

			if payload, ok := relayWin.Delivered(tag); ok {
				if err := receive(c, relays, hop, circuit.RelayMsg{Command: circuit.RelaySendMe, Data: payload}); err != nil {
					return fmt.Errorf("SENDME after cell %d from hop %d: %w", i, hop, err)
				}
				if err := clientWin.SendmeReceived(payload); err != nil {
					return fmt.Errorf("SENDME after cell %d from hop %d: %w", i, hop, err)
				}
				sendmes++
			}

			if err := receive(c, relays, hop, circuit.RelayMsg{Command: circuit.RelayData, StreamID: 1, Data: data}); err != nil {
				return fmt.Errorf("inbound cell %d from hop %d: %w", i, hop, err)
			}
		}
		fmt.Fprintf(w, "hop %d (%s): %d cells each way ok, %d SENDMEs, window %d\n",
			hop, relays[hop].desc, cells, sendmes, clientWin.PackageWindow())
	}
	fmt.Fprintln(w, "selftest passed")
	return nil
}
