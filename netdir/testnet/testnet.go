// Package testnet builds small synthetic networks for tests.
package testnet

import (
	"net/netip"

	"github.com/cvsouth/torcirc/netdir"
)

// NumRelays is the size of the default network.
const NumRelays = 40

// ID returns the identity of relay i.
func ID(i int) netdir.RelayID {
	var id netdir.RelayID
	for j := range id {
		id[j] = byte(i + 1)
	}
	return id
}

// Relay returns relay i of the default network:
//
//   - relays 2k and 2k+1 are mutual family members;
//   - relays i and i+20 share a /16;
//   - every third relay is a guard;
//   - relays with i%5 == 1 exit to 80 and 443, i%5 == 2 exit to all ports,
//     and i%5 == 3 exit to 443 over IPv6 only;
//   - even relays are Stable.
func Relay(i int) netdir.Relay {
	r := netdir.Relay{
		Nickname:  "relay" + string(rune('A'+i%26)) + string(rune('a'+i/26)),
		ID:        ID(i),
		Addrs:     []netip.Addr{netip.AddrFrom4([4]byte{byte(i%20 + 1), 10, byte(i / 20), byte(i + 1)})},
		ORPort:    9001,
		Bandwidth: int64(1000 + 100*i),
		Flags: netdir.RelayFlags{
			Fast:    true,
			Running: true,
			Valid:   true,
			V2Dir:   true,
			Guard:   i%3 == 0,
			Stable:  i%2 == 0,
		},
		Family: []netdir.RelayID{ID(i ^ 1)},
	}
	switch i % 5 {
	case 1:
		r.Flags.Exit = true
		r.IPv4Policy = netdir.NewPortPolicy(netdir.PortRange{Lo: 80, Hi: 80}, netdir.PortRange{Lo: 443, Hi: 443})
	case 2:
		r.Flags.Exit = true
		r.IPv4Policy = netdir.NewPortPolicy(netdir.PortRange{Lo: 1, Hi: 65535})
		r.IPv6Policy = netdir.NewPortPolicy(netdir.PortRange{Lo: 1, Hi: 65535})
	case 3:
		r.IPv6Policy = netdir.NewPortPolicy(netdir.PortRange{Lo: 443, Hi: 443})
		r.Addrs = append(r.Addrs, netip.AddrFrom16([16]byte{0x20, 0x01, 0x0d, 0xb8, byte(i), 15: 1}))
	}
	return r
}

// Construct builds the default network, letting modify adjust each relay
// before it is added. modify may be nil.
func Construct(modify func(i int, r *netdir.Relay)) *netdir.NetDir {
	return ConstructN(NumRelays, modify)
}

// ConstructN builds a network of n relays following the default layout.
func ConstructN(n int, modify func(i int, r *netdir.Relay)) *netdir.NetDir {
	b := netdir.NewBuilder()
	for _, k := range []string{"Wgg", "Wgd", "Wmg", "Wmm", "Wme", "Wmd", "Wee", "Wed", "Wbg", "Wbm", "Wbe", "Wbd"} {
		b.SetWeight(k, 10000)
	}
	b.SetWeight("Wgm", 0)
	b.SetWeight("Wge", 0)
	b.SetWeight("Weg", 0)
	b.SetWeight("Wem", 0)
	for i := 0; i < n; i++ {
		r := Relay(i)
		if modify != nil {
			modify(i, &r)
		}
		if err := b.Add(r); err != nil {
			panic(err)
		}
	}
	return b.Build()
}

// NoExits clears every exit policy.
func NoExits(_ int, r *netdir.Relay) {
	r.Flags.Exit = false
	r.IPv4Policy = nil
	r.IPv6Policy = nil
}
