package netdir

import (
	"net/netip"

	"go4.org/netipx"
)

// SubnetConfig says how wide a network block two relays must share before
// they are considered too close to appear on the same circuit. Prefix
// lengths beyond the address width disable the check for that family.
type SubnetConfig struct {
	V4Bits uint8
	V6Bits uint8
}

// DefaultSubnetConfig groups relays by /16 for IPv4 and /32 for IPv6.
var DefaultSubnetConfig = SubnetConfig{V4Bits: 16, V6Bits: 32}

// prefix returns the subnet of addr under this config, or false when the
// check is disabled for addr's family.
func (c SubnetConfig) prefix(addr netip.Addr) (netip.Prefix, bool) {
	addr = addr.Unmap()
	bits := int(c.V6Bits)
	if addr.Is4() {
		bits = int(c.V4Bits)
	}
	if !addr.IsValid() || bits > addr.BitLen() {
		return netip.Prefix{}, false
	}
	p, err := addr.Prefix(bits)
	if err != nil {
		return netip.Prefix{}, false
	}
	return p, true
}

// AddrsInSameSubnet reports whether a and b fall in the same subnet.
func (c SubnetConfig) AddrsInSameSubnet(a, b netip.Addr) bool {
	a, b = a.Unmap(), b.Unmap()
	if a.Is4() != b.Is4() {
		return false
	}
	pa, ok := c.prefix(a)
	if !ok {
		return false
	}
	return pa.Contains(b)
}

// InSameSubnet reports whether any address of r shares a subnet with any
// address of o.
func (c SubnetConfig) InSameSubnet(r, o *Relay) bool {
	for _, a := range r.Addrs {
		for _, b := range o.Addrs {
			if c.AddrsInSameSubnet(a, b) {
				return true
			}
		}
	}
	return false
}

// ExclusionSet returns the set of all addresses in the same subnet as any
// address of the given relays.
func (c SubnetConfig) ExclusionSet(relays ...*Relay) (*netipx.IPSet, error) {
	var b netipx.IPSetBuilder
	for _, r := range relays {
		for _, a := range r.Addrs {
			if p, ok := c.prefix(a); ok {
				b.AddPrefix(p)
			}
		}
	}
	return b.IPSet()
}

// IntersectsSet reports whether any address of r lies in set.
func IntersectsSet(r *Relay, set *netipx.IPSet) bool {
	for _, a := range r.Addrs {
		if set.Contains(a.Unmap()) {
			return true
		}
	}
	return false
}

// Reachable reports whether some address of r lies in reachable. A nil set
// means every address is reachable.
func Reachable(r *Relay, reachable *netipx.IPSet) bool {
	if reachable == nil {
		return true
	}
	return IntersectsSet(r, reachable)
}
