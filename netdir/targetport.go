package netdir

import (
	"cmp"
	"strconv"
	"strings"
)

// TargetPort is a port a circuit must be able to exit to, over IPv4 or
// IPv6.
type TargetPort struct {
	IPv6 bool
	Port uint16
}

// IPv4Port returns a TargetPort for port over IPv4.
func IPv4Port(port uint16) TargetPort {
	return TargetPort{Port: port}
}

// IPv6Port returns a TargetPort for port over IPv6.
func IPv6Port(port uint16) TargetPort {
	return TargetPort{IPv6: true, Port: port}
}

// String formats p as "80" or "443v6".
func (p TargetPort) String() string {
	s := strconv.Itoa(int(p.Port))
	if p.IPv6 {
		s += "v6"
	}
	return s
}

// IsSupportedBy reports whether r will exit to p.
func (p TargetPort) IsSupportedBy(r *Relay) bool {
	if p.IPv6 {
		return r.SupportsExitPortIPv6(p.Port)
	}
	return r.SupportsExitPortIPv4(p.Port)
}

// Compare orders IPv4 ports before IPv6 ports, then by number.
func (p TargetPort) Compare(o TargetPort) int {
	if p.IPv6 != o.IPv6 {
		if p.IPv6 {
			return 1
		}
		return -1
	}
	return cmp.Compare(p.Port, o.Port)
}

// TargetPorts is a list of ports that must all be supported.
type TargetPorts []TargetPort

// String formats ps as "[80,443v6]".
func (ps TargetPorts) String() string {
	parts := make([]string, len(ps))
	for i, p := range ps {
		parts[i] = p.String()
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// AllSupportedBy reports whether r exits to every port of ps.
func (ps TargetPorts) AllSupportedBy(r *Relay) bool {
	for _, p := range ps {
		if !p.IsSupportedBy(r) {
			return false
		}
	}
	return true
}
