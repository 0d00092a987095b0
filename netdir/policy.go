package netdir

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// PortRange is an inclusive range of ports.
type PortRange struct {
	Lo, Hi uint16
}

func (r PortRange) String() string {
	if r.Lo == r.Hi {
		return strconv.Itoa(int(r.Lo))
	}
	return fmt.Sprintf("%d-%d", r.Lo, r.Hi)
}

// PortPolicy is a summarized exit policy for one IP version, as published
// in the "p" and "p6" microdescriptor lines. It is stored as a sorted list
// of disjoint accepted ranges and is never modified after parsing.
type PortPolicy struct {
	allowed []PortRange
}

// RejectAllPorts is the policy of a relay that publishes no exit policy.
var RejectAllPorts = &PortPolicy{}

// ParsePortPolicy parses "accept 80,443,1000-2000" or "reject 25,119".
func ParsePortPolicy(s string) (*PortPolicy, error) {
	fields := strings.Fields(s)
	if len(fields) != 2 {
		return nil, fmt.Errorf("port policy %q: want \"accept|reject PORTLIST\"", s)
	}
	var ranges []PortRange
	for _, item := range strings.Split(fields[1], ",") {
		r, err := parsePortRange(item)
		if err != nil {
			return nil, fmt.Errorf("port policy %q: %w", s, err)
		}
		ranges = append(ranges, r)
	}
	ranges = mergeRanges(ranges)

	switch fields[0] {
	case "accept":
		return &PortPolicy{allowed: ranges}, nil
	case "reject":
		return &PortPolicy{allowed: invertRanges(ranges)}, nil
	default:
		return nil, fmt.Errorf("port policy %q: unknown action %q", s, fields[0])
	}
}

// NewPortPolicy builds a policy accepting exactly the given ranges.
func NewPortPolicy(ranges ...PortRange) *PortPolicy {
	for _, r := range ranges {
		if r.Lo == 0 || r.Lo > r.Hi {
			panic(fmt.Sprintf("netdir: invalid port range %d-%d", r.Lo, r.Hi))
		}
	}
	return &PortPolicy{allowed: mergeRanges(slices.Clone(ranges))}
}

func parsePortRange(s string) (PortRange, error) {
	lo, hi, isRange := strings.Cut(s, "-")
	l, err := strconv.ParseUint(lo, 10, 16)
	if err != nil {
		return PortRange{}, fmt.Errorf("bad port %q", lo)
	}
	h := l
	if isRange {
		h, err = strconv.ParseUint(hi, 10, 16)
		if err != nil {
			return PortRange{}, fmt.Errorf("bad port %q", hi)
		}
	}
	if l == 0 || l > h {
		return PortRange{}, fmt.Errorf("bad port range %q", s)
	}
	return PortRange{Lo: uint16(l), Hi: uint16(h)}, nil
}

func mergeRanges(rs []PortRange) []PortRange {
	slices.SortFunc(rs, func(a, b PortRange) int { return int(a.Lo) - int(b.Lo) })
	var out []PortRange
	for _, r := range rs {
		if n := len(out); n > 0 && int(r.Lo) <= int(out[n-1].Hi)+1 {
			out[n-1].Hi = max(out[n-1].Hi, r.Hi)
			continue
		}
		out = append(out, r)
	}
	return out
}

// invertRanges returns the complement of rs within 1-65535. rs must be merged.
func invertRanges(rs []PortRange) []PortRange {
	var out []PortRange
	next := 1
	for _, r := range rs {
		if int(r.Lo) > next {
			out = append(out, PortRange{Lo: uint16(next), Hi: r.Lo - 1})
		}
		next = int(r.Hi) + 1
	}
	if next <= 65535 {
		out = append(out, PortRange{Lo: uint16(next), Hi: 65535})
	}
	return out
}

// Allows reports whether the policy accepts port. Port 0 is never allowed.
func (p *PortPolicy) Allows(port uint16) bool {
	if p == nil || port == 0 {
		return false
	}
	_, found := slices.BinarySearchFunc(p.allowed, port, func(r PortRange, port uint16) int {
		switch {
		case r.Hi < port:
			return -1
		case r.Lo > port:
			return 1
		}
		return 0
	})
	return found
}

// AllowsSomePort reports whether any port is accepted.
func (p *PortPolicy) AllowsSomePort() bool {
	return p != nil && len(p.allowed) > 0
}

// Ranges returns a copy of the accepted ranges.
func (p *PortPolicy) Ranges() []PortRange {
	if p == nil {
		return nil
	}
	return slices.Clone(p.allowed)
}

func (p *PortPolicy) String() string {
	if !p.AllowsSomePort() {
		return "reject 1-65535"
	}
	parts := make([]string, len(p.allowed))
	for i, r := range p.allowed {
		parts[i] = r.String()
	}
	return "accept " + strings.Join(parts, ",")
}
