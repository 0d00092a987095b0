package circusage

import (
	"fmt"

	"github.com/cvsouth/torcirc/netdir"
)

// TargetPort and TargetPorts name ports a circuit must exit to.
type (
	TargetPort  = netdir.TargetPort
	TargetPorts = netdir.TargetPorts
)

// IPv4Port returns a TargetPort for port over IPv4.
func IPv4Port(port uint16) TargetPort { return netdir.IPv4Port(port) }

// IPv6Port returns a TargetPort for port over IPv6.
func IPv6Port(port uint16) TargetPort { return netdir.IPv6Port(port) }

// ExitPolicy is the exit policy of a circuit's last hop, captured when the
// hop was selected. Later snapshots never change it.
type ExitPolicy struct {
	v4 *netdir.PortPolicy
	v6 *netdir.PortPolicy
}

// ExitPolicyFromRelay captures r's policies. A BadExit relay's policy
// rejects everything.
func ExitPolicyFromRelay(r *netdir.Relay) ExitPolicy {
	if r == nil || r.Flags.BadExit {
		return ExitPolicy{}
	}
	// PortPolicy values are immutable, so holding the pointers is a copy.
	return ExitPolicy{v4: r.IPv4Policy, v6: r.IPv6Policy}
}

// AllowsPort reports whether the policy allows p.
func (p ExitPolicy) AllowsPort(t TargetPort) bool {
	if t.IPv6 {
		return p.v6.Allows(t.Port)
	}
	return p.v4.Allows(t.Port)
}

// AllowsSomePort reports whether the policy allows any port at all.
func (p ExitPolicy) AllowsSomePort() bool {
	return p.v4.AllowsSomePort() || p.v6.AllowsSomePort()
}

func (p ExitPolicy) String() string {
	return fmt.Sprintf("ipv4: %s; ipv6: %s", p.v4, p.v6)
}
