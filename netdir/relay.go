package netdir

import (
	"encoding/hex"
	"net/netip"
	"strings"
)

// RelayID is the SHA-1 digest of a relay's RSA identity key.
type RelayID [20]byte

func (id RelayID) String() string {
	return "$" + strings.ToUpper(hex.EncodeToString(id[:]))
}

// RelayFlags represents the flags assigned to a relay in the consensus.
type RelayFlags struct {
	Authority bool
	BadExit   bool
	Exit      bool
	Fast      bool
	Guard     bool
	HSDir     bool
	Running   bool
	Stable    bool
	Valid     bool
	V2Dir     bool
}

// Relay is one router entry of a snapshot. Relays are owned by their NetDir
// and must not be modified once the snapshot is built.
type Relay struct {
	Nickname   string
	ID         RelayID
	Ed25519ID  [32]byte
	HasEd25519 bool
	Addrs      []netip.Addr
	ORPort     uint16
	Flags      RelayFlags
	Bandwidth  int64

	// NtorOnionKey is the relay's Curve25519 circuit-extension key.
	NtorOnionKey [32]byte

	// Family lists the relays this relay declares as family members.
	Family []RelayID

	// IPv4Policy and IPv6Policy summarize the exit policy. Nil means
	// reject everything.
	IPv4Policy *PortPolicy
	IPv6Policy *PortPolicy
}

// SameRelay reports whether r and o have the same identity.
func (r *Relay) SameRelay(o *Relay) bool {
	if r.ID == o.ID {
		return true
	}
	return r.HasEd25519 && o.HasEd25519 && r.Ed25519ID == o.Ed25519ID
}

// IsFlaggedGuard reports whether the authorities consider r a guard.
func (r *Relay) IsFlaggedGuard() bool {
	return r.Flags.Guard
}

// IsDirCache reports whether r serves directory information.
func (r *Relay) IsDirCache() bool {
	return r.Flags.V2Dir
}

// SupportsExitPortIPv4 reports whether r will exit to port over IPv4.
// BadExit relays never support exiting.
func (r *Relay) SupportsExitPortIPv4(port uint16) bool {
	return !r.Flags.BadExit && r.IPv4Policy.Allows(port)
}

// SupportsExitPortIPv6 reports whether r will exit to port over IPv6.
func (r *Relay) SupportsExitPortIPv6(port uint16) bool {
	return !r.Flags.BadExit && r.IPv6Policy.Allows(port)
}

// PoliciesAllowSomePort reports whether r exits to at least one port.
func (r *Relay) PoliciesAllowSomePort() bool {
	if r.Flags.BadExit {
		return false
	}
	return r.IPv4Policy.AllowsSomePort() || r.IPv6Policy.AllowsSomePort()
}

// declaresFamily reports whether r lists id among its family.
func (r *Relay) declaresFamily(id RelayID) bool {
	for _, f := range r.Family {
		if f == id {
			return true
		}
	}
	return false
}

func (r *Relay) String() string {
	return r.Nickname + "~" + r.ID.String()[:9]
}
