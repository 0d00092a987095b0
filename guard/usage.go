// Package guard selects the first hop of circuits. It defines the narrow
// interface path selection uses to ask for a guard, and a reference Manager
// that keeps a persisted sample of guards and stops using ones that fail.
package guard

import (
	"errors"

	"github.com/cvsouth/torcirc/netdir"
)

// ErrNoGuard means no sampled guard satisfies the request.
var ErrNoGuard = errors.New("no usable guard")

// UsageKind is what a guard will be used for.
type UsageKind int

const (
	// UsageData is a guard for a multi-hop circuit.
	UsageData UsageKind = iota
	// UsageOneHopDirectory is a guard used directly as a directory cache.
	UsageOneHopDirectory
)

func (k UsageKind) String() string {
	switch k {
	case UsageData:
		return "data"
	case UsageOneHopDirectory:
		return "one-hop-directory"
	}
	return "unknown"
}

// Restriction excludes relays from being chosen as guard.
type Restriction struct {
	avoid map[netdir.RelayID]struct{}
}

// AvoidID excludes one relay.
func AvoidID(id netdir.RelayID) Restriction {
	return AvoidAllIDs([]netdir.RelayID{id})
}

// AvoidAllIDs excludes every listed relay.
func AvoidAllIDs(ids []netdir.RelayID) Restriction {
	r := Restriction{avoid: make(map[netdir.RelayID]struct{}, len(ids))}
	for _, id := range ids {
		r.avoid[id] = struct{}{}
	}
	return r
}

// Allows reports whether id may be chosen under r.
func (r Restriction) Allows(id netdir.RelayID) bool {
	_, avoided := r.avoid[id]
	return !avoided
}

// Usage describes a request for a guard.
type Usage struct {
	Kind         UsageKind
	Restrictions []Restriction
}

// Allows reports whether relay r may be returned for u.
func (u Usage) Allows(r *netdir.Relay) bool {
	for _, res := range u.Restrictions {
		if !res.Allows(r.ID) {
			return false
		}
	}
	if u.Kind == UsageOneHopDirectory && !r.IsDirCache() {
		return false
	}
	return true
}

// GuardMgr chooses guards. The returned Monitor must be told the outcome of
// the circuit built through the guard; the Usable resolves once the guard
// is known to be usable (or not).
type GuardMgr interface {
	SelectGuard(usage Usage, nd *netdir.NetDir) (netdir.RelayID, *Monitor, *Usable, error)
}
