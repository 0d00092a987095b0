// Package netdir provides an immutable snapshot of the relays in the network
// and the weighted random selection used to build circuit paths from it.
package netdir

import (
	crand "crypto/rand"
	"fmt"
	"math/rand/v2"
	"time"

	"filippo.io/edwards25519"
)

// Rand is the source of randomness for relay selection. *rand.Rand from
// math/rand/v2 satisfies it.
type Rand interface {
	Int64N(n int64) int64
	IntN(n int) int
}

// NewRand returns a ChaCha8 generator seeded from crypto/rand.
func NewRand() *rand.Rand {
	var seed [32]byte
	if _, err := crand.Read(seed[:]); err != nil {
		panic(fmt.Sprintf("netdir: crypto/rand: %v", err))
	}
	return rand.New(rand.NewChaCha8(seed))
}

// WeightRole selects which consensus bandwidth weights apply when picking
// a relay for a position in a circuit.
type WeightRole int

const (
	WeightGuard WeightRole = iota
	WeightMiddle
	WeightExit
	WeightBeginDir
	WeightUnweighted
)

func (w WeightRole) String() string {
	switch w {
	case WeightGuard:
		return "guard"
	case WeightMiddle:
		return "middle"
	case WeightExit:
		return "exit"
	case WeightBeginDir:
		return "begindir"
	case WeightUnweighted:
		return "unweighted"
	}
	return fmt.Sprintf("WeightRole(%d)", int(w))
}

// weightKeys maps a role to the consensus keys for relays flagged
// guard-only, middle-only, exit-only and guard+exit respectively.
var weightKeys = map[WeightRole][4]string{
	WeightGuard:    {"Wgg", "Wgm", "Wge", "Wgd"},
	WeightMiddle:   {"Wmg", "Wmm", "Wme", "Wmd"},
	WeightExit:     {"Weg", "Wem", "Wee", "Wed"},
	WeightBeginDir: {"Wbg", "Wbm", "Wbe", "Wbd"},
}

const weightScale = 10000

// NetDir is an immutable view of the network. One NetDir is used for the
// whole of a path selection so that every decision sees the same relays.
type NetDir struct {
	validAfter time.Time
	relays     []Relay
	byID       map[RelayID]int
	weights    map[string]int64
}

// Relays returns the relays of the snapshot in consensus order. Callers
// must not modify the returned relays.
func (nd *NetDir) Relays() []*Relay {
	out := make([]*Relay, len(nd.relays))
	for i := range nd.relays {
		out[i] = &nd.relays[i]
	}
	return out
}

// Len returns the number of relays in the snapshot.
func (nd *NetDir) Len() int {
	return len(nd.relays)
}

// ValidAfter returns the publication time of the snapshot.
func (nd *NetDir) ValidAfter() time.Time {
	return nd.validAfter
}

// RelayByID looks up a relay by RSA identity.
func (nd *NetDir) RelayByID(id RelayID) *Relay {
	i, ok := nd.byID[id]
	if !ok {
		return nil
	}
	return &nd.relays[i]
}

// SameFamily reports whether a and b are the same relay or mutually
// declare each other as family.
func (nd *NetDir) SameFamily(a, b *Relay) bool {
	if a.SameRelay(b) {
		return true
	}
	return a.declaresFamily(b.ID) && b.declaresFamily(a.ID)
}

// KnownFamilyMembers returns the relays of the snapshot that are in r's
// family, not including r itself.
func (nd *NetDir) KnownFamilyMembers(r *Relay) []*Relay {
	var out []*Relay
	for _, id := range r.Family {
		m := nd.RelayByID(id)
		if m == nil || m.SameRelay(r) {
			continue
		}
		if m.declaresFamily(r.ID) {
			out = append(out, m)
		}
	}
	return out
}

// weight returns the selection weight of r for role.
func (nd *NetDir) weight(r *Relay, role WeightRole) int64 {
	if role == WeightUnweighted {
		return 1
	}
	keys := weightKeys[role]
	var key string
	switch {
	case r.Flags.Guard && r.Flags.Exit && !r.Flags.BadExit:
		key = keys[3]
	case r.Flags.Guard:
		key = keys[0]
	case r.Flags.Exit && !r.Flags.BadExit:
		key = keys[2]
	default:
		key = keys[1]
	}
	w, ok := nd.weights[key]
	if !ok {
		w = weightScale
	}
	bw := max(r.Bandwidth, 0)
	return bw * max(w, 0) / weightScale
}

func usable(r *Relay) bool {
	return r.Flags.Running && r.Flags.Valid
}

// PickRelay chooses a usable relay accepted by pred, at random, in
// proportion to its weight for role. pred is called once for every usable
// relay in consensus order, so callers may count why relays were rejected.
// If every candidate has zero weight the choice is uniform. It returns nil
// if no relay is accepted.
func (nd *NetDir) PickRelay(rng Rand, role WeightRole, pred func(*Relay) bool) *Relay {
	var candidates []*Relay
	var weights []int64
	for i := range nd.relays {
		r := &nd.relays[i]
		if !usable(r) || !pred(r) {
			continue
		}
		candidates = append(candidates, r)
		weights = append(weights, nd.weight(r, role))
	}
	if len(candidates) == 0 {
		return nil
	}
	return candidates[weightedRandom(rng, weights)]
}

// PickNRelays chooses up to n distinct relays as PickRelay does.
func (nd *NetDir) PickNRelays(rng Rand, n int, role WeightRole, pred func(*Relay) bool) []*Relay {
	var candidates []*Relay
	var weights []int64
	for i := range nd.relays {
		r := &nd.relays[i]
		if !usable(r) || !pred(r) {
			continue
		}
		candidates = append(candidates, r)
		weights = append(weights, nd.weight(r, role))
	}
	var out []*Relay
	for len(out) < n && len(candidates) > 0 {
		i := weightedRandom(rng, weights)
		out = append(out, candidates[i])
		candidates = append(candidates[:i], candidates[i+1:]...)
		weights = append(weights[:i], weights[i+1:]...)
	}
	return out
}

// weightedRandom selects an index proportional to weights. weights must
// not be empty.
func weightedRandom(rng Rand, weights []int64) int {
	var total int64
	for _, w := range weights {
		total += w
	}
	if total <= 0 {
		return rng.IntN(len(weights))
	}

	r := rng.Int64N(total)
	var cumulative int64
	for i, w := range weights {
		cumulative += w
		if r < cumulative {
			return i
		}
	}
	return len(weights) - 1
}

// Builder assembles a NetDir.
type Builder struct {
	validAfter time.Time
	relays     []Relay
	byID       map[RelayID]int
	weights    map[string]int64
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{
		byID:    make(map[RelayID]int),
		weights: make(map[string]int64),
	}
}

// SetValidAfter records the snapshot's publication time.
func (b *Builder) SetValidAfter(t time.Time) {
	b.validAfter = t
}

// SetWeight sets one consensus bandwidth weight (Wgg, Wmm, ...).
func (b *Builder) SetWeight(key string, v int64) {
	b.weights[key] = v
}

// Add appends a relay. Relays with a duplicate identity, or with an
// Ed25519 identity that is not a valid curve point, are rejected.
func (b *Builder) Add(r Relay) error {
	if _, dup := b.byID[r.ID]; dup {
		return fmt.Errorf("duplicate relay %s", r.ID)
	}
	if r.HasEd25519 {
		if _, err := new(edwards25519.Point).SetBytes(r.Ed25519ID[:]); err != nil {
			return fmt.Errorf("relay %s: invalid ed25519 identity: %w", r.ID, err)
		}
	}
	if len(r.Addrs) == 0 {
		return fmt.Errorf("relay %s has no address", r.ID)
	}
	b.byID[r.ID] = len(b.relays)
	b.relays = append(b.relays, r)
	return nil
}

// Build returns the snapshot. The Builder must not be used afterwards.
func (b *Builder) Build() *NetDir {
	nd := &NetDir{
		validAfter: b.validAfter,
		relays:     b.relays,
		byID:       b.byID,
		weights:    b.weights,
	}
	*b = Builder{}
	return nd
}

// FilterCount counts how many relays a selection filter accepted and
// rejected.
type FilterCount struct {
	Accepted int
	Rejected int
}

// Count records one decision and returns it unchanged.
func (c *FilterCount) Count(accept bool) bool {
	if accept {
		c.Accepted++
	} else {
		c.Rejected++
	}
	return accept
}

// Display describes the count, e.g. "rejected 3/10 as not in same family".
func (c FilterCount) Display(what string) string {
	return fmt.Sprintf("rejected %d/%d as %s", c.Rejected, c.Accepted+c.Rejected, what)
}
