// Package pathselect chooses the relays of a circuit: one-hop paths to
// directory caches and three-hop guard, middle, exit paths, keeping every
// pair of hops out of the same family and subnet.
package pathselect

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go4.org/netipx"

	"github.com/cvsouth/torcirc/netdir"
)

// DefaultLongLivedPorts are ports whose connections tend to stay open for
// a long time; circuits for them are built from Stable relays.
var DefaultLongLivedPorts = []uint16{21, 22, 706, 1863, 5050, 5190, 5222, 5223, 6523, 6667, 6697, 8300}

// PathConfig holds the settings that constrain path selection.
type PathConfig struct {
	Subnets netdir.SubnetConfig
	// ReachableAddrs limits first hops chosen without a guard manager to
	// relays with an address in the set. Nil means every address.
	ReachableAddrs *netipx.IPSet
	LongLivedPorts []uint16
	Logger         *slog.Logger
}

// DefaultPathConfig returns the configuration used when none is given.
func DefaultPathConfig() *PathConfig {
	return &PathConfig{
		Subnets:        netdir.DefaultSubnetConfig,
		LongLivedPorts: DefaultLongLivedPorts,
	}
}

func (c *PathConfig) logger() *slog.Logger {
	if c == nil || c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

// IsLongLived reports whether port is configured as long-lived.
func (c *PathConfig) IsLongLived(port uint16) bool {
	for _, p := range c.LongLivedPorts {
		if p == port {
			return true
		}
	}
	return false
}

// RelaysCanShareCircuit reports whether a and b may appear on the same
// circuit: they must be neither in the same family nor in the same subnet.
func RelaysCanShareCircuit(nd *netdir.NetDir, a, b *netdir.Relay, subnets netdir.SubnetConfig) bool {
	return !nd.SameFamily(a, b) && !subnets.InSameSubnet(a, b)
}

// canShareOpt is RelaysCanShareCircuit where a missing relay shares with
// anything.
func canShareOpt(nd *netdir.NetDir, a, b *netdir.Relay, subnets netdir.SubnetConfig) bool {
	return b == nil || RelaysCanShareCircuit(nd, a, b, subnets)
}

type dirInfoKind int

const (
	dirInfoNone dirInfoKind = iota
	dirInfoNetDir
	dirInfoFallbacks
)

// DirInfo is the directory information a path is chosen from: a full
// snapshot, a list of fallback caches, or nothing.
type DirInfo struct {
	kind      dirInfoKind
	netdir    *netdir.NetDir
	fallbacks []netdir.FallbackDir
}

// DirInfoNetDir wraps a snapshot.
func DirInfoNetDir(nd *netdir.NetDir) DirInfo {
	if nd == nil {
		return DirInfoNone
	}
	return DirInfo{kind: dirInfoNetDir, netdir: nd}
}

// DirInfoFallbacks wraps a fallback list.
func DirInfoFallbacks(fbs []netdir.FallbackDir) DirInfo {
	return DirInfo{kind: dirInfoFallbacks, fallbacks: fbs}
}

// DirInfoNone is the absence of directory information.
var DirInfoNone = DirInfo{}

// NetDir returns the snapshot, or nil if d does not hold one.
func (d DirInfo) NetDir() *netdir.NetDir {
	return d.netdir
}

// PathKind says which shape a TorPath has.
type PathKind int

const (
	OneHop PathKind = iota
	FallbackOneHop
	MultiHop
)

// TorPath is a selected path.
type TorPath struct {
	kind     PathKind
	relays   []*netdir.Relay
	fallback netdir.FallbackDir
}

// NewOneHop returns a path through a single listed relay.
func NewOneHop(r *netdir.Relay) *TorPath {
	return &TorPath{kind: OneHop, relays: []*netdir.Relay{r}}
}

// NewFallbackOneHop returns a path through a single fallback cache.
func NewFallbackOneHop(fb netdir.FallbackDir) *TorPath {
	return &TorPath{kind: FallbackOneHop, fallback: fb}
}

// NewMultiHop returns a path through relays, nearest first.
func NewMultiHop(relays []*netdir.Relay) *TorPath {
	return &TorPath{kind: MultiHop, relays: relays}
}

func (p *TorPath) Kind() PathKind {
	return p.kind
}

// Len returns the number of hops.
func (p *TorPath) Len() int {
	if p.kind == FallbackOneHop {
		return 1
	}
	return len(p.relays)
}

// Hops returns the listed relays of the path, nearest first. It is empty
// for a fallback path.
func (p *TorPath) Hops() []*netdir.Relay {
	return p.relays
}

// Fallback returns the cache of a FallbackOneHop path.
func (p *TorPath) Fallback() (netdir.FallbackDir, bool) {
	return p.fallback, p.kind == FallbackOneHop
}

// ExitRelay returns the last hop, or nil for a fallback path.
func (p *TorPath) ExitRelay() *netdir.Relay {
	if len(p.relays) == 0 {
		return nil
	}
	return p.relays[len(p.relays)-1]
}

func (p *TorPath) String() string {
	if p.kind == FallbackOneHop {
		return p.fallback.String()
	}
	parts := make([]string, len(p.relays))
	for i, r := range p.relays {
		parts[i] = r.String()
	}
	return strings.Join(parts, " -> ")
}

// ErrBadAPIUsage means path selection was called in a way that can never
// succeed, such as asking for a multi-hop path without a snapshot.
var ErrBadAPIUsage = errors.New("bad API usage")

// NoPathError means no relay could fill a position in the path.
type NoPathError struct {
	Role         string
	CanShare     netdir.FilterCount
	CorrectUsage netdir.FilterCount
}

func (e *NoPathError) Error() string {
	return fmt.Sprintf("no %s for path: %s; %s", e.Role,
		e.CanShare.Display("in same family or subnet"),
		e.CorrectUsage.Display("unsuitable"))
}

// NoExitError means no relay could be the exit. The two counts separate
// relays rejected for sharing with the guard from those rejected for not
// allowing the requested ports.
type NoExitError struct {
	CanShare     netdir.FilterCount
	CorrectPorts netdir.FilterCount
}

func (e *NoExitError) Error() string {
	return fmt.Sprintf("no exit for path: %s; %s",
		e.CanShare.Display("in same family or subnet"),
		e.CorrectPorts.Display("not exiting to desired ports"))
}
