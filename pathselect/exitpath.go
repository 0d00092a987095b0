package pathselect

import (
	"fmt"
	"time"

	"github.com/cvsouth/torcirc/guard"
	"github.com/cvsouth/torcirc/netdir"
)

type exitKind int

const (
	exitToPorts exitKind = iota
	exitAny
	exitChosen
)

// ExitPathBuilder picks three-hop paths: guard, middle, exit.
type ExitPathBuilder struct {
	kind   exitKind
	ports  netdir.TargetPorts
	strict bool
	chosen *netdir.Relay

	requireStability bool
}

// FromTargetPorts builds paths whose exit allows every port. With no ports
// any exit will do, but an exit is required.
func FromTargetPorts(ports ...netdir.TargetPort) *ExitPathBuilder {
	if len(ports) == 0 {
		return &ExitPathBuilder{kind: exitAny, strict: true}
	}
	return &ExitPathBuilder{kind: exitToPorts, ports: ports}
}

// FromChosenExit builds paths ending at exit. The caller vouches for the
// exit: it is not filtered.
func FromChosenExit(exit *netdir.Relay) *ExitPathBuilder {
	return &ExitPathBuilder{kind: exitChosen, chosen: exit}
}

// ForAnyExit builds paths to any relay that exits somewhere.
func ForAnyExit() *ExitPathBuilder {
	return &ExitPathBuilder{kind: exitAny, strict: true}
}

// ForTimeoutTesting builds paths for measuring circuit build times. An
// exit is preferred, but if the network has none the last hop may be any
// relay.
func ForTimeoutTesting() *ExitPathBuilder {
	return &ExitPathBuilder{kind: exitAny, strict: false}
}

// RequireStability restricts every hop to Stable relays.
func (b *ExitPathBuilder) RequireStability(require bool) *ExitPathBuilder {
	b.requireStability = require
	return b
}

func (b *ExitPathBuilder) stableEnough(r *netdir.Relay) bool {
	return !b.requireStability || r.Flags.Stable
}

// PickPath chooses a guard, then an exit that can share a circuit with
// it, then a middle that can share with both. guards may be nil, in which
// case the guard is picked by weight among flagged guards.
func (b *ExitPathBuilder) PickPath(rng netdir.Rand, dirinfo DirInfo, guards guard.GuardMgr, config *PathConfig, now time.Time) (*TorPath, *guard.Monitor, *guard.Usable, error) {
	nd := dirinfo.NetDir()
	if nd == nil {
		return nil, nil, nil, fmt.Errorf("%w: multi-hop path requested without a network directory", ErrBadAPIUsage)
	}
	if config == nil {
		config = DefaultPathConfig()
	}
	subnets := config.Subnets
	chosenExit := b.chosen // nil unless kind == exitChosen

	var entry *netdir.Relay
	var mon *guard.Monitor
	var usable *guard.Usable
	if guards != nil {
		usage := guard.Usage{Kind: guard.UsageData}
		if chosenExit != nil {
			avoid := []netdir.RelayID{chosenExit.ID}
			for _, m := range nd.KnownFamilyMembers(chosenExit) {
				avoid = append(avoid, m.ID)
			}
			usage.Restrictions = append(usage.Restrictions, guard.AvoidAllIDs(avoid))
		}
		id, m, u, err := guards.SelectGuard(usage, nd)
		if err != nil {
			return nil, nil, nil, err
		}
		entry = nd.RelayByID(id)
		if entry == nil {
			return nil, nil, nil, fmt.Errorf("guard manager returned unlisted guard %s", id)
		}
		if chosenExit != nil {
			// The guard manager only avoids identities; subnets are checked here.
			if !RelaysCanShareCircuit(nd, entry, chosenExit, subnets) {
				m.Attempted()
				return nil, nil, nil, &NoPathError{Role: "entry relay", CanShare: netdir.FilterCount{Rejected: 1}}
			}
			// The exit was forced on us; its failures are not the guard's.
			m.IgnoreIndeterminateStatus()
		}
		mon, usable = m, u
	} else {
		var canShare, correctUsage netdir.FilterCount
		entry = nd.PickRelay(rng, netdir.WeightGuard, func(r *netdir.Relay) bool {
			return canShare.Count(canShareOpt(nd, r, chosenExit, subnets)) &&
				correctUsage.Count(r.IsFlaggedGuard() && b.stableEnough(r) && netdir.Reachable(r, config.ReachableAddrs))
		})
		if entry == nil {
			return nil, nil, nil, &NoPathError{Role: "entry relay", CanShare: canShare, CorrectUsage: correctUsage}
		}
	}

	exit, err := b.pickExit(rng, nd, entry, subnets)
	if err != nil {
		return nil, nil, nil, err
	}

	var canShare, correctUsage netdir.FilterCount
	exclude, err := subnets.ExclusionSet(entry, exit)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("build subnet exclusion set: %w", err)
	}
	middle := nd.PickRelay(rng, netdir.WeightMiddle, func(r *netdir.Relay) bool {
		share := !netdir.IntersectsSet(r, exclude) &&
			!nd.SameFamily(r, entry) &&
			!nd.SameFamily(r, exit)
		return canShare.Count(share) && correctUsage.Count(b.stableEnough(r))
	})
	if middle == nil {
		return nil, nil, nil, &NoPathError{Role: "middle relay", CanShare: canShare, CorrectUsage: correctUsage}
	}

	path := NewMultiHop([]*netdir.Relay{entry, middle, exit})
	config.logger().Debug("path selected", "path", path, "netdir_age", now.Sub(nd.ValidAfter()))
	return path, mon, usable, nil
}

func (b *ExitPathBuilder) pickExit(rng netdir.Rand, nd *netdir.NetDir, entry *netdir.Relay, subnets netdir.SubnetConfig) (*netdir.Relay, error) {
	if b.kind == exitChosen {
		return b.chosen, nil
	}

	var canShare, correctPorts netdir.FilterCount
	exit := nd.PickRelay(rng, netdir.WeightExit, func(r *netdir.Relay) bool {
		var ok bool
		if b.kind == exitToPorts {
			ok = b.ports.AllSupportedBy(r)
		} else {
			ok = r.PoliciesAllowSomePort()
		}
		return canShare.Count(canShareOpt(nd, r, entry, subnets)) &&
			correctPorts.Count(ok && b.stableEnough(r))
	})
	if exit != nil {
		return exit, nil
	}
	if b.kind == exitToPorts || b.strict {
		return nil, &NoExitError{CanShare: canShare, CorrectPorts: correctPorts}
	}

	// Not strict: any relay that can share with the guard will do.
	var fallbackShare, fallbackUsage netdir.FilterCount
	exit = nd.PickRelay(rng, netdir.WeightExit, func(r *netdir.Relay) bool {
		return fallbackShare.Count(canShareOpt(nd, r, entry, subnets)) &&
			fallbackUsage.Count(b.stableEnough(r))
	})
	if exit == nil {
		return nil, &NoPathError{Role: "final hop", CanShare: fallbackShare, CorrectUsage: fallbackUsage}
	}
	return exit, nil
}
