package pathselect

import (
	"fmt"
	"time"

	"github.com/cvsouth/torcirc/guard"
	"github.com/cvsouth/torcirc/netdir"
)

// DirPathBuilder picks one-hop paths to directory caches.
type DirPathBuilder struct{}

// NewDirPathBuilder returns a DirPathBuilder.
func NewDirPathBuilder() DirPathBuilder {
	return DirPathBuilder{}
}

// PickPath chooses a directory cache. With a snapshot and a guard manager
// the cache is a guard; with a snapshot alone it is any listed cache,
// weighted for directory fetches; with fallbacks it is one of them,
// uniformly. guards may be nil.
func (DirPathBuilder) PickPath(rng netdir.Rand, dirinfo DirInfo, guards guard.GuardMgr, config *PathConfig, now time.Time) (*TorPath, *guard.Monitor, *guard.Usable, error) {
	if config == nil {
		config = DefaultPathConfig()
	}
	switch dirinfo.kind {
	case dirInfoFallbacks:
		if len(dirinfo.fallbacks) == 0 {
			return nil, nil, nil, &NoPathError{Role: "fallback directory"}
		}
		fb := dirinfo.fallbacks[rng.IntN(len(dirinfo.fallbacks))]
		return NewFallbackOneHop(fb), nil, nil, nil

	case dirInfoNetDir:
		nd := dirinfo.netdir
		if guards != nil {
			id, mon, usable, err := guards.SelectGuard(guard.Usage{Kind: guard.UsageOneHopDirectory}, nd)
			if err != nil {
				return nil, nil, nil, err
			}
			r := nd.RelayByID(id)
			if r == nil {
				return nil, nil, nil, fmt.Errorf("guard manager returned unlisted guard %s", id)
			}
			return NewOneHop(r), mon, usable, nil
		}

		var canShare, correctUsage netdir.FilterCount
		r := nd.PickRelay(rng, netdir.WeightBeginDir, func(r *netdir.Relay) bool {
			return canShare.Count(true) &&
				correctUsage.Count(r.IsDirCache() && netdir.Reachable(r, config.ReachableAddrs))
		})
		if r == nil {
			return nil, nil, nil, &NoPathError{Role: "directory cache", CanShare: canShare, CorrectUsage: correctUsage}
		}
		config.logger().Debug("directory cache selected", "relay", r, "netdir_age", now.Sub(nd.ValidAfter()))
		return NewOneHop(r), nil, nil, nil
	}
	return nil, nil, nil, fmt.Errorf("%w: no directory information for a directory path", ErrBadAPIUsage)
}
