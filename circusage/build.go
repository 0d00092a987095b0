package circusage

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cvsouth/torcirc/guard"
	"github.com/cvsouth/torcirc/metrics"
	"github.com/cvsouth/torcirc/netdir"
	"github.com/cvsouth/torcirc/pathselect"
)

// BuildPath picks a path for usage and returns it with the usage the
// resulting circuit will support. The monitor and usable come from the
// guard manager and are nil when guards is nil or the path has no guard.
func BuildPath(rng netdir.Rand, usage TargetCircUsage, dirinfo pathselect.DirInfo, guards guard.GuardMgr, cfg *pathselect.PathConfig, now time.Time) (*pathselect.TorPath, *SupportedCircUsage, *guard.Monitor, *guard.Usable, error) {
	if cfg == nil {
		cfg = pathselect.DefaultPathConfig()
	}
	label := usageLabel(usage)
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	path, supported, mon, usable, err := buildPath(rng, usage, dirinfo, guards, cfg, now)
	if err != nil {
		metrics.PathFailed(label, failureReason(err))
		logger.Debug("path selection failed", "usage", usage, "err", err)
		return nil, nil, nil, nil, err
	}
	metrics.PathSelected(label)
	logger.Debug("path selected", "usage", usage, "path", path.String(), "supports", supported.String())
	return path, supported, mon, usable, nil
}

func buildPath(rng netdir.Rand, usage TargetCircUsage, dirinfo pathselect.DirInfo, guards guard.GuardMgr, cfg *pathselect.PathConfig, now time.Time) (*pathselect.TorPath, *SupportedCircUsage, *guard.Monitor, *guard.Usable, error) {
	switch u := usage.(type) {
	case DirUsage:
		path, mon, usable, err := pathselect.NewDirPathBuilder().PickPath(rng, dirinfo, guards, cfg, now)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		return path, NewSupportedDir(), mon, usable, nil

	case preemptiveUsage:
		var ports []TargetPort
		if u.port != nil {
			ports = append(ports, *u.port)
		}
		path, mon, usable, err := pathselect.FromTargetPorts(ports...).
			RequireStability(u.requireStability).
			PickPath(rng, dirinfo, guards, cfg, now)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		policy := ExitPolicyFromRelay(path.ExitRelay())
		return path, NewSupportedExit(policy, nil, u.requireStability), mon, usable, nil

	case ExitUsage:
		path, mon, usable, err := pathselect.FromTargetPorts(u.Ports...).
			RequireStability(u.RequireStability).
			PickPath(rng, dirinfo, guards, cfg, now)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		policy := ExitPolicyFromRelay(path.ExitRelay())
		return path, NewSupportedExit(policy, exitIsolation(u), u.RequireStability), mon, usable, nil

	case TimeoutTestingUsage:
		path, mon, usable, err := pathselect.ForTimeoutTesting().PickPath(rng, dirinfo, guards, cfg, now)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		policy := ExitPolicyFromRelay(path.ExitRelay())
		if !policy.AllowsSomePort() {
			return path, NewSupportedNone(), mon, usable, nil
		}
		return path, NewSupportedExit(policy, nil, false), mon, usable, nil
	}
	return nil, nil, nil, nil, fmt.Errorf("%w: unknown usage %T", pathselect.ErrBadAPIUsage, usage)
}

func usageLabel(u TargetCircUsage) string {
	switch u.(type) {
	case DirUsage:
		return "dir"
	case ExitUsage:
		return "exit"
	case preemptiveUsage:
		return "preemptive"
	case TimeoutTestingUsage:
		return "timeout_testing"
	}
	return "unknown"
}

func failureReason(err error) string {
	var noExit *pathselect.NoExitError
	var noPath *pathselect.NoPathError
	switch {
	case errors.As(err, &noExit):
		return "no_exit"
	case errors.As(err, &noPath):
		return "no_path"
	case errors.Is(err, guard.ErrNoGuard):
		return "no_guard"
	case errors.Is(err, pathselect.ErrBadAPIUsage):
		return "bad_api_usage"
	}
	return "other"
}
