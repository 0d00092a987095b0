// Package circusage describes what circuits are wanted for and what built
// circuits can be used for, and builds paths for a wanted usage.
package circusage

import (
	"errors"
	"fmt"

	"github.com/cvsouth/torcirc/pathselect"
)

// ErrNotSupported is returned by Restrict when a circuit cannot take on a
// usage.
var ErrNotSupported = errors.New("circuit does not support usage")

// TargetCircUsage is a usage a caller wants a circuit for. The concrete
// types are DirUsage, ExitUsage, TimeoutTestingUsage and the value returned
// by NewPreemptiveUsage.
type TargetCircUsage interface {
	fmt.Stringer
	targetCircUsage()
}

// DirUsage asks for a one-hop directory circuit.
type DirUsage struct{}

// ExitUsage asks for a multi-hop circuit exiting to all of Ports.
type ExitUsage struct {
	Ports            []TargetPort
	Isolation        Isolation
	RequireStability bool
}

// TimeoutTestingUsage asks for a circuit that only measures build times.
type TimeoutTestingUsage struct{}

// preemptiveUsage asks for a circuit built ahead of demand. It never
// carries isolation, so claiming a circuit with it leaves the circuit free
// for any later stream.
type preemptiveUsage struct {
	port             *TargetPort
	circs            int
	requireStability bool
}

func (DirUsage) targetCircUsage()            {}
func (ExitUsage) targetCircUsage()           {}
func (TimeoutTestingUsage) targetCircUsage() {}
func (preemptiveUsage) targetCircUsage()     {}

func (DirUsage) String() string { return "dir" }

func (u ExitUsage) String() string {
	return fmt.Sprintf("exit to %s", TargetPorts(u.Ports))
}

func (TimeoutTestingUsage) String() string { return "timeout-testing" }

func (u preemptiveUsage) String() string {
	if u.port == nil {
		return fmt.Sprintf("preemptive (%d circs)", u.circs)
	}
	return fmt.Sprintf("preemptive to %s (%d circs)", *u.port, u.circs)
}

// NewExitUsage returns an ExitUsage for ports. Stability is required when
// any port is long-lived under cfg. A nil isolation means NoIsolation.
func NewExitUsage(ports []TargetPort, iso Isolation, cfg *pathselect.PathConfig) ExitUsage {
	if cfg == nil {
		cfg = pathselect.DefaultPathConfig()
	}
	if iso == nil {
		iso = NoIsolation
	}
	return ExitUsage{Ports: ports, Isolation: iso, RequireStability: anyLongLived(ports, cfg)}
}

// NewPreemptiveUsage returns a usage for building circs circuits before any
// stream asks for them, exiting to port if it is not nil. It is meant for
// the predictor that decides which circuits to build ahead of time.
func NewPreemptiveUsage(port *TargetPort, circs int, cfg *pathselect.PathConfig) TargetCircUsage {
	if cfg == nil {
		cfg = pathselect.DefaultPathConfig()
	}
	u := preemptiveUsage{circs: circs}
	if port != nil {
		p := *port
		u.port = &p
		u.requireStability = cfg.IsLongLived(p.Port)
	}
	return u
}

func anyLongLived(ports []TargetPort, cfg *pathselect.PathConfig) bool {
	for _, p := range ports {
		if cfg.IsLongLived(p.Port) {
			return true
		}
	}
	return false
}

func exitIsolation(u ExitUsage) Isolation {
	if u.Isolation == nil {
		return NoIsolation
	}
	return u.Isolation
}

// SupportedKind is the kind of a SupportedCircUsage.
type SupportedKind int

const (
	SupportedDir SupportedKind = iota
	SupportedExit
	// SupportedNone is a circuit good for nothing but timing.
	SupportedNone
)

func (k SupportedKind) String() string {
	switch k {
	case SupportedDir:
		return "dir"
	case SupportedExit:
		return "exit"
	case SupportedNone:
		return "none"
	}
	return "unknown"
}

// ChannelUsage says what a circuit's first channel carries.
type ChannelUsage int

const (
	ChannelDir ChannelUsage = iota
	ChannelUserTraffic
	ChannelUseless
)

func (c ChannelUsage) String() string {
	switch c {
	case ChannelDir:
		return "dir"
	case ChannelUserTraffic:
		return "user-traffic"
	case ChannelUseless:
		return "useless"
	}
	return "unknown"
}

// SupportedCircUsage is what a built circuit can be used for. Policy,
// Isolation and AllRelaysStable only mean something for SupportedExit.
// A nil Isolation means no stream has claimed the circuit yet.
type SupportedCircUsage struct {
	Kind            SupportedKind
	Policy          ExitPolicy
	Isolation       Isolation
	AllRelaysStable bool
}

// NewSupportedDir returns the usage of a directory circuit.
func NewSupportedDir() *SupportedCircUsage {
	return &SupportedCircUsage{Kind: SupportedDir}
}

// NewSupportedExit returns the usage of an exit circuit.
func NewSupportedExit(policy ExitPolicy, iso Isolation, allStable bool) *SupportedCircUsage {
	return &SupportedCircUsage{Kind: SupportedExit, Policy: policy, Isolation: iso, AllRelaysStable: allStable}
}

// NewSupportedNone returns the usage of a circuit good for nothing.
func NewSupportedNone() *SupportedCircUsage {
	return &SupportedCircUsage{Kind: SupportedNone}
}

// Clone returns a copy of s.
func (s *SupportedCircUsage) Clone() *SupportedCircUsage {
	c := *s
	return &c
}

// Supports reports whether a circuit with usage s can be used for target.
func (s *SupportedCircUsage) Supports(target TargetCircUsage) bool {
	switch t := target.(type) {
	case DirUsage:
		return s.Kind == SupportedDir
	case ExitUsage:
		if s.Kind != SupportedExit {
			return false
		}
		if s.Isolation != nil && !s.Isolation.Compatible(exitIsolation(t)) {
			return false
		}
		if t.RequireStability && !s.AllRelaysStable {
			return false
		}
		for _, p := range t.Ports {
			if !s.Policy.AllowsPort(p) {
				return false
			}
		}
		return true
	case preemptiveUsage:
		if s.Kind != SupportedExit || s.Isolation != nil {
			return false
		}
		if t.requireStability && !s.AllRelaysStable {
			return false
		}
		return t.port == nil || s.Policy.AllowsPort(*t.port)
	case TimeoutTestingUsage:
		return s.Kind == SupportedExit || s.Kind == SupportedNone
	}
	return false
}

// Restrict narrows s so that it only supports usages compatible with
// target, as happens when a stream with target's usage is attached. If s
// does not support target, Restrict returns ErrNotSupported and leaves s
// unchanged.
func (s *SupportedCircUsage) Restrict(target TargetCircUsage) error {
	if !s.Supports(target) {
		return fmt.Errorf("%w: %s circuit cannot be used for %s", ErrNotSupported, s.Kind, target)
	}
	t, ok := target.(ExitUsage)
	if !ok {
		// Dir, preemptive and timeout-testing claims change nothing.
		return nil
	}
	iso := exitIsolation(t)
	if s.Isolation == nil {
		s.Isolation = iso
		return nil
	}
	joined, ok := s.Isolation.Join(iso)
	if !ok {
		return fmt.Errorf("%w: isolation %v conflicts with %v", ErrNotSupported, iso, s.Isolation)
	}
	s.Isolation = joined
	return nil
}

// ChannelUsage returns what the circuit's first channel will carry.
func (s *SupportedCircUsage) ChannelUsage() ChannelUsage {
	switch s.Kind {
	case SupportedDir:
		return ChannelDir
	case SupportedExit:
		return ChannelUserTraffic
	}
	return ChannelUseless
}

func (s *SupportedCircUsage) String() string {
	switch s.Kind {
	case SupportedExit:
		return fmt.Sprintf("exit {policy: %s; isolation: %v; stable: %t}", s.Policy, s.Isolation, s.AllRelaysStable)
	default:
		return s.Kind.String()
	}
}
