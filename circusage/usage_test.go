package circusage

import (
	"errors"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cvsouth/torcirc/guard"
	"github.com/cvsouth/torcirc/netdir"
	"github.com/cvsouth/torcirc/netdir/testnet"
	"github.com/cvsouth/torcirc/pathselect"
)

func testRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed+1))
}

func webPolicy() ExitPolicy {
	r := testnet.Relay(1) // exits to 80 and 443 over IPv4
	return ExitPolicyFromRelay(&r)
}

func TestExitPolicyFromRelay(t *testing.T) {
	p := webPolicy()
	require.True(t, p.AllowsPort(IPv4Port(80)))
	require.True(t, p.AllowsPort(IPv4Port(443)))
	require.False(t, p.AllowsPort(IPv4Port(22)))
	require.False(t, p.AllowsPort(IPv6Port(443)))
	require.True(t, p.AllowsSomePort())

	r := testnet.Relay(1)
	r.Flags.BadExit = true
	bad := ExitPolicyFromRelay(&r)
	require.False(t, bad.AllowsSomePort())
	require.False(t, bad.AllowsPort(IPv4Port(80)))

	require.False(t, ExitPolicyFromRelay(nil).AllowsSomePort())
}

func TestSupports(t *testing.T) {
	tokA := NewIsolationToken()
	tokB := NewIsolationToken()
	require.NotEqual(t, tokA, tokB)

	dir := NewSupportedDir()
	open := NewSupportedExit(webPolicy(), nil, false)
	isolated := NewSupportedExit(webPolicy(), tokA, false)
	stable := NewSupportedExit(webPolicy(), nil, true)
	none := NewSupportedNone()

	web := ExitUsage{Ports: []TargetPort{IPv4Port(80), IPv4Port(443)}, Isolation: tokA}
	ssh := ExitUsage{Ports: []TargetPort{IPv4Port(22)}, Isolation: tokA}
	webB := ExitUsage{Ports: []TargetPort{IPv4Port(80)}, Isolation: tokB}
	webStable := ExitUsage{Ports: []TargetPort{IPv4Port(443)}, Isolation: tokA, RequireStability: true}
	port80 := IPv4Port(80)
	port22 := IPv4Port(22)

	tests := []struct {
		name   string
		s      *SupportedCircUsage
		target TargetCircUsage
		want   bool
	}{
		{"dir/dir", dir, DirUsage{}, true},
		{"dir/exit", dir, web, false},
		{"dir/timeout", dir, TimeoutTestingUsage{}, false},
		{"exit/dir", open, DirUsage{}, false},
		{"exit/ports", open, web, true},
		{"exit/missing port", open, ssh, false},
		{"exit/no ports", open, ExitUsage{}, true},
		{"isolated/same token", isolated, web, true},
		{"isolated/other token", isolated, webB, false},
		{"isolated/no isolation", isolated, ExitUsage{Ports: []TargetPort{port80}}, false},
		{"unstable/needs stable", open, webStable, false},
		{"stable/needs stable", stable, webStable, true},
		{"exit/preemptive", open, NewPreemptiveUsage(&port80, 2, nil), true},
		{"exit/preemptive any", open, NewPreemptiveUsage(nil, 2, nil), true},
		{"exit/preemptive bad port", open, NewPreemptiveUsage(&port22, 2, nil), false},
		{"isolated/preemptive", isolated, NewPreemptiveUsage(&port80, 2, nil), false},
		{"exit/timeout", open, TimeoutTestingUsage{}, true},
		{"none/timeout", none, TimeoutTestingUsage{}, true},
		{"none/exit", none, ExitUsage{}, false},
		{"none/dir", none, DirUsage{}, false},
		{"none/preemptive", none, NewPreemptiveUsage(nil, 1, nil), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, tt.s.Supports(tt.target))
		})
	}
}

func TestRestrictIsolation(t *testing.T) {
	x := NewIsolationToken()
	y := NewIsolationToken()
	usageX := ExitUsage{Ports: []TargetPort{IPv4Port(80)}, Isolation: x}
	usageY := ExitUsage{Ports: []TargetPort{IPv4Port(80)}, Isolation: y}

	s := NewSupportedExit(webPolicy(), nil, false)
	require.True(t, s.Supports(usageY))
	require.NoError(t, s.Restrict(usageX))
	require.Equal(t, Isolation(x), s.Isolation)
	require.True(t, s.Supports(usageX))
	require.False(t, s.Supports(usageY))

	err := s.Restrict(usageY)
	require.ErrorIs(t, err, ErrNotSupported)
	require.Equal(t, Isolation(x), s.Isolation)
	require.True(t, s.Supports(usageX))

	// Joining the same isolation again keeps it.
	require.NoError(t, s.Restrict(usageX))
	require.Equal(t, Isolation(x), s.Isolation)
}

func TestRestrictFailureLeavesUsageUnchanged(t *testing.T) {
	s := NewSupportedExit(webPolicy(), nil, false)
	before := *s

	require.ErrorIs(t, s.Restrict(DirUsage{}), ErrNotSupported)
	require.ErrorIs(t, s.Restrict(ExitUsage{Ports: []TargetPort{IPv4Port(22)}, Isolation: NewIsolationToken()}), ErrNotSupported)
	require.Equal(t, before, *s)

	dir := NewSupportedDir()
	require.NoError(t, dir.Restrict(DirUsage{}))
	require.ErrorIs(t, dir.Restrict(TimeoutTestingUsage{}), ErrNotSupported)
	require.Equal(t, SupportedDir, dir.Kind)
}

func TestPreemptiveClaimDoesNotIsolate(t *testing.T) {
	port := IPv4Port(443)
	s := NewSupportedExit(webPolicy(), nil, false)

	require.NoError(t, s.Restrict(NewPreemptiveUsage(&port, 1, nil)))
	require.Nil(t, s.Isolation)

	tok := NewIsolationToken()
	require.NoError(t, s.Restrict(ExitUsage{Ports: []TargetPort{port}, Isolation: tok}))
	require.Equal(t, Isolation(tok), s.Isolation)

	// Once a stream has claimed the circuit it is no longer free for
	// preemptive use.
	require.False(t, s.Supports(NewPreemptiveUsage(&port, 1, nil)))
}

func TestPreemptiveUsageCopiesPort(t *testing.T) {
	port := IPv4Port(80)
	u := NewPreemptiveUsage(&port, 3, nil)
	port.Port = 22
	s := NewSupportedExit(webPolicy(), nil, false)
	require.True(t, s.Supports(u))
	require.Equal(t, "preemptive to 80 (3 circs)", u.String())
}

func TestPreemptiveLongLivedNeedsStable(t *testing.T) {
	port := IPv4Port(22)
	u := NewPreemptiveUsage(&port, 1, nil)

	r := testnet.Relay(2) // exits everywhere over IPv4
	policy := ExitPolicyFromRelay(&r)
	require.False(t, NewSupportedExit(policy, nil, false).Supports(u))
	require.True(t, NewSupportedExit(policy, nil, true).Supports(u))
}

func TestCloneIsIndependent(t *testing.T) {
	s := NewSupportedExit(webPolicy(), nil, false)
	c := s.Clone()
	require.NoError(t, c.Restrict(ExitUsage{Isolation: NewIsolationToken()}))
	require.Nil(t, s.Isolation)
	require.NotNil(t, c.Isolation)
}

func TestChannelUsage(t *testing.T) {
	require.Equal(t, ChannelDir, NewSupportedDir().ChannelUsage())
	require.Equal(t, ChannelUserTraffic, NewSupportedExit(ExitPolicy{}, nil, false).ChannelUsage())
	require.Equal(t, ChannelUseless, NewSupportedNone().ChannelUsage())
}

func TestNewExitUsage(t *testing.T) {
	u := NewExitUsage([]TargetPort{IPv4Port(443)}, nil, nil)
	require.False(t, u.RequireStability)
	require.Equal(t, Isolation(NoIsolation), u.Isolation)

	u = NewExitUsage([]TargetPort{IPv4Port(443), IPv4Port(6667)}, nil, nil)
	require.True(t, u.RequireStability)

	cfg := pathselect.DefaultPathConfig()
	cfg.LongLivedPorts = []uint16{443}
	tok := NewIsolationToken()
	u = NewExitUsage([]TargetPort{IPv4Port(443)}, tok, cfg)
	require.True(t, u.RequireStability)
	require.Equal(t, Isolation(tok), u.Isolation)
}

func TestStreamIsolation(t *testing.T) {
	owner := NewIsolationToken()
	a := StreamIsolation{Stream: NewIsolationToken(), Owner: owner}
	b := StreamIsolation{Stream: NewIsolationToken(), Owner: owner}
	require.True(t, a.Compatible(a))
	require.False(t, a.Compatible(b))
	require.False(t, a.Compatible(a.Stream))

	plain := StreamIsolation{Owner: owner}
	require.True(t, plain.Compatible(StreamIsolation{Owner: owner}))
	require.False(t, plain.Compatible(StreamIsolation{Owner: NewIsolationToken()}))
	require.False(t, plain.Compatible(a))

	joined, ok := a.Join(a)
	require.True(t, ok)
	require.Equal(t, Isolation(a), joined)
	_, ok = a.Join(b)
	require.False(t, ok)
}

func TestBuildPathExit(t *testing.T) {
	nd := testnet.Construct(nil)
	now := time.Now()
	tok := NewIsolationToken()
	usage := NewExitUsage([]TargetPort{IPv4Port(80), IPv4Port(443)}, tok, nil)

	for seed := uint64(0); seed < 20; seed++ {
		path, supported, _, _, err := BuildPath(testRand(seed), usage, pathselect.DirInfoNetDir(nd), nil, nil, now)
		require.NoError(t, err)
		require.Equal(t, 3, path.Len())
		require.Equal(t, SupportedExit, supported.Kind)
		require.Equal(t, Isolation(tok), supported.Isolation)
		require.True(t, supported.Supports(usage))
		for _, p := range usage.Ports {
			require.True(t, p.IsSupportedBy(path.ExitRelay()))
		}
	}
}

func TestBuildPathPolicyIsSnapshot(t *testing.T) {
	nd := testnet.Construct(nil)
	usage := NewExitUsage([]TargetPort{IPv4Port(443)}, nil, nil)
	path, supported, _, _, err := BuildPath(testRand(3), usage, pathselect.DirInfoNetDir(nd), nil, nil, time.Now())
	require.NoError(t, err)

	// A later consensus where the exit stopped exiting does not change
	// what the built circuit supports.
	exitID := path.ExitRelay().ID
	later := testnet.Construct(func(_ int, r *netdir.Relay) {
		if r.ID == exitID {
			testnet.NoExits(0, r)
		}
	})
	require.False(t, later.RelayByID(exitID).PoliciesAllowSomePort())
	require.True(t, supported.Supports(usage))
}

func TestBuildPathLongLivedPortIsStable(t *testing.T) {
	nd := testnet.Construct(nil)
	usage := NewExitUsage([]TargetPort{IPv4Port(22)}, nil, nil)
	require.True(t, usage.RequireStability)

	for seed := uint64(0); seed < 20; seed++ {
		path, supported, _, _, err := BuildPath(testRand(seed), usage, pathselect.DirInfoNetDir(nd), nil, nil, time.Now())
		require.NoError(t, err)
		require.True(t, supported.AllRelaysStable)
		for _, r := range path.Hops() {
			require.True(t, r.Flags.Stable, "%s is not stable", r.Nickname)
		}
	}
}

func TestBuildPathTimeoutTesting(t *testing.T) {
	nd := testnet.Construct(nil)
	_, supported, _, _, err := BuildPath(testRand(1), TimeoutTestingUsage{}, pathselect.DirInfoNetDir(nd), nil, nil, time.Now())
	require.NoError(t, err)
	require.Equal(t, SupportedExit, supported.Kind)
	require.Nil(t, supported.Isolation)
	require.False(t, supported.AllRelaysStable)

	noExits := testnet.Construct(testnet.NoExits)
	path, supported, _, _, err := BuildPath(testRand(1), TimeoutTestingUsage{}, pathselect.DirInfoNetDir(noExits), nil, nil, time.Now())
	require.NoError(t, err)
	require.Equal(t, 3, path.Len())
	require.Equal(t, SupportedNone, supported.Kind)
	require.True(t, supported.Supports(TimeoutTestingUsage{}))
	require.False(t, supported.Supports(ExitUsage{}))
}

func TestBuildPathNoExit(t *testing.T) {
	nd := testnet.Construct(testnet.NoExits)
	usage := NewExitUsage([]TargetPort{IPv4Port(80)}, nil, nil)
	_, _, _, _, err := BuildPath(testRand(1), usage, pathselect.DirInfoNetDir(nd), nil, nil, time.Now())
	var noExit *pathselect.NoExitError
	require.True(t, errors.As(err, &noExit), "got %v", err)
	require.Equal(t, "no_exit", failureReason(err))
}

func TestBuildPathPreemptive(t *testing.T) {
	nd := testnet.Construct(nil)
	port := IPv4Port(443)
	usage := NewPreemptiveUsage(&port, 2, nil)
	path, supported, _, _, err := BuildPath(testRand(5), usage, pathselect.DirInfoNetDir(nd), nil, nil, time.Now())
	require.NoError(t, err)
	require.True(t, port.IsSupportedBy(path.ExitRelay()))
	require.Equal(t, SupportedExit, supported.Kind)
	require.Nil(t, supported.Isolation)
	require.True(t, supported.Supports(usage))
}

func TestBuildPathDir(t *testing.T) {
	nd := testnet.Construct(nil)
	mgr, err := guard.NewManager(guard.Config{Rand: testRand(8)}, nil)
	require.NoError(t, err)

	path, supported, mon, usable, err := BuildPath(testRand(2), DirUsage{}, pathselect.DirInfoNetDir(nd), mgr, nil, time.Now())
	require.NoError(t, err)
	require.Equal(t, pathselect.OneHop, path.Kind())
	require.True(t, path.Hops()[0].IsDirCache())
	require.Equal(t, SupportedDir, supported.Kind)
	require.Equal(t, ChannelDir, supported.ChannelUsage())
	require.NotNil(t, mon)
	require.NotNil(t, usable)
}

func TestBuildPathBadUsage(t *testing.T) {
	_, _, _, _, err := BuildPath(testRand(1), nil, pathselect.DirInfoNone, nil, nil, time.Now())
	require.ErrorIs(t, err, pathselect.ErrBadAPIUsage)
	require.Equal(t, "bad_api_usage", failureReason(err))
}
