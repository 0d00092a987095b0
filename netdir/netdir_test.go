package netdir_test

import (
	"math/rand/v2"
	"testing"

	"filippo.io/edwards25519"
	"github.com/stretchr/testify/require"

	"github.com/cvsouth/torcirc/netdir"
	"github.com/cvsouth/torcirc/netdir/testnet"
)

func testRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

func TestSameFamily(t *testing.T) {
	nd := testnet.Construct(nil)
	r0 := nd.RelayByID(testnet.ID(0))
	r1 := nd.RelayByID(testnet.ID(1))
	r2 := nd.RelayByID(testnet.ID(2))

	require.True(t, nd.SameFamily(r0, r0))
	require.True(t, nd.SameFamily(r0, r1))
	require.True(t, nd.SameFamily(r1, r0))
	require.False(t, nd.SameFamily(r0, r2))

	fam := nd.KnownFamilyMembers(r0)
	require.Len(t, fam, 1)
	require.Equal(t, testnet.ID(1), fam[0].ID)
}

func TestSameFamilyRequiresMutualDeclaration(t *testing.T) {
	nd := testnet.Construct(func(i int, r *netdir.Relay) {
		if i == 1 {
			r.Family = nil
		}
	})
	r0 := nd.RelayByID(testnet.ID(0))
	r1 := nd.RelayByID(testnet.ID(1))
	require.False(t, nd.SameFamily(r0, r1))
	require.Empty(t, nd.KnownFamilyMembers(r0))
}

func TestPickRelayRespectsPredicateAndFlags(t *testing.T) {
	nd := testnet.Construct(func(i int, r *netdir.Relay) {
		if i == 3 {
			r.Flags.Running = false
		}
	})
	rng := testRand(1)
	for i := 0; i < 500; i++ {
		r := nd.PickRelay(rng, netdir.WeightGuard, func(r *netdir.Relay) bool { return r.IsFlaggedGuard() })
		require.NotNil(t, r)
		require.True(t, r.IsFlaggedGuard())
		require.NotEqual(t, testnet.ID(3), r.ID)
	}
	require.Nil(t, nd.PickRelay(rng, netdir.WeightMiddle, func(*netdir.Relay) bool { return false }))
}

func TestPickRelayCounts(t *testing.T) {
	nd := testnet.Construct(nil)
	var even, guard netdir.FilterCount
	r := nd.PickRelay(testRand(2), netdir.WeightMiddle, func(r *netdir.Relay) bool {
		return even.Count(r.ID[0]%2 == 1) && guard.Count(r.IsFlaggedGuard())
	})
	require.NotNil(t, r)
	require.Equal(t, testnet.NumRelays, even.Accepted+even.Rejected)
	require.Equal(t, testnet.NumRelays/2, even.Accepted)
	// Only relays passing the first filter reach the second.
	require.Equal(t, even.Accepted, guard.Accepted+guard.Rejected)
	require.Equal(t, "rejected 20/40 as odd", even.Display("odd"))
}

func TestPickRelayWeighted(t *testing.T) {
	b := netdir.NewBuilder()
	heavy := testnet.Relay(0)
	heavy.Bandwidth = 1000000
	light := testnet.Relay(2)
	light.Bandwidth = 1
	require.NoError(t, b.Add(heavy))
	require.NoError(t, b.Add(light))
	nd := b.Build()

	rng := testRand(3)
	heavyCount := 0
	for i := 0; i < 1000; i++ {
		if nd.PickRelay(rng, netdir.WeightMiddle, func(*netdir.Relay) bool { return true }).ID == heavy.ID {
			heavyCount++
		}
	}
	require.Greater(t, heavyCount, 950)
}

func TestPickRelayZeroWeightIsUniform(t *testing.T) {
	nd := testnet.ConstructN(4, func(_ int, r *netdir.Relay) { r.Bandwidth = 0 })
	seen := map[netdir.RelayID]bool{}
	rng := testRand(4)
	for i := 0; i < 200; i++ {
		seen[nd.PickRelay(rng, netdir.WeightExit, func(*netdir.Relay) bool { return true }).ID] = true
	}
	require.Len(t, seen, 4)
}

func TestPickNRelaysDistinct(t *testing.T) {
	nd := testnet.Construct(nil)
	got := nd.PickNRelays(testRand(5), 5, netdir.WeightGuard, (*netdir.Relay).IsFlaggedGuard)
	require.Len(t, got, 5)
	seen := map[netdir.RelayID]bool{}
	for _, r := range got {
		require.False(t, seen[r.ID])
		seen[r.ID] = true
	}
	all := nd.PickNRelays(testRand(5), 100, netdir.WeightGuard, (*netdir.Relay).IsFlaggedGuard)
	require.Len(t, all, 14)
}

func TestBadExitNeverSupportsPorts(t *testing.T) {
	r := testnet.Relay(2)
	require.True(t, r.SupportsExitPortIPv4(80))
	require.True(t, r.PoliciesAllowSomePort())
	r.Flags.BadExit = true
	require.False(t, r.SupportsExitPortIPv4(80))
	require.False(t, r.SupportsExitPortIPv6(80))
	require.False(t, r.PoliciesAllowSomePort())
}

func TestBuilderValidation(t *testing.T) {
	b := netdir.NewBuilder()
	r := testnet.Relay(0)
	r.HasEd25519 = true
	copy(r.Ed25519ID[:], edwards25519.NewGeneratorPoint().Bytes())
	require.NoError(t, b.Add(r))
	require.Error(t, b.Add(r), "duplicate")

	bad := testnet.Relay(1)
	bad.HasEd25519 = true
	// y = 2 has no matching x on the curve.
	bad.Ed25519ID = [32]byte{2}
	require.Error(t, b.Add(bad))

	noAddr := testnet.Relay(2)
	noAddr.Addrs = nil
	require.Error(t, b.Add(noAddr))

	nd := b.Build()
	require.Equal(t, 1, nd.Len())
}
