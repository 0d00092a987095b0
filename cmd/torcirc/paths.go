package main

import (
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/cvsouth/torcirc/circusage"
	"github.com/cvsouth/torcirc/guard"
	"github.com/cvsouth/torcirc/netdir"
	"github.com/cvsouth/torcirc/pathselect"
)

var pathsFlags struct {
	netdir string
	count  int
	usage  string
	ports  []uint
	ipv6   bool
	guards bool
	seed   uint64
}

var pathsCmd = &cobra.Command{
	Use:   "paths",
	Short: "Pick sample circuit paths from a network directory document",
	Long: `'paths' loads a network directory document and picks paths for the given
usage, printing each path and what a circuit built on it could be used for.

Usages are "exit" (to --port, or any exit when no port is given), "dir",
"timeout" and "preemptive".`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		text, err := os.ReadFile(pathsFlags.netdir)
		if err != nil {
			return err
		}
		nd, err := netdir.ParseDocument(string(text))
		if err != nil {
			return fmt.Errorf("parse %s: %w", pathsFlags.netdir, err)
		}

		pc := cfg.PathConfig(logger)
		usage, err := parseUsage(pathsFlags.usage, pathsFlags.ports, pathsFlags.ipv6, pc)
		if err != nil {
			return err
		}

		rng := netdir.NewRand()
		if pathsFlags.seed != 0 {
			rng = seededRand(pathsFlags.seed)
		}

		var guards guard.GuardMgr
		if pathsFlags.guards {
			gc, err := cfg.GuardConfig()
			if err != nil {
				return err
			}
			if gc.Store != nil {
				defer gc.Store.Close()
			}
			gc.Rand = rng
			mgr, err := guard.NewManager(gc, logger)
			if err != nil {
				return err
			}
			guards = mgr
		}

		return printPaths(cmd.OutOrStdout(), nd, usage, guards, pc, rng, pathsFlags.count)
	},
}

func init() {
	rootCmd.AddCommand(pathsCmd)
	pathsCmd.Flags().StringVarP(&pathsFlags.netdir, "netdir", "d", "",
		"Network directory document")
	pathsCmd.Flags().IntVarP(&pathsFlags.count, "count", "n", 10,
		"Number of paths to pick")
	pathsCmd.Flags().StringVar(&pathsFlags.usage, "usage", "exit",
		"Circuit usage: exit, dir, timeout or preemptive")
	pathsCmd.Flags().UintSliceVar(&pathsFlags.ports, "port", nil,
		"Target port; repeat for several")
	pathsCmd.Flags().BoolVar(&pathsFlags.ipv6, "ipv6", false,
		"Target ports are reached over IPv6")
	pathsCmd.Flags().BoolVar(&pathsFlags.guards, "guards", false,
		"Pick first hops through a guard manager")
	pathsCmd.Flags().Uint64Var(&pathsFlags.seed, "seed", 0,
		"Seed for path selection; 0 picks a random seed")
	_ = pathsCmd.MarkFlagRequired("netdir")
}

func parseUsage(name string, ports []uint, ipv6 bool, pc *pathselect.PathConfig) (circusage.TargetCircUsage, error) {
	var targets []circusage.TargetPort
	for _, p := range ports {
		if p == 0 || p > 65535 {
			return nil, fmt.Errorf("port %d out of range", p)
		}
		t := circusage.TargetPort{IPv6: ipv6, Port: uint16(p)}
		targets = append(targets, t)
	}

	switch name {
	case "exit":
		return circusage.NewExitUsage(targets, circusage.NewIsolationToken(), pc), nil
	case "dir":
		return circusage.DirUsage{}, nil
	case "timeout":
		return circusage.TimeoutTestingUsage{}, nil
	case "preemptive":
		if len(targets) > 1 {
			return nil, errors.New("preemptive usage takes at most one port")
		}
		var port *circusage.TargetPort
		if len(targets) == 1 {
			port = &targets[0]
		}
		return circusage.NewPreemptiveUsage(port, 1, pc), nil
	}
	return nil, fmt.Errorf("unknown usage %q", name)
}

func seededRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x5bd1e995))
}

func printPaths(w io.Writer, nd *netdir.NetDir, usage circusage.TargetCircUsage, guards guard.GuardMgr, pc *pathselect.PathConfig, rng netdir.Rand, n int) error {
	now := time.Now()
	failures := 0
	for i := 0; i < n; i++ {
		path, supported, mon, _, err := circusage.BuildPath(rng, usage, pathselect.DirInfoNetDir(nd), guards, pc, now)
		if err != nil {
			failures++
			fmt.Fprintf(w, "%3d  error: %v\n", i+1, err)
			continue
		}
		if mon != nil {
			// Nothing is built, so the guard learns nothing.
			mon.Attempted()
		}
		fmt.Fprintf(w, "%3d  %s\n     supports %s\n", i+1, path, supported)
	}
	if failures == n && n > 0 {
		return fmt.Errorf("no path found for %s", usage)
	}
	return nil
}
