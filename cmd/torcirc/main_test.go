package main

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cvsouth/torcirc/circusage"
	"github.com/cvsouth/torcirc/pathselect"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// testDocument writes a small directory document: every third relay is a
// guard, every third exits to 443, and each relay has its own /16.
func testDocument(t *testing.T) string {
	t.Helper()
	lines := []string{"valid-after 2026-10-18 12:00:00"}
	for i := 0; i < 12; i++ {
		id := bytes.Repeat([]byte{byte(i + 1)}, 20)
		lines = append(lines,
			fmt.Sprintf("r relay%d %s 2026-10-18 11:00:00 10.%d.0.1 9001 0",
				i, base64.RawStdEncoding.EncodeToString(id), i+1))
		flags := "Fast Running Stable V2Dir Valid"
		switch i % 3 {
		case 0:
			flags += " Guard"
		case 1:
			flags += " Exit"
		}
		lines = append(lines, "s "+flags, fmt.Sprintf("w Bandwidth=%d", 1000+i))
		if i%3 == 1 {
			lines = append(lines, "p accept 443")
		}
	}
	path := filepath.Join(t.TempDir(), "netdir.txt")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o600))
	return path
}

func TestSelftest(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, runSelftest(&out, 3, 5, testLogger()))
	require.Contains(t, out.String(), "built 3-hop circuit")
	require.Contains(t, out.String(), "selftest passed")

	out.Reset()
	require.NoError(t, runSelftest(&out, 2, 250, testLogger()))
	require.Equal(t, 2, strings.Count(out.String(), "2 SENDMEs, window 950"))

	require.Error(t, runSelftest(io.Discard, 0, 1, nil))
	require.Error(t, runSelftest(io.Discard, 9, 1, nil))
}

func TestPathsCommand(t *testing.T) {
	doc := testDocument(t)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"paths", "-d", doc, "-n", "4", "--port", "443", "--seed", "7", "--guards"})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})
	require.NoError(t, rootCmd.Execute())

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 8)
	for i := 0; i < 4; i++ {
		require.Contains(t, lines[2*i], " -> ")
		require.Contains(t, lines[2*i+1], "supports exit")
	}
}

func TestNewLoggerLogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "torcirc.log")
	l, closeFile, err := newLogger(slog.LevelError, path)
	require.NoError(t, err)
	l.Debug("picked path", "hops", 3)
	require.NoError(t, closeFile())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(b), `"msg":"picked path"`)
	require.Contains(t, string(b), `"hops":3`)

	l, closeFile, err = newLogger(slog.LevelInfo, "")
	require.NoError(t, err)
	require.NotNil(t, l)
	require.NoError(t, closeFile())

	_, _, err = newLogger(slog.LevelInfo, filepath.Join(t.TempDir(), "missing", "torcirc.log"))
	require.Error(t, err)
}

func TestParseUsage(t *testing.T) {
	pc := pathselect.DefaultPathConfig()

	u, err := parseUsage("exit", []uint{22}, false, pc)
	require.NoError(t, err)
	exit, ok := u.(circusage.ExitUsage)
	require.True(t, ok)
	require.Equal(t, []circusage.TargetPort{circusage.IPv4Port(22)}, exit.Ports)
	require.True(t, exit.RequireStability)

	u, err = parseUsage("dir", nil, false, pc)
	require.NoError(t, err)
	require.Equal(t, circusage.DirUsage{}, u)

	u, err = parseUsage("preemptive", []uint{443}, true, pc)
	require.NoError(t, err)
	require.Equal(t, "preemptive to 443v6 (1 circs)", u.String())

	_, err = parseUsage("preemptive", []uint{80, 443}, false, pc)
	require.Error(t, err)
	_, err = parseUsage("exit", []uint{70000}, false, pc)
	require.Error(t, err)
	_, err = parseUsage("bogus", nil, false, pc)
	require.Error(t, err)
}
