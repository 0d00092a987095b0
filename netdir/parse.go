package netdir

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"time"
)

// ParseDocument builds a snapshot from a microdescriptor-consensus style
// document in which each router entry ("r" line) is followed by its
// status lines and the fields of its microdescriptor:
//
//	r <nickname> <identity-b64> <date> <time> <ip> <orport> <dirport>
//	a [<ipv6>]:<port>
//	s Exit Fast Guard Running Stable V2Dir Valid
//	w Bandwidth=1234
//	id ed25519 <key-b64>
//	ntor-onion-key <key-b64>
//	family $<hex-id> $<hex-id>
//	p accept 80,443
//	p6 accept 443
//
// A "bandwidth-weights" line and a "valid-after" line may appear anywhere.
// Signatures are not checked; the document is assumed to come from a
// validated source.
func ParseDocument(text string) (*NetDir, error) {
	b := NewBuilder()
	var cur *Relay

	flush := func() error {
		if cur == nil {
			return nil
		}
		err := b.Add(*cur)
		cur = nil
		return err
	}

	for n, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		keyword, rest, _ := strings.Cut(line, " ")
		var err error

		switch keyword {
		case "valid-after":
			var t time.Time
			t, err = time.Parse("2006-01-02 15:04:05", rest)
			if err == nil {
				b.SetValidAfter(t)
			}
		case "bandwidth-weights":
			parseBandwidthWeights(b, rest)
		case "r":
			if err = flush(); err != nil {
				break
			}
			cur, err = parseRouterLine(line)
		case "a", "s", "w", "id", "ntor-onion-key", "family", "p", "p6":
			if cur == nil {
				err = fmt.Errorf("%q line outside router entry", keyword)
				break
			}
			err = parseRelayLine(cur, keyword, rest)
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", n+1, err)
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return b.Build(), nil
}

// parseRouterLine parses an "r" line.
func parseRouterLine(line string) (*Relay, error) {
	parts := strings.Fields(line)
	if len(parts) < 8 {
		return nil, fmt.Errorf("r line too short: %q", line)
	}

	idBytes, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(parts[2], "="))
	if err != nil {
		return nil, fmt.Errorf("decode identity: %w", err)
	}
	if len(idBytes) != 20 {
		return nil, fmt.Errorf("identity wrong length: %d", len(idBytes))
	}

	addr, err := netip.ParseAddr(parts[5])
	if err != nil || !addr.Is4() {
		return nil, fmt.Errorf("bad IPv4 address %q", parts[5])
	}

	orPort, err := strconv.ParseUint(parts[6], 10, 16)
	if err != nil {
		return nil, fmt.Errorf("parse ORPort: %w", err)
	}

	relay := &Relay{
		Nickname: parts[1],
		Addrs:    []netip.Addr{addr},
		ORPort:   uint16(orPort),
	}
	copy(relay.ID[:], idBytes)
	return relay, nil
}

func parseRelayLine(r *Relay, keyword, rest string) error {
	switch keyword {
	case "a":
		ap, err := netip.ParseAddrPort(strings.TrimSpace(rest))
		if err != nil {
			return fmt.Errorf("parse a line: %w", err)
		}
		r.Addrs = append(r.Addrs, ap.Addr())
	case "s":
		parseFlags(r, rest)
	case "w":
		parseBandwidth(r, rest)
	case "id":
		alg, key, _ := strings.Cut(rest, " ")
		if alg != "ed25519" {
			return nil
		}
		keyBytes, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(strings.TrimSpace(key), "="))
		if err != nil || len(keyBytes) != 32 {
			return fmt.Errorf("bad ed25519 identity %q", key)
		}
		copy(r.Ed25519ID[:], keyBytes)
		r.HasEd25519 = true
	case "ntor-onion-key":
		keyBytes, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(strings.TrimSpace(rest), "="))
		if err != nil || len(keyBytes) != 32 {
			return fmt.Errorf("bad ntor-onion-key %q", rest)
		}
		copy(r.NtorOnionKey[:], keyBytes)
	case "family":
		for _, f := range strings.Fields(rest) {
			if id, ok := parseFamilyEntry(f); ok {
				r.Family = append(r.Family, id)
			}
		}
	case "p", "p6":
		pol, err := ParsePortPolicy(rest)
		if err != nil {
			return err
		}
		if keyword == "p" {
			r.IPv4Policy = pol
		} else {
			r.IPv6Policy = pol
		}
	}
	return nil
}

// parseFamilyEntry accepts "$HEXID", optionally followed by "~nick" or
// "=nick". Bare nicknames are ignored.
func parseFamilyEntry(s string) (RelayID, bool) {
	var id RelayID
	if !strings.HasPrefix(s, "$") || len(s) < 41 {
		return id, false
	}
	b, err := hex.DecodeString(s[1:41])
	if err != nil {
		return id, false
	}
	copy(id[:], b)
	return id, true
}

func parseFlags(relay *Relay, rest string) {
	for _, f := range strings.Fields(rest) {
		switch f {
		case "Authority":
			relay.Flags.Authority = true
		case "BadExit":
			relay.Flags.BadExit = true
		case "Exit":
			relay.Flags.Exit = true
		case "Fast":
			relay.Flags.Fast = true
		case "Guard":
			relay.Flags.Guard = true
		case "HSDir":
			relay.Flags.HSDir = true
		case "Running":
			relay.Flags.Running = true
		case "Stable":
			relay.Flags.Stable = true
		case "Valid":
			relay.Flags.Valid = true
		case "V2Dir":
			relay.Flags.V2Dir = true
		}
	}
}

func parseBandwidth(relay *Relay, rest string) {
	for _, field := range strings.Fields(rest) {
		if v, ok := strings.CutPrefix(field, "Bandwidth="); ok {
			if bw, err := strconv.ParseInt(v, 10, 64); err == nil {
				relay.Bandwidth = bw
			}
		}
	}
}

func parseBandwidthWeights(b *Builder, rest string) {
	for _, field := range strings.Fields(rest) {
		k, v, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		if val, err := strconv.ParseInt(v, 10, 64); err == nil {
			b.SetWeight(k, val)
		}
	}
}

// FallbackDir is a hard-coded directory cache used before any snapshot is
// available.
type FallbackDir struct {
	ID   RelayID
	Addr netip.AddrPort
}

func (f FallbackDir) String() string {
	return f.ID.String()[:9] + "@" + f.Addr.String()
}
