// Package config loads the TOML configuration of the circuit path selector.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"go4.org/netipx"

	"github.com/cvsouth/torcirc/guard"
	"github.com/cvsouth/torcirc/netdir"
	"github.com/cvsouth/torcirc/pathselect"
)

const (
	defaultSubnetsFamilyV4 = 16
	defaultSubnetsFamilyV6 = 32
	defaultLogLevel        = "INFO"
	defaultMetricsAddress  = "127.0.0.1:9464"
)

// Path is the path selection configuration.
type Path struct {
	// SubnetsFamilyV4 is the IPv4 prefix length within which two relays
	// may not share a circuit. Values above 32 disable the rule.
	SubnetsFamilyV4 int
	// SubnetsFamilyV6 is the same for IPv6. Values above 128 disable it.
	SubnetsFamilyV6 int
	// LongLivedPorts are ports whose circuits need Stable relays.
	LongLivedPorts []uint16
	// ReachableAddrs lists the prefixes this client can connect to.
	// Empty means everywhere.
	ReachableAddrs []string

	reachable *netipx.IPSet
}

func (p *Path) validate() error {
	if p.SubnetsFamilyV4 == 0 {
		p.SubnetsFamilyV4 = defaultSubnetsFamilyV4
	}
	if p.SubnetsFamilyV6 == 0 {
		p.SubnetsFamilyV6 = defaultSubnetsFamilyV6
	}
	if p.SubnetsFamilyV4 < 0 || p.SubnetsFamilyV4 > 255 {
		return fmt.Errorf("config: Path: SubnetsFamilyV4 %d out of range", p.SubnetsFamilyV4)
	}
	if p.SubnetsFamilyV6 < 0 || p.SubnetsFamilyV6 > 255 {
		return fmt.Errorf("config: Path: SubnetsFamilyV6 %d out of range", p.SubnetsFamilyV6)
	}
	if p.LongLivedPorts == nil {
		p.LongLivedPorts = append([]uint16(nil), pathselect.DefaultLongLivedPorts...)
	}
	if len(p.ReachableAddrs) == 0 {
		p.reachable = nil
		return nil
	}
	var b netipx.IPSetBuilder
	for _, s := range p.ReachableAddrs {
		pfx, err := netip.ParsePrefix(s)
		if err != nil {
			return fmt.Errorf("config: Path: ReachableAddrs: %w", err)
		}
		b.AddPrefix(pfx.Masked())
	}
	set, err := b.IPSet()
	if err != nil {
		return fmt.Errorf("config: Path: ReachableAddrs: %w", err)
	}
	p.reachable = set
	return nil
}

// Guard is the guard manager configuration.
type Guard struct {
	// StateFile is the bbolt database holding the guard sample. Empty
	// keeps the sample in memory only.
	StateFile string
	// RetryInterval is how long a failed guard is skipped, e.g. "10m".
	RetryInterval string
	// SampleSize is how many guards are sampled up front.
	SampleSize int

	retry time.Duration
}

func (g *Guard) validate() error {
	if g.SampleSize < 0 {
		return fmt.Errorf("config: Guard: SampleSize %d is negative", g.SampleSize)
	}
	if g.SampleSize == 0 {
		g.SampleSize = guard.DefaultSampleSize
	}
	if g.RetryInterval == "" {
		g.retry = guard.DefaultRetryInterval
		g.RetryInterval = g.retry.String()
		return nil
	}
	d, err := time.ParseDuration(g.RetryInterval)
	if err != nil {
		return fmt.Errorf("config: Guard: RetryInterval: %w", err)
	}
	if d <= 0 {
		return fmt.Errorf("config: Guard: RetryInterval %v is not positive", d)
	}
	g.retry = d
	return nil
}

// Logging is the logging configuration.
type Logging struct {
	// Level is one of DEBUG, INFO, WARN or ERROR.
	Level string
}

func (l *Logging) validate() error {
	l.Level = strings.ToUpper(l.Level)
	switch l.Level {
	case "":
		l.Level = defaultLogLevel
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		return fmt.Errorf("config: Logging: Level %q is invalid", l.Level)
	}
	return nil
}

// Metrics is the Prometheus endpoint configuration.
type Metrics struct {
	Enable  bool
	Address string
}

func (m *Metrics) validate() error {
	if m.Address == "" {
		m.Address = defaultMetricsAddress
	}
	return nil
}

// Config is the top level configuration.
type Config struct {
	Path    *Path
	Guard   *Guard
	Logging *Logging
	Metrics *Metrics
}

// FixupAndValidate applies defaults to config entries and validates the
// supplied configuration. Most people should call one of the Load variants
// instead.
func (cfg *Config) FixupAndValidate() error {
	if cfg.Path == nil {
		cfg.Path = &Path{}
	}
	if cfg.Guard == nil {
		cfg.Guard = &Guard{}
	}
	if cfg.Logging == nil {
		cfg.Logging = &Logging{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &Metrics{}
	}
	return errors.Join(
		cfg.Path.validate(),
		cfg.Guard.validate(),
		cfg.Logging.validate(),
		cfg.Metrics.validate(),
	)
}

// PathConfig returns the path selection settings. logger may be nil.
func (cfg *Config) PathConfig(logger *slog.Logger) *pathselect.PathConfig {
	return &pathselect.PathConfig{
		Subnets: netdir.SubnetConfig{
			V4Bits: uint8(cfg.Path.SubnetsFamilyV4),
			V6Bits: uint8(cfg.Path.SubnetsFamilyV6),
		},
		ReachableAddrs: cfg.Path.reachable,
		LongLivedPorts: cfg.Path.LongLivedPorts,
		Logger:         logger,
	}
}

// GuardConfig returns the guard manager settings, opening the state file
// if one is configured. The caller owns the returned Store.
func (cfg *Config) GuardConfig() (guard.Config, error) {
	gc := guard.Config{
		SampleSize:     cfg.Guard.SampleSize,
		RetryInterval:  cfg.Guard.retry,
		ReachableAddrs: cfg.Path.reachable,
	}
	if cfg.Guard.StateFile != "" {
		store, err := guard.OpenBoltStore(cfg.Guard.StateFile)
		if err != nil {
			return guard.Config{}, fmt.Errorf("config: Guard: StateFile: %w", err)
		}
		gc.Store = store
	}
	return gc, nil
}

// LogLevel returns the configured slog level.
func (cfg *Config) LogLevel() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(cfg.Logging.Level)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := new(Config)
	if err := cfg.FixupAndValidate(); err != nil {
		panic("config: defaults do not validate: " + err.Error())
	}
	return cfg
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
