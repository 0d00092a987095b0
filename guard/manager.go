package guard

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"go4.org/netipx"

	"github.com/cvsouth/torcirc/metrics"
	"github.com/cvsouth/torcirc/netdir"
)

const (
	DefaultSampleSize    = 3
	DefaultMaxSampleSize = 20
	DefaultRetryInterval = 10 * time.Minute
)

// Config configures a Manager.
type Config struct {
	// SampleSize is how many guards are sampled up front.
	SampleSize int
	// MaxSampleSize bounds growth of the sample when restrictions rule out
	// every sampled guard.
	MaxSampleSize int
	// RetryInterval is how long a failed guard is skipped.
	RetryInterval time.Duration
	// ReachableAddrs limits guards to those with an address in the set.
	// Nil means every address is reachable.
	ReachableAddrs *netipx.IPSet
	// Store persists the sample. Nil means a MemStore.
	Store Store
	// Rand drives sampling. Nil means netdir.NewRand().
	Rand netdir.Rand
}

func (c *Config) applyDefaults() {
	if c.SampleSize <= 0 {
		c.SampleSize = DefaultSampleSize
	}
	if c.MaxSampleSize < c.SampleSize {
		c.MaxSampleSize = max(DefaultMaxSampleSize, c.SampleSize)
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = DefaultRetryInterval
	}
	if c.Store == nil {
		c.Store = new(MemStore)
	}
	if c.Rand == nil {
		c.Rand = netdir.NewRand()
	}
}

// Manager is a GuardMgr that keeps an ordered sample of guards and always
// prefers the earliest sampled guard that is usable, so the same guard is
// used until it fails.
type Manager struct {
	mu      sync.Mutex
	cfg     Config
	sampled []Record
	retry   *cache.Cache
	logger  *slog.Logger
}

var _ GuardMgr = (*Manager)(nil)

// NewManager loads the persisted sample from cfg.Store.
func NewManager(cfg Config, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()
	sampled, err := cfg.Store.Load()
	if err != nil {
		return nil, err
	}
	logger.Debug("guard sample loaded", "guards", len(sampled))
	return &Manager{
		cfg:     cfg,
		sampled: sampled,
		retry:   cache.New(cfg.RetryInterval, 2*cfg.RetryInterval),
		logger:  logger,
	}, nil
}

// SelectGuard returns the first sampled guard that is listed in nd and
// allowed by usage and not waiting out a failure. If none is, the sample
// grows until one is or MaxSampleSize is reached.
func (m *Manager) SelectGuard(usage Usage, nd *netdir.NetDir) (netdir.RelayID, *Monitor, *Usable, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fillSample(nd, m.cfg.SampleSize, nil); err != nil {
		return netdir.RelayID{}, nil, nil, err
	}
	rec, ok := m.firstUsable(usage, nd)
	if !ok {
		if err := m.fillSample(nd, m.cfg.MaxSampleSize, usage.Allows); err != nil {
			return netdir.RelayID{}, nil, nil, err
		}
		rec, ok = m.firstUsable(usage, nd)
	}
	if !ok {
		metrics.GuardSelected("none")
		return netdir.RelayID{}, nil, nil, fmt.Errorf("%w for %s usage (%d sampled)", ErrNoGuard, usage.Kind, len(m.sampled))
	}
	metrics.GuardSelected("ok")

	id := rec.ID
	usable := NewUsable()
	if rec.Confirmed {
		usable.Resolve(true)
	}
	mon := NewMonitor(func(o Outcome) {
		m.record(id, o)
		switch o {
		case Success:
			usable.Resolve(true)
		case Failure, Indeterminate, Abandoned:
			usable.Resolve(false)
		}
	})
	m.logger.Debug("guard selected", "guard", id, "usage", usage.Kind)
	return id, mon, usable, nil
}

func (m *Manager) firstUsable(usage Usage, nd *netdir.NetDir) (Record, bool) {
	for _, rec := range m.sampled {
		r := nd.RelayByID(rec.ID)
		if r == nil || !r.Flags.Running || !r.Flags.Valid || !r.IsFlaggedGuard() {
			continue
		}
		if !usage.Allows(r) || !netdir.Reachable(r, m.cfg.ReachableAddrs) {
			continue
		}
		if _, failed := m.retry.Get(rec.ID.String()); failed {
			continue
		}
		return rec, true
	}
	return Record{}, false
}

// fillSample adds guards from nd until the sample holds want entries. It
// must be called with m.mu held.
func (m *Manager) fillSample(nd *netdir.NetDir, want int, extra func(*netdir.Relay) bool) error {
	if len(m.sampled) >= want {
		return nil
	}
	inSample := make(map[netdir.RelayID]bool, len(m.sampled))
	for _, rec := range m.sampled {
		inSample[rec.ID] = true
	}
	picked := nd.PickNRelays(m.cfg.Rand, want-len(m.sampled), netdir.WeightGuard, func(r *netdir.Relay) bool {
		return r.IsFlaggedGuard() &&
			!inSample[r.ID] &&
			netdir.Reachable(r, m.cfg.ReachableAddrs) &&
			(extra == nil || extra(r))
	})
	if len(picked) == 0 {
		return nil
	}
	now := time.Now().Unix()
	for _, r := range picked {
		m.sampled = append(m.sampled, Record{ID: r.ID, AddedUnix: now})
		m.logger.Info("guard sampled", "guard", r)
	}
	return m.persist()
}

func (m *Manager) record(id netdir.RelayID, o Outcome) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch o {
	case Success:
		m.retry.Delete(id.String())
		i := slices.IndexFunc(m.sampled, func(rec Record) bool { return rec.ID == id })
		if i >= 0 && !m.sampled[i].Confirmed {
			m.sampled[i].Confirmed = true
			if err := m.persist(); err != nil {
				m.logger.Warn("failed to persist guard sample", "err", err)
			}
		}
	case Failure:
		m.retry.Set(id.String(), struct{}{}, cache.DefaultExpiration)
		m.logger.Info("guard failed", "guard", id, "retry_in", m.cfg.RetryInterval)
	}
	m.logger.Debug("guard outcome", "guard", id, "outcome", o)
}

func (m *Manager) persist() error {
	if err := m.cfg.Store.Save(m.sampled); err != nil {
		return fmt.Errorf("persist guard sample: %w", err)
	}
	return nil
}

// Sampled returns the sampled guards in preference order.
func (m *Manager) Sampled() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.sampled)
}
