package registry

import (
	"context"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
)

const (
	// DefaultSweepInterval is how often the staleness sweep runs.
	DefaultSweepInterval = 30 * time.Second
	// DefaultStaleTTL is how long a peer may go without a successful probe.
	DefaultStaleTTL = 2 * time.Minute
)

// SweeperConfig controls the staleness sweeper.
type SweeperConfig struct {
	Interval time.Duration
	TTL      time.Duration
	Clock    clock.Clock

	// OnStale is called after a sweep that changed at least one record.
	OnStale func([]PeerID)
}

func (c SweeperConfig) withDefaults() SweeperConfig {
	out := c
	if out.Interval <= 0 {
		out.Interval = DefaultSweepInterval
	}
	if out.TTL <= 0 {
		out.TTL = DefaultStaleTTL
	}
	if out.Clock == nil {
		out.Clock = clock.New()
	}
	return out
}

// Sweeper periodically demotes peers that stopped answering probes.
type Sweeper struct {
	cfg      SweeperConfig
	registry *Registry
	log      *slog.Logger
}

// NewSweeper creates a sweeper over registry.
func NewSweeper(registry *Registry, cfg SweeperConfig) *Sweeper {
	return &Sweeper{
		cfg:      cfg.withDefaults(),
		registry: registry,
		log:      slog.Default().With("component", "sweeper"),
	}
}

// Run sweeps on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := s.cfg.Clock.Ticker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.SweepOnce()
		case <-ctx.Done():
			return nil
		}
	}
}

// SweepOnce runs one sweep and reports the peers it marked stale.
func (s *Sweeper) SweepOnce() []PeerID {
	stale := s.registry.SweepStale(s.cfg.TTL)
	if len(stale) == 0 {
		return nil
	}
	for _, id := range stale {
		s.log.Warn("peer marked stale", "peer", id, "ttl", s.cfg.TTL)
	}
	if s.cfg.OnStale != nil {
		s.cfg.OnStale(stale)
	}
	return stale
}
