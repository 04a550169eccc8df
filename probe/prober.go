package probe

import (
	"context"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"

	"uwbgateway/registry"
)

// DefaultProbeInterval is the period of the background probe sweep.
const DefaultProbeInterval = 2 * time.Second

// ProberConfig controls the periodic prober.
type ProberConfig struct {
	Interval time.Duration
	Clock    clock.Clock
}

func (c ProberConfig) withDefaults() ProberConfig {
	out := c
	if out.Interval <= 0 {
		out.Interval = DefaultProbeInterval
	}
	if out.Clock == nil {
		out.Clock = clock.New()
	}
	return out
}

// Prober re-probes every non-offline peer on a fixed period.
type Prober struct {
	cfg      ProberConfig
	registry *registry.Registry
	target   Target
	log      *slog.Logger
}

// NewProber creates a prober over the registry's peers.
func NewProber(reg *registry.Registry, target Target, cfg ProberConfig) *Prober {
	return &Prober{
		cfg:      cfg.withDefaults(),
		registry: reg,
		target:   target,
		log:      slog.Default().With("component", "prober"),
	}
}

// Run probes on every tick until ctx is done. A batch finishes before the
// next one starts.
func (p *Prober) Run(ctx context.Context) error {
	ticker := p.cfg.Clock.Ticker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.RunOnce(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

// RunOnce probes every current target concurrently and returns how many were
// probed.
func (p *Prober) RunOnce(ctx context.Context) int {
	targets := p.registry.ProbeTargets()
	if len(targets) == 0 {
		return 0
	}
	p.log.Debug("periodic probe", "peers", len(targets))

	var g errgroup.Group
	for _, id := range targets {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					p.log.Error("probe panicked", "peer", id, "panic", r)
				}
			}()
			p.target.Probe(ctx, id)
			return nil
		})
	}
	_ = g.Wait()
	return len(targets)
}
