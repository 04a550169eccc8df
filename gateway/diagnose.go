package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"

	"uwbgateway/discovery"
	"uwbgateway/probe"
	"uwbgateway/registry"
	"uwbgateway/telemetry"
)

// PeerReport is the diagnosis of one discovered peer.
type PeerReport struct {
	ID         registry.PeerID     `json:"id"`
	Name       string              `json:"name"`
	Email      string              `json:"email"`
	Role       registry.Role       `json:"role"`
	Addresses  registry.AddressSet `json:"addresses"`
	Port       int                 `json:"port"`
	Status     registry.Status     `json:"status"`
	WorkingURL string              `json:"workingUrl,omitempty"`
	Battery    *float64            `json:"battery,omitempty"`
	Tried      int                 `json:"pairsTried"`
	Errors     []string            `json:"errors,omitempty"`
}

// Diagnosis is the result of one browse-and-probe pass.
type Diagnosis struct {
	Instances []string     `json:"instances"`
	Peers     []PeerReport `json:"peers"`
}

// Connected counts peers that answered.
func (d Diagnosis) Connected() int {
	count := 0
	for _, peer := range d.Peers {
		if peer.Status == registry.StatusConnected {
			count++
		}
	}
	return count
}

// Diagnose browses for peers for wait, probes each one once and reports the
// outcome without starting the gateway.
func Diagnose(ctx context.Context, s Settings, wait time.Duration) (Diagnosis, error) {
	dcfg := discoveryConfig(s)
	if wait > 0 {
		dcfg.ScanTimeout = wait
	}

	scanner, err := discovery.NewPeerScanner(dcfg)
	if err != nil {
		return Diagnosis{}, fmt.Errorf("create peer scanner: %w", err)
	}
	if err := scanner.Start(); err != nil {
		return Diagnosis{}, fmt.Errorf("start peer scanner: %w", err)
	}
	refreshErr := scanner.Refresh(ctx)
	instances := scanner.Instances()
	scanner.Stop()
	if refreshErr != nil {
		return Diagnosis{}, fmt.Errorf("browse %s: %w", dcfg.Service, refreshErr)
	}

	var events []discovery.Event
	for event := range scanner.Events() {
		events = append(events, event)
	}

	diagnosis, err := diagnose(ctx, probeOptions(s, clock.New()), events)
	diagnosis.Instances = instances
	return diagnosis, err
}

func diagnose(ctx context.Context, opts probe.Options, events []discovery.Event) (Diagnosis, error) {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	reg := registry.New(opts.Clock)
	cache := telemetry.NewCache()
	attempts := probe.NewAttemptLog(1)

	engine, err := probe.NewEngine(reg, cache, attempts, opts)
	if err != nil {
		return Diagnosis{}, err
	}

	adapter := discovery.NewAdapter(reg, nil, nil)
	for _, event := range events {
		adapter.Handle(event)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	for _, id := range reg.ProbeTargets() {
		group.Go(func() error {
			engine.Probe(groupCtx, id)
			return nil
		})
	}
	_ = group.Wait()

	records := reg.SnapshotAll()
	out := Diagnosis{Peers: make([]PeerReport, 0, len(records))}
	for _, rec := range records {
		report := PeerReport{
			ID:        rec.ID,
			Name:      rec.DisplayName,
			Email:     rec.IdentityTag,
			Role:      rec.Role,
			Addresses: rec.Addresses,
			Port:      rec.PrimaryPort,
			Status:    rec.Status,
		}
		if history := attempts.Get(rec.ID); len(history) > 0 {
			last := history[len(history)-1]
			report.WorkingURL = last.WorkingURL
			report.Errors = last.Errors
			report.Tried = len(last.PortsTried)
		}
		if entry, ok := cache.Get(rec.ID); ok {
			if level, ok := entry.Payload.BatteryLevel(); ok {
				report.Battery = &level
			}
		}
		out.Peers = append(out.Peers, report)
	}
	return out, ctx.Err()
}
