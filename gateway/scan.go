package gateway

import (
	"context"
	"errors"

	"github.com/benbjohnson/clock"

	"uwbgateway/probe"
	"uwbgateway/register"
	"uwbgateway/registry"
	"uwbgateway/telemetry"
)

// ScanOnce sweeps each subnet once outside the running gateway and returns
// every peer that answered.
func ScanOnce(ctx context.Context, s Settings, targets []register.Subnet) ([]registry.PeerRecord, error) {
	return scanOnce(ctx, s, probeOptions(s, clock.New()), targets)
}

func scanOnce(ctx context.Context, s Settings, opts probe.Options, targets []register.Subnet) ([]registry.PeerRecord, error) {
	if len(targets) == 0 {
		return nil, errors.New("no subnets to scan")
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}

	reg := registry.New(opts.Clock)
	engine, err := probe.NewEngine(reg, telemetry.NewCache(), nil, opts)
	if err != nil {
		return nil, err
	}
	registrar := register.New(reg, engine, nil, registerOptions(s, opts.Clock))

	var found []registry.PeerRecord
	for _, subnet := range targets {
		records, err := registrar.ScanSubnet(ctx, subnet)
		if err != nil {
			return found, err
		}
		found = append(found, records...)
	}
	return found, nil
}
