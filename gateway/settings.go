// Package gateway assembles the gateway's components into an fx application.
package gateway

import (
	"github.com/benbjohnson/clock"

	"uwbgateway/config"
	"uwbgateway/discovery"
	"uwbgateway/probe"
	"uwbgateway/register"
	"uwbgateway/registry"
)

// Settings is everything the application needs from the outside.
type Settings struct {
	Config  *config.Config
	DataDir string
	Version string
}

func discoveryConfig(s Settings) discovery.Config {
	cfg := s.Config
	return discovery.Config{
		Service:         cfg.Discovery.Service,
		Domain:          cfg.Discovery.Domain,
		RefreshInterval: cfg.Discovery.RefreshInterval,
		ScanTimeout:     cfg.Discovery.ScanTimeout,
		RemoveAfter:     cfg.Discovery.RemoveAfter,
		GatewayID:       cfg.GatewayID,
		GatewayName:     cfg.GatewayName,
		Version:         s.Version,
	}
}

func probeOptions(s Settings, clk clock.Clock) probe.Options {
	return probe.Options{
		Scheme:        s.Config.Probe.Scheme,
		Timeout:       s.Config.Probe.Timeout,
		FallbackPorts: append([]int(nil), s.Config.Probe.FallbackPorts...),
		Clock:         clk,
	}
}

func sweeperConfig(s Settings, clk clock.Clock) registry.SweeperConfig {
	return registry.SweeperConfig{
		Interval: s.Config.Staleness.SweepInterval,
		TTL:      s.Config.Staleness.TTL,
		Clock:    clk,
	}
}

func registerOptions(s Settings, clk clock.Clock) register.Options {
	return register.Options{
		ScanTimeout:     s.Config.Scan.Timeout,
		ScanConcurrency: s.Config.Scan.Concurrency,
		Clock:           clk,
	}
}

// Subnets converts the configured scan ranges.
func Subnets(cfg *config.Config) []register.Subnet {
	out := make([]register.Subnet, 0, len(cfg.Scan.Subnets))
	for _, subnet := range cfg.Scan.Subnets {
		out = append(out, register.Subnet{
			Prefix: subnet.Prefix,
			Start:  subnet.Start,
			End:    subnet.End,
			Port:   subnet.Port,
		})
	}
	return out
}
