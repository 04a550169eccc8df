// Package discovery browses for peers over mDNS and feeds what it finds into
// the registry.
package discovery

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/grandcat/zeroconf"
)

const (
	// DefaultService is the mDNS service peers announce, without domain suffix.
	DefaultService = "_uwbnav-http._tcp"
	// DefaultGatewayService is the mDNS service the gateway advertises itself under.
	DefaultGatewayService = "_uwbnav-gateway._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultRefreshInterval is the background browse interval.
	DefaultRefreshInterval = 10 * time.Second
	// DefaultScanTimeout bounds each browse window.
	DefaultScanTimeout = 3 * time.Second
	// DefaultRemoveAfter is how many windows in a row an instance must be
	// missing from before it is reported removed.
	DefaultRemoveAfter = 2
	// DefaultWSPath is advertised so clients can find the websocket endpoint.
	DefaultWSPath = "/ws"
)

type (
	registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
	browseFunc   func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error
)

// Config controls the scanner and the gateway broadcaster.
type Config struct {
	Service         string
	Domain          string
	RefreshInterval time.Duration
	ScanTimeout     time.Duration
	RemoveAfter     int
	Clock           clock.Clock

	// Gateway advertisement.
	GatewayService string
	GatewayID      string
	GatewayName    string
	Version        string
	WSPath         string
	ListeningPort  int

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	out.Service = cmp.Or(out.Service, DefaultService)
	out.Domain = cmp.Or(out.Domain, DefaultDomain)
	out.GatewayService = cmp.Or(out.GatewayService, DefaultGatewayService)
	out.WSPath = cmp.Or(out.WSPath, DefaultWSPath)
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.RemoveAfter <= 0 {
		out.RemoveAfter = DefaultRemoveAfter
	}
	if out.Clock == nil {
		out.Clock = clock.New()
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

// gatewayTXT lists the TXT records of the gateway advertisement, or the
// first missing field.
func (c Config) gatewayTXT() ([]string, error) {
	switch {
	case strings.TrimSpace(c.GatewayID) == "":
		return nil, errors.New("gateway ID is required")
	case strings.TrimSpace(c.GatewayName) == "":
		return nil, errors.New("gateway name is required")
	case c.ListeningPort <= 0:
		return nil, errors.New("listening port must be > 0")
	}

	txt := []string{"gateway_id=" + c.GatewayID, "ws_path=" + c.WSPath}
	if c.Version != "" {
		txt = append(txt, "version="+c.Version)
	}
	return txt, nil
}

// Broadcaster advertises the gateway so apps can find it without
// configuration.
type Broadcaster struct {
	server *zeroconf.Server
}

// StartBroadcaster registers the gateway under GatewayService on
// ListeningPort.
func StartBroadcaster(config Config) (*Broadcaster, error) {
	cfg := config.withDefaults()
	txt, err := cfg.gatewayTXT()
	if err != nil {
		return nil, err
	}

	server, err := cfg.registerFn(cfg.GatewayName, cfg.GatewayService, cfg.Domain, cfg.ListeningPort, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service %s: %w", cfg.GatewayService, err)
	}

	slog.Default().With("component", "discovery").Info("advertising gateway",
		"service", cfg.GatewayService, "instance", cfg.GatewayName, "port", cfg.ListeningPort)
	return &Broadcaster{server: server}, nil
}

// Stop withdraws the advertisement. It is safe on a nil Broadcaster.
func (b *Broadcaster) Stop() {
	if b == nil || b.server == nil {
		return
	}
	b.server.Shutdown()
}
