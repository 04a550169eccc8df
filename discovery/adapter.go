package discovery

import (
	"context"
	"log/slog"
	"net/netip"
	"strings"

	"uwbgateway/registry"
)

// TXT record keys peers announce.
const (
	txtDeviceID   = "deviceId"
	txtDeviceName = "deviceName"
	txtEmail      = "email"
	txtRole       = "role"

	defaultDeviceName = "Unknown Device"
	defaultEmail      = "unknown"
)

// Scheduler requests an immediate probe without waiting for it.
type Scheduler interface {
	TryEnqueue(id registry.PeerID) bool
}

// Adapter turns discovery events into registry operations.
type Adapter struct {
	registry  *registry.Registry
	scheduler Scheduler
	notify    func()
	log       *slog.Logger
}

// NewAdapter creates an adapter. scheduler and notify may be nil.
func NewAdapter(reg *registry.Registry, scheduler Scheduler, notify func()) *Adapter {
	return &Adapter{
		registry:  reg,
		scheduler: scheduler,
		notify:    notify,
		log:       slog.Default().With("component", "discovery"),
	}
}

// Run handles events until the channel closes or ctx is done.
func (a *Adapter) Run(ctx context.Context, events <-chan Event) error {
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return nil
			}
			a.Handle(event)
		case <-ctx.Done():
			return nil
		}
	}
}

// Handle applies one discovery event.
func (a *Adapter) Handle(event Event) {
	switch event.Kind {
	case EventAppeared, EventUpdated:
		a.handleResolved(event)
	case EventRemoved:
		a.handleRemoved(event.Name)
	default:
		a.log.Warn("ignoring unknown discovery event", "kind", event.Kind, "name", event.Name)
	}
}

func (a *Adapter) handleResolved(event Event) {
	if event.Resolution == nil {
		a.log.Warn("discovery event without resolution", "kind", event.Kind, "name", event.Name)
		return
	}

	ann := a.announcement(event.Name, *event.Resolution)
	result, err := a.registry.Upsert(ann)
	if err != nil {
		a.log.Warn("rejecting announcement", "name", event.Name, "err", err)
		return
	}

	a.log.Info("peer announced",
		"kind", event.Kind,
		"peer", ann.ID,
		"name", ann.DisplayName,
		"email", ann.IdentityTag,
		"role", ann.Role,
		"ipv4", ann.Addresses.IPv4,
		"ipv6", ann.Addresses.IPv6,
		"port", ann.Port,
	)
	for _, evicted := range result.Evicted {
		a.log.Info("evicted superseded peer", "peer", evicted, "by", ann.ID, "name", event.Name)
	}
	if len(result.Evicted) > 0 {
		a.broadcast()
	}

	if a.scheduler == nil || !a.scheduler.TryEnqueue(ann.ID) {
		a.log.Debug("immediate probe not scheduled", "peer", ann.ID)
	}
}

func (a *Adapter) handleRemoved(name string) {
	id, ok := a.registry.MarkRemoved(name)
	if !ok {
		a.log.Debug("removal for unknown service", "name", name)
		return
	}
	a.log.Info("peer went offline", "peer", id, "name", name)
	a.broadcast()
}

func (a *Adapter) announcement(name string, res Resolution) registry.Announcement {
	meta := res.Metadata

	id := strings.TrimSpace(meta[txtDeviceID])
	if id == "" {
		id = name
	}

	return registry.Announcement{
		ID:          registry.PeerID(id),
		SourceName:  name,
		DisplayName: valueOr(meta[txtDeviceName], defaultDeviceName),
		IdentityTag: valueOr(meta[txtEmail], defaultEmail),
		Role:        registry.ParseRole(meta[txtRole]),
		Addresses:   a.addressSet(name, res.Addresses),
		Port:        res.Port,
		Metadata:    meta,
	}
}

// addressSet keeps the first valid IPv4 and the first valid IPv6 address.
// IPv6 zones are dropped.
func (a *Adapter) addressSet(name string, raw []string) registry.AddressSet {
	var set registry.AddressSet
	for _, text := range raw {
		addr, err := netip.ParseAddr(strings.TrimSpace(text))
		if err != nil {
			a.log.Warn("skipping unparseable address", "name", name, "address", text, "err", err)
			continue
		}
		addr = addr.WithZone("").Unmap()
		switch {
		case addr.Is4():
			if set.IPv4 == "" {
				set.IPv4 = addr.String()
			}
		case addr.Is6():
			if set.IPv6 == "" {
				set.IPv6 = addr.String()
			}
		}
	}
	return set
}

func (a *Adapter) broadcast() {
	if a.notify != nil {
		a.notify()
	}
}

func valueOr(value, fallback string) string {
	if value = strings.TrimSpace(value); value != "" {
		return value
	}
	return fallback
}
