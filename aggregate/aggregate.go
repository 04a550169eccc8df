// Package aggregate merges registry state and cached telemetry into the
// snapshot served to clients.
package aggregate

import (
	"sort"
	"time"

	"github.com/benbjohnson/clock"

	"uwbgateway/registry"
	"uwbgateway/telemetry"
)

const unknownSource = "unknown"

// DeviceView is the client-facing summary of one registry record.
type DeviceView struct {
	ID                  registry.PeerID     `json:"id"`
	Name                string              `json:"name"`
	Email               string              `json:"email"`
	Role                registry.Role       `json:"role"`
	Addresses           registry.AddressSet `json:"addresses"`
	Port                int                 `json:"port"`
	Status              registry.Status     `json:"status"`
	LastSeen            time.Time           `json:"lastSeen"`
	LastSuccessfulProbe *time.Time          `json:"lastSuccessfulProbe"`
	WorkingAddress      string              `json:"workingAddress,omitempty"`
	Battery             *float64            `json:"battery"`
	Error               string              `json:"error,omitempty"`
}

// Snapshot is one merged, point-in-time view of every known device.
type Snapshot struct {
	Devices         []DeviceView     `json:"devices"`
	Anchors         []telemetry.Item `json:"anchors"`
	Navigators      []telemetry.Item `json:"navigators"`
	ConnectionCount int              `json:"connectionCount"`
	Timestamp       string           `json:"timestamp"`
}

// Aggregator builds snapshots from the registry and the telemetry cache.
type Aggregator struct {
	registry *registry.Registry
	cache    *telemetry.Cache
	clock    clock.Clock
}

// New creates an aggregator. A nil clock means wall-clock time.
func New(reg *registry.Registry, cache *telemetry.Cache, clk clock.Clock) *Aggregator {
	if clk == nil {
		clk = clock.New()
	}
	return &Aggregator{registry: reg, cache: cache, clock: clk}
}

// BuildSnapshot copies the registry and the cache once and merges them.
//
// Anchor and navigator lists start with a placeholder for every unreachable
// record of that role that no cached item stands for, followed by the
// cached items in peer-ID order. Items are de-duplicated by their id field;
// the first occurrence wins.
func (a *Aggregator) BuildSnapshot() Snapshot {
	records := a.registry.SnapshotAll()
	entries := a.cache.Snapshot()

	byID := make(map[registry.PeerID]registry.PeerRecord, len(records))
	for _, rec := range records {
		byID[rec.ID] = rec
	}

	cachedIDs := make([]registry.PeerID, 0, len(entries))
	for id := range entries {
		cachedIDs = append(cachedIDs, id)
	}
	sort.Slice(cachedIDs, func(i, j int) bool { return cachedIDs[i] < cachedIDs[j] })

	snapshot := Snapshot{
		Devices:   make([]DeviceView, 0, len(records)),
		Timestamp: a.clock.Now().UTC().Format(time.RFC3339),
	}
	for _, rec := range records {
		entry, cached := entries[rec.ID]
		snapshot.Devices = append(snapshot.Devices, deviceView(rec, entry, cached))
		if rec.Status == registry.StatusConnected {
			snapshot.ConnectionCount++
		}
	}

	snapshot.Anchors = mergeList(records, byID, entries, cachedIDs, registry.RoleAnchor,
		func(p telemetry.Payload) []telemetry.Item { return p.Anchors })
	snapshot.Navigators = mergeList(records, byID, entries, cachedIDs, registry.RoleNavigator,
		func(p telemetry.Payload) []telemetry.Item { return p.Navigators })
	return snapshot
}

func deviceView(rec registry.PeerRecord, entry telemetry.Entry, cached bool) DeviceView {
	view := DeviceView{
		ID:                  rec.ID,
		Name:                rec.DisplayName,
		Email:               rec.IdentityTag,
		Role:                rec.Role,
		Addresses:           rec.Addresses,
		Port:                rec.PrimaryPort,
		Status:              rec.Status,
		LastSeen:            rec.LastSeen,
		LastSuccessfulProbe: rec.LastSuccessfulProbe,
		WorkingAddress:      rec.WorkingAddress,
		Error:               rec.LastErrorDetail,
	}
	if cached {
		if level, ok := entry.Payload.BatteryLevel(); ok {
			view.Battery = &level
		}
	}
	return view
}

func mergeList(
	records []registry.PeerRecord,
	byID map[registry.PeerID]registry.PeerRecord,
	entries map[registry.PeerID]telemetry.Entry,
	cachedIDs []registry.PeerID,
	role registry.Role,
	items func(telemetry.Payload) []telemetry.Item,
) []telemetry.Item {
	represented := make(map[string]struct{})
	for _, entry := range entries {
		for _, item := range items(entry.Payload) {
			if id := item.ID(); id != "" {
				represented[id] = struct{}{}
			}
		}
	}

	out := make([]telemetry.Item, 0)
	seen := make(map[string]struct{})

	for _, rec := range records {
		if rec.Role != role || !rec.Status.Unreachable() {
			continue
		}
		if _, ok := represented[string(rec.ID)]; ok {
			continue
		}
		out = append(out, placeholder(rec))
		seen[string(rec.ID)] = struct{}{}
	}

	for _, id := range cachedIDs {
		entry := entries[id]
		rec, known := byID[id]
		for _, item := range items(entry.Payload) {
			if itemID := item.ID(); itemID != "" {
				if _, dup := seen[itemID]; dup {
					continue
				}
				seen[itemID] = struct{}{}
			}
			out = append(out, annotate(item, rec, known, entry))
		}
	}
	return out
}

func annotate(item telemetry.Item, rec registry.PeerRecord, known bool, entry telemetry.Entry) telemetry.Item {
	out := item.Clone()
	if out == nil {
		out = telemetry.Item{}
	}
	if !known {
		out["sourceDevice"] = unknownSource
		out["sourceIP"] = entry.FetchAddress
		out["sourceStatus"] = unknownSource
		return out
	}

	sourceIP := rec.WorkingAddress
	if sourceIP == "" {
		sourceIP = rec.Addresses.Preferred()
	}
	out["sourceDevice"] = rec.IdentityTag
	out["sourceIP"] = sourceIP
	out["sourceStatus"] = string(rec.Status)
	return out
}

func placeholder(rec registry.PeerRecord) telemetry.Item {
	item := telemetry.Item{
		"id":          string(rec.ID),
		"name":        rec.DisplayName,
		"email":       rec.IdentityTag,
		"role":        string(rec.Role),
		"status":      string(rec.Status),
		"error":       rec.LastErrorDetail,
		"battery":     0,
		"placeholder": true,
	}
	switch rec.Role {
	case registry.RoleAnchor:
		item["connectedNavigators"] = 0
		item["destination"] = ""
	case registry.RoleNavigator:
		item["connectedAnchors"] = 0
		item["targetAnchor"] = ""
	}
	return item
}
