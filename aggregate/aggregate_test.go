package aggregate

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/benbjohnson/clock"

	"uwbgateway/registry"
	"uwbgateway/telemetry"
)

func newFixture(t *testing.T) (*Aggregator, *registry.Registry, *telemetry.Cache) {
	t.Helper()
	mock := clock.NewMock()
	reg := registry.New(mock)
	cache := telemetry.NewCache()
	return New(reg, cache, mock), reg, cache
}

func addPeer(t *testing.T, reg *registry.Registry, id string, role registry.Role, ipv4 string) {
	t.Helper()
	if _, err := reg.Upsert(registry.Announcement{
		ID:          registry.PeerID(id),
		SourceName:  "svc-" + id,
		DisplayName: strings.ToUpper(id),
		IdentityTag: id + "@example.com",
		Role:        role,
		Addresses:   registry.AddressSet{IPv4: ipv4},
		Port:        8080,
	}); err != nil {
		t.Fatalf("Upsert(%s) failed: %v", id, err)
	}
}

func payload(battery float64, anchors, navigators []telemetry.Item) telemetry.Payload {
	p := telemetry.EmptyPayload()
	p.Status["batteryLevel"] = battery
	if anchors != nil {
		p.Anchors = anchors
	}
	if navigators != nil {
		p.Navigators = navigators
	}
	return p
}

func TestBuildSnapshotConnectedPeer(t *testing.T) {
	agg, reg, cache := newFixture(t)
	addPeer(t, reg, "p1", registry.RoleAnchor, "10.0.0.5")
	if err := reg.MarkWorking("p1", "10.0.0.5", 8080); err != nil {
		t.Fatalf("MarkWorking failed: %v", err)
	}
	cache.Put("p1", telemetry.Entry{Payload: payload(0.8, []telemetry.Item{{"id": "a1", "name": "Kitchen"}}, nil)})

	snap := agg.BuildSnapshot()

	if snap.ConnectionCount != 1 {
		t.Fatalf("expected one connection, got %d", snap.ConnectionCount)
	}
	if len(snap.Devices) != 1 || snap.Devices[0].Battery == nil || *snap.Devices[0].Battery != 0.8 {
		t.Fatalf("unexpected devices %+v", snap.Devices)
	}
	if len(snap.Anchors) != 1 {
		t.Fatalf("expected one anchor, got %v", snap.Anchors)
	}
	anchor := snap.Anchors[0]
	if anchor["sourceDevice"] != "p1@example.com" || anchor["sourceIP"] != "10.0.0.5" || anchor["sourceStatus"] != "connected" {
		t.Fatalf("unexpected annotations %v", anchor)
	}
	if snap.Timestamp != "1970-01-01T00:00:00Z" {
		t.Fatalf("unexpected timestamp %q", snap.Timestamp)
	}
}

func TestBuildSnapshotPlaceholderForUnreachablePeer(t *testing.T) {
	agg, reg, _ := newFixture(t)
	addPeer(t, reg, "p2", registry.RoleAnchor, "10.0.0.9")
	addPeer(t, reg, "n1", registry.RoleNavigator, "10.0.0.10")
	addPeer(t, reg, "p3", registry.RoleAnchor, "10.0.0.11")
	if err := reg.MarkStatus("p2", registry.StatusError, "connection refused"); err != nil {
		t.Fatalf("MarkStatus failed: %v", err)
	}
	reg.MarkRemoved("svc-n1")

	snap := agg.BuildSnapshot()

	if len(snap.Anchors) != 1 {
		t.Fatalf("expected only the error anchor as placeholder, got %v", snap.Anchors)
	}
	anchor := snap.Anchors[0]
	if anchor["id"] != "p2" || anchor["placeholder"] != true || anchor["status"] != "error" || anchor["error"] != "connection refused" {
		t.Fatalf("unexpected anchor placeholder %v", anchor)
	}
	if anchor["destination"] != "" || anchor["connectedNavigators"] != 0 || anchor["battery"] != 0 {
		t.Fatalf("anchor placeholder missing defaults: %v", anchor)
	}

	if len(snap.Navigators) != 1 {
		t.Fatalf("expected offline navigator placeholder, got %v", snap.Navigators)
	}
	nav := snap.Navigators[0]
	if nav["id"] != "n1" || nav["status"] != "offline" || nav["targetAnchor"] != "" || nav["connectedAnchors"] != 0 {
		t.Fatalf("unexpected navigator placeholder %v", nav)
	}
	if _, ok := nav["destination"]; ok {
		t.Fatalf("navigator placeholder should not carry anchor fields: %v", nav)
	}
}

func TestBuildSnapshotCachedItemSuppressesPlaceholder(t *testing.T) {
	agg, reg, cache := newFixture(t)
	addPeer(t, reg, "p2", registry.RoleAnchor, "10.0.0.9")
	cache.Put("p2", telemetry.Entry{Payload: payload(0.3, []telemetry.Item{{"id": "p2", "name": "Hall"}}, nil)})
	if err := reg.MarkStatus("p2", registry.StatusError, "timeout"); err != nil {
		t.Fatalf("MarkStatus failed: %v", err)
	}

	snap := agg.BuildSnapshot()

	if len(snap.Anchors) != 1 {
		t.Fatalf("expected exactly one p2 entry, got %v", snap.Anchors)
	}
	anchor := snap.Anchors[0]
	if _, ok := anchor["placeholder"]; ok {
		t.Fatalf("expected cached entry instead of placeholder, got %v", anchor)
	}
	if anchor["sourceStatus"] != "error" || anchor["name"] != "Hall" {
		t.Fatalf("unexpected cached entry %v", anchor)
	}
	if snap.Devices[0].Battery == nil || *snap.Devices[0].Battery != 0.3 {
		t.Fatalf("expected battery from retained telemetry, got %+v", snap.Devices[0])
	}
}

func TestBuildSnapshotDeduplicatesByItemID(t *testing.T) {
	agg, reg, cache := newFixture(t)
	addPeer(t, reg, "a", registry.RoleNavigator, "10.0.0.1")
	addPeer(t, reg, "b", registry.RoleNavigator, "10.0.0.2")
	cache.Put("b", telemetry.Entry{Payload: payload(1, []telemetry.Item{{"id": "shared", "seenBy": "b"}, {"id": "only-b"}}, nil)})
	cache.Put("a", telemetry.Entry{Payload: payload(1, []telemetry.Item{{"id": "shared", "seenBy": "a"}, {"name": "no id"}}, nil)})

	snap := agg.BuildSnapshot()

	if len(snap.Anchors) != 3 {
		t.Fatalf("expected 3 anchors after de-duplication, got %v", snap.Anchors)
	}
	if snap.Anchors[0]["id"] != "shared" || snap.Anchors[0]["seenBy"] != "a" {
		t.Fatalf("expected first writer in peer-ID order to win, got %v", snap.Anchors[0])
	}
	if snap.Anchors[2]["id"] != "only-b" {
		t.Fatalf("unexpected order %v", snap.Anchors)
	}
}

func TestBuildSnapshotOrphanedCacheEntry(t *testing.T) {
	agg, _, cache := newFixture(t)
	cache.Put("gone", telemetry.Entry{
		Payload:      payload(1, nil, []telemetry.Item{{"id": "nav"}}),
		FetchAddress: "10.0.0.77",
	})

	snap := agg.BuildSnapshot()

	if len(snap.Navigators) != 1 {
		t.Fatalf("expected orphaned navigator to be kept, got %v", snap.Navigators)
	}
	nav := snap.Navigators[0]
	if nav["sourceStatus"] != "unknown" || nav["sourceDevice"] != "unknown" || nav["sourceIP"] != "10.0.0.77" {
		t.Fatalf("unexpected orphan annotations %v", nav)
	}
}

func TestBuildSnapshotDoesNotMutateCache(t *testing.T) {
	agg, reg, cache := newFixture(t)
	addPeer(t, reg, "p1", registry.RoleAnchor, "10.0.0.5")
	cache.Put("p1", telemetry.Entry{Payload: payload(1, []telemetry.Item{{"id": "a1"}}, nil)})

	_ = agg.BuildSnapshot()

	entry, _ := cache.Get("p1")
	if _, ok := entry.Payload.Anchors[0]["sourceDevice"]; ok {
		t.Fatalf("annotations leaked into the cache: %v", entry.Payload.Anchors[0])
	}
}

func TestSnapshotJSONShape(t *testing.T) {
	agg, _, _ := newFixture(t)

	raw, err := json.Marshal(agg.BuildSnapshot())
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	text := string(raw)
	for _, want := range []string{`"devices":[]`, `"anchors":[]`, `"navigators":[]`, `"connectionCount":0`, `"timestamp":`} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected %s in %s", want, text)
		}
	}
}
