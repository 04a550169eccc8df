package telemetry

import (
	"testing"
	"time"
)

func TestCachePutGetIsolatesCallers(t *testing.T) {
	cache := NewCache()

	payload := EmptyPayload()
	payload.Status["batteryLevel"] = 0.8
	payload.Anchors = append(payload.Anchors, Item{"id": "anchor-1", "name": "Kitchen"})
	cache.Put("peer-1", Entry{Payload: payload, FetchedAt: time.Unix(10, 0), FetchAddress: "10.0.0.5", FetchPort: 8080})

	payload.Anchors[0]["name"] = "mutated after put"

	got, ok := cache.Get("peer-1")
	if !ok {
		t.Fatalf("expected cached entry")
	}
	if got.Payload.Anchors[0]["name"] != "Kitchen" {
		t.Fatalf("cache entry shares item map with caller: %v", got.Payload.Anchors[0])
	}

	got.Payload.Status["batteryLevel"] = 0.1
	again, _ := cache.Get("peer-1")
	if level, _ := again.Payload.BatteryLevel(); level != 0.8 {
		t.Fatalf("expected battery 0.8 to survive caller mutation, got %v", level)
	}
}

func TestCacheSnapshotAndMissing(t *testing.T) {
	cache := NewCache()
	if _, ok := cache.Get("nope"); ok {
		t.Fatalf("expected miss for unknown peer")
	}

	cache.Put("a", Entry{Payload: EmptyPayload()})
	cache.Put("b", Entry{Payload: EmptyPayload()})

	snapshot := cache.Snapshot()
	if len(snapshot) != 2 || cache.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", len(snapshot))
	}
}

func TestPayloadBatteryLevel(t *testing.T) {
	if _, ok := EmptyPayload().BatteryLevel(); ok {
		t.Fatalf("expected no battery level on empty payload")
	}
	payload := EmptyPayload()
	payload.Status["batteryLevel"] = "full"
	if _, ok := payload.BatteryLevel(); ok {
		t.Fatalf("expected non-numeric battery level to be ignored")
	}
}

func TestItemID(t *testing.T) {
	if (Item{"id": 42}).ID() != "" {
		t.Fatalf("expected non-string id to be ignored")
	}
	if (Item{"id": "x"}).ID() != "x" {
		t.Fatalf("expected string id")
	}
}
