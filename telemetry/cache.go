// Package telemetry holds the last payload fetched from every peer.
package telemetry

import (
	"sync"
	"time"

	"uwbgateway/registry"
)

// Item is one opaque JSON object from a peer's anchor or navigator list.
type Item map[string]any

// ID returns the item identity used for de-duplication, or "" when absent.
func (i Item) ID() string {
	if raw, ok := i["id"].(string); ok {
		return raw
	}
	return ""
}

// Clone returns a shallow copy of the item.
func (i Item) Clone() Item {
	if i == nil {
		return nil
	}
	out := make(Item, len(i)+3)
	for k, v := range i {
		out[k] = v
	}
	return out
}

// Payload is the telemetry returned by one peer's sub-resources.
type Payload struct {
	Status     map[string]any `json:"status"`
	Anchors    []Item         `json:"anchors"`
	Navigators []Item         `json:"navigators"`
	Distances  map[string]any `json:"distances"`
}

// EmptyPayload returns a payload with every field at its empty default.
func EmptyPayload() Payload {
	return Payload{
		Status:     map[string]any{},
		Anchors:    []Item{},
		Navigators: []Item{},
		Distances:  map[string]any{},
	}
}

// BatteryLevel returns status.batteryLevel when it is numeric.
func (p Payload) BatteryLevel() (float64, bool) {
	switch v := p.Status["batteryLevel"].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}

func (p Payload) clone() Payload {
	out := Payload{
		Status:     cloneMap(p.Status),
		Distances:  cloneMap(p.Distances),
		Anchors:    cloneItems(p.Anchors),
		Navigators: cloneItems(p.Navigators),
	}
	return out
}

// Entry is the last known-good telemetry of one peer.
type Entry struct {
	Payload      Payload   `json:"payload"`
	FetchedAt    time.Time `json:"fetchedAt"`
	FetchAddress string    `json:"fetchAddress"`
	FetchPort    int       `json:"fetchPort"`
}

// Cache stores entries independently of registry status. Entries are
// replaced on every successful probe and never evicted.
type Cache struct {
	mu      sync.RWMutex
	entries map[registry.PeerID]Entry
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[registry.PeerID]Entry)}
}

// Put replaces the entry for id.
func (c *Cache) Put(id registry.PeerID, entry Entry) {
	entry.Payload = entry.Payload.clone()

	c.mu.Lock()
	c.entries[id] = entry
	c.mu.Unlock()
}

// Get returns a copy of the entry for id.
func (c *Cache) Get(id registry.PeerID) (Entry, bool) {
	c.mu.RLock()
	entry, ok := c.entries[id]
	c.mu.RUnlock()
	if !ok {
		return Entry{}, false
	}
	entry.Payload = entry.Payload.clone()
	return entry, true
}

// Snapshot returns copies of every entry.
func (c *Cache) Snapshot() map[registry.PeerID]Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[registry.PeerID]Entry, len(c.entries))
	for id, entry := range c.entries {
		entry.Payload = entry.Payload.clone()
		out[id] = entry
	}
	return out
}

// Len returns the number of cached peers.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func cloneMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneItems(in []Item) []Item {
	out := make([]Item, 0, len(in))
	for _, item := range in {
		out = append(out, item.Clone())
	}
	return out
}
