// Package broadcast fans snapshots out to live subscribers.
package broadcast

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"uwbgateway/aggregate"
)

const (
	// DefaultBufferSize is the per-subscriber envelope buffer.
	DefaultBufferSize = 16

	// TypeInitial tags the first envelope a subscriber receives.
	TypeInitial = "initial"
	// TypeUpdate tags every later envelope.
	TypeUpdate = "update"
)

// Envelope is the message delivered to subscribers.
type Envelope struct {
	Type      string             `json:"type"`
	Data      aggregate.Snapshot `json:"data"`
	Timestamp string             `json:"timestamp"`
}

// SnapshotSource builds the snapshot to publish.
type SnapshotSource interface {
	BuildSnapshot() aggregate.Snapshot
}

// Subscription is one registered subscriber.
type Subscription struct {
	ID string

	ch        chan Envelope
	closeOnce sync.Once
}

// C returns the subscriber's envelope channel. It is closed when the
// subscriber is removed.
func (s *Subscription) C() <-chan Envelope {
	return s.ch
}

func (s *Subscription) close() {
	s.closeOnce.Do(func() { close(s.ch) })
}

// Stats are cumulative hub counters.
type Stats struct {
	Subscribers int
	Published   uint64
	Dropped     uint64
}

// Hub keeps the subscriber set. Delivery is best effort: a subscriber whose
// buffer is full is dropped rather than waited on.
type Hub struct {
	source SnapshotSource
	clock  clock.Clock
	buffer int
	log    *slog.Logger

	mu   sync.Mutex
	subs map[string]*Subscription

	published atomic.Uint64
	dropped   atomic.Uint64
}

// NewHub creates a hub publishing snapshots from source.
func NewHub(source SnapshotSource, clk clock.Clock, buffer int) *Hub {
	if clk == nil {
		clk = clock.New()
	}
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}
	return &Hub{
		source: source,
		clock:  clk,
		buffer: buffer,
		log:    slog.Default().With("component", "broadcast"),
		subs:   make(map[string]*Subscription),
	}
}

// Subscribe registers a subscriber and queues an initial envelope for it.
// The snapshot is built and the subscriber registered under the hub lock, so
// any publish that follows a later change reaches it.
func (h *Hub) Subscribe() *Subscription {
	sub := &Subscription{
		ID: uuid.NewString(),
		ch: make(chan Envelope, h.buffer),
	}

	h.mu.Lock()
	sub.ch <- h.envelope(TypeInitial, h.source.BuildSnapshot())
	h.subs[sub.ID] = sub
	count := len(h.subs)
	h.mu.Unlock()

	h.log.Info("subscriber added", "subscriber", sub.ID, "subscribers", count)
	return sub
}

// Unsubscribe removes sub and closes its channel. Calling it again is a no-op.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	_, ok := h.subs[sub.ID]
	delete(h.subs, sub.ID)
	count := len(h.subs)
	h.mu.Unlock()

	sub.close()
	if ok {
		h.log.Info("subscriber removed", "subscriber", sub.ID, "subscribers", count)
	}
}

// Publish delivers snapshot to every subscriber as an update.
func (h *Hub) Publish(snapshot aggregate.Snapshot) {
	env := h.envelope(TypeUpdate, snapshot)

	h.mu.Lock()
	var dropped []*Subscription
	for id, sub := range h.subs {
		select {
		case sub.ch <- env:
		default:
			delete(h.subs, id)
			dropped = append(dropped, sub)
		}
	}
	h.mu.Unlock()

	h.published.Add(1)
	for _, sub := range dropped {
		sub.close()
		h.dropped.Add(1)
		h.log.Warn("dropping slow subscriber", "subscriber", sub.ID)
	}
}

// Broadcast builds one snapshot and publishes it.
func (h *Hub) Broadcast() {
	h.Publish(h.source.BuildSnapshot())
}

// Len returns the number of subscribers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Stats returns the hub counters.
func (h *Hub) Stats() Stats {
	return Stats{
		Subscribers: h.Len(),
		Published:   h.published.Load(),
		Dropped:     h.dropped.Load(),
	}
}

// Close removes every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[string]*Subscription)
	h.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}

func (h *Hub) envelope(kind string, snapshot aggregate.Snapshot) Envelope {
	return Envelope{
		Type:      kind,
		Data:      snapshot,
		Timestamp: h.clock.Now().UTC().Format(time.RFC3339Nano),
	}
}
