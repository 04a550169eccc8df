package probe

import (
	"context"
	"sync"

	"uwbgateway/registry"
)

// DefaultQueueSize bounds the number of pending immediate probes.
const DefaultQueueSize = 64

// Target is anything that can probe a peer.
type Target interface {
	Probe(ctx context.Context, id registry.PeerID)
}

// Queue runs immediate probes requested from outside the probe loops, such
// as discovery callbacks. Enqueueing never blocks.
type Queue struct {
	target Target
	work   chan registry.PeerID

	mu      sync.Mutex
	running bool
	pending map[registry.PeerID]struct{}
}

// NewQueue creates a queue feeding target.
func NewQueue(target Target, size int) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Queue{
		target:  target,
		work:    make(chan registry.PeerID, size),
		pending: make(map[registry.PeerID]struct{}),
	}
}

// TryEnqueue schedules a probe of id. It returns false when the queue is not
// running or is full; the periodic prober picks the peer up instead.
func (q *Queue) TryEnqueue(id registry.PeerID) bool {
	if q == nil {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.running {
		return false
	}
	if _, queued := q.pending[id]; queued {
		return true
	}
	select {
	case q.work <- id:
		q.pending[id] = struct{}{}
		return true
	default:
		return false
	}
}

// Run consumes the queue until ctx is done, probing each peer in its own
// goroutine. It waits for in-flight probes before returning.
func (q *Queue) Run(ctx context.Context) error {
	q.mu.Lock()
	q.running = true
	q.mu.Unlock()

	var wg sync.WaitGroup
	defer func() {
		q.mu.Lock()
		q.running = false
		q.mu.Unlock()
		wg.Wait()
	}()

	for {
		select {
		case id := <-q.work:
			q.mu.Lock()
			delete(q.pending, id)
			q.mu.Unlock()

			wg.Add(1)
			go func() {
				defer wg.Done()
				q.target.Probe(ctx, id)
			}()
		case <-ctx.Done():
			return nil
		}
	}
}
