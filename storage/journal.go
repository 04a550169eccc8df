package storage

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"uwbgateway/probe"
	"uwbgateway/registry"
)

// DefaultJournalBuffer is the number of pending journal writes.
const DefaultJournalBuffer = 256

type journalEntry struct {
	status  *StatusEvent
	attempt *ProbeAttempt
}

// Journal writes registry transitions and probe attempts to the store from a
// single background worker. Recording never blocks; entries that do not fit
// in the buffer are dropped and counted.
type Journal struct {
	store   *Store
	entries chan journalEntry
	log     *slog.Logger

	mu      sync.RWMutex
	stopped bool

	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup

	dropped atomic.Uint64
}

// NewJournal creates a journal writing into store.
func NewJournal(store *Store, buffer int) *Journal {
	if buffer <= 0 {
		buffer = DefaultJournalBuffer
	}
	return &Journal{
		store:   store,
		entries: make(chan journalEntry, buffer),
		log:     slog.Default().With("component", "journal"),
	}
}

// Start begins the background writer.
func (j *Journal) Start() {
	j.startOnce.Do(func() {
		j.wg.Add(1)
		go j.loop()
	})
}

// Stop flushes pending entries and stops the writer.
func (j *Journal) Stop() {
	j.stopOnce.Do(func() {
		j.mu.Lock()
		j.stopped = true
		close(j.entries)
		j.mu.Unlock()
		j.wg.Wait()
	})
}

// Dropped returns how many entries were discarded because the buffer was full.
func (j *Journal) Dropped() uint64 {
	return j.dropped.Load()
}

// RecordTransition queues a status transition. Its signature matches
// registry.Registry.Subscribe.
func (j *Journal) RecordTransition(t registry.Transition) {
	event := &StatusEvent{
		PeerID:    string(t.PeerID),
		ToStatus:  string(t.To),
		Detail:    t.Detail,
		Timestamp: t.At.UnixMilli(),
	}
	if t.From != "" {
		from := string(t.From)
		event.FromStatus = &from
	}
	j.enqueue(journalEntry{status: event})
}

// RecordAttempt queues a probe attempt. Its signature matches the probe
// engine's attempt hook.
func (j *Journal) RecordAttempt(id registry.PeerID, attempt probe.Attempt) {
	entry := &ProbeAttempt{
		PeerID:         string(id),
		Success:        attempt.Success,
		AddressesTried: attempt.AddressesTried,
		PortsTried:     attempt.PortsTried,
		Errors:         attempt.Errors,
		Timestamp:      attempt.At.UnixMilli(),
	}
	if attempt.WorkingURL != "" {
		url := attempt.WorkingURL
		entry.WorkingURL = &url
	}
	j.enqueue(journalEntry{attempt: entry})
}

func (j *Journal) enqueue(entry journalEntry) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.stopped {
		return
	}
	select {
	case j.entries <- entry:
	default:
		j.dropped.Add(1)
	}
}

func (j *Journal) loop() {
	defer j.wg.Done()

	for entry := range j.entries {
		switch {
		case entry.status != nil:
			if err := j.store.LogStatusEvent(*entry.status); err != nil {
				j.log.Warn("failed to journal status event", "peer", entry.status.PeerID, "err", err)
			}
		case entry.attempt != nil:
			if err := j.store.LogProbeAttempt(*entry.attempt); err != nil {
				j.log.Warn("failed to journal probe attempt", "peer", entry.attempt.PeerID, "err", err)
			}
		}
	}
}
