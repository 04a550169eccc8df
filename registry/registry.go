package registry

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

const noAddressesDetail = "no addresses"

// Registry is the in-memory table of known peers. Every read and write goes
// through its lock; observers run after the lock is released.
type Registry struct {
	clock clock.Clock

	mu      sync.RWMutex
	records map[PeerID]*PeerRecord

	observerMu sync.RWMutex
	observers  []func(Transition)
}

// New creates an empty registry. A nil clock means wall-clock time.
func New(clk clock.Clock) *Registry {
	if clk == nil {
		clk = clock.New()
	}
	return &Registry{
		clock:   clk,
		records: make(map[PeerID]*PeerRecord),
	}
}

// Subscribe registers fn to be called for every status transition.
func (r *Registry) Subscribe(fn func(Transition)) {
	if fn == nil {
		return
	}
	r.observerMu.Lock()
	r.observers = append(r.observers, fn)
	r.observerMu.Unlock()
}

// Upsert creates or refreshes the record for ann.ID. Any other record
// claiming the same source name is evicted.
func (r *Registry) Upsert(ann Announcement) (UpsertResult, error) {
	if strings.TrimSpace(string(ann.ID)) == "" {
		return UpsertResult{}, errors.New("peer id is required")
	}
	if ann.Role == "" {
		ann.Role = RoleUnknown
	}
	now := r.clock.Now()

	r.mu.Lock()
	var evicted []PeerID
	if ann.SourceName != "" {
		for id, rec := range r.records {
			if id != ann.ID && rec.SourceName == ann.SourceName {
				delete(r.records, id)
				evicted = append(evicted, id)
			}
		}
	}
	sort.Slice(evicted, func(i, j int) bool { return evicted[i] < evicted[j] })

	rec, exists := r.records[ann.ID]
	if !exists {
		rec = &PeerRecord{ID: ann.ID, FirstSeen: now}
		r.records[ann.ID] = rec
	}
	from := rec.Status

	rec.DisplayName = ann.DisplayName
	rec.IdentityTag = ann.IdentityTag
	rec.Role = ann.Role
	rec.Addresses = ann.Addresses
	rec.PrimaryPort = ann.Port
	rec.SourceName = ann.SourceName
	rec.LastSeen = now
	rec.Metadata = copyMetadata(ann.Metadata)

	detail := ""
	switch {
	case ann.Addresses.Empty():
		rec.Status = StatusError
		rec.LastErrorDetail = noAddressesDetail
		rec.WorkingAddress, rec.WorkingPort = "", 0
		detail = noAddressesDetail
	case rec.Status == StatusConnected && rec.Addresses.Contains(rec.WorkingAddress):
		// Still reachable where we last talked to it.
	default:
		rec.Status = StatusDiscovered
		rec.LastErrorDetail = ""
		if !rec.Addresses.Contains(rec.WorkingAddress) {
			rec.WorkingAddress, rec.WorkingPort = "", 0
		}
	}

	result := UpsertResult{Created: !exists, Evicted: evicted, Record: rec.clone()}
	to := rec.Status
	r.mu.Unlock()

	if from != to {
		r.notify(Transition{PeerID: ann.ID, From: from, To: to, Detail: detail, At: now})
	}
	return result, nil
}

// Get returns a copy of the record for id.
func (r *Registry) Get(id PeerID) (PeerRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[id]
	if !ok {
		return PeerRecord{}, false
	}
	return rec.clone(), true
}

// SnapshotAll returns copies of every record sorted by ID.
func (r *Registry) SnapshotAll() []PeerRecord {
	r.mu.RLock()
	out := make([]PeerRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec.clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of records.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// MarkStatus sets the status of id. A non-empty detail replaces the last
// error detail; moving to connected clears it.
func (r *Registry) MarkStatus(id PeerID, status Status, detail string) error {
	if err := validateStatus(status); err != nil {
		return err
	}
	now := r.clock.Now()

	r.mu.Lock()
	rec, ok := r.records[id]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	from := rec.Status
	rec.Status = status
	switch {
	case status == StatusConnected:
		rec.LastErrorDetail = ""
	case detail != "":
		rec.LastErrorDetail = detail
	}
	r.mu.Unlock()

	if from != status {
		r.notify(Transition{PeerID: id, From: from, To: status, Detail: detail, At: now})
	}
	return nil
}

// MarkWorking records a successful probe through addr:port.
func (r *Registry) MarkWorking(id PeerID, addr string, port int) error {
	if addr == "" || port <= 0 {
		return fmt.Errorf("invalid working endpoint %q:%d", addr, port)
	}
	now := r.clock.Now()

	r.mu.Lock()
	rec, ok := r.records[id]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	from := rec.Status
	rec.Status = StatusConnected
	rec.WorkingAddress = addr
	rec.WorkingPort = port
	rec.LastErrorDetail = ""
	at := now
	rec.LastSuccessfulProbe = &at
	r.mu.Unlock()

	if from != StatusConnected {
		r.notify(Transition{PeerID: id, From: from, To: StatusConnected, At: now})
	}
	return nil
}

// MarkRemoved moves the record announced under sourceName to offline.
func (r *Registry) MarkRemoved(sourceName string) (PeerID, bool) {
	if sourceName == "" {
		return "", false
	}
	now := r.clock.Now()

	r.mu.Lock()
	var (
		target *PeerRecord
		from   Status
	)
	for _, rec := range r.records {
		if rec.SourceName == sourceName {
			target = rec
			break
		}
	}
	if target == nil {
		r.mu.Unlock()
		return "", false
	}
	from = target.Status
	target.Status = StatusOffline
	id := target.ID
	r.mu.Unlock()

	if from != StatusOffline {
		r.notify(Transition{PeerID: id, From: from, To: StatusOffline, At: now})
	}
	return id, true
}

// ProbeTargets returns the IDs of every record that is not offline.
func (r *Registry) ProbeTargets() []PeerID {
	r.mu.RLock()
	out := make([]PeerID, 0, len(r.records))
	for id, rec := range r.records {
		if rec.Status != StatusOffline {
			out = append(out, id)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// SweepStale moves every record that is not offline or already stale to stale
// when its last successful probe is older than ttl. Records never probed successfully get
// ttl of grace measured from when they were first seen.
func (r *Registry) SweepStale(ttl time.Duration) []PeerID {
	now := r.clock.Now()

	var changed []Transition
	r.mu.Lock()
	for id, rec := range r.records {
		if rec.Status == StatusOffline || rec.Status == StatusStale {
			continue
		}
		reference := rec.FirstSeen
		if rec.LastSuccessfulProbe != nil {
			reference = *rec.LastSuccessfulProbe
		}
		if now.Sub(reference) <= ttl {
			continue
		}
		changed = append(changed, Transition{
			PeerID: id,
			From:   rec.Status,
			To:     StatusStale,
			Detail: fmt.Sprintf("no successful probe for %s", now.Sub(reference).Truncate(time.Second)),
			At:     now,
		})
		rec.Status = StatusStale
	}
	r.mu.Unlock()

	sort.Slice(changed, func(i, j int) bool { return changed[i].PeerID < changed[j].PeerID })
	ids := make([]PeerID, 0, len(changed))
	for _, t := range changed {
		r.notify(t)
		ids = append(ids, t.PeerID)
	}
	return ids
}

// CountByStatus returns the number of records per status.
func (r *Registry) CountByStatus() map[Status]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[Status]int, 5)
	for _, rec := range r.records {
		out[rec.Status]++
	}
	return out
}

func (r *Registry) notify(t Transition) {
	r.observerMu.RLock()
	observers := slices.Clone(r.observers)
	r.observerMu.RUnlock()

	for _, fn := range observers {
		fn(t)
	}
}

func validateStatus(status Status) error {
	if !status.Valid() {
		return fmt.Errorf("invalid peer status %q", status)
	}
	return nil
}

func copyMetadata(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
