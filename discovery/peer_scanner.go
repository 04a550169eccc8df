package discovery

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/grandcat/zeroconf"
)

// EventKind identifies what happened to a service instance.
type EventKind string

const (
	// EventAppeared is emitted the first time an instance is seen.
	EventAppeared EventKind = "appeared"
	// EventUpdated is emitted when a known instance resolves differently.
	EventUpdated EventKind = "updated"
	// EventRemoved is emitted when a known instance has been absent from
	// RemoveAfter consecutive scan windows.
	EventRemoved EventKind = "removed"
)

const eventBuffer = 128

var errScannerStopped = errors.New("peer scanner is stopped")

// Resolution is what a service instance resolved to.
type Resolution struct {
	HostName  string
	Addresses []string
	Port      int
	Metadata  map[string]string
}

// Event is one discovery update. Resolution is nil for removals.
type Event struct {
	Kind       EventKind
	Name       string
	Resolution *Resolution
}

type scanRequest struct {
	ctx   context.Context
	reply chan error
}

// PeerScanner browses for peers in fixed windows, on a timer and on demand,
// and reports the difference between consecutive windows as events.
type PeerScanner struct {
	cfg    Config
	browse browseFunc
	log    *slog.Logger

	mu      sync.RWMutex
	current map[string]Resolution
	missed  map[string]int

	events   chan Event
	requests chan scanRequest
	dropped  atomic.Uint64

	startOnce sync.Once
	stopOnce  sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewPeerScanner creates a scanner. Without an injected browse function it
// opens a zeroconf resolver on all interfaces.
func NewPeerScanner(config Config) (*PeerScanner, error) {
	cfg := config.withDefaults()

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	return &PeerScanner{
		cfg:      cfg,
		browse:   browse,
		log:      slog.Default().With("component", "discovery", "service", cfg.Service),
		current:  make(map[string]Resolution),
		missed:   make(map[string]int),
		events:   make(chan Event, eventBuffer),
		requests: make(chan scanRequest),
	}, nil
}

// Start runs a first window immediately and then one every RefreshInterval.
func (s *PeerScanner) Start() error {
	s.startOnce.Do(func() {
		s.ctx, s.cancel = context.WithCancel(context.Background())
		s.wg.Add(1)
		go s.run()
	})
	return nil
}

// Stop ends scanning and closes Events.
func (s *PeerScanner) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		close(s.events)
	})
}

// Events delivers appeared, updated and removed events. Events are dropped
// when the buffer is full.
func (s *PeerScanner) Events() <-chan Event {
	return s.events
}

// Dropped counts events lost to a full buffer.
func (s *PeerScanner) Dropped() uint64 {
	return s.dropped.Load()
}

// Refresh runs one window now and returns once it has been applied.
func (s *PeerScanner) Refresh(ctx context.Context) error {
	if s.ctx == nil {
		return errors.New("peer scanner is not started")
	}

	req := scanRequest{ctx: ctx, reply: make(chan error, 1)}
	select {
	case s.requests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errScannerStopped
	}

	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errScannerStopped
	}
}

// Instances lists the instance names currently known, including ones missing
// from fewer than RemoveAfter windows.
func (s *PeerScanner) Instances() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.current))
}

func (s *PeerScanner) run() {
	defer s.wg.Done()

	ticker := s.cfg.Clock.Ticker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	s.scan(nil)
	for {
		select {
		case <-ticker.C:
			s.scan(nil)
		case req := <-s.requests:
			req.reply <- s.scan(req.ctx)
		case <-s.ctx.Done():
			return
		}
	}
}

// scan browses for one window and applies it. A window that fails or is cut
// short is discarded so live peers are not reported as removed.
func (s *PeerScanner) scan(requestCtx context.Context) error {
	windowCtx, cancel := context.WithTimeout(s.ctx, s.cfg.ScanTimeout)
	defer cancel()
	if requestCtx != nil {
		stop := context.AfterFunc(requestCtx, cancel)
		defer stop()
	}

	window, err := collectWindow(windowCtx, s.browse, s.cfg.Service, s.cfg.Domain)
	if err != nil {
		s.log.Warn("browse failed", "error", err)
		return err
	}
	if s.ctx.Err() != nil || (requestCtx != nil && requestCtx.Err() != nil) {
		return nil
	}

	s.mu.Lock()
	previous := s.current
	s.current = s.retain(window)
	next := s.current
	s.mu.Unlock()

	for _, event := range diffWindows(previous, next) {
		s.emit(event)
	}
	return nil
}

// retain returns window plus the known instances it lacks that have not yet
// been missed RemoveAfter times in a row. Callers hold s.mu.
func (s *PeerScanner) retain(window map[string]Resolution) map[string]Resolution {
	next := maps.Clone(window)
	for name := range window {
		delete(s.missed, name)
	}
	for name, res := range s.current {
		if _, seen := window[name]; seen {
			continue
		}
		s.missed[name]++
		if s.missed[name] >= s.cfg.RemoveAfter {
			delete(s.missed, name)
			continue
		}
		next[name] = res
	}
	return next
}

func (s *PeerScanner) emit(event Event) {
	select {
	case s.events <- event:
	default:
		s.dropped.Add(1)
		s.log.Warn("event buffer full, dropping event", "kind", event.Kind, "instance", event.Name)
	}
}

// collectWindow browses until ctx ends and returns every instance that
// resolved, keyed by instance name.
func collectWindow(ctx context.Context, browse browseFunc, service, domain string) (map[string]Resolution, error) {
	entries := make(chan *zeroconf.ServiceEntry, 32)
	window := make(map[string]Resolution)
	drained := make(chan struct{})

	go func() {
		defer close(drained)
		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-entries:
				if !ok {
					return
				}
				if entry == nil {
					continue
				}
				if name, res, ok := parseEntry(entry); ok {
					window[name] = res
				}
			}
		}
	}()

	err := browse(ctx, service, domain, entries)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return nil, err
	}
	<-ctx.Done()
	<-drained
	return window, nil
}

// diffWindows compares two windows. Events are ordered by kind, then by
// instance name; removals go last so a peer that moved to a new instance name
// has already been re-keyed when its old name disappears.
func diffWindows(previous, next map[string]Resolution) []Event {
	var events []Event
	for _, name := range slices.Sorted(maps.Keys(next)) {
		res := next[name]
		old, known := previous[name]
		switch {
		case !known:
			events = append(events, Event{Kind: EventAppeared, Name: name, Resolution: cloneResolution(res)})
		case !resolutionsEqual(old, res):
			events = append(events, Event{Kind: EventUpdated, Name: name, Resolution: cloneResolution(res)})
		}
	}
	for _, name := range slices.Sorted(maps.Keys(previous)) {
		if _, still := next[name]; !still {
			events = append(events, Event{Kind: EventRemoved, Name: name})
		}
	}
	slices.SortStableFunc(events, func(a, b Event) int {
		return kindOrder(a.Kind) - kindOrder(b.Kind)
	})
	return events
}

func kindOrder(kind EventKind) int {
	switch kind {
	case EventAppeared:
		return 0
	case EventUpdated:
		return 1
	default:
		return 2
	}
}

// parseEntry names an entry by instance, falling back to host name, and
// lists its addresses IPv4 first without duplicates.
func parseEntry(entry *zeroconf.ServiceEntry) (string, Resolution, bool) {
	name := cmp.Or(strings.TrimSpace(entry.Instance), strings.TrimSpace(entry.HostName))
	if name == "" {
		return "", Resolution{}, false
	}

	var addresses []string
	for _, ip := range slices.Concat(entry.AddrIPv4, entry.AddrIPv6) {
		if ip == nil {
			continue
		}
		if addr := ip.String(); !slices.Contains(addresses, addr) {
			addresses = append(addresses, addr)
		}
	}

	return name, Resolution{
		HostName:  entry.HostName,
		Addresses: addresses,
		Port:      entry.Port,
		Metadata:  txtToMap(entry.Text),
	}, true
}

// txtToMap turns key=value TXT strings into a map. Entries without a key or
// without '=' are skipped.
func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, record := range text {
		key, value, found := strings.Cut(record, "=")
		key = strings.TrimSpace(key)
		if !found || key == "" {
			continue
		}
		out[key] = strings.TrimSpace(value)
	}
	return out
}

func cloneResolution(res Resolution) *Resolution {
	out := res
	out.Addresses = slices.Clone(res.Addresses)
	out.Metadata = maps.Clone(res.Metadata)
	return &out
}

func resolutionsEqual(a, b Resolution) bool {
	return a.HostName == b.HostName &&
		a.Port == b.Port &&
		slices.Equal(a.Addresses, b.Addresses) &&
		maps.Equal(a.Metadata, b.Metadata)
}
