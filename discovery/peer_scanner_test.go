package discovery

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/grandcat/zeroconf"
)

func TestPeerScannerManualRefreshAddsInstances(t *testing.T) {
	var browseCalls int32
	cfg := Config{
		RefreshInterval: time.Hour,
		ScanTimeout:     35 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			if service != DefaultService {
				t.Errorf("unexpected service %q", service)
			}
			call := atomic.AddInt32(&browseCalls, 1)
			entries <- testServiceEntry("Pixel-A", "p1", 8080, "10.0.0.2")
			if call >= 2 {
				entries <- testServiceEntry("Pixel-B", "p2", 8080, "10.0.0.3")
			}
			<-ctx.Done()
			return nil
		},
	}

	scanner, err := NewPeerScanner(cfg)
	if err != nil {
		t.Fatalf("NewPeerScanner failed: %v", err)
	}
	if err := scanner.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer scanner.Stop()

	waitForCondition(t, time.Second, func() bool {
		names := scanner.Instances()
		return len(names) == 1 && names[0] == "Pixel-A"
	})

	if err := scanner.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	waitForCondition(t, time.Second, func() bool {
		return len(scanner.Instances()) == 2
	})

	event, ok := waitForEvent(scanner.Events(), EventAppeared, "Pixel-B", time.Second)
	if !ok {
		t.Fatalf("expected appeared event for Pixel-B")
	}
	if event.Resolution == nil || event.Resolution.Port != 8080 || event.Resolution.Metadata["deviceId"] != "p2" {
		t.Fatalf("unexpected resolution %+v", event.Resolution)
	}
}

func TestPeerScannerEmitsUpdatedAndRemoved(t *testing.T) {
	var browseCalls int32
	cfg := Config{
		RefreshInterval: 40 * time.Millisecond,
		ScanTimeout:     25 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			call := atomic.AddInt32(&browseCalls, 1)
			if call == 1 {
				entries <- testServiceEntry("Pixel-A", "p1", 8080, "10.0.0.2")
				entries <- testServiceEntry("Pixel-B", "p2", 8080, "10.0.0.3")
			} else {
				entries <- testServiceEntry("Pixel-B", "p2", 8081, "10.0.0.3")
			}
			<-ctx.Done()
			return nil
		},
	}

	scanner, err := NewPeerScanner(cfg)
	if err != nil {
		t.Fatalf("NewPeerScanner failed: %v", err)
	}
	if err := scanner.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer scanner.Stop()

	waitForCondition(t, 2*time.Second, func() bool {
		names := scanner.Instances()
		return len(names) == 1 && names[0] == "Pixel-B"
	})

	var sawUpdate, sawRemoval bool
	deadline := time.After(2 * time.Second)
	for !sawUpdate || !sawRemoval {
		select {
		case event := <-scanner.Events():
			switch {
			case event.Kind == EventUpdated && event.Name == "Pixel-B":
				if event.Resolution == nil || event.Resolution.Port != 8081 {
					t.Fatalf("unexpected update %+v", event.Resolution)
				}
				sawUpdate = true
			case event.Kind == EventRemoved && event.Name == "Pixel-A":
				if event.Resolution != nil {
					t.Fatalf("removal should carry no resolution")
				}
				sawRemoval = true
			}
		case <-deadline:
			t.Fatalf("expected update and removal events (update=%v removal=%v)", sawUpdate, sawRemoval)
		}
	}
}

func TestPeerScannerRemovesOnlyAfterConsecutiveMisses(t *testing.T) {
	var browseCalls int32
	scanner, err := NewPeerScanner(Config{
		RefreshInterval: time.Hour,
		ScanTimeout:     20 * time.Millisecond,
		RemoveAfter:     2,
		browseFn: func(ctx context.Context, _, _ string, entries chan<- *zeroconf.ServiceEntry) error {
			switch atomic.AddInt32(&browseCalls, 1) {
			case 1, 3:
				entries <- testServiceEntry("Pixel-A", "p1", 8080, "10.0.0.2")
			}
			<-ctx.Done()
			return nil
		},
	})
	if err != nil {
		t.Fatalf("NewPeerScanner failed: %v", err)
	}
	if err := scanner.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer scanner.Stop()

	if _, ok := waitForEvent(scanner.Events(), EventAppeared, "Pixel-A", time.Second); !ok {
		t.Fatalf("expected appeared event for Pixel-A")
	}

	// Windows 2-4: missed, seen again, missed. The miss count resets in between.
	for window := 2; window <= 4; window++ {
		if err := scanner.Refresh(context.Background()); err != nil {
			t.Fatalf("Refresh %d failed: %v", window, err)
		}
		if names := scanner.Instances(); len(names) != 1 || names[0] != "Pixel-A" {
			t.Fatalf("window %d: expected Pixel-A to be kept, got %v", window, names)
		}
		select {
		case event := <-scanner.Events():
			t.Fatalf("window %d: unexpected event %+v", window, event)
		default:
		}
	}

	if err := scanner.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if _, ok := waitForEvent(scanner.Events(), EventRemoved, "Pixel-A", time.Second); !ok {
		t.Fatalf("expected removal after two missed windows in a row")
	}
	if names := scanner.Instances(); len(names) != 0 {
		t.Fatalf("expected no instances, got %v", names)
	}
}

func TestPeerScannerRefreshIgnoresDeadlineExceededFromBrowse(t *testing.T) {
	cfg := Config{
		RefreshInterval: time.Hour,
		ScanTimeout:     35 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			entries <- testServiceEntry("Pixel-A", "p1", 8080, "10.0.0.2")
			<-ctx.Done()
			return ctx.Err()
		},
	}

	scanner, err := NewPeerScanner(cfg)
	if err != nil {
		t.Fatalf("NewPeerScanner failed: %v", err)
	}
	if err := scanner.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer scanner.Stop()

	if err := scanner.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	waitForCondition(t, time.Second, func() bool {
		names := scanner.Instances()
		return len(names) == 1 && names[0] == "Pixel-A"
	})
}

func TestPeerScannerStopClosesEvents(t *testing.T) {
	cfg := Config{
		RefreshInterval: time.Hour,
		ScanTimeout:     10 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			<-ctx.Done()
			return nil
		},
	}
	scanner, err := NewPeerScanner(cfg)
	if err != nil {
		t.Fatalf("NewPeerScanner failed: %v", err)
	}
	if err := scanner.Refresh(context.Background()); err == nil {
		t.Fatalf("expected Refresh to fail before Start")
	}
	if err := scanner.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	scanner.Stop()
	scanner.Stop()

	if _, ok := <-scanner.Events(); ok {
		t.Fatalf("expected closed event channel")
	}
}

func TestPeerScannerTicksOnClock(t *testing.T) {
	mock := clock.NewMock()
	var browseCalls int32
	scanner, err := NewPeerScanner(Config{
		RefreshInterval: 10 * time.Second,
		ScanTimeout:     20 * time.Millisecond,
		Clock:           mock,
		browseFn: func(ctx context.Context, _, _ string, entries chan<- *zeroconf.ServiceEntry) error {
			atomic.AddInt32(&browseCalls, 1)
			entries <- testServiceEntry("Pixel-A", "p1", 8080, "10.0.0.2")
			<-ctx.Done()
			return nil
		},
	})
	if err != nil {
		t.Fatalf("NewPeerScanner failed: %v", err)
	}
	if err := scanner.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer scanner.Stop()

	waitForCondition(t, time.Second, func() bool {
		return len(scanner.Instances()) == 1
	})
	if got := atomic.LoadInt32(&browseCalls); got != 1 {
		t.Fatalf("expected a single window before the interval elapsed, got %d", got)
	}

	mock.Add(10 * time.Second)
	waitForCondition(t, time.Second, func() bool {
		return atomic.LoadInt32(&browseCalls) == 2
	})
}

func TestPeerScannerKeepsWindowWhenBrowseFails(t *testing.T) {
	var browseCalls int32
	scanner, err := NewPeerScanner(Config{
		RefreshInterval: time.Hour,
		ScanTimeout:     20 * time.Millisecond,
		browseFn: func(ctx context.Context, _, _ string, entries chan<- *zeroconf.ServiceEntry) error {
			if atomic.AddInt32(&browseCalls, 1) > 1 {
				return errors.New("no multicast interface")
			}
			entries <- testServiceEntry("Pixel-A", "p1", 8080, "10.0.0.2")
			<-ctx.Done()
			return nil
		},
	})
	if err != nil {
		t.Fatalf("NewPeerScanner failed: %v", err)
	}
	if err := scanner.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer scanner.Stop()

	if _, ok := waitForEvent(scanner.Events(), EventAppeared, "Pixel-A", time.Second); !ok {
		t.Fatalf("expected appeared event for Pixel-A")
	}
	if err := scanner.Refresh(context.Background()); err == nil {
		t.Fatalf("expected Refresh to surface the browse error")
	}
	if names := scanner.Instances(); len(names) != 1 || names[0] != "Pixel-A" {
		t.Fatalf("expected previous window to be kept, got %v", names)
	}
	select {
	case event := <-scanner.Events():
		t.Fatalf("unexpected event after failed window: %+v", event)
	default:
	}
}

func TestCollectWindowHandlesClosedEntries(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	window, err := collectWindow(ctx, func(_ context.Context, _, _ string, entries chan<- *zeroconf.ServiceEntry) error {
		entries <- testServiceEntry("Pixel-A", "p1", 8080, "10.0.0.2")
		entries <- nil
		close(entries)
		return nil
	}, DefaultService, DefaultDomain)
	if err != nil {
		t.Fatalf("collectWindow failed: %v", err)
	}
	if len(window) != 1 || window["Pixel-A"].Port != 8080 {
		t.Fatalf("unexpected window %+v", window)
	}
}

func TestDiffWindowsOrdersEvents(t *testing.T) {
	previous := map[string]Resolution{
		"old":    {Port: 8080, Addresses: []string{"10.0.0.1"}},
		"moving": {Port: 8080, Addresses: []string{"10.0.0.2"}},
		"same":   {Port: 8080, Addresses: []string{"10.0.0.3"}},
	}
	next := map[string]Resolution{
		"moving": {Port: 8081, Addresses: []string{"10.0.0.2"}},
		"same":   {Port: 8080, Addresses: []string{"10.0.0.3"}},
		"b-new":  {Port: 8080},
		"a-new":  {Port: 8080},
	}

	events := diffWindows(previous, next)
	want := []struct {
		kind EventKind
		name string
	}{
		{EventAppeared, "a-new"},
		{EventAppeared, "b-new"},
		{EventUpdated, "moving"},
		{EventRemoved, "old"},
	}
	if len(events) != len(want) {
		t.Fatalf("expected %d events, got %+v", len(want), events)
	}
	for i, w := range want {
		if events[i].Kind != w.kind || events[i].Name != w.name {
			t.Fatalf("event %d: expected %s %s, got %s %s", i, w.kind, w.name, events[i].Kind, events[i].Name)
		}
	}
	if events[2].Resolution.Port != 8081 || events[3].Resolution != nil {
		t.Fatalf("unexpected resolutions %+v", events)
	}

	events[0].Resolution.Metadata = map[string]string{"x": "y"}
	if next["a-new"].Metadata != nil {
		t.Fatalf("expected events to carry copies")
	}
}

func TestParseEntryFallsBackToHostName(t *testing.T) {
	entry := testServiceEntry("", "p1", 8080, "10.0.0.2")
	entry.HostName = "pixel.local."
	entry.AddrIPv6 = []net.IP{net.ParseIP("fe80::1"), net.ParseIP("fe80::1")}

	name, res, ok := parseEntry(entry)
	if !ok || name != "pixel.local." {
		t.Fatalf("unexpected name %q ok=%v", name, ok)
	}
	if len(res.Addresses) != 2 || res.Addresses[0] != "10.0.0.2" || res.Addresses[1] != "fe80::1" {
		t.Fatalf("unexpected addresses %v", res.Addresses)
	}

	entry.HostName = ""
	if _, _, ok := parseEntry(entry); ok {
		t.Fatalf("expected entry without any name to be rejected")
	}
}

func testServiceEntry(instance, deviceID string, port int, ip string) *zeroconf.ServiceEntry {
	return &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{
			Instance: instance,
			Service:  DefaultService,
			Domain:   DefaultDomain,
		},
		HostName: instance + ".local",
		Port:     port,
		Text: []string{
			"deviceId=" + deviceID,
			"deviceName=Phone " + deviceID,
			"email=" + deviceID + "@example.com",
			"role=anchor",
		},
		AddrIPv4: []net.IP{net.ParseIP(ip)},
	}
}

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before timeout %s", timeout)
}

func waitForEvent(events <-chan Event, kind EventKind, name string, timeout time.Duration) (Event, bool) {
	deadline := time.After(timeout)
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return Event{}, false
			}
			if event.Kind == kind && event.Name == name {
				return event, true
			}
		case <-deadline:
			return Event{}, false
		}
	}
}
