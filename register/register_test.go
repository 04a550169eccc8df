package register

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"uwbgateway/registry"
)

type fakeChecker struct {
	mu      sync.Mutex
	answers map[string]map[string]any
	calls   int32
}

func (c *fakeChecker) Check(_ context.Context, addr string, port int) (map[string]any, error) {
	atomic.AddInt32(&c.calls, 1)
	c.mu.Lock()
	defer c.mu.Unlock()
	status, ok := c.answers[net.JoinHostPort(addr, strconv.Itoa(port))]
	if !ok {
		return nil, errors.New("connection refused")
	}
	return status, nil
}

type fakeScheduler struct {
	mu  sync.Mutex
	ids []registry.PeerID
}

func (s *fakeScheduler) TryEnqueue(id registry.PeerID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = append(s.ids, id)
	return true
}

func TestRegisterUsesStatusIdentity(t *testing.T) {
	reg := registry.New(clock.NewMock())
	checker := &fakeChecker{answers: map[string]map[string]any{
		"10.1.10.150:8080": {"deviceId": "p9", "deviceName": "Hall", "email": "hall@example.com", "role": "anchor"},
	}}
	scheduler := &fakeScheduler{}
	registrar := New(reg, checker, scheduler, Options{})

	rec, err := registrar.Register(context.Background(), "10.1.10.150", 8080)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if rec.ID != "p9" || rec.DisplayName != "Hall" || rec.Role != registry.RoleAnchor {
		t.Fatalf("unexpected record %+v", rec)
	}
	if rec.SourceName != "manual:10.1.10.150:8080" || rec.Addresses.IPv4 != "10.1.10.150" || rec.PrimaryPort != 8080 {
		t.Fatalf("unexpected endpoint data %+v", rec)
	}
	if len(scheduler.ids) != 1 || scheduler.ids[0] != "p9" {
		t.Fatalf("expected an immediate probe, got %v", scheduler.ids)
	}
}

func TestRegisterFallsBackToEndpointID(t *testing.T) {
	reg := registry.New(clock.NewMock())
	checker := &fakeChecker{answers: map[string]map[string]any{
		"[fd00::5]:8081": {},
	}}
	registrar := New(reg, checker, nil, Options{})

	rec, err := registrar.Register(context.Background(), "fd00::5", 8081)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if rec.ID != "manual-[fd00::5]:8081" || rec.Addresses.IPv6 != "fd00::5" {
		t.Fatalf("unexpected record %+v", rec)
	}
	if rec.DisplayName != "Unknown Device" || rec.IdentityTag != "unknown" || rec.Role != registry.RoleUnknown {
		t.Fatalf("unexpected defaults %+v", rec)
	}
}

func TestScanKeepsDiscoveredSourceName(t *testing.T) {
	reg := registry.New(clock.NewMock())
	if _, err := reg.Upsert(registry.Announcement{
		ID:          "p7",
		SourceName:  "Pixel-A",
		DisplayName: "Pixel A",
		IdentityTag: "a@example.com",
		Role:        registry.RoleNavigator,
		Addresses:   registry.AddressSet{IPv4: "10.0.0.5", IPv6: "fe80::1"},
		Port:        8080,
		Metadata:    map[string]string{"deviceId": "p7"},
	}); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	checker := &fakeChecker{answers: map[string]map[string]any{
		"10.0.0.5:8080": {"deviceId": "p7"},
	}}
	registrar := New(reg, checker, nil, Options{})
	found, err := registrar.ScanSubnet(context.Background(), Subnet{Prefix: "10.0.0", Start: 5, End: 5, Port: 8080})
	if err != nil {
		t.Fatalf("ScanSubnet failed: %v", err)
	}
	if len(found) != 1 {
		t.Fatalf("expected one responder, got %+v", found)
	}

	rec, _ := reg.Get("p7")
	if rec.SourceName != "Pixel-A" {
		t.Fatalf("expected discovered source name to survive, got %q", rec.SourceName)
	}
	if rec.Addresses.IPv4 != "10.0.0.5" || rec.Addresses.IPv6 != "fe80::1" {
		t.Fatalf("expected both address families kept, got %+v", rec.Addresses)
	}
	if rec.DisplayName != "Pixel A" || rec.IdentityTag != "a@example.com" || rec.Role != registry.RoleNavigator {
		t.Fatalf("expected identity kept, got %+v", rec)
	}

	if id, ok := reg.MarkRemoved("Pixel-A"); !ok || id != "p7" {
		t.Fatalf("expected removal by source name to find p7, got %q %v", id, ok)
	}
	if rec, _ := reg.Get("p7"); rec.Status != registry.StatusOffline {
		t.Fatalf("expected offline after removal, got %q", rec.Status)
	}
}

func TestRegisterRejectsBadInput(t *testing.T) {
	registrar := New(registry.New(clock.NewMock()), &fakeChecker{}, nil, Options{})

	if _, err := registrar.Register(context.Background(), "phone.local", 8080); !errors.Is(err, ErrInvalidEndpoint) {
		t.Fatalf("expected ErrInvalidEndpoint for hostname, got %v", err)
	}
	if _, err := registrar.Register(context.Background(), "10.0.0.1", 70000); !errors.Is(err, ErrInvalidEndpoint) {
		t.Fatalf("expected ErrInvalidEndpoint for port, got %v", err)
	}
	if _, err := registrar.Register(context.Background(), "10.0.0.1", 8080); err == nil || errors.Is(err, ErrInvalidEndpoint) {
		t.Fatalf("expected unreachable error, got %v", err)
	}
}

func TestScanSubnetRegistersResponders(t *testing.T) {
	reg := registry.New(clock.NewMock())
	checker := &fakeChecker{answers: map[string]map[string]any{
		"10.1.10.101:8080": {"deviceId": "a", "role": "anchor"},
		"10.1.10.105:8080": {"deviceId": "b", "role": "navigator"},
	}}
	registrar := New(reg, checker, nil, Options{ScanConcurrency: 4})

	records, err := registrar.ScanSubnet(context.Background(), Subnet{Prefix: "10.1.10", Start: 100, End: 110, Port: 8080})
	if err != nil {
		t.Fatalf("ScanSubnet failed: %v", err)
	}
	if len(records) != 2 || records[0].ID != "a" || records[1].ID != "b" {
		t.Fatalf("unexpected records %+v", records)
	}
	if got := atomic.LoadInt32(&checker.calls); got != 11 {
		t.Fatalf("expected 11 checks, got %d", got)
	}
	if reg.Len() != 2 {
		t.Fatalf("expected 2 registry records, got %d", reg.Len())
	}
}

func TestSubnetValidate(t *testing.T) {
	cases := []struct {
		subnet Subnet
		ok     bool
	}{
		{Subnet{Prefix: "10.1.10", Start: 100, End: 200, Port: 8080}, true},
		{Subnet{Prefix: "10.1", Start: 1, End: 2, Port: 8080}, false},
		{Subnet{Prefix: "10.1.10", Start: 20, End: 10, Port: 8080}, false},
		{Subnet{Prefix: "10.1.10", Start: 1, End: 300, Port: 8080}, false},
		{Subnet{Prefix: "10.1.10", Start: 1, End: 2, Port: 0}, false},
	}
	for _, tc := range cases {
		if err := tc.subnet.Validate(); (err == nil) != tc.ok {
			t.Fatalf("Validate(%s) = %v, want ok=%v", tc.subnet, err, tc.ok)
		}
	}
}

func TestRunPeriodicRescansOnTick(t *testing.T) {
	mock := clock.NewMock()
	checker := &fakeChecker{answers: map[string]map[string]any{}}
	registrar := New(registry.New(mock), checker, nil, Options{Clock: mock})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	subnets := []Subnet{{Prefix: "10.0.0", Start: 1, End: 2, Port: 8080}}
	go func() { done <- registrar.RunPeriodic(ctx, subnets, time.Minute) }()

	waitForCalls(t, checker, 2)
	mock.Add(time.Minute)
	waitForCalls(t, checker, 4)

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("RunPeriodic returned error: %v", err)
	}
}

func waitForCalls(t *testing.T, checker *fakeChecker, want int32) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(&checker.calls) >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected at least %d checks, got %d", want, atomic.LoadInt32(&checker.calls))
}
