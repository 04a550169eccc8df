// Package register adds peers that discovery did not find, either one
// endpoint at a time or by sweeping a range of hosts.
package register

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"

	"uwbgateway/registry"
)

const (
	// DefaultScanTimeout bounds each liveness check during a subnet sweep.
	DefaultScanTimeout = time.Second
	// DefaultScanConcurrency caps in-flight checks during a subnet sweep.
	DefaultScanConcurrency = 32
	// DefaultScanInterval is the period of the background subnet sweep.
	DefaultScanInterval = 30 * time.Second

	manualSourcePrefix = "manual:"
	manualIDPrefix     = "manual-"
)

// ErrInvalidEndpoint is returned for an address or port that cannot be probed.
var ErrInvalidEndpoint = errors.New("invalid endpoint")

// Checker runs a single liveness check and returns the peer's status document.
type Checker interface {
	Check(ctx context.Context, addr string, port int) (map[string]any, error)
}

// Scheduler requests an immediate probe without waiting for it.
type Scheduler interface {
	TryEnqueue(id registry.PeerID) bool
}

// Options tunes subnet sweeps.
type Options struct {
	ScanTimeout     time.Duration
	ScanConcurrency int
	Clock           clock.Clock
}

func (o Options) withDefaults() Options {
	out := o
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.ScanConcurrency <= 0 {
		out.ScanConcurrency = DefaultScanConcurrency
	}
	if out.Clock == nil {
		out.Clock = clock.New()
	}
	return out
}

// Subnet is a host range to sweep: Prefix.Start through Prefix.End on Port.
type Subnet struct {
	Prefix string
	Start  int
	End    int
	Port   int
}

// Validate checks the range.
func (s Subnet) Validate() error {
	if s.Start < 0 || s.End > 255 || s.Start > s.End {
		return fmt.Errorf("invalid host range %d-%d", s.Start, s.End)
	}
	if s.Port <= 0 || s.Port > 65535 {
		return fmt.Errorf("invalid port %d", s.Port)
	}
	if _, err := netip.ParseAddr(s.Prefix + ".0"); err != nil {
		return fmt.Errorf("invalid prefix %q: %w", s.Prefix, err)
	}
	return nil
}

// Hosts lists the addresses in the range.
func (s Subnet) Hosts() []string {
	out := make([]string, 0, s.End-s.Start+1)
	for i := s.Start; i <= s.End; i++ {
		out = append(out, s.Prefix+"."+strconv.Itoa(i))
	}
	return out
}

func (s Subnet) String() string {
	return fmt.Sprintf("%s.%d-%d:%d", s.Prefix, s.Start, s.End, s.Port)
}

// Registrar inserts manually located peers into the registry.
type Registrar struct {
	opts      Options
	registry  *registry.Registry
	checker   Checker
	scheduler Scheduler
	log       *slog.Logger
}

// New creates a registrar. scheduler may be nil.
func New(reg *registry.Registry, checker Checker, scheduler Scheduler, opts Options) *Registrar {
	return &Registrar{
		opts:      opts.withDefaults(),
		registry:  reg,
		checker:   checker,
		scheduler: scheduler,
		log:       slog.Default().With("component", "register"),
	}
}

// Register checks addr:port once and, when it answers, adds it to the
// registry and schedules an immediate probe.
func (r *Registrar) Register(ctx context.Context, addr string, port int) (registry.PeerRecord, error) {
	ip, err := parseEndpoint(addr, port)
	if err != nil {
		return registry.PeerRecord{}, err
	}

	status, err := r.checker.Check(ctx, ip.String(), port)
	if err != nil {
		return registry.PeerRecord{}, fmt.Errorf("peer did not answer: %w", err)
	}
	return r.admit(ip, port, status)
}

// ScanSubnet checks every host in subnet concurrently and registers each one
// that answers.
func (r *Registrar) ScanSubnet(ctx context.Context, subnet Subnet) ([]registry.PeerRecord, error) {
	if err := subnet.Validate(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", subnet, err)
	}

	type responder struct {
		ip     netip.Addr
		status map[string]any
	}
	hosts := subnet.Hosts()
	found := make([]*responder, len(hosts))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.ScanConcurrency)
	for i, host := range hosts {
		g.Go(func() error {
			checkCtx, cancel := context.WithTimeout(gctx, r.opts.ScanTimeout)
			defer cancel()

			status, err := r.checker.Check(checkCtx, host, subnet.Port)
			if err != nil {
				return nil
			}
			found[i] = &responder{ip: netip.MustParseAddr(host), status: status}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var records []registry.PeerRecord
	for _, hit := range found {
		if hit == nil {
			continue
		}
		rec, err := r.admit(hit.ip, subnet.Port, hit.status)
		if err != nil {
			r.log.Warn("could not register scanned peer", "address", hit.ip, "err", err)
			continue
		}
		records = append(records, rec)
	}
	r.log.Info("subnet scan finished", "subnet", subnet.String(), "hosts", len(hosts), "found", len(records))
	return records, nil
}

// RunPeriodic sweeps every subnet now and then on each interval until ctx
// is done.
func (r *Registrar) RunPeriodic(ctx context.Context, subnets []Subnet, interval time.Duration) error {
	if len(subnets) == 0 {
		return nil
	}
	if interval <= 0 {
		interval = DefaultScanInterval
	}

	sweep := func() {
		for _, subnet := range subnets {
			if _, err := r.ScanSubnet(ctx, subnet); err != nil && ctx.Err() == nil {
				r.log.Warn("subnet scan failed", "subnet", subnet.String(), "err", err)
			}
		}
	}

	ticker := r.opts.Clock.Ticker(interval)
	defer ticker.Stop()

	sweep()
	for {
		select {
		case <-ticker.C:
			sweep()
		case <-ctx.Done():
			return nil
		}
	}
}

func (r *Registrar) admit(ip netip.Addr, port int, status map[string]any) (registry.PeerRecord, error) {
	hostport := net.JoinHostPort(ip.String(), strconv.Itoa(port))

	id := stringField(status, "deviceId")
	if id == "" {
		id = manualIDPrefix + hostport
	}

	var addrs registry.AddressSet
	if ip.Is4() {
		addrs.IPv4 = ip.String()
	} else {
		addrs.IPv6 = ip.String()
	}

	ann := registry.Announcement{
		ID:          registry.PeerID(id),
		SourceName:  manualSourcePrefix + hostport,
		DisplayName: valueOr(stringField(status, "deviceName"), "Unknown Device"),
		IdentityTag: valueOr(stringField(status, "email"), "unknown"),
		Role:        registry.ParseRole(stringField(status, "role")),
		Addresses:   addrs,
		Port:        port,
	}
	if existing, ok := r.registry.Get(ann.ID); ok {
		ann = keepKnown(ann, existing, status)
	}
	result, err := r.registry.Upsert(ann)
	if err != nil {
		return registry.PeerRecord{}, err
	}
	for _, evicted := range result.Evicted {
		r.log.Info("evicted superseded peer", "peer", evicted, "by", ann.ID)
	}
	r.log.Info("registered peer", "peer", ann.ID, "email", ann.IdentityTag, "endpoint", hostport, "created", result.Created)

	if r.scheduler == nil || !r.scheduler.TryEnqueue(ann.ID) {
		r.log.Debug("immediate probe not scheduled", "peer", ann.ID)
	}
	return result.Record, nil
}

// keepKnown folds a record found by other means into a registration of the
// same peer. A discovered SourceName survives so a later removal still finds
// the record, the other address family is kept, and identity fields the status
// document leaves out are not overwritten with placeholders.
func keepKnown(ann registry.Announcement, existing registry.PeerRecord, status map[string]any) registry.Announcement {
	if existing.SourceName != "" && !strings.HasPrefix(existing.SourceName, manualSourcePrefix) {
		ann.SourceName = existing.SourceName
	}
	if ann.Addresses.IPv4 == "" {
		ann.Addresses.IPv4 = existing.Addresses.IPv4
	}
	if ann.Addresses.IPv6 == "" {
		ann.Addresses.IPv6 = existing.Addresses.IPv6
	}
	if stringField(status, "deviceName") == "" && existing.DisplayName != "" {
		ann.DisplayName = existing.DisplayName
	}
	if stringField(status, "email") == "" && existing.IdentityTag != "" {
		ann.IdentityTag = existing.IdentityTag
	}
	if stringField(status, "role") == "" && existing.Role != "" {
		ann.Role = existing.Role
	}
	ann.Metadata = existing.Metadata
	return ann
}

func parseEndpoint(addr string, port int) (netip.Addr, error) {
	ip, err := netip.ParseAddr(strings.TrimSpace(addr))
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%w: address %q", ErrInvalidEndpoint, addr)
	}
	if port <= 0 || port > 65535 {
		return netip.Addr{}, fmt.Errorf("%w: port %d", ErrInvalidEndpoint, port)
	}
	return ip.WithZone("").Unmap(), nil
}

func stringField(doc map[string]any, key string) string {
	if raw, ok := doc[key].(string); ok {
		return strings.TrimSpace(raw)
	}
	return ""
}

func valueOr(value, fallback string) string {
	if value != "" {
		return value
	}
	return fallback
}
