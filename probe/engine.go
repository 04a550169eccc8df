// Package probe fetches telemetry from peers over HTTP and keeps the registry
// status in step with what it finds.
package probe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"

	"uwbgateway/registry"
	"uwbgateway/telemetry"
)

const (
	// DefaultScheme is used to build peer URLs.
	DefaultScheme = "http"
	// DefaultTimeout bounds every individual request.
	DefaultTimeout = 5 * time.Second
)

// Options configures an Engine.
type Options struct {
	Scheme        string
	Timeout       time.Duration
	FallbackPorts []int
	Client        Doer
	Clock         clock.Clock

	// OnChange is called after a probe changed what subscribers would see.
	OnChange func()
	// OnAttempt is called for every finished attempt, success or not.
	OnAttempt func(registry.PeerID, Attempt)
}

func (o Options) withDefaults() Options {
	out := o
	if out.Scheme == "" {
		out.Scheme = DefaultScheme
	}
	if out.Timeout <= 0 {
		out.Timeout = DefaultTimeout
	}
	if out.FallbackPorts == nil {
		out.FallbackPorts = append([]int(nil), DefaultFallbackPorts...)
	}
	if out.Client == nil {
		out.Client = &http.Client{}
	}
	if out.Clock == nil {
		out.Clock = clock.New()
	}
	return out
}

// Engine probes peers. Probe is safe to call concurrently, including for the
// same peer; the last probe to finish determines the stored result.
type Engine struct {
	opts     Options
	registry *registry.Registry
	cache    *telemetry.Cache
	attempts *AttemptLog
	log      *slog.Logger
}

// NewEngine creates an engine writing into registry, cache and attempts.
func NewEngine(reg *registry.Registry, cache *telemetry.Cache, attempts *AttemptLog, opts Options) (*Engine, error) {
	if reg == nil {
		return nil, errors.New("registry is required")
	}
	if cache == nil {
		return nil, errors.New("telemetry cache is required")
	}
	if attempts == nil {
		attempts = NewAttemptLog(DefaultAttemptHistory)
	}
	return &Engine{
		opts:     opts.withDefaults(),
		registry: reg,
		cache:    cache,
		attempts: attempts,
		log:      slog.Default().With("component", "probe"),
	}, nil
}

// Attempts returns the engine's attempt log.
func (e *Engine) Attempts() *AttemptLog {
	return e.attempts
}

// Probe searches the peer's address/port pairs for the first one answering
// the liveness check, then fetches its telemetry from that pair.
func (e *Engine) Probe(ctx context.Context, id registry.PeerID) {
	rec, ok := e.registry.Get(id)
	if !ok {
		e.log.Debug("skipping probe of unknown peer", "peer", id)
		return
	}
	if rec.Status == registry.StatusOffline {
		e.log.Debug("skipping probe of offline peer", "peer", id)
		return
	}

	attempt := Attempt{At: e.opts.Clock.Now()}
	addresses := addressOrder(rec)
	if len(addresses) == 0 {
		attempt.Errors = append(attempt.Errors, "no addresses available")
		e.fail(id, rec.Status, attempt, "no addresses available")
		return
	}
	ports := portOrder(rec, e.opts.FallbackPorts)

	e.log.Debug("probing peer", "peer", id, "email", rec.IdentityTag, "addresses", addresses, "ports", ports)

	var errs error
	for _, addr := range addresses {
		attempt.AddressesTried = append(attempt.AddressesTried, addr)
		for _, port := range ports {
			if ctx.Err() != nil {
				return
			}
			attempt.PortsTried = append(attempt.PortsTried, port)

			base := baseURL(e.opts.Scheme, addr, port)
			if err := e.liveness(ctx, base); err != nil {
				err = fmt.Errorf("%s: %w", endpoint(addr, port), err)
				errs = multierr.Append(errs, err)
				attempt.Errors = append(attempt.Errors, err.Error())
				e.log.Debug("liveness check failed", "peer", id, "err", err)
				continue
			}

			e.succeed(ctx, id, rec, addr, port, base, attempt)
			return
		}
	}

	if ctx.Err() != nil {
		return
	}
	e.fail(id, rec.Status, attempt, describeErrors(errs))
}

// Check runs a single liveness check against addr:port and returns the
// decoded status document.
func (e *Engine) Check(ctx context.Context, addr string, port int) (map[string]any, error) {
	status := map[string]any{}
	if err := e.getJSON(ctx, baseURL(e.opts.Scheme, addr, port)+StatusPath, &status); err != nil {
		return nil, fmt.Errorf("check %s: %w", endpoint(addr, port), err)
	}
	return status, nil
}

func (e *Engine) succeed(ctx context.Context, id registry.PeerID, rec registry.PeerRecord, addr string, port int, base string, attempt Attempt) {
	e.log.Info("connected to peer", "peer", id, "email", rec.IdentityTag, "url", base)

	payload := e.fetchAll(ctx, base)

	if err := e.registry.MarkWorking(id, addr, port); err != nil {
		// The record was evicted while we were fetching.
		e.log.Debug("dropping probe result", "peer", id, "err", err)
		return
	}
	e.cache.Put(id, telemetry.Entry{
		Payload:      payload,
		FetchedAt:    e.opts.Clock.Now(),
		FetchAddress: addr,
		FetchPort:    port,
	})

	attempt.Success = true
	attempt.WorkingURL = base
	e.record(id, attempt)
	e.changed()
}

func (e *Engine) fail(id registry.PeerID, previous registry.Status, attempt Attempt, detail string) {
	e.log.Error("failed to reach peer",
		"peer", id,
		"addresses", attempt.AddressesTried,
		"ports", attempt.PortsTried,
		"errors", attempt.Errors,
	)

	if err := e.registry.MarkStatus(id, registry.StatusError, detail); err != nil {
		e.log.Debug("could not mark peer error", "peer", id, "err", err)
		return
	}
	e.record(id, attempt)
	if previous != registry.StatusError {
		e.changed()
	}
}

func (e *Engine) record(id registry.PeerID, attempt Attempt) {
	e.attempts.Record(id, attempt)
	if e.opts.OnAttempt != nil {
		e.opts.OnAttempt(id, attempt)
	}
}

func (e *Engine) changed() {
	if e.opts.OnChange != nil {
		e.opts.OnChange()
	}
}

func describeErrors(err error) string {
	list := multierr.Errors(err)
	if len(list) == 0 {
		return "no address/port pair answered"
	}
	parts := make([]string, 0, len(list))
	for _, item := range list {
		parts = append(parts, item.Error())
	}
	return strings.Join(parts, "; ")
}
