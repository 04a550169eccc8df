package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/sync/errgroup"

	"uwbgateway/telemetry"
)

const (
	// StatusPath is the liveness and status endpoint every peer serves.
	StatusPath = "/api/status"
	// AnchorsPath lists the anchors a peer knows about.
	AnchorsPath = "/api/anchors"
	// NavigatorsPath lists the navigators a peer knows about.
	NavigatorsPath = "/api/navigators"
	// DistancesPath returns the peer's ranging matrix.
	DistancesPath = "/api/distances"

	maxBodyBytes = 4 << 20
)

// Doer issues HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// StatusError reports a non-2xx response.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status code %d", e.Code)
}

// liveness issues the lightweight reachability check against base.
func (e *Engine) liveness(ctx context.Context, base string) error {
	resp, err := e.get(ctx, base+StatusPath)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
	return nil
}

// fetchAll pulls every sub-resource in parallel. A failed fetch leaves its
// field at the empty default.
func (e *Engine) fetchAll(ctx context.Context, base string) telemetry.Payload {
	payload := telemetry.EmptyPayload()

	var g errgroup.Group
	g.Go(func() error {
		if status, ok := fetchDecoded[map[string]any](ctx, e, base, StatusPath); ok && status != nil {
			payload.Status = status
		}
		return nil
	})
	g.Go(func() error {
		if anchors, ok := fetchDecoded[[]telemetry.Item](ctx, e, base, AnchorsPath); ok && anchors != nil {
			payload.Anchors = anchors
		}
		return nil
	})
	g.Go(func() error {
		if navigators, ok := fetchDecoded[[]telemetry.Item](ctx, e, base, NavigatorsPath); ok && navigators != nil {
			payload.Navigators = navigators
		}
		return nil
	})
	g.Go(func() error {
		if distances, ok := fetchDecoded[map[string]any](ctx, e, base, DistancesPath); ok && distances != nil {
			payload.Distances = distances
		}
		return nil
	})
	_ = g.Wait()
	return payload
}

// fetchDecoded reports ok only for a fully decoded body, so a partial decode
// never reaches the cache.
func fetchDecoded[T any](ctx context.Context, e *Engine, base, path string) (T, bool) {
	var value T
	if err := e.getJSON(ctx, base+path, &value); err != nil {
		e.log.Warn("sub-resource fetch failed", "url", base+path, "err", err)
		var zero T
		return zero, false
	}
	return value, true
}

func (e *Engine) getJSON(ctx context.Context, url string, out any) error {
	resp, err := e.get(ctx, url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", url, err)
	}
	return nil
}

// get performs one GET bounded by the per-request timeout. Non-2xx responses
// are closed and reported as *StatusError.
func (e *Engine) get(ctx context.Context, url string) (*http.Response, error) {
	reqCtx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := e.opts.Client.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		_ = resp.Body.Close()
		cancel()
		return nil, &StatusError{Code: resp.StatusCode}
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
