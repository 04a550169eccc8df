package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// runGroup runs the long-lived loops between lifecycle start and stop. A
// loop returning an error cancels the others and calls onFailure once.
type runGroup struct {
	ctx       context.Context
	cancel    context.CancelFunc
	group     *errgroup.Group
	onFailure func(error)
	failOnce  sync.Once
	log       *slog.Logger
}

func newRunGroup(onFailure func(error)) *runGroup {
	base, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(base)
	return &runGroup{
		ctx:       ctx,
		cancel:    cancel,
		group:     group,
		onFailure: onFailure,
		log:       slog.Default().With("component", "gateway"),
	}
}

func (g *runGroup) Go(name string, fn func(ctx context.Context) error) {
	g.group.Go(func() error {
		err := fn(g.ctx)
		if err != nil && g.ctx.Err() == nil {
			g.log.Error("loop failed", "loop", name, "error", err)
			if g.onFailure != nil {
				g.failOnce.Do(func() { g.onFailure(err) })
			}
		}
		return err
	})
}

// Stop cancels every loop and waits for them. Errors caused by the
// cancellation itself are not reported.
func (g *runGroup) Stop() error {
	g.cancel()
	err := g.group.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}
