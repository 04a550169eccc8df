package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"

	"uwbgateway/aggregate"
	"uwbgateway/broadcast"
	"uwbgateway/discovery"
	"uwbgateway/metrics"
	"uwbgateway/probe"
	"uwbgateway/register"
	"uwbgateway/registry"
	"uwbgateway/server"
	"uwbgateway/storage"
	"uwbgateway/telemetry"
)

// New builds the gateway application. Extra options are appended last, which
// lets callers decorate or replace components.
func New(settings Settings, extra ...fx.Option) *fx.App {
	return fx.New(
		fx.NopLogger,
		Options(settings),
		fx.Options(extra...),
	)
}

// Options returns the application graph without a logger.
func Options(settings Settings) fx.Option {
	return fx.Options(
		fx.Supply(settings),
		Module(),
	)
}

// Module wires every component and registers their lifecycle hooks.
func Module() fx.Option {
	return fx.Module("gateway",
		fx.Provide(
			newClock,
			registry.New,
			telemetry.NewCache,
			newAttemptLog,
			aggregate.New,
			newHub,
			newStore,
			newJournal,
			newCollector,
			newEngine,
			newQueue,
			newRegistrar,
			newScanner,
			newAdapter,
			newHandler,
		),
		fx.Invoke(
			wireObservers,
			registerLoops,
			registerServer,
		),
	)
}

func newClock() clock.Clock {
	return clock.New()
}

func newAttemptLog() *probe.AttemptLog {
	return probe.NewAttemptLog(probe.DefaultAttemptHistory)
}

func newHub(aggregator *aggregate.Aggregator, clk clock.Clock) *broadcast.Hub {
	return broadcast.NewHub(aggregator, clk, broadcast.DefaultBufferSize)
}

// newStore returns nil when the history journal is disabled.
func newStore(lc fx.Lifecycle, s Settings) (*storage.Store, error) {
	if !s.Config.History.Enabled {
		return nil, nil
	}

	store, dbPath, err := storage.Open(s.DataDir, storage.Options{Retention: s.Config.History.Retention})
	if err != nil {
		return nil, err
	}
	slog.Default().With("component", "gateway").Info("history journal opened", "path", dbPath, "retention", store.Retention())

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return store.Close()
		},
	})
	return store, nil
}

func newJournal(lc fx.Lifecycle, store *storage.Store) *storage.Journal {
	if store == nil {
		return nil
	}

	journal := storage.NewJournal(store, storage.DefaultJournalBuffer)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			journal.Start()
			return nil
		},
		OnStop: func(context.Context) error {
			journal.Stop()
			return nil
		},
	})
	return journal
}

type collectorParams struct {
	fx.In

	Settings Settings
	Registry *registry.Registry
	Cache    *telemetry.Cache
	Hub      *broadcast.Hub
	Journal  *storage.Journal
}

func newCollector(p collectorParams) *metrics.Collector {
	sources := metrics.Sources{
		CountByStatus: p.Registry.CountByStatus,
		CachedPeers:   p.Cache.Len,
		HubStats:      p.Hub.Stats,
	}
	if p.Journal != nil {
		sources.JournalDrops = p.Journal.Dropped
	}
	return metrics.NewCollector(p.Settings.Config.GatewayID, p.Settings.Version, sources)
}

type engineParams struct {
	fx.In

	Settings  Settings
	Clock     clock.Clock
	Registry  *registry.Registry
	Cache     *telemetry.Cache
	Attempts  *probe.AttemptLog
	Hub       *broadcast.Hub
	Collector *metrics.Collector
	Journal   *storage.Journal
}

func newEngine(p engineParams) (*probe.Engine, error) {
	opts := probeOptions(p.Settings, p.Clock)
	opts.OnChange = p.Hub.Broadcast
	opts.OnAttempt = func(id registry.PeerID, attempt probe.Attempt) {
		p.Collector.RecordAttempt(id, attempt)
		if p.Journal != nil {
			p.Journal.RecordAttempt(id, attempt)
		}
	}
	return probe.NewEngine(p.Registry, p.Cache, p.Attempts, opts)
}

func newQueue(s Settings, engine *probe.Engine) *probe.Queue {
	return probe.NewQueue(engine, s.Config.Probe.QueueSize)
}

func newRegistrar(s Settings, clk clock.Clock, reg *registry.Registry, engine *probe.Engine, queue *probe.Queue) *register.Registrar {
	return register.New(reg, engine, queue, registerOptions(s, clk))
}

func newScanner(s Settings) (*discovery.PeerScanner, error) {
	return discovery.NewPeerScanner(discoveryConfig(s))
}

func newAdapter(reg *registry.Registry, queue *probe.Queue, hub *broadcast.Hub) *discovery.Adapter {
	return discovery.NewAdapter(reg, queue, hub.Broadcast)
}

type handlerParams struct {
	fx.In

	Settings   Settings
	Clock      clock.Clock
	Registry   *registry.Registry
	Aggregator *aggregate.Aggregator
	Hub        *broadcast.Hub
	Attempts   *probe.AttemptLog
	Registrar  *register.Registrar
	Collector  *metrics.Collector
	Store      *storage.Store
}

func newHandler(p handlerParams) (http.Handler, error) {
	opts := server.Options{
		Info: server.Info{
			GatewayID:   p.Settings.Config.GatewayID,
			GatewayName: p.Settings.Config.GatewayName,
			Version:     p.Settings.Version,
		},
		Registry:  p.Registry,
		Snapshots: p.Aggregator,
		Hub:       p.Hub,
		Attempts:  p.Attempts,
		Registrar: p.Registrar,
		Metrics:   promhttp.HandlerFor(metrics.NewRegistry(p.Collector), promhttp.HandlerOpts{}),
		Clock:     p.Clock,
	}
	if p.Store != nil {
		opts.History = p.Store
	}
	return server.NewHandler(opts)
}

type observerParams struct {
	fx.In

	Registry  *registry.Registry
	Collector *metrics.Collector
	Journal   *storage.Journal
}

func wireObservers(p observerParams) {
	p.Registry.Subscribe(p.Collector.RecordTransition)
	if p.Journal != nil {
		p.Registry.Subscribe(p.Journal.RecordTransition)
	}
}

type loopParams struct {
	fx.In

	Lifecycle  fx.Lifecycle
	Shutdowner fx.Shutdowner
	Settings   Settings
	Clock      clock.Clock
	Registry   *registry.Registry
	Hub        *broadcast.Hub
	Engine     *probe.Engine
	Queue      *probe.Queue
	Scanner    *discovery.PeerScanner
	Adapter    *discovery.Adapter
	Registrar  *register.Registrar
}

// registerLoops starts the probe queue, periodic prober, staleness sweeper,
// discovery and periodic subnet scans.
func registerLoops(p loopParams) {
	log := slog.Default().With("component", "gateway")
	var group *runGroup

	prober := probe.NewProber(p.Registry, p.Engine, probe.ProberConfig{
		Interval: p.Settings.Config.Probe.Interval,
		Clock:    p.Clock,
	})
	sweeperCfg := sweeperConfig(p.Settings, p.Clock)
	sweeperCfg.OnStale = func([]registry.PeerID) { p.Hub.Broadcast() }
	sweeper := registry.NewSweeper(p.Registry, sweeperCfg)
	scanSubnets := Subnets(p.Settings.Config)

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(context.Context) error {
			group = newRunGroup(func(error) {
				if shutdownErr := p.Shutdowner.Shutdown(fx.ExitCode(1)); shutdownErr != nil {
					log.Error("request shutdown failed", "error", shutdownErr)
				}
			})

			group.Go("probe-queue", p.Queue.Run)
			group.Go("prober", prober.Run)
			group.Go("sweeper", sweeper.Run)

			if err := p.Scanner.Start(); err != nil {
				_ = group.Stop()
				return fmt.Errorf("start peer scanner: %w", err)
			}
			group.Go("discovery", func(ctx context.Context) error {
				return p.Adapter.Run(ctx, p.Scanner.Events())
			})

			if len(scanSubnets) > 0 {
				group.Go("subnet-scan", func(ctx context.Context) error {
					return p.Registrar.RunPeriodic(ctx, scanSubnets, p.Settings.Config.Scan.Interval)
				})
			}

			log.Info("gateway loops started",
				"service", p.Settings.Config.Discovery.Service,
				"probe_interval", p.Settings.Config.Probe.Interval,
				"subnets", len(scanSubnets),
			)
			return nil
		},
		OnStop: func(context.Context) error {
			p.Scanner.Stop()
			if group == nil {
				return nil
			}
			return group.Stop()
		},
	})
}

type serverParams struct {
	fx.In

	Lifecycle  fx.Lifecycle
	Shutdowner fx.Shutdowner
	Settings   Settings
	Handler    http.Handler
	Hub        *broadcast.Hub
}

// registerServer serves HTTP and, when enabled, advertises the gateway over
// mDNS on the port actually bound.
func registerServer(p serverParams) {
	log := slog.Default().With("component", "gateway")
	var (
		srv         *server.Server
		broadcaster *discovery.Broadcaster
	)

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(context.Context) error {
			var err error
			srv, err = server.Listen(p.Settings.Config.ListenAddress, p.Handler)
			if err != nil {
				return err
			}
			go func() {
				for err := range srv.Errors() {
					log.Error("http server stopped", "error", err)
					_ = p.Shutdowner.Shutdown(fx.ExitCode(1))
				}
			}()

			if !p.Settings.Config.Discovery.Advertise {
				return nil
			}
			port := 0
			if tcpAddr, ok := srv.Addr().(*net.TCPAddr); ok {
				port = tcpAddr.Port
			}
			dcfg := discoveryConfig(p.Settings)
			dcfg.ListeningPort = port
			broadcaster, err = discovery.StartBroadcaster(dcfg)
			if err != nil {
				log.Warn("gateway advertisement failed", "error", err)
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			broadcaster.Stop()
			p.Hub.Close()
			if srv == nil {
				return nil
			}
			return srv.Close(ctx)
		},
	})
}
