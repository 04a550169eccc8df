// Package server exposes the gateway over HTTP and websocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"uwbgateway/broadcast"
	"uwbgateway/probe"
	"uwbgateway/registry"
	"uwbgateway/storage"
)

const (
	// DefaultWriteTimeout bounds one websocket write.
	DefaultWriteTimeout = 10 * time.Second
	// DefaultPingInterval is how often idle websocket subscribers are pinged.
	DefaultPingInterval = 30 * time.Second
	// DefaultRegisterPort is used when POST /api/register omits port.
	DefaultRegisterPort = 8080

	readHeaderTimeout = 10 * time.Second
)

// Info identifies the gateway in the root document.
type Info struct {
	GatewayID   string
	GatewayName string
	Version     string
}

// Registrar admits manually located peers.
type Registrar interface {
	Register(ctx context.Context, addr string, port int) (registry.PeerRecord, error)
}

// HistoryReader queries the diagnostic journal.
type HistoryReader interface {
	GetStatusEvents(filter storage.StatusEventFilter) ([]storage.StatusEvent, error)
	GetProbeAttempts(filter storage.ProbeAttemptFilter) ([]storage.ProbeAttempt, error)
}

// Options configures the HTTP handler. Registrar, History and Metrics are
// optional; their routes answer 503 (or are not mounted, for Metrics) when nil.
type Options struct {
	Info      Info
	Registry  *registry.Registry
	Snapshots broadcast.SnapshotSource
	Hub       *broadcast.Hub
	Attempts  *probe.AttemptLog
	Registrar Registrar
	History   HistoryReader
	Metrics   http.Handler
	Clock     clock.Clock

	WriteTimeout time.Duration
	PingInterval time.Duration
}

func (o Options) withDefaults() Options {
	out := o
	if out.Clock == nil {
		out.Clock = clock.New()
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = DefaultWriteTimeout
	}
	if out.PingInterval <= 0 {
		out.PingInterval = DefaultPingInterval
	}
	return out
}

func (o Options) validate() error {
	if o.Registry == nil {
		return errors.New("registry is required")
	}
	if o.Snapshots == nil {
		return errors.New("snapshot source is required")
	}
	if o.Hub == nil {
		return errors.New("hub is required")
	}
	if o.Attempts == nil {
		return errors.New("attempt log is required")
	}
	return nil
}

type handler struct {
	opts Options
	log  *slog.Logger
}

// NewHandler builds the gateway's HTTP handler.
func NewHandler(options Options) (http.Handler, error) {
	opts := options.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	h := &handler{
		opts: opts,
		log:  slog.Default().With("component", "server"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", h.handleRoot)
	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.HandleFunc("GET /api/devices", h.handleDevices)
	mux.HandleFunc("GET /api/aggregated", h.handleAggregated)
	mux.HandleFunc("GET /api/diagnostics", h.handleDiagnostics)
	mux.HandleFunc("GET /api/history", h.handleHistory)
	mux.HandleFunc("GET /api/history/attempts", h.handleAttemptHistory)
	mux.HandleFunc("POST /api/register", h.handleRegister)
	mux.HandleFunc("GET /ws", h.handleWebsocket)
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics)
	}

	return withCORS(mux), nil
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := w.Header()
		header.Set("Access-Control-Allow-Origin", "*")
		header.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		header.Set("Access-Control-Allow-Headers", "*")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Server runs the HTTP handler on a listener.
type Server struct {
	listener   net.Listener
	httpServer *http.Server
	log        *slog.Logger

	errs      chan error
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen starts serving handler on address.
func Listen(address string, handler http.Handler) (*Server, error) {
	if address == "" {
		address = ":0"
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	server := &Server{
		listener: listener,
		httpServer: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: readHeaderTimeout,
		},
		log:  slog.Default().With("component", "server"),
		errs: make(chan error, 1),
	}

	server.wg.Add(1)
	go server.serve()
	server.log.Info("listening", "addr", listener.Addr().String())
	return server, nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Errors reports a serve failure other than shutdown.
func (s *Server) Errors() <-chan error {
	return s.errs
}

// Close gracefully shuts the server down. Hijacked websocket connections are
// not tracked here; they end when their subscription closes.
func (s *Server) Close(ctx context.Context) error {
	var closeErr error
	s.closeOnce.Do(func() {
		closeErr = s.httpServer.Shutdown(ctx)
		s.wg.Wait()
		close(s.errs)
	})
	return closeErr
}

func (s *Server) serve() {
	defer s.wg.Done()

	if err := s.httpServer.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Error("serve failed", "error", err)
		select {
		case s.errs <- fmt.Errorf("serve http: %w", err):
		default:
		}
	}
}
