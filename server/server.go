// Package server exposes the pipeline controller over HTTP and gRPC:
// an admin API for configuration pushes and flow lifecycle, Prometheus
// metrics, pprof, and a gRPC health service for orchestration probes.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	healthPb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/upgw/pipelined/config"
	"github.com/upgw/pipelined/flows"
	"github.com/upgw/pipelined/reconciler"
	"github.com/upgw/pipelined/stats"
)

// Options wires the controller components into the server.
type Options struct {
	Config     config.Config
	Reconciler *reconciler.Reconciler
	Flows      *flows.Manager
	Relay      *stats.Relay
	Gatherer   prometheus.Gatherer
	Logger     *slog.Logger
}

// Server is the daemon's serving surface.
type Server struct {
	cfg        config.Config
	reconciler *reconciler.Reconciler
	flows      *flows.Manager
	relay      *stats.Relay
	logger     *slog.Logger
	router     *chi.Mux
	ready      atomic.Bool
}

// New builds the server and its routes.
func New(opts Options) (*Server, error) {
	if opts.Reconciler == nil || opts.Flows == nil {
		return nil, fmt.Errorf("server: reconciler and flow manager are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:        opts.Config,
		reconciler: opts.Reconciler,
		flows:      opts.Flows,
		relay:      opts.Relay,
		logger:     logger.With("component", "server"),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/pipeline/config", s.handleConfigPush)
		r.Get("/pipeline/topology", s.handleTopology)
		r.Get("/flows", s.handleListFlows)
		r.Route("/flows/{subscriber}/{flow}", func(r chi.Router) {
			r.Get("/", s.handleGetFlow)
			r.Put("/", s.handleInstallFlow)
			r.Patch("/", s.handleUpdateFlow)
			r.Delete("/", s.handleRemoveFlow)
		})
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if !s.ready.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	if opts.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}
	r.Mount("/debug", middleware.Profiler())

	s.router = r
	return s, nil
}

// Handler returns the HTTP handler. Exposed for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully. The
// usage relay, when configured, sweeps on its own ticker alongside the
// listeners.
func (s *Server) Run(ctx context.Context) error {
	httpSrv := &http.Server{
		Addr:         s.cfg.HTTPAddress,
		Handler:      s.router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	grpcLis, err := net.Listen("tcp", s.cfg.GRPCAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.GRPCAddress, err)
	}
	grpcSrv := grpc.NewServer()
	healthPb.RegisterHealthServer(grpcSrv, &healthServer{ready: &s.ready})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.InfoContext(ctx, "http listening", "address", s.cfg.HTTPAddress)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		s.logger.InfoContext(ctx, "grpc listening", "address", grpcLis.Addr().String())
		return grpcSrv.Serve(grpcLis)
	})
	if s.relay != nil {
		g.Go(func() error { return s.relay.Run(ctx) })
	}
	g.Go(func() error {
		<-ctx.Done()
		s.ready.Store(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		grpcSrv.GracefulStop()
		return httpSrv.Shutdown(shutdownCtx)
	})

	s.ready.Store(true)
	return g.Wait()
}
