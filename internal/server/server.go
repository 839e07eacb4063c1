// ============================================================================
// vidgen-lane Ops Server - HTTP + gRPC Health
// ============================================================================
//
// Package: internal/server
// File: server.go
// Purpose: Exposes the operational surfaces of a running lane
//
// Endpoints:
//   HTTP (chi)
//     GET /healthz   200 while the scheduler runs, 503 otherwise
//     GET /statusz   job counts by status
//     GET /metrics   Prometheus exposition
//   gRPC
//     grpc.health.v1.Health   SERVING while the scheduler runs
//     server reflection
//
// The job API itself is not served here.
//
// ============================================================================

package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the gRPC health service name reported for the lane.
const ServiceName = "vidgen.Lane"

const shutdownTimeout = 5 * time.Second

// Options configures the listeners.
type Options struct {
	HTTPAddr string
	GRPCAddr string
}

// Server owns the HTTP and gRPC listeners.
type Server struct {
	opts   Options
	http   *http.Server
	grpc   *grpc.Server
	health *health.Server
	logger zerolog.Logger
}

// New creates the ops server. Nothing listens until Run.
func New(opts Options, lane LaneStatus, gatherer prometheus.Gatherer, logger zerolog.Logger) *Server {
	logger = logger.With().Str("component", "server").Logger()

	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)

	s := &Server{
		opts: opts,
		http: &http.Server{
			Handler:           NewRouter(lane, gatherer, logger),
			ReadHeaderTimeout: 5 * time.Second,
		},
		grpc:   grpcServer,
		health: healthServer,
		logger: logger,
	}
	s.SetServing(false)
	return s
}

// SetServing flips the gRPC health status for the lane and the server as a whole.
func (s *Server) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// Run listens on both addresses until ctx is cancelled, then shuts down.
func (s *Server) Run(ctx context.Context) error {
	httpLis, err := net.Listen("tcp", s.opts.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen http %s: %w", s.opts.HTTPAddr, err)
	}
	grpcLis, err := net.Listen("tcp", s.opts.GRPCAddr)
	if err != nil {
		httpLis.Close()
		return fmt.Errorf("listen grpc %s: %w", s.opts.GRPCAddr, err)
	}
	return s.Serve(ctx, httpLis, grpcLis)
}

// Serve is Run on pre-opened listeners.
func (s *Server) Serve(ctx context.Context, httpLis, grpcLis net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info().Str("addr", httpLis.Addr().String()).Msg("ops http listening")
		if err := s.http.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		s.logger.Info().Str("addr", grpcLis.Addr().String()).Msg("grpc health listening")
		if err := s.grpc.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		s.health.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := s.http.Shutdown(shutdownCtx)
		s.grpc.GracefulStop()
		s.logger.Info().Msg("ops server stopped")
		return err
	})

	return g.Wait()
}
