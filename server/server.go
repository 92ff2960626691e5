// Package server exposes a recall.Service over gRPC and HTTP.
package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/patrikhermansson/recall/recall"
)

// Options holds the listen addresses. An empty address disables that listener.
type Options struct {
	GRPCAddr        string
	HTTPAddr        string
	ShutdownTimeout time.Duration
}

// Server runs the gRPC and HTTP listeners of one service.
type Server struct {
	svc    *recall.Service
	opts   Options
	grpc   *grpc.Server
	http   *http.Server
	health *health.Server
}

// New wires svc into a gRPC server, a health service and the HTTP API.
func New(svc *recall.Service, opts Options) *Server {
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	s := &Server{
		svc:    svc,
		opts:   opts,
		grpc:   grpc.NewServer(grpc.ChainUnaryInterceptor(loggingInterceptor)),
		health: health.NewServer(),
	}
	RegisterRecall(s.grpc, svc)
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.setServing(svc.Healthy())
	svc.OnHealthChange(s.setServing)

	s.http = &http.Server{
		Handler:           NewHTTPHandler(svc),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return s
}

func (s *Server) setServing(healthy bool) {
	st := healthpb.HealthCheckResponse_SERVING
	if !healthy {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}

// Run listens on the configured addresses and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	var grpcLis, httpLis net.Listener
	var err error
	if s.opts.GRPCAddr != "" {
		if grpcLis, err = net.Listen("tcp", s.opts.GRPCAddr); err != nil {
			return errors.Wrapf(err, "listen grpc %s", s.opts.GRPCAddr)
		}
	}
	if s.opts.HTTPAddr != "" {
		if httpLis, err = net.Listen("tcp", s.opts.HTTPAddr); err != nil {
			if grpcLis != nil {
				_ = grpcLis.Close()
			}
			return errors.Wrapf(err, "listen http %s", s.opts.HTTPAddr)
		}
	}
	return s.Serve(ctx, grpcLis, httpLis)
}

// Serve serves on the given listeners until ctx is done, then shuts both
// down gracefully. A nil listener is skipped.
func (s *Server) Serve(ctx context.Context, grpcLis, httpLis net.Listener) error {
	if grpcLis == nil && httpLis == nil {
		return errors.New("server: no listener configured")
	}
	g, ctx := errgroup.WithContext(ctx)
	if grpcLis != nil {
		g.Go(func() error {
			log.Info().Msgf("gRPC listening on %s", grpcLis.Addr())
			return s.grpc.Serve(grpcLis)
		})
	}
	if httpLis != nil {
		g.Go(func() error {
			log.Info().Msgf("HTTP listening on %s", httpLis.Addr())
			if err := s.http.Serve(httpLis); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		s.shutdown()
		return nil
	})
	return g.Wait()
}

func (s *Server) shutdown() {
	log.Info().Msg("Shutting down listeners")
	s.health.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("HTTP shutdown")
	}

	stopped := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		s.grpc.Stop()
	}
}
