package server

import (
	"PerpVamm/internal/engine"
	"PerpVamm/internal/observability"
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// Server hosts the gRPC endpoint and the HTTP/JSON gateway. The gRPC
// side carries the standard health and reflection services; the trading
// API itself is exposed over HTTP/JSON through the gateway mux so curl,
// dashboards, and keeper bots can hit it without protobuf tooling.
type Server struct {
	grpcServer *grpc.Server
	httpServer *http.Server
	grpcAddr   string
	httpAddr   string
	health     *observability.HealthChecker
	log        zerolog.Logger
}

// NewServer wires the gRPC server and the HTTP gateway around the
// trading engine.
func NewServer(grpcAddr, httpAddr string, eng *engine.Engine, hc *observability.HealthChecker, log zerolog.Logger) (*Server, error) {
	grpcServer := grpc.NewServer()

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	handler, err := newGatewayHandler(eng, hc, log)
	if err != nil {
		return nil, fmt.Errorf("build gateway handler: %w", err)
	}

	return &Server{
		grpcServer: grpcServer,
		httpServer: &http.Server{Addr: httpAddr, Handler: handler},
		grpcAddr:   grpcAddr,
		httpAddr:   httpAddr,
		health:     hc,
		log:        log,
	}, nil
}

// StartGRPC starts the gRPC server (blocking).
func (s *Server) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.log.Info().Msg("gRPC server shutting down")
		s.grpcServer.GracefulStop()
	}()

	s.log.Info().Str("addr", s.grpcAddr).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTP starts the HTTP/JSON gateway (blocking).
func (s *Server) StartHTTP(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.log.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", s.httpAddr).Msg("HTTP gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
