package api

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/offlinefarm/dispatcher/pkg/log"
	"github.com/offlinefarm/dispatcher/pkg/metrics"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the service reported by the gRPC health service besides
// the empty overall name
const ServiceName = "dispatcher"

// GRPCServer exposes the standard gRPC health service, fed from the
// component health registry
type GRPCServer struct {
	grpc    *grpc.Server
	health  *health.Server
	checker *metrics.HealthChecker
	logger  zerolog.Logger
}

// NewGRPCServer creates a gRPC server with the health service registered
func NewGRPCServer(checker *metrics.HealthChecker) *GRPCServer {
	logger := log.WithComponent("api")
	s := &GRPCServer{
		grpc:    grpc.NewServer(grpc.ChainUnaryInterceptor(LoggingInterceptor(logger))),
		health:  health.NewServer(),
		checker: checker,
		logger:  logger,
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.Sync()
	return s
}

// Start listens on addr and serves until Stop is called
func (s *GRPCServer) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.logger.Info().Str("addr", addr).Msg("grpc server listening")
	return s.Serve(lis)
}

// Serve serves on lis until Stop is called
func (s *GRPCServer) Serve(lis net.Listener) error {
	return s.grpc.Serve(lis)
}

// Sync copies the registry readiness into the health service
func (s *GRPCServer) Sync() {
	status := healthpb.HealthCheckResponse_SERVING
	if s.checker.Readiness().Status != "ready" {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// Watch syncs the health service every interval until ctx ends
func (s *GRPCServer) Watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Sync()
		case <-ctx.Done():
			return
		}
	}
}

// Stop marks every service not serving and stops the server gracefully
func (s *GRPCServer) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
