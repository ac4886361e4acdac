package api

import (
	"context"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service name reported for the tailor API.
const ServiceName = "tailor.v1.Transcript"

// HealthServer exposes grpc.health.v1 and tracks database reachability.
type HealthServer struct {
	server *grpc.Server
	health *health.Server
	db     Pinger
	logger *slog.Logger
}

// NewHealthServer creates a gRPC server with only the health service registered.
func NewHealthServer(db Pinger, logger *slog.Logger) *HealthServer {
	if logger == nil {
		logger = slog.Default()
	}
	hs := health.NewServer()
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return &HealthServer{server: srv, health: hs, db: db, logger: logger}
}

// Check updates the serving status from a database ping.
func (s *HealthServer) Check(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_SERVING
	if err := s.db.Ping(ctx); err != nil {
		s.logger.Warn("gRPC health: database unreachable", "error", err)
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
	return status
}

// Serve listens on addr and refreshes health every interval until ctx is done.
func (s *HealthServer) Serve(ctx context.Context, addr string, interval time.Duration) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.ServeListener(ctx, lis, interval)
}

// ServeListener is Serve on an existing listener.
func (s *HealthServer) ServeListener(ctx context.Context, lis net.Listener, interval time.Duration) error {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	s.Check(ctx)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Check(ctx)
			case <-ctx.Done():
				s.health.Shutdown()
				s.server.GracefulStop()
				return
			}
		}
	}()

	s.logger.Info("gRPC health server listening", "addr", lis.Addr().String())
	return s.server.Serve(lis)
}
