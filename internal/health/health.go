// Package health serves the standard gRPC health protocol. The overall
// service ("") reports SERVING while the process runs; each session is
// exposed as its own service name, SERVING only while the session is open.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ashureev/sessionrelay/internal/domain"
)

// ServicePrefix namespaces per-session service names.
const ServicePrefix = "session/"

// Server wraps a grpc.Server carrying only the health service.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
}

// New creates a health server. Nothing listens until Serve.
func New() *Server {
	hs := health.NewServer()
	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	return &Server{grpc: gs, health: hs}
}

// ServiceName returns the health service name for a session.
func ServiceName(sessionID string) string {
	return ServicePrefix + sessionID
}

// ObserveSession mirrors a session state change.
func (s *Server) ObserveSession(snap domain.SessionSnapshot) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if snap.State == domain.StateOpen {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(ServiceName(snap.ID), status)
}

// Check answers a health query in-process.
func (s *Server) Check(ctx context.Context, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := s.health.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

// Serve listens on addr until Shutdown.
func (s *Server) Serve(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	slog.Info("gRPC health server listening", "addr", lis.Addr().String())
	return s.ServeListener(lis)
}

// ServeListener serves on an existing listener.
func (s *Server) ServeListener(lis net.Listener) error {
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Shutdown marks everything NOT_SERVING and stops the server.
func (s *Server) Shutdown() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
