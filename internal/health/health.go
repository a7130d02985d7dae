// Package health reports worker readiness over the standard gRPC health
// protocol.
package health

import (
	"context"
	"errors"
	"log"
	"net"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"

	"offline_cache_proxy/internal/lifecycle"
)

const (
	// WorkerService is SERVING while an activated version controls requests.
	WorkerService = "offline_cache_proxy.Worker"
	// UpstreamService follows the upstream probe.
	UpstreamService = "offline_cache_proxy.Upstream"
)

type Server struct {
	registration *lifecycle.Registration
	grpcServer   *grpc.Server
	health       *grpchealth.Server
	listener     net.Listener
	done         chan struct{}
}

func NewServer(registration *lifecycle.Registration) *Server {
	grpcServer := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthServer := grpchealth.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	healthServer.SetServingStatus(WorkerService, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	healthServer.SetServingStatus(UpstreamService, grpc_health_v1.HealthCheckResponse_SERVING)

	s := &Server{registration: registration, grpcServer: grpcServer, health: healthServer}
	if registration != nil {
		registration.AddObserver(s)
		if active := registration.Active(); active != nil {
			s.ObserveVersion(active, active.State())
		}
	}
	return s
}

// Start serves the health protocol on addr and returns the bound address.
func (s *Server) Start(addr string) (string, error) {
	if s == nil {
		return "", errors.New("health server not initialized")
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", err
	}
	s.listener = ln
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		if err := s.grpcServer.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			log.Printf("health server error: %v", err)
		}
	}()
	return ln.Addr().String(), nil
}

// Stop drains the server, falling back to a hard stop when ctx ends.
func (s *Server) Stop(ctx context.Context) error {
	if s == nil || s.listener == nil {
		return nil
	}
	s.health.Shutdown()
	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		s.grpcServer.Stop()
	}
	<-s.done
	return nil
}

func (s *Server) ObserveVersion(v *lifecycle.Version, state lifecycle.State) {
	if s == nil || s.registration == nil {
		return
	}
	if s.registration.Active() != v {
		return
	}
	status := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	if state == lifecycle.StateActivated {
		status = grpc_health_v1.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(WorkerService, status)
}

// SetUpstreamHealthy records the upstream probe result.
func (s *Server) SetUpstreamHealthy(healthy bool) {
	if s == nil {
		return
	}
	status := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	if healthy {
		status = grpc_health_v1.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(UpstreamService, status)
}
