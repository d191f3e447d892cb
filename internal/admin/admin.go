// Package admin runs the gRPC side channel of the PA server: health checking
// and server reflection.
package admin

import (
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the health service reported for the PA server.
const ServiceName = "paserver"

// Server serves grpc.health.v1 and reflection on one listener.
type Server struct {
	addr     string
	server   *grpc.Server
	health   *health.Server
	listener net.Listener
	wg       sync.WaitGroup
}

// NewServer creates an admin server for addr. Nothing listens until Start.
func NewServer(addr string) *Server {
	return &Server{
		addr:   addr,
		health: health.NewServer(),
	}
}

// Start starts the admin server
func (s *Server) Start() error {
	// Create new gRPC server
	s.server = grpc.NewServer()

	// Register services
	healthpb.RegisterHealthServer(s.server, s.health)
	reflection.Register(s.server)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	// Start server
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener

	log.Info().Str("addr", listener.Addr().String()).Msg("Starting admin gRPC server")

	// Serve in a goroutine
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.server.Serve(listener); err != nil {
			log.Error().Err(err).Msg("Admin gRPC server error")
		}
	}()

	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// SetServing flips the health status of the PA service.
func (s *Server) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(ServiceName, status)
	s.health.SetServingStatus("", status)
	log.Debug().Str("status", status.String()).Msg("Admin health status changed")
}

// Stop reports NOT_SERVING to watchers and stops the server
func (s *Server) Stop() {
	s.health.Shutdown()
	if s.server != nil {
		s.server.GracefulStop()
	}
	s.wg.Wait()
	log.Info().Msg("Admin gRPC server stopped")
}
