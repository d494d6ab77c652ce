package grpcserver

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the health service name reported for the imaging pipeline.
const ServiceName = "microstitch.Pipeline"

// Server is a gRPC listener exposing the standard health and reflection services.
type Server struct {
	addr   string
	grpc   *grpc.Server
	health *health.Server
	log    *slog.Logger
}

// New prepares a server for addr. Nothing listens until Start.
func New(addr string, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	grpcServer := grpc.NewServer(
		grpc.MaxRecvMsgSize(4*1024*1024),
		grpc.MaxSendMsgSize(4*1024*1024),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, hs)
	reflection.Register(grpcServer)

	return &Server{addr: addr, grpc: grpcServer, health: hs, log: log}
}

// Start listens on the configured address and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	listen, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %v", s.addr, err)
	}
	return s.Serve(ctx, listen)
}

// Serve runs on an existing listener.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	s.SetServing(true)

	go func() {
		<-ctx.Done()
		s.log.Info("Shutting down gRPC server...")
		s.health.Shutdown()
		s.grpc.GracefulStop()
	}()

	s.log.Info("gRPC health server starting", "addr", lis.Addr().String())
	if err := s.grpc.Serve(lis); err != nil && err != grpc.ErrServerStopped {
		return err
	}
	return nil
}

// SetServing flips both the overall and the pipeline status.
func (s *Server) SetServing(ok bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}
