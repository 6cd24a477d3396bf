package proto

import (
	"context"
	"fmt"
	"net"

	"WeaponDetClient/logger"
	"WeaponDetClient/monitor"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the health-check name under which the detection service's reachability is
// published. The empty name reports the same status.
const ServiceName = "weapondet.DetectionService"

// Server publishes the detection service's health over the standard gRPC health protocol.
type Server struct {
	GRPC   *grpc.Server
	Health *health.Server
	log    *zap.Logger
}

func countRequests(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	monitor.GRPCTotal.Inc()
	return handler(ctx, req)
}

func NewServer() *Server {
	s := &Server{
		GRPC:   grpc.NewServer(grpc.ChainUnaryInterceptor(countRequests)),
		Health: health.NewServer(),
		log:    logger.Named("grpc"),
	}
	healthpb.RegisterHealthServer(s.GRPC, s.Health)
	reflection.Register(s.GRPC)
	s.SetServing(false)
	return s
}

// SetServing flips both the overall and the named status.
func (s *Server) SetServing(healthy bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if healthy {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.Health.SetServingStatus("", status)
	s.Health.SetServingStatus(ServiceName, status)
}

// Serve runs the server on lis in the background.
func (s *Server) Serve(lis net.Listener) {
	go func() {
		s.log.Info("gRPC health server listening", zap.String("addr", lis.Addr().String()))
		if err := s.GRPC.Serve(lis); err != nil {
			s.log.Error("gRPC server stopped", zap.Error(err))
		}
	}()
}

func (s *Server) Stop() {
	s.Health.Shutdown()
	s.GRPC.GracefulStop()
}

// StartGRPCServer listens on port and serves health checks until Stop.
func StartGRPCServer(port int) (*Server, error) {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("failed to listen on port %d: %w", port, err)
	}
	s := NewServer()
	s.Serve(lis)
	return s, nil
}
