package server

import (
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// GRPCServer exposes the standard gRPC health service for orchestrators
// that probe over gRPC instead of HTTP.
type GRPCServer struct {
	server       *grpc.Server
	healthServer *health.Server
	port         int
	log          *zap.Logger
}

// NewGRPCServer creates a health-serving gRPC server on the given port.
func NewGRPCServer(port int, log *zap.Logger) *GRPCServer {
	opts := []grpc.ServerOption{
		grpc.MaxRecvMsgSize(10 * 1024 * 1024), // 10MB max message size
		grpc.MaxSendMsgSize(10 * 1024 * 1024),
		grpc.ConnectionTimeout(30 * time.Second),
	}

	s := grpc.NewServer(opts...)
	healthServer := health.NewServer()

	grpc_health_v1.RegisterHealthServer(s, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)

	// Enable reflection for development/testing
	reflection.Register(s)

	return &GRPCServer{
		server:       s,
		healthServer: healthServer,
		port:         port,
		log:          log,
	}
}

// Start starts the gRPC server.
func (g *GRPCServer) Start() error {
	addr := fmt.Sprintf("0.0.0.0:%d", g.port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	g.log.Info("grpc server starting", zap.String("address", addr))

	go func() {
		if err := g.server.Serve(listener); err != nil {
			g.log.Error("grpc server failed", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully stops the gRPC server.
func (g *GRPCServer) Stop() {
	g.log.Info("stopping grpc server")
	g.healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	stopped := make(chan struct{})
	go func() {
		g.server.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		g.log.Warn("grpc server forced to stop after timeout")
		g.server.Stop()
	}
}
