package server

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the name health checks report under
const ServiceName = "history.v1.HistoryService"

// Health tracks whether the service is consuming events
type Health struct {
	srv *health.Server
}

// SetServing flips the reported status of ServiceName and the overall server
func (h *Health) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.srv.SetServingStatus("", status)
	h.srv.SetServingStatus(ServiceName, status)
}

// Shutdown marks every service NOT_SERVING and ignores later updates
func (h *Health) Shutdown() {
	h.srv.Shutdown()
}

// NewGRPCServer creates a new gRPC server with health and reflection registered.
// Health starts NOT_SERVING.
func NewGRPCServer(log logrus.FieldLogger) (*grpc.Server, *Health) {
	opts := []grpc.ServerOption{
		grpc.MaxRecvMsgSize(1024 * 1024 * 4), // 4MB max receive message size
		grpc.MaxSendMsgSize(1024 * 1024 * 4), // 4MB max send message size
		grpc.ChainUnaryInterceptor(loggingInterceptor(log)),
	}

	s := grpc.NewServer(opts...)

	h := &Health{srv: health.NewServer()}
	h.SetServing(false)
	healthpb.RegisterHealthServer(s, h.srv)

	// useful for tools like grpcurl
	reflection.Register(s)

	return s, h
}

func loggingInterceptor(log logrus.FieldLogger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		entry := log.WithFields(logrus.Fields{
			"method":   info.FullMethod,
			"duration": time.Since(start).String(),
		})
		if err != nil {
			entry.WithError(err).Warn("grpc call failed")
		} else {
			entry.Debug("grpc call")
		}
		return resp, err
	}
}
