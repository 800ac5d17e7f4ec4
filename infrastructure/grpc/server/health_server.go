package server

import (
	"chat-sync/auth"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// OpsServer is the gRPC surface of a node: the standard health service,
// fed by the health worker, behind the JWT interceptor for anything else
// registered on it.
type OpsServer struct {
	*grpc.Server
	Health *health.Server
}

func NewOpsServer(log *slog.Logger, tokens *auth.Tokens) *OpsServer {
	s := grpc.NewServer(grpc.ChainUnaryInterceptor(auth.UnaryInterceptor(tokens)))
	h := health.NewServer()
	h.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(s, h)
	log.Debug("gRPC health service registered")
	return &OpsServer{Server: s, Health: h}
}

// Stop flips every status to NOT_SERVING, then drains the calls in flight.
func (s *OpsServer) Stop() {
	s.Health.Shutdown()
	s.GracefulStop()
}
