package health

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"github.com/jmerrifield20/evidencekeeper/internal/evidence"
)

// GRPCServer publishes ledger reachability through the standard gRPC health
// service. Each ledger is a service name; the empty name reports the process.
type GRPCServer struct {
	srv    *grpc.Server
	hs     *grpchealth.Server
	logger *zap.Logger
}

// NewGRPCServer creates a server with every ledger reported SERVING.
func NewGRPCServer(ledgers []evidence.Ledger, logger *zap.Logger) *GRPCServer {
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(loggingInterceptor(logger)))
	hs := grpchealth.NewServer()
	grpc_health_v1.RegisterHealthServer(srv, hs)
	reflection.Register(srv)

	for _, l := range ledgers {
		hs.SetServingStatus(string(l), grpc_health_v1.HealthCheckResponse_SERVING)
	}
	return &GRPCServer{srv: srv, hs: hs, logger: logger}
}

// Record sets a ledger's serving status. It has the MetricsRecordFunc shape
// so it can be chained onto the checker's probe results.
func (g *GRPCServer) Record(ledger string, up bool) {
	st := grpc_health_v1.HealthCheckResponse_SERVING
	if !up {
		st = grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}
	g.hs.SetServingStatus(ledger, st)
}

// Serve accepts connections on lis until Stop.
func (g *GRPCServer) Serve(lis net.Listener) error {
	return g.srv.Serve(lis)
}

// Stop marks every service NOT_SERVING and drains in-flight calls.
func (g *GRPCServer) Stop() {
	g.hs.Shutdown()
	g.srv.GracefulStop()
}

// loggingInterceptor returns a gRPC unary server interceptor that logs each call.
func loggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Debug("grpc",
			zap.String("method", info.FullMethod),
			zap.String("code", status.Code(err).String()),
			zap.Duration("latency", time.Since(start)),
		)
		return resp, err
	}
}
