package main

import (
	"context"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/BearBump/parceltrack/internal/logger"
)

const healthService = "parceltrack.TrackWorker"

// runHealthServer exposes the standard gRPC health service. The status is
// taken from ready() at start and flips to NOT_SERVING on shutdown.
func runHealthServer(ctx context.Context, addr string, wk *worker, log *logger.Logger) error {
	if addr == "" {
		addr = ":50051"
	}
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	srv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	st := healthpb.HealthCheckResponse_SERVING
	if err := wk.ready(ctx); err != nil {
		log.Warn(ctx, "worker not ready at start", "error", err)
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	hs.SetServingStatus("", st)
	hs.SetServingStatus(healthService, st)

	go func() {
		<-ctx.Done()
		hs.Shutdown()
		srv.GracefulStop()
	}()

	if err := srv.Serve(lis); err != nil && ctx.Err() == nil {
		return err
	}
	return ctx.Err()
}
