package httpapi

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"livingrosary.org/internal/obs"
)

const defaultHealthInterval = 10 * time.Second

// HealthReporter mirrors the readiness probe into the standard gRPC health
// service, both for the whole server and for serviceName.
type HealthReporter struct {
	hs       *health.Server
	probe    ReadyProbe
	interval time.Duration
	log      *zap.Logger
}

// NewGRPCServer builds a gRPC server exposing grpc.health.v1.Health.
func NewGRPCServer(probe ReadyProbe, interval time.Duration, log *zap.Logger) (*grpc.Server, *HealthReporter) {
	if log == nil {
		log = obs.Logger()
	}
	if interval <= 0 {
		interval = defaultHealthInterval
	}
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(unaryLogging(log)))
	hr := &HealthReporter{
		hs:       health.NewServer(),
		probe:    probe,
		interval: interval,
		log:      log,
	}
	healthpb.RegisterHealthServer(srv, hr.hs)
	return srv, hr
}

// Refresh runs the probe once and publishes the result.
func (h *HealthReporter) Refresh(ctx context.Context) bool {
	st := healthpb.HealthCheckResponse_SERVING
	ok := true
	if err := h.probe.Check(ctx); err != nil {
		h.log.Warn("readiness probe failed", zap.Error(err))
		st = healthpb.HealthCheckResponse_NOT_SERVING
		ok = false
	}
	h.hs.SetServingStatus("", st)
	h.hs.SetServingStatus(serviceName, st)
	obs.SetReady(ok)
	return ok
}

// Run refreshes health every interval until ctx ends, then marks every
// service NOT_SERVING.
func (h *HealthReporter) Run(ctx context.Context) {
	h.Refresh(ctx)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.hs.Shutdown()
			return
		case <-ticker.C:
			h.Refresh(ctx)
		}
	}
}

func unaryLogging(log *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		log.Debug("grpc_complete",
			zap.String("method", info.FullMethod),
			zap.String("code", status.Code(err).String()),
			zap.Float64("duration_ms", float64(time.Since(start).Microseconds())/1000),
		)
		return resp, err
	}
}
