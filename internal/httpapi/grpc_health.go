package httpapi

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"tenantauth.org/internal/obs"
)

// HealthServiceName is the gRPC health service name reported for the auth API.
const HealthServiceName = "tenantauth.v1.Auth"

// HealthServer publishes readiness over the standard gRPC health protocol.
type HealthServer struct {
	readiness readinessChecker
	health    *health.Server
	interval  time.Duration
}

// NewHealthServer wraps the readiness check. interval defaults to 5s.
func NewHealthServer(r readinessChecker, interval time.Duration) *HealthServer {
	if r == nil {
		r = DBReadiness{}
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	hs := &HealthServer{readiness: r, health: health.NewServer(), interval: interval}
	hs.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return hs
}

// Register attaches the health service to srv.
func (h *HealthServer) Register(srv *grpc.Server) {
	healthpb.RegisterHealthServer(srv, h.health)
}

// Refresh runs one readiness check and publishes the result.
func (h *HealthServer) Refresh(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, h.interval)
	defer cancel()
	if err := h.readiness.Check(ctx); err != nil {
		log := obs.Logger()
		log.Warn().Err(err).Msg("readiness check failed")
		obs.SetReady(false)
		h.set(healthpb.HealthCheckResponse_NOT_SERVING)
		return false
	}
	obs.SetReady(true)
	h.set(healthpb.HealthCheckResponse_SERVING)
	return true
}

// Watch refreshes readiness until ctx is done, then reports NOT_SERVING.
func (h *HealthServer) Watch(ctx context.Context) {
	h.Refresh(ctx)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.health.Shutdown()
			return
		case <-ticker.C:
			h.Refresh(ctx)
		}
	}
}

func (h *HealthServer) set(status healthpb.HealthCheckResponse_ServingStatus) {
	h.health.SetServingStatus("", status)
	h.health.SetServingStatus(HealthServiceName, status)
}
