package workers

import (
	"context"
	"log/slog"
	"time"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Probe checks one backend.
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

// StatusSetter is satisfied by *health.Server.
type StatusSetter interface {
	SetServingStatus(service string, servingStatus healthpb.HealthCheckResponse_ServingStatus)
}

// HealthWorker keeps the gRPC health status in line with the backends.
// The overall status ("") is SERVING only when every probe passes.
type HealthWorker struct {
	log      *slog.Logger
	status   StatusSetter
	probes   []Probe
	interval time.Duration
	timeout  time.Duration
}

func NewHealthWorker(log *slog.Logger, status StatusSetter, interval, timeout time.Duration, probes ...Probe) *HealthWorker {
	return &HealthWorker{log: log, status: status, probes: probes, interval: interval, timeout: timeout}
}

func (w *HealthWorker) Run(ctx context.Context) error {
	w.Probe(ctx)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.status.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
			return nil
		case <-ticker.C:
			w.Probe(ctx)
		}
	}
}

// Probe runs every check once and publishes the statuses.
func (w *HealthWorker) Probe(ctx context.Context) bool {
	healthy := true
	for _, probe := range w.probes {
		probeCtx, cancel := context.WithTimeout(ctx, w.timeout)
		err := probe.Check(probeCtx)
		cancel()
		status := healthpb.HealthCheckResponse_SERVING
		if err != nil {
			healthy = false
			status = healthpb.HealthCheckResponse_NOT_SERVING
			w.log.Warn("Health probe failed", "probe", probe.Name, "error", err)
		}
		w.status.SetServingStatus(probe.Name, status)
	}
	overall := healthpb.HealthCheckResponse_SERVING
	if !healthy {
		overall = healthpb.HealthCheckResponse_NOT_SERVING
	}
	w.status.SetServingStatus("", overall)
	return healthy
}
