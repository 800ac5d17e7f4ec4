package workers

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper disconnects sessions whose heartbeat stopped.
type Sweeper interface {
	SweepStale(ctx context.Context) (int, error)
}

// LivenessWorker detects ungraceful disconnects.
type LivenessWorker struct {
	log      *slog.Logger
	sweeper  Sweeper
	interval time.Duration
}

func NewLivenessWorker(log *slog.Logger, sweeper Sweeper, interval time.Duration) *LivenessWorker {
	return &LivenessWorker{log: log, sweeper: sweeper, interval: interval}
}

func (w *LivenessWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := w.sweeper.SweepStale(ctx)
			if err != nil {
				w.log.Warn("Liveness sweep incomplete", "error", err)
			}
			if n > 0 {
				w.log.Info("Stale connections dropped", "count", n)
			}
		}
	}
}
