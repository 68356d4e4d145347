// Package worker runs background sweeps against the engine.
package worker

import (
	"context"
	"time"

	"campusdine/token-service/internal/clock"
	"campusdine/token-service/internal/logger"

	"go.uber.org/zap"
)

// Sweeper is the engine operation the no-show worker drives.
type Sweeper interface {
	SweepNoShows(ctx context.Context, grace time.Duration, batchSize int) (int, error)
}

type NoShowConfig struct {
	Grace     time.Duration
	Interval  time.Duration
	BatchSize int
	// Timeout bounds one sweep.
	Timeout time.Duration
}

type NoShowWorker struct {
	sweeper Sweeper
	clock   clock.Clock
	cfg     NoShowConfig
}

func NewNoShowWorker(sweeper Sweeper, clk clock.Clock, cfg NoShowConfig) *NoShowWorker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &NoShowWorker{sweeper: sweeper, clock: clk, cfg: cfg}
}

// Run sweeps once per interval until ctx is done. Sweeps run inline, so a
// slow sweep delays the next tick instead of overlapping it. A zero grace or
// interval disables the worker.
func (w *NoShowWorker) Run(ctx context.Context) {
	if w.cfg.Grace <= 0 || w.cfg.Interval <= 0 {
		return
	}
	ticker := w.clock.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			w.sweep(ctx)
		}
	}
}

func (w *NoShowWorker) sweep(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()
	count, err := w.sweeper.SweepNoShows(ctx, w.cfg.Grace, w.cfg.BatchSize)
	if err != nil {
		logger.Error(err, zap.String("message", "auto no-show sweep failed"))
		return
	}
	if count > 0 {
		logger.Info("auto no-show processed tokens", zap.Int("count", count))
	}
}
