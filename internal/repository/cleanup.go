package repository

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Pruner deletes read notifications older than a cutoff
type Pruner interface {
	PruneRead(ctx context.Context, cutoff time.Time) (int64, error)
}

// StartCleanupWorker periodically removes read notifications older than
// retention. It returns immediately; the worker stops with ctx.
func StartCleanupWorker(ctx context.Context, p Pruner, interval, retention time.Duration, logger *zap.Logger) {
	if interval <= 0 || retention <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				removed, err := p.PruneRead(ctx, time.Now().Add(-retention))
				if err != nil {
					logger.Warn("Failed to prune read notifications", zap.Error(err))
					continue
				}
				if removed > 0 {
					logger.Info("Pruned read notifications", zap.Int64("removed", removed))
				}
			}
		}
	}()
}
