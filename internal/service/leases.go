package service

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// ExpiredLeases deletes session leases past their expiry.
type ExpiredLeases interface {
	DeleteExpiredLeases(ctx context.Context) (int64, error)
}

// RunLeaseSweeper periodically clears leases left behind by runs that died
// without releasing them. Expired leases can already be taken over, so this
// only keeps the table small. It returns when ctx is done.
func RunLeaseSweeper(ctx context.Context, leases ExpiredLeases, interval time.Duration, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepLeases(ctx, leases, logger)
		}
	}
}

func sweepLeases(ctx context.Context, leases ExpiredLeases, logger *zap.Logger) {
	sweepCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	n, err := leases.DeleteExpiredLeases(sweepCtx)
	if err != nil {
		logger.Warn("lease sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		logger.Debug("swept expired leases", zap.Int64("count", n))
	}
}
