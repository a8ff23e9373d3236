package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Sweeper removes expired entries and reports how many it removed.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// StartExpirySweeper runs every sweeper each interval until ctx is done.
func StartExpirySweeper(ctx context.Context, interval time.Duration, log *zap.Logger, sweepers ...Sweeper) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, sw := range sweepers {
					name := fmt.Sprintf("%T", sw)
					n, err := sw.Sweep(ctx)
					if err != nil {
						log.Error("failed to purge expired entries", zap.String("sweeper", name), zap.Error(err))
						continue
					}
					if n > 0 {
						log.Info("purged expired entries", zap.String("sweeper", name), zap.Int("removed", n))
					}
				}
			}
		}
	}()
}
