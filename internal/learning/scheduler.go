package learning

import (
	"context"
	"errors"
	"time"

	"github.com/shortontech/clickgate/internal/store"
)

// Schedule runs c every interval until ctx is cancelled. A failed or
// skipped run is logged and retried on the next tick.
func (c *Consolidator) Schedule(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.logger.Info("consolidation scheduler started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("consolidation scheduler stopped")
			return
		case now := <-ticker.C:
			_, err := c.Run(ctx, now.UTC())
			switch {
			case err == nil:
			case errors.Is(err, ErrAlreadyRunning), errors.Is(err, store.ErrWindowInProgress):
				c.logger.Info("consolidation skipped", "reason", err)
			case ctx.Err() != nil:
				return
			default:
				c.logger.Warn("scheduled consolidation failed", "error", err)
			}
		}
	}
}
