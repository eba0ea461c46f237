package workers

import (
	"context"
	"log/slog"
	"time"
)

const DefaultSweepInterval = 6 * time.Hour

// Purger removes expired demo projects and reports how many went.
type Purger interface {
	PurgeExpiredDemos(ctx context.Context) (int, error)
}

// DemoSweeper periodically deletes demo projects past their expiry.
type DemoSweeper struct {
	Purger   Purger
	Interval time.Duration
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (s *DemoSweeper) Run(ctx context.Context) {
	interval := s.Interval
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		s.sweep(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *DemoSweeper) sweep(ctx context.Context) {
	n, err := s.Purger.PurgeExpiredDemos(ctx)
	if err != nil {
		slog.Error("Demo sweep failed", "error", err, "purged", n)
		return
	}
	if n > 0 {
		slog.Info("Expired demo projects removed", "count", n)
	}
}
