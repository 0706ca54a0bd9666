package deposit

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper expires lapsed quotes on a fixed interval, independent of any
// client being connected.
type Sweeper struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
}

// NewSweeper creates a sweeper running every interval
func NewSweeper(service *Service, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Sweeper{service: service, interval: interval, logger: logger}
}

// Run sweeps until ctx is cancelled
func (sw *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	sw.logger.Info("expiry sweeper started", "interval", sw.interval)
	sw.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			sw.logger.Info("expiry sweeper stopped")
			return nil
		case <-ticker.C:
			sw.sweep(ctx)
		}
	}
}

func (sw *Sweeper) sweep(ctx context.Context) {
	n, err := sw.service.ExpireDue(ctx)
	if err != nil && ctx.Err() == nil {
		sw.logger.Error("expiry sweep failed", "error", err)
		return
	}
	if n > 0 {
		sw.logger.Info("expired sessions", "count", n)
	}
}
