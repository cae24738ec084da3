package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/jimm9Tran/UDPT-sub001/pkg/ctxlog"
)

// Sweeper runs the expiry sweep on a fixed interval. It is owned by the
// catalog process lifecycle: Start blocks until the context is cancelled.
type Sweeper struct {
	inventory InventoryService
	interval  time.Duration
	logger    *zap.Logger
}

func NewSweeper(inventory InventoryService, interval time.Duration, logger *zap.Logger) *Sweeper {
	return &Sweeper{
		inventory: inventory,
		interval:  interval,
		logger:    logger,
	}
}

func (s *Sweeper) Start(ctx context.Context) {
	ctxlog.Info(ctx, s.logger, "Starting reservation sweeper", zap.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			ctxlog.Info(ctx, s.logger, "Reservation sweeper stopping")
			return
		case <-ticker.C:
			if err := s.inventory.Sweep(ctx); err != nil {
				ctxlog.Error(ctx, s.logger, "Reservation sweep failed", zap.Error(err))
			}
		}
	}
}
