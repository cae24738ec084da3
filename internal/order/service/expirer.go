package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/jimm9Tran/UDPT-sub001/pkg/ctxlog"
)

// Expirer cancels unpaid orders past their deadline on a fixed interval.
// Start blocks until the context is cancelled.
type Expirer struct {
	orders   OrderService
	interval time.Duration
	logger   *zap.Logger
}

func NewExpirer(orders OrderService, interval time.Duration, logger *zap.Logger) *Expirer {
	return &Expirer{
		orders:   orders,
		interval: interval,
		logger:   logger,
	}
}

func (e *Expirer) Start(ctx context.Context) {
	ctxlog.Info(ctx, e.logger, "Starting order expirer", zap.Duration("interval", e.interval))

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			ctxlog.Info(ctx, e.logger, "Order expirer stopping")
			return
		case <-ticker.C:
			if err := e.orders.CancelExpired(ctx); err != nil {
				ctxlog.Error(ctx, e.logger, "Order expiry sweep failed", zap.Error(err))
			}
		}
	}
}
