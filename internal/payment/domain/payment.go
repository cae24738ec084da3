package domain

import (
	"time"

	"github.com/google/uuid"
)

type PaymentStatus string

// Gateway payments start Pending and settle via a verified callback.
// Cash-on-delivery payments start AwaitingDelivery and settle on explicit
// delivery confirmation. Any non-terminal payment may move to Cancelled
// when its order is cancelled.
const (
	PaymentStatusPending          PaymentStatus = "pending"
	PaymentStatusAwaitingDelivery PaymentStatus = "awaiting_delivery"
	PaymentStatusSuccess          PaymentStatus = "success"
	PaymentStatusFailed           PaymentStatus = "failed"
	PaymentStatusCancelled        PaymentStatus = "cancelled"
)

type PaymentMethod string

const (
	MethodGateway        PaymentMethod = "gateway_redirect"
	MethodCashOnDelivery PaymentMethod = "cod"
)

const DefaultCurrency = "VND"

type Payment struct {
	ID           uuid.UUID     `db:"id"`
	OrderID      uuid.UUID     `db:"order_id"`
	UserID       string        `db:"user_id"`
	Amount       float64       `db:"amount"`
	Currency     string        `db:"currency"`
	Method       PaymentMethod `db:"method"`
	Status       PaymentStatus `db:"status"`
	GatewayTxnID *string       `db:"gateway_txn_id"`
	PaidAt       *time.Time    `db:"paid_at"`
	Version      int64         `db:"version"`
	CreatedAt    time.Time     `db:"created_at"`
	UpdatedAt    time.Time     `db:"updated_at"`
}

// Open reports whether the payment is still in flight and may be settled
// or cancelled. A payment that is not open reached a final state and never
// transitions again.
func (p *Payment) Open() bool {
	return p.Status == PaymentStatusPending || p.Status == PaymentStatusAwaitingDelivery
}

// OrderShadow is this service's read model of an order, maintained solely
// from order events. Version tracks the order's own version so out-of-order
// deliveries can be detected and skipped or retried.
type OrderShadow struct {
	OrderID    uuid.UUID `db:"order_id"`
	UserID     string    `db:"user_id"`
	TotalPrice float64   `db:"total_price"`
	Status     string    `db:"status"`
	ExpiresAt  time.Time `db:"expires_at"`
	Version    int64     `db:"version"`
	UpdatedAt  time.Time `db:"updated_at"`
}

const (
	OrderStatusCreated   = "created"
	OrderStatusPending   = "pending"
	OrderStatusCompleted = "completed"
	OrderStatusCancelled = "cancelled"
)

// Payable reports whether a payment may still be started for this order.
func (s *OrderShadow) Payable(now time.Time) bool {
	if s.Status != OrderStatusCreated && s.Status != OrderStatusPending {
		return false
	}

	return !now.After(s.ExpiresAt)
}
