package domain

import (
	"math"
	"time"

	"github.com/google/uuid"
)

type OrderStatus string

const (
	OrderStatusCreated   OrderStatus = "created"
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusCompleted OrderStatus = "completed"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// Pricing constants: orders at or above the threshold ship free, everything
// else pays the flat fee; tax applies to the discounted items total.
const (
	FreeShippingThreshold = 100.0
	FlatShippingFee       = 10.0
	TaxRate               = 0.15
)

// ExpiryWindow is shared with catalog reservations: an unpaid order and its
// stock hold die together.
const ExpiryWindow = 30 * time.Minute

type OrderItem struct {
	ProductID uuid.UUID `db:"product_id"`
	Name      string    `db:"name"`
	Price     float64   `db:"price"`
	Discount  float64   `db:"discount"`
	Quantity  int32     `db:"quantity"`
}

type Order struct {
	ID              uuid.UUID   `db:"id"`
	UserID          string      `db:"user_id"`
	Status          OrderStatus `db:"status"`
	Items           []OrderItem `db:"items"`
	ShippingAddress string      `db:"shipping_address"`
	PaymentMethod   string      `db:"payment_method"`
	ReservationID   uuid.UUID   `db:"reservation_id"`

	ItemsPrice    float64 `db:"items_price"`
	ShippingPrice float64 `db:"shipping_price"`
	TaxPrice      float64 `db:"tax_price"`
	TotalPrice    float64 `db:"total_price"`

	ExpiresAt time.Time `db:"expires_at"`
	Version   int64     `db:"version"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// CalculatePricing fills the price breakdown from the cart lines, each
// component rounded to two decimals.
func (o *Order) CalculatePricing() {
	var items float64
	for _, item := range o.Items {
		items += item.Price * float64(item.Quantity) * (1 - item.Discount)
	}

	o.ItemsPrice = Round2(items)

	if o.ItemsPrice >= FreeShippingThreshold {
		o.ShippingPrice = 0
	} else {
		o.ShippingPrice = FlatShippingFee
	}

	o.TaxPrice = Round2(TaxRate * o.ItemsPrice)
	o.TotalPrice = Round2(o.ItemsPrice + o.ShippingPrice + o.TaxPrice)
}

// Cancellable reports whether the order can still be cancelled. Once the
// payment succeeded the order is completed and only a refund flow (not
// implemented here) can revert it.
func (o *Order) Cancellable() bool {
	return o.Status == OrderStatusCreated || o.Status == OrderStatusPending
}

func (o *Order) Expired(now time.Time) bool {
	return now.After(o.ExpiresAt)
}

func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}
