package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCalculatePricing(t *testing.T) {
	tests := []struct {
		name         string
		items        []OrderItem
		wantItems    float64
		wantShipping float64
		wantTax      float64
		wantTotal    float64
	}{
		{
			name:         "single item below free shipping",
			items:        []OrderItem{{Price: 40, Quantity: 1}},
			wantItems:    40,
			wantShipping: 10,
			wantTax:      6,
			wantTotal:    56,
		},
		{
			name:         "exactly at free shipping threshold",
			items:        []OrderItem{{Price: 50, Quantity: 2}},
			wantItems:    100,
			wantShipping: 0,
			wantTax:      15,
			wantTotal:    115,
		},
		{
			name:         "discount applied before threshold check",
			items:        []OrderItem{{Price: 100, Quantity: 1, Discount: 0.1}},
			wantItems:    90,
			wantShipping: 10,
			wantTax:      13.5,
			wantTotal:    113.5,
		},
		{
			name: "multiple lines with mixed discounts",
			items: []OrderItem{
				{Price: 19.99, Quantity: 3},
				{Price: 45.50, Quantity: 2, Discount: 0.25},
			},
			wantItems:    128.22,
			wantShipping: 0,
			wantTax:      19.23,
			wantTotal:    147.45,
		},
		{
			name:         "rounding is half away from zero",
			items:        []OrderItem{{Price: 0.335, Quantity: 1}},
			wantItems:    0.34,
			wantShipping: 10,
			wantTax:      0.05,
			wantTotal:    10.39,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := &Order{Items: tt.items}
			o.CalculatePricing()

			assert.InDelta(t, tt.wantItems, o.ItemsPrice, 1e-9)
			assert.InDelta(t, tt.wantShipping, o.ShippingPrice, 1e-9)
			assert.InDelta(t, tt.wantTax, o.TaxPrice, 1e-9)
			assert.InDelta(t, tt.wantTotal, o.TotalPrice, 1e-9)
		})
	}
}

func TestCancellable(t *testing.T) {
	assert.True(t, (&Order{Status: OrderStatusCreated}).Cancellable())
	assert.True(t, (&Order{Status: OrderStatusPending}).Cancellable())
	assert.False(t, (&Order{Status: OrderStatusCompleted}).Cancellable())
	assert.False(t, (&Order{Status: OrderStatusCancelled}).Cancellable())
}

func TestExpired(t *testing.T) {
	now := time.Now()
	o := &Order{ExpiresAt: now.Add(time.Minute)}
	assert.False(t, o.Expired(now))
	assert.True(t, o.Expired(now.Add(2*time.Minute)))
}
