// Package events holds the cross-service event contracts. Every payload is
// the post-transition entity snapshot plus its version, so consumers can
// apply it under an optimistic-concurrency guard.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	outboxDomain "github.com/jimm9Tran/UDPT-sub001/pkg/outbox/domain"
)

const (
	TopicOrderCreated     = "order.created"
	TopicOrderUpdated     = "order.updated"
	TopicPaymentCreated   = "payment.created"
	TopicPaymentCompleted = "payment.completed"
	TopicProductUpdated   = "product.updated"
)

const (
	EventOrderCreated     = "OrderCreated"
	EventOrderUpdated     = "OrderUpdated"
	EventPaymentCreated   = "PaymentCreated"
	EventPaymentCompleted = "PaymentCompleted"
	EventProductUpdated   = "ProductUpdated"
)

// Wrapper is the on-wire envelope. EventID is stamped by the outbox worker
// from the outbox row id; consumers deduplicate on it.
type Wrapper struct {
	EventID uuid.UUID       `json:"event_id"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

type OrderItem struct {
	ProductID uuid.UUID `json:"product_id"`
	Name      string    `json:"name"`
	Price     float64   `json:"price"`
	Discount  float64   `json:"discount"`
	Quantity  int32     `json:"quantity"`
}

type OrderCreatedEvent struct {
	ID              uuid.UUID   `json:"id"`
	UserID          string      `json:"user_id"`
	Items           []OrderItem `json:"items"`
	ShippingAddress string      `json:"shipping_address"`
	PaymentMethod   string      `json:"payment_method"`
	ReservationID   uuid.UUID   `json:"reservation_id"`
	ItemsPrice      float64     `json:"items_price"`
	ShippingPrice   float64     `json:"shipping_price"`
	TaxPrice        float64     `json:"tax_price"`
	TotalPrice      float64     `json:"total_price"`
	Status          string      `json:"status"`
	ExpiresAt       time.Time   `json:"expires_at"`
	Version         int64       `json:"version"`
}

type OrderUpdatedEvent struct {
	ID            uuid.UUID   `json:"id"`
	UserID        string      `json:"user_id"`
	Items         []OrderItem `json:"items"`
	PaymentMethod string      `json:"payment_method"`
	ReservationID uuid.UUID   `json:"reservation_id"`
	TotalPrice    float64     `json:"total_price"`
	Status        string      `json:"status"`
	Version       int64       `json:"version"`
}

type PaymentEvent struct {
	ID            uuid.UUID  `json:"id"`
	OrderID       uuid.UUID  `json:"order_id"`
	Amount        float64    `json:"amount"`
	Currency      string     `json:"currency"`
	PaymentMethod string     `json:"payment_method"`
	Status        string     `json:"status"`
	PaidAt        *time.Time `json:"paid_at,omitempty"`
}

type ProductReservation struct {
	ID        uuid.UUID `json:"id"`
	Quantity  int32     `json:"quantity"`
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expires_at"`
}

type ProductUpdatedEvent struct {
	ID           uuid.UUID            `json:"id"`
	Name         string               `json:"name"`
	Price        float64              `json:"price"`
	CountInStock int32                `json:"count_in_stock"`
	IsReserved   bool                 `json:"is_reserved"`
	Reservations []ProductReservation `json:"reservations"`
	Version      int64                `json:"version"`
}

// NewOutboxEvent wraps a payload into the envelope and builds the outbox
// row to be saved in the same transaction as the entity change.
func NewOutboxEvent(topic, eventType, aggregateType, aggregateID string, payload any) (*outboxDomain.OutboxEvent, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}

	wrapper := map[string]any{
		"event":   eventType,
		"payload": json.RawMessage(payloadBytes),
	}

	wrapperBytes, err := json.Marshal(wrapper)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s envelope: %w", eventType, err)
	}

	return &outboxDomain.OutboxEvent{
		ID:            uuid.New(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Topic:         topic,
		Payload:       wrapperBytes,
	}, nil
}
