package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/IBM/sarama"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/jimm9Tran/UDPT-sub001/internal/catalog/repository"
	"github.com/jimm9Tran/UDPT-sub001/internal/catalog/service"
	"github.com/jimm9Tran/UDPT-sub001/pkg/ctxlog"
	"github.com/jimm9Tran/UDPT-sub001/pkg/events"
	"github.com/jimm9Tran/UDPT-sub001/pkg/kafka"
	"github.com/jimm9Tran/UDPT-sub001/pkg/outbox/dedup"
)

const groupID = "catalog-service-group"

// Consumer applies order events to local stock: order.created commits the
// order's reservation, order.updated(cancelled) puts stock back.
type Consumer struct {
	inventory service.InventoryService
	pool      *pgxpool.Pool
	logger    *zap.Logger
}

func NewConsumer(inventory service.InventoryService, pool *pgxpool.Pool, logger *zap.Logger) *Consumer {
	return &Consumer{
		inventory: inventory,
		pool:      pool,
		logger:    logger,
	}
}

func (c *Consumer) Start(ctx context.Context, brokers []string) {
	consumerGroup := kafka.NewConsumerGroup(
		brokers,
		groupID,
		[]string{events.TopicOrderCreated, events.TopicOrderUpdated},
		c.processMessage,
		c.logger,
	)

	consumerGroup.Run(ctx)
}

func (c *Consumer) processMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	ctxlog.Debug(ctx, c.logger, "Processing message", zap.String("topic", msg.Topic))

	var wrapper events.Wrapper
	if err := json.Unmarshal(msg.Value, &wrapper); err != nil {
		return fmt.Errorf("%w: malformed envelope: %v", kafka.ErrUnprocessable, err)
	}

	switch wrapper.Event {
	case events.EventOrderCreated:
		var event events.OrderCreatedEvent
		if err := json.Unmarshal(wrapper.Payload, &event); err != nil {
			return fmt.Errorf("%w: malformed order.created payload: %v", kafka.ErrUnprocessable, err)
		}

		return c.withDedup(ctx, wrapper, func() error {
			return c.inventory.HandleOrderCreated(ctx, &event)
		})
	case events.EventOrderUpdated:
		var event events.OrderUpdatedEvent
		if err := json.Unmarshal(wrapper.Payload, &event); err != nil {
			return fmt.Errorf("%w: malformed order.updated payload: %v", kafka.ErrUnprocessable, err)
		}

		if event.Status != "cancelled" {
			return nil
		}

		return c.withDedup(ctx, wrapper, func() error {
			return c.inventory.HandleOrderCancelled(ctx, &event)
		})
	default:
		ctxlog.Warn(ctx, c.logger, "Ignored event type", zap.String("event_type", wrapper.Event))
		return nil
	}
}

func (c *Consumer) withDedup(ctx context.Context, wrapper events.Wrapper, action func() error) error {
	err := dedup.Process(ctx, c.pool, c.logger, wrapper.EventID, action)

	// A vanished product cannot be fixed by redelivery.
	if errors.Is(err, repository.ErrProductNotFound) {
		return fmt.Errorf("%w: %v", kafka.ErrUnprocessable, err)
	}

	return err
}
