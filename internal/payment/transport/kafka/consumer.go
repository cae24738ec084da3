package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/IBM/sarama"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/jimm9Tran/UDPT-sub001/internal/payment/service"
	"github.com/jimm9Tran/UDPT-sub001/pkg/ctxlog"
	"github.com/jimm9Tran/UDPT-sub001/pkg/events"
	"github.com/jimm9Tran/UDPT-sub001/pkg/kafka"
	"github.com/jimm9Tran/UDPT-sub001/pkg/outbox/dedup"
)

const groupID = "payment-service-group"

// Consumer maintains the order shadow from order events. Version gaps are
// returned unwrapped so the message stays unacked and gets redelivered once
// the missing predecessor lands.
type Consumer struct {
	payments service.PaymentService
	pool     *pgxpool.Pool
	logger   *zap.Logger
}

func NewConsumer(payments service.PaymentService, pool *pgxpool.Pool, logger *zap.Logger) *Consumer {
	return &Consumer{
		payments: payments,
		pool:     pool,
		logger:   logger,
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

		return dedup.Process(ctx, c.pool, c.logger, wrapper.EventID, func() error {
			return c.payments.HandleOrderCreated(ctx, &event)
		})
	case events.EventOrderUpdated:
		var event events.OrderUpdatedEvent
		if err := json.Unmarshal(wrapper.Payload, &event); err != nil {
			return fmt.Errorf("%w: malformed order.updated payload: %v", kafka.ErrUnprocessable, err)
		}

		err := dedup.Process(ctx, c.pool, c.logger, wrapper.EventID, func() error {
			return c.payments.HandleOrderUpdated(ctx, &event)
		})
		if errors.Is(err, service.ErrEventGap) {
			ctxlog.Warn(
				ctx,
				c.logger,
				"Order event ahead of shadow, leaving for redelivery",
				zap.String("order_id", event.ID.String()),
				zap.Int64("event_version", event.Version),
			)
		}

		return err
	default:
		ctxlog.Warn(ctx, c.logger, "Ignored event type", zap.String("event_type", wrapper.Event))
		return nil
	}
}
