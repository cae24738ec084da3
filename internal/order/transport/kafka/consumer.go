package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/IBM/sarama"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/jimm9Tran/UDPT-sub001/internal/order/repository"
	"github.com/jimm9Tran/UDPT-sub001/internal/order/service"
	"github.com/jimm9Tran/UDPT-sub001/pkg/ctxlog"
	"github.com/jimm9Tran/UDPT-sub001/pkg/events"
	"github.com/jimm9Tran/UDPT-sub001/pkg/kafka"
	"github.com/jimm9Tran/UDPT-sub001/pkg/outbox/dedup"
)

const groupID = "order-service-group"

// Consumer moves orders along the payment lifecycle: payment.created marks
// the order pending, payment.completed marks it completed.
type Consumer struct {
	orders service.OrderService
	pool   *pgxpool.Pool
	logger *zap.Logger
}

func NewConsumer(orders service.OrderService, pool *pgxpool.Pool, logger *zap.Logger) *Consumer {
	return &Consumer{
		orders: orders,
		pool:   pool,
		logger: logger,
	}
}

func (c *Consumer) Start(ctx context.Context, brokers []string) {
	consumerGroup := kafka.NewConsumerGroup(
		brokers,
		groupID,
		[]string{events.TopicPaymentCreated, events.TopicPaymentCompleted},
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

	var event events.PaymentEvent
	if err := json.Unmarshal(wrapper.Payload, &event); err != nil {
		return fmt.Errorf("%w: malformed payment payload: %v", kafka.ErrUnprocessable, err)
	}

	switch wrapper.Event {
	case events.EventPaymentCreated:
		return c.withDedup(ctx, wrapper, func() error {
			return c.orders.MarkPending(ctx, event.OrderID)
		})
	case events.EventPaymentCompleted:
		return c.withDedup(ctx, wrapper, func() error {
			return c.orders.MarkCompleted(ctx, event.OrderID)
		})
	default:
		ctxlog.Warn(ctx, c.logger, "Ignored event type", zap.String("event_type", wrapper.Event))
		return nil
	}
}

func (c *Consumer) withDedup(ctx context.Context, wrapper events.Wrapper, action func() error) error {
	err := dedup.Process(ctx, c.pool, c.logger, wrapper.EventID, action)

	// A payment for an order that does not exist here will never succeed.
	if errors.Is(err, repository.ErrOrderNotFound) {
		return fmt.Errorf("%w: %v", kafka.ErrUnprocessable, err)
	}

	return err
}
