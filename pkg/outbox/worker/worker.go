package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/jimm9Tran/UDPT-sub001/pkg/ctxlog"
	"github.com/jimm9Tran/UDPT-sub001/pkg/outbox/domain"
)

type OutboxRepository interface {
	SaveOutboxEvent(ctx context.Context, tx pgx.Tx, event *domain.OutboxEvent) error
	GetUnpublishedEvents(ctx context.Context, tx pgx.Tx, batchSize int) ([]*domain.OutboxEvent, error)
	MarkEventPublished(ctx context.Context, tx pgx.Tx, eventID string) error
	MarkEventFailed(ctx context.Context, tx pgx.Tx, eventID string, errMsg string) error
}

type KafkaProducer interface {
	ProduceMessage(ctx context.Context, topic, key string, message any) error
}

// OutboxProcessor drains the outbox table into Kafka on a fixed tick. An
// entity change and its event are committed in one transaction; publishing
// is retried until it lands, so delivery is at-least-once.
type OutboxProcessor struct {
	pool          *pgxpool.Pool
	repo          OutboxRepository
	kafkaProducer KafkaProducer
	logger        *zap.Logger
	batchSize     int
	interval      time.Duration
	tracer        trace.Tracer
}

func NewOutboxProcessor(
	pool *pgxpool.Pool,
	repo OutboxRepository,
	producer KafkaProducer,
	logger *zap.Logger,
) *OutboxProcessor {
	return &OutboxProcessor{
		pool:          pool,
		repo:          repo,
		kafkaProducer: producer,
		logger:        logger,
		batchSize:     50,
		interval:      500 * time.Millisecond,
		tracer:        otel.Tracer("outbox-worker"),
	}
}

func (p *OutboxProcessor) Start(ctx context.Context) {
	ctxlog.Info(ctx, p.logger, "Starting outbox processor")

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			ctxlog.Info(ctx, p.logger, "Outbox processor stopping")
			return
		case <-ticker.C:
			if err := p.processBatch(ctx); err != nil {
				ctxlog.Error(ctx, p.logger, "Error processing outbox batch", zap.Error(err))
			}
		}
	}
}

func (p *OutboxProcessor) processBatch(ctx context.Context) error {
	ctx, span := p.tracer.Start(ctx, "OutboxProcessor.processBatch")
	defer span.End()

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("error beginning transaction: %w", err)
	}
	defer func() {
		cleanupCtx := context.WithoutCancel(ctx)

		err := tx.Rollback(cleanupCtx)
		if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			ctxlog.Error(cleanupCtx, p.logger, "Outbox worker failed to rollback transaction", zap.Error(err))
		}
	}()

	outboxEvents, err := p.repo.GetUnpublishedEvents(ctx, tx, p.batchSize)
	if err != nil {
		return err
	}

	if len(outboxEvents) == 0 {
		return nil
	}

	ctxlog.Debug(ctx, p.logger, "Processing outbox events", zap.Int("count", len(outboxEvents)))

	for _, event := range outboxEvents {
		var payloadMap map[string]any
		if err := json.Unmarshal(event.Payload, &payloadMap); err != nil {
			ctxlog.Error(
				ctx,
				p.logger,
				"Outbox worker failed to unmarshal event payload",
				zap.String("id", event.ID.String()),
				zap.Error(err),
			)

			_ = p.repo.MarkEventFailed(ctx, tx, event.ID.String(), err.Error())
			continue
		}

		payloadMap["event_id"] = event.ID.String()

		// Key by aggregate so listeners see one aggregate's events in order.
		err = p.kafkaProducer.ProduceMessage(ctx, event.Topic, event.AggregateID, payloadMap)
		if err != nil {
			ctxlog.Error(
				ctx,
				p.logger,
				"Outbox worker failed to produce message",
				zap.String("id", event.ID.String()),
				zap.Error(err),
			)
			if dbErr := p.repo.MarkEventFailed(ctx, tx, event.ID.String(), err.Error()); dbErr != nil {
				ctxlog.Error(ctx, p.logger, "Outbox worker failed to record publish error", zap.Error(dbErr))
			}

			continue
		}

		if dbErr := p.repo.MarkEventPublished(ctx, tx, event.ID.String()); dbErr != nil {
			ctxlog.Error(
				ctx,
				p.logger,
				"Outbox worker failed to mark event published",
				zap.String("id", event.ID.String()),
				zap.Error(dbErr),
			)

			return dbErr
		}
	}

	return tx.Commit(ctx)
}
