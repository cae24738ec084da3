package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/jimm9Tran/UDPT-sub001/internal/order/domain"
	"github.com/jimm9Tran/UDPT-sub001/pkg/ctxlog"
	outboxDomain "github.com/jimm9Tran/UDPT-sub001/pkg/outbox/domain"
	"github.com/jimm9Tran/UDPT-sub001/pkg/outbox/worker"
)

type OrderRepository interface {
	// Create inserts the order and the outbox event in one transaction so
	// order.created is published iff the order row exists.
	Create(ctx context.Context, order *domain.Order, evt *outboxDomain.OutboxEvent) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Order, error)
	ListByUser(ctx context.Context, userID string, limit, offset int64) ([]domain.Order, int64, error)
	FindExpired(ctx context.Context, now time.Time) ([]domain.Order, error)
	// UpdateStatusGuarded moves the order to order.Status only if the stored
	// version still equals expectedVersion, bumping it by one.
	UpdateStatusGuarded(ctx context.Context, order *domain.Order, expectedVersion int64, evt *outboxDomain.OutboxEvent) error
}

type orderRepo struct {
	pool       *pgxpool.Pool
	outboxRepo worker.OutboxRepository
	tracer     trace.Tracer
	logger     *zap.Logger
}

func NewOrderRepository(pool *pgxpool.Pool, outboxRepo worker.OutboxRepository, logger *zap.Logger) OrderRepository {
	return &orderRepo{
		pool:       pool,
		outboxRepo: outboxRepo,
		logger:     logger,
		tracer:     otel.Tracer("contract/order_repo"),
	}
}

const orderColumns = `
	id, user_id, status, items, shipping_address, payment_method, reservation_id,
	items_price, shipping_price, tax_price, total_price,
	expires_at, version, created_at, updated_at
`

func (r *orderRepo) Create(ctx context.Context, order *domain.Order, evt *outboxDomain.OutboxEvent) error {
	ctx, span := r.tracer.Start(ctx, "OrderRepository.Create")
	defer span.End()

	span.SetAttributes(
		attribute.String("id", order.ID.String()),
		attribute.String("user_id", order.UserID),
	)

	items, err := json.Marshal(order.Items)
	if err != nil {
		return fmt.Errorf("error marshalling order items: %w", err)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		cleanupCtx := context.WithoutCancel(ctx)

		err := tx.Rollback(cleanupCtx)
		if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			ctxlog.Warn(cleanupCtx, r.logger, "Error rolling back transaction", zap.Error(err))
		}
	}()

	query := `
		INSERT INTO orders (id, user_id, status, items, shipping_address, payment_method,
			reservation_id, items_price, shipping_price, tax_price, total_price,
			expires_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 1)
		RETURNING created_at, updated_at;
	`

	if err := tx.QueryRow(
		ctx,
		query,
		order.ID,
		order.UserID,
		order.Status,
		items,
		order.ShippingAddress,
		order.PaymentMethod,
		order.ReservationID,
		order.ItemsPrice,
		order.ShippingPrice,
		order.TaxPrice,
		order.TotalPrice,
		order.ExpiresAt,
	).Scan(&order.CreatedAt, &order.UpdatedAt); err != nil {
		span.RecordError(err)

		ctxlog.Error(ctx, r.logger, "Error creating order", zap.Error(err))

		return fmt.Errorf("error creating order: %w", err)
	}

	if evt != nil {
		if err := r.outboxRepo.SaveOutboxEvent(ctx, tx, evt); err != nil {
			span.RecordError(err)
			return fmt.Errorf("failed to save outbox event: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	order.Version = 1

	return nil
}

func (r *orderRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	ctx, span := r.tracer.Start(ctx, "OrderRepository.GetByID")
	defer span.End()

	span.SetAttributes(attribute.String("id", id.String()))

	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE id = $1;
	`

	row := r.pool.QueryRow(ctx, query, id)

	order, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}

		span.RecordError(err)

		ctxlog.Error(ctx, r.logger, "Error getting order", zap.String("id", id.String()), zap.Error(err))

		return nil, fmt.Errorf("error getting order: %w", err)
	}

	return order, nil
}

func (r *orderRepo) ListByUser(ctx context.Context, userID string, limit, offset int64) ([]domain.Order, int64, error) {
	ctx, span := r.tracer.Start(ctx, "OrderRepository.ListByUser")
	defer span.End()

	span.SetAttributes(attribute.String("user_id", userID))

	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3;
	`

	rows, err := r.pool.Query(ctx, query, userID, limit, offset)
	if err != nil {
		span.RecordError(err)

		ctxlog.Error(ctx, r.logger, "Error listing orders", zap.Error(err))

		return nil, 0, fmt.Errorf("error selecting orders: %w", err)
	}
	defer rows.Close()

	orders, err := collectOrders(rows)
	if err != nil {
		return nil, 0, err
	}

	var totalCount int64
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM orders WHERE user_id = $1`, userID).
		Scan(&totalCount); err != nil {
		span.RecordError(err)
		return nil, 0, fmt.Errorf("failed to count orders: %w", err)
	}

	return orders, totalCount, nil
}

func (r *orderRepo) FindExpired(ctx context.Context, now time.Time) ([]domain.Order, error) {
	ctx, span := r.tracer.Start(ctx, "OrderRepository.FindExpired")
	defer span.End()

	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE status = $1 AND expires_at < $2;
	`

	rows, err := r.pool.Query(ctx, query, domain.OrderStatusCreated, now)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("error selecting expired orders: %w", err)
	}
	defer rows.Close()

	return collectOrders(rows)
}

func (r *orderRepo) UpdateStatusGuarded(ctx context.Context, order *domain.Order, expectedVersion int64, evt *outboxDomain.OutboxEvent) error {
	ctx, span := r.tracer.Start(ctx, "OrderRepository.UpdateStatusGuarded")
	defer span.End()

	span.SetAttributes(
		attribute.String("id", order.ID.String()),
		attribute.String("status", string(order.Status)),
		attribute.Int64("expected_version", expectedVersion),
	)

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		cleanupCtx := context.WithoutCancel(ctx)

		err := tx.Rollback(cleanupCtx)
		if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			ctxlog.Warn(cleanupCtx, r.logger, "Error rolling back transaction", zap.Error(err))
		}
	}()

	query := `
		UPDATE orders
		SET status = $1, version = version + 1, updated_at = NOW()
		WHERE id = $2 AND version = $3;
	`

	commandTag, err := tx.Exec(ctx, query, order.Status, order.ID, expectedVersion)
	if err != nil {
		span.RecordError(err)

		ctxlog.Error(ctx, r.logger, "Error updating order status", zap.String("id", order.ID.String()), zap.Error(err))

		return fmt.Errorf("error updating order: %w", err)
	}

	if commandTag.RowsAffected() == 0 {
		var current int64
		err := tx.QueryRow(ctx, `SELECT version FROM orders WHERE id = $1`, order.ID).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrOrderNotFound
		}
		if err != nil {
			return fmt.Errorf("error reading current version: %w", err)
		}

		ctxlog.Warn(
			ctx,
			r.logger,
			"Stale order write rejected",
			zap.String("id", order.ID.String()),
			zap.Int64("expected", expectedVersion),
			zap.Int64("current", current),
		)

		return ErrVersionConflict
	}

	if evt != nil {
		if err := r.outboxRepo.SaveOutboxEvent(ctx, tx, evt); err != nil {
			span.RecordError(err)
			return fmt.Errorf("failed to save outbox event: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	order.Version = expectedVersion + 1

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*domain.Order, error) {
	var o domain.Order
	var items []byte

	if err := row.Scan(
		&o.ID,
		&o.UserID,
		&o.Status,
		&items,
		&o.ShippingAddress,
		&o.PaymentMethod,
		&o.ReservationID,
		&o.ItemsPrice,
		&o.ShippingPrice,
		&o.TaxPrice,
		&o.TotalPrice,
		&o.ExpiresAt,
		&o.Version,
		&o.CreatedAt,
		&o.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if len(items) > 0 {
		if err := json.Unmarshal(items, &o.Items); err != nil {
			return nil, fmt.Errorf("error unmarshalling order items: %w", err)
		}
	}

	return &o, nil
}

func collectOrders(rows pgx.Rows) ([]domain.Order, error) {
	var orders []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning order row: %w", err)
		}
		orders = append(orders, *o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return orders, nil
}
