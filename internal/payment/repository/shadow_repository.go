package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/jimm9Tran/UDPT-sub001/internal/payment/domain"
	"github.com/jimm9Tran/UDPT-sub001/pkg/ctxlog"
)

// OrderShadowRepository stores this service's event-sourced view of orders.
// Writes carry the order's own version, so Update guards on the previous
// version rather than a local counter.
type OrderShadowRepository interface {
	Insert(ctx context.Context, shadow *domain.OrderShadow) error
	GetByOrderID(ctx context.Context, orderID uuid.UUID) (*domain.OrderShadow, error)
	Update(ctx context.Context, shadow *domain.OrderShadow, expectedVersion int64) error
}

type shadowRepo struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
	logger *zap.Logger
}

func NewOrderShadowRepository(pool *pgxpool.Pool, logger *zap.Logger) OrderShadowRepository {
	return &shadowRepo{
		pool:   pool,
		logger: logger,
		tracer: otel.Tracer("contract/shadow_repo"),
	}
}

func (r *shadowRepo) Insert(ctx context.Context, shadow *domain.OrderShadow) error {
	ctx, span := r.tracer.Start(ctx, "OrderShadowRepository.Insert")
	defer span.End()

	span.SetAttributes(attribute.String("order_id", shadow.OrderID.String()))

	// Re-creation after dedup misses is harmless: the row is identical.
	query := `
		INSERT INTO order_shadows (order_id, user_id, total_price, status, expires_at, version)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (order_id) DO NOTHING;
	`

	if _, err := r.pool.Exec(
		ctx,
		query,
		shadow.OrderID,
		shadow.UserID,
		shadow.TotalPrice,
		shadow.Status,
		shadow.ExpiresAt,
		shadow.Version,
	); err != nil {
		span.RecordError(err)

		ctxlog.Error(ctx, r.logger, "Error inserting order shadow", zap.Error(err))

		return fmt.Errorf("error inserting order shadow: %w", err)
	}

	return nil
}

func (r *shadowRepo) GetByOrderID(ctx context.Context, orderID uuid.UUID) (*domain.OrderShadow, error) {
	ctx, span := r.tracer.Start(ctx, "OrderShadowRepository.GetByOrderID")
	defer span.End()

	span.SetAttributes(attribute.String("order_id", orderID.String()))

	query := `
		SELECT order_id, user_id, total_price, status, expires_at, version, updated_at
		FROM order_shadows
		WHERE order_id = $1;
	`

	var s domain.OrderShadow
	if err := r.pool.QueryRow(ctx, query, orderID).Scan(
		&s.OrderID,
		&s.UserID,
		&s.TotalPrice,
		&s.Status,
		&s.ExpiresAt,
		&s.Version,
		&s.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrShadowNotFound
		}

		span.RecordError(err)

		return nil, fmt.Errorf("error getting order shadow: %w", err)
	}

	return &s, nil
}

func (r *shadowRepo) Update(ctx context.Context, shadow *domain.OrderShadow, expectedVersion int64) error {
	ctx, span := r.tracer.Start(ctx, "OrderShadowRepository.Update")
	defer span.End()

	span.SetAttributes(
		attribute.String("order_id", shadow.OrderID.String()),
		attribute.Int64("expected_version", expectedVersion),
		attribute.Int64("new_version", shadow.Version),
	)

	query := `
		UPDATE order_shadows
		SET status = $1, total_price = $2, version = $3, updated_at = NOW()
		WHERE order_id = $4 AND version = $5;
	`

	commandTag, err := r.pool.Exec(
		ctx,
		query,
		shadow.Status,
		shadow.TotalPrice,
		shadow.Version,
		shadow.OrderID,
		expectedVersion,
	)
	if err != nil {
		span.RecordError(err)

		ctxlog.Error(ctx, r.logger, "Error updating order shadow", zap.Error(err))

		return fmt.Errorf("error updating order shadow: %w", err)
	}

	if commandTag.RowsAffected() == 0 {
		var current int64
		err := r.pool.QueryRow(ctx, `SELECT version FROM order_shadows WHERE order_id = $1`, shadow.OrderID).
			Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrShadowNotFound
		}
		if err != nil {
			return fmt.Errorf("error reading current version: %w", err)
		}

		return ErrVersionConflict
	}

	return nil
}
