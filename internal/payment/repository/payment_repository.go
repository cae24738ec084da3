package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/jimm9Tran/UDPT-sub001/internal/payment/domain"
	"github.com/jimm9Tran/UDPT-sub001/pkg/ctxlog"
	outboxDomain "github.com/jimm9Tran/UDPT-sub001/pkg/outbox/domain"
	"github.com/jimm9Tran/UDPT-sub001/pkg/outbox/worker"
)

type PaymentRepository interface {
	// Create inserts the payment and its payment.created event atomically.
	Create(ctx context.Context, payment *domain.Payment, evt *outboxDomain.OutboxEvent) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Payment, error)
	GetByOrderID(ctx context.Context, orderID uuid.UUID) ([]domain.Payment, error)
	// UpdateGuarded writes the payment back only if the stored version still
	// equals expectedVersion.
	UpdateGuarded(ctx context.Context, payment *domain.Payment, expectedVersion int64, evt *outboxDomain.OutboxEvent) error
}

type paymentRepo struct {
	pool       *pgxpool.Pool
	outboxRepo worker.OutboxRepository
	tracer     trace.Tracer
	logger     *zap.Logger
}

func NewPaymentRepository(pool *pgxpool.Pool, outboxRepo worker.OutboxRepository, logger *zap.Logger) PaymentRepository {
	return &paymentRepo{
		pool:       pool,
		outboxRepo: outboxRepo,
		logger:     logger,
		tracer:     otel.Tracer("contract/payment_repo"),
	}
}

const uniqueViolation = "23505"

const paymentColumns = `
	id, order_id, user_id, amount, currency, method, status,
	gateway_txn_id, paid_at, version, created_at, updated_at
`

func (r *paymentRepo) Create(ctx context.Context, payment *domain.Payment, evt *outboxDomain.OutboxEvent) error {
	ctx, span := r.tracer.Start(ctx, "PaymentRepository.Create")
	defer span.End()

	span.SetAttributes(
		attribute.String("id", payment.ID.String()),
		attribute.String("order_id", payment.OrderID.String()),
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
		INSERT INTO payments (id, order_id, user_id, amount, currency, method, status,
			gateway_txn_id, paid_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1)
		RETURNING created_at, updated_at;
	`

	if err := tx.QueryRow(
		ctx,
		query,
		payment.ID,
		payment.OrderID,
		payment.UserID,
		payment.Amount,
		payment.Currency,
		payment.Method,
		payment.Status,
		payment.GatewayTxnID,
		payment.PaidAt,
	).Scan(&payment.CreatedAt, &payment.UpdatedAt); err != nil {
		// The partial unique index on open/successful payments is the real
		// duplicate guard; the service's read-before-insert is only a fast path.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == "uq_payments_order_open" {
			return ErrDuplicatePayment
		}

		span.RecordError(err)

		ctxlog.Error(ctx, r.logger, "Error creating payment", zap.Error(err))

		return fmt.Errorf("error creating payment: %w", err)
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

	payment.Version = 1

	return nil
}

func (r *paymentRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Payment, error) {
	ctx, span := r.tracer.Start(ctx, "PaymentRepository.GetByID")
	defer span.End()

	span.SetAttributes(attribute.String("id", id.String()))

	query := `
		SELECT ` + paymentColumns + `
		FROM payments
		WHERE id = $1;
	`

	payment, err := scanPayment(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}

		span.RecordError(err)

		ctxlog.Error(ctx, r.logger, "Error getting payment", zap.String("id", id.String()), zap.Error(err))

		return nil, fmt.Errorf("error getting payment: %w", err)
	}

	return payment, nil
}

func (r *paymentRepo) GetByOrderID(ctx context.Context, orderID uuid.UUID) ([]domain.Payment, error) {
	ctx, span := r.tracer.Start(ctx, "PaymentRepository.GetByOrderID")
	defer span.End()

	span.SetAttributes(attribute.String("order_id", orderID.String()))

	query := `
		SELECT ` + paymentColumns + `
		FROM payments
		WHERE order_id = $1
		ORDER BY created_at;
	`

	rows, err := r.pool.Query(ctx, query, orderID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("error selecting payments: %w", err)
	}
	defer rows.Close()

	var payments []domain.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning payment row: %w", err)
		}
		payments = append(payments, *p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return payments, nil
}

func (r *paymentRepo) UpdateGuarded(ctx context.Context, payment *domain.Payment, expectedVersion int64, evt *outboxDomain.OutboxEvent) error {
	ctx, span := r.tracer.Start(ctx, "PaymentRepository.UpdateGuarded")
	defer span.End()

	span.SetAttributes(
		attribute.String("id", payment.ID.String()),
		attribute.String("status", string(payment.Status)),
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
		UPDATE payments
		SET status = $1, gateway_txn_id = $2, paid_at = $3,
			version = version + 1, updated_at = NOW()
		WHERE id = $4 AND version = $5;
	`

	commandTag, err := tx.Exec(
		ctx,
		query,
		payment.Status,
		payment.GatewayTxnID,
		payment.PaidAt,
		payment.ID,
		expectedVersion,
	)
	if err != nil {
		span.RecordError(err)

		ctxlog.Error(ctx, r.logger, "Error updating payment", zap.String("id", payment.ID.String()), zap.Error(err))

		return fmt.Errorf("error updating payment: %w", err)
	}

	if commandTag.RowsAffected() == 0 {
		var current int64
		err := tx.QueryRow(ctx, `SELECT version FROM payments WHERE id = $1`, payment.ID).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrPaymentNotFound
		}
		if err != nil {
			return fmt.Errorf("error reading current version: %w", err)
		}

		ctxlog.Warn(
			ctx,
			r.logger,
			"Stale payment write rejected",
			zap.String("id", payment.ID.String()),
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

	payment.Version = expectedVersion + 1

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPayment(row rowScanner) (*domain.Payment, error) {
	var p domain.Payment

	if err := row.Scan(
		&p.ID,
		&p.OrderID,
		&p.UserID,
		&p.Amount,
		&p.Currency,
		&p.Method,
		&p.Status,
		&p.GatewayTxnID,
		&p.PaidAt,
		&p.Version,
		&p.CreatedAt,
		&p.UpdatedAt,
	); err != nil {
		return nil, err
	}

	return &p, nil
}
