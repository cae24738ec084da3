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

	"github.com/jimm9Tran/UDPT-sub001/internal/catalog/domain"
	"github.com/jimm9Tran/UDPT-sub001/pkg/ctxlog"
	outboxDomain "github.com/jimm9Tran/UDPT-sub001/pkg/outbox/domain"
	"github.com/jimm9Tran/UDPT-sub001/pkg/outbox/worker"
)

type ProductRepository interface {
	Create(ctx context.Context, product *domain.Product) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Product, error)
	GetByIDs(ctx context.Context, ids []uuid.UUID) ([]domain.Product, error)
	List(ctx context.Context, limit, offset int64, search string) ([]domain.Product, int64, error)
	FindByReservationID(ctx context.Context, reservationID uuid.UUID) ([]domain.Product, error)
	FindWithExpiredReservations(ctx context.Context, now time.Time) ([]domain.Product, error)
	// UpdateGuarded writes the product back only if the stored version still
	// equals expectedVersion, bumping it by one. The outbox event, when not
	// nil, is saved in the same transaction.
	UpdateGuarded(ctx context.Context, product *domain.Product, expectedVersion int64, evt *outboxDomain.OutboxEvent) error
	Delete(ctx context.Context, id uuid.UUID) error
}

type productRepo struct {
	pool       *pgxpool.Pool
	outboxRepo worker.OutboxRepository
	tracer     trace.Tracer
	logger     *zap.Logger
}

func NewProductRepository(pool *pgxpool.Pool, outboxRepo worker.OutboxRepository, logger *zap.Logger) ProductRepository {
	return &productRepo{
		pool:       pool,
		outboxRepo: outboxRepo,
		logger:     logger,
		tracer:     otel.Tracer("contract/product_repo"),
	}
}

const productColumns = `
	id, name, description, price, discount, image_url, category,
	count_in_stock, is_reserved, reserved_by_system, reservations,
	committed_reservations, version, created_at, updated_at
`

func (r *productRepo) Create(ctx context.Context, product *domain.Product) error {
	ctx, span := r.tracer.Start(ctx, "ProductRepository.Create")
	defer span.End()

	span.SetAttributes(attribute.String("name", product.Name))

	reservations, committed, err := marshalReservationState(product)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO products (id, name, description, price, discount, image_url, category,
			count_in_stock, is_reserved, reserved_by_system, reservations,
			committed_reservations, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 1)
		RETURNING created_at, updated_at;
	`

	if err := r.pool.QueryRow(
		ctx,
		query,
		product.ID,
		product.Name,
		product.Description,
		product.Price,
		product.Discount,
		product.ImageURL,
		product.Category,
		product.CountInStock,
		product.IsReserved,
		product.ReservedBySystem,
		reservations,
		committed,
	).Scan(&product.CreatedAt, &product.UpdatedAt); err != nil {
		span.RecordError(err)

		ctxlog.Error(ctx, r.logger, "Error creating product", zap.Error(err))

		return fmt.Errorf("error creating product: %w", err)
	}

	product.Version = 1

	return nil
}

func (r *productRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Product, error) {
	ctx, span := r.tracer.Start(ctx, "ProductRepository.GetByID")
	defer span.End()

	span.SetAttributes(attribute.String("id", id.String()))

	query := `
		SELECT ` + productColumns + `
		FROM products
		WHERE id = $1 AND deleted_at IS NULL;
	`

	row := r.pool.QueryRow(ctx, query, id)

	product, err := scanProduct(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProductNotFound
		}

		span.RecordError(err)

		ctxlog.Error(ctx, r.logger, "Error getting product", zap.String("id", id.String()), zap.Error(err))

		return nil, fmt.Errorf("error getting product: %w", err)
	}

	return product, nil
}

func (r *productRepo) GetByIDs(ctx context.Context, ids []uuid.UUID) ([]domain.Product, error) {
	ctx, span := r.tracer.Start(ctx, "ProductRepository.GetByIDs")
	defer span.End()

	span.SetAttributes(attribute.Int("id_count", len(ids)))

	query := `
		SELECT ` + productColumns + `
		FROM products
		WHERE id = ANY($1) AND deleted_at IS NULL;
	`

	rows, err := r.pool.Query(ctx, query, ids)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("error selecting products: %w", err)
	}
	defer rows.Close()

	return collectProducts(rows)
}

func (r *productRepo) List(ctx context.Context, limit, offset int64, search string) ([]domain.Product, int64, error) {
	ctx, span := r.tracer.Start(ctx, "ProductRepository.List")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("limit", limit),
		attribute.Int64("offset", offset),
		attribute.String("search", search),
	)

	baseQuery := `
		SELECT ` + productColumns + `
		FROM products
		WHERE deleted_at IS NULL`
	countQuery := `SELECT COUNT(*) FROM products WHERE deleted_at IS NULL`

	var args []interface{}
	argID := 1

	if search != "" {
		filter := fmt.Sprintf(" AND name ILIKE $%d", argID)
		baseQuery += filter
		countQuery += filter

		args = append(args, "%"+search+"%")
		argID++
	}

	baseQuery += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", argID, argID+1)
	args = append(args, limit, offset)

	rows, err := r.pool.Query(ctx, baseQuery, args...)
	if err != nil {
		span.RecordError(err)

		ctxlog.Error(ctx, r.logger, "Error listing products", zap.Error(err))

		return nil, 0, fmt.Errorf("error selecting products: %w", err)
	}
	defer rows.Close()

	products, err := collectProducts(rows)
	if err != nil {
		return nil, 0, err
	}

	var countArgs []interface{}
	if search != "" {
		countArgs = append(countArgs, args[0])
	}

	var totalCount int64
	if err := r.pool.QueryRow(ctx, countQuery, countArgs...).Scan(&totalCount); err != nil {
		span.RecordError(err)
		return nil, 0, fmt.Errorf("failed to count products: %w", err)
	}

	return products, totalCount, nil
}

func (r *productRepo) FindByReservationID(ctx context.Context, reservationID uuid.UUID) ([]domain.Product, error) {
	ctx, span := r.tracer.Start(ctx, "ProductRepository.FindByReservationID")
	defer span.End()

	span.SetAttributes(attribute.String("reservation_id", reservationID.String()))

	query := `
		SELECT ` + productColumns + `
		FROM products
		WHERE deleted_at IS NULL
			AND reservations @> jsonb_build_array(jsonb_build_object('id', $1::text));
	`

	rows, err := r.pool.Query(ctx, query, reservationID.String())
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("error selecting products by reservation: %w", err)
	}
	defer rows.Close()

	return collectProducts(rows)
}

func (r *productRepo) FindWithExpiredReservations(ctx context.Context, now time.Time) ([]domain.Product, error) {
	ctx, span := r.tracer.Start(ctx, "ProductRepository.FindWithExpiredReservations")
	defer span.End()

	query := `
		SELECT ` + productColumns + `
		FROM products
		WHERE deleted_at IS NULL
			AND EXISTS (
				SELECT 1
				FROM jsonb_array_elements(reservations) AS r
				WHERE (r->>'expires_at')::timestamptz < $1
			);
	`

	rows, err := r.pool.Query(ctx, query, now)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("error selecting products with expired reservations: %w", err)
	}
	defer rows.Close()

	return collectProducts(rows)
}

func (r *productRepo) UpdateGuarded(ctx context.Context, product *domain.Product, expectedVersion int64, evt *outboxDomain.OutboxEvent) error {
	ctx, span := r.tracer.Start(ctx, "ProductRepository.UpdateGuarded")
	defer span.End()

	span.SetAttributes(
		attribute.String("id", product.ID.String()),
		attribute.Int64("expected_version", expectedVersion),
	)

	reservations, committed, err := marshalReservationState(product)
	if err != nil {
		return err
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
		UPDATE products
		SET name = $1, description = $2, price = $3, discount = $4,
			image_url = $5, category = $6, count_in_stock = $7,
			is_reserved = $8, reserved_by_system = $9, reservations = $10,
			committed_reservations = $11,
			version = version + 1, updated_at = NOW()
		WHERE id = $12 AND version = $13 AND deleted_at IS NULL;
	`

	commandTag, err := tx.Exec(
		ctx,
		query,
		product.Name,
		product.Description,
		product.Price,
		product.Discount,
		product.ImageURL,
		product.Category,
		product.CountInStock,
		product.IsReserved,
		product.ReservedBySystem,
		reservations,
		committed,
		product.ID,
		expectedVersion,
	)
	if err != nil {
		span.RecordError(err)

		ctxlog.Error(ctx, r.logger, "Error updating product", zap.String("id", product.ID.String()), zap.Error(err))

		return fmt.Errorf("error updating product: %w", err)
	}

	if commandTag.RowsAffected() == 0 {
		var current int64
		err := tx.QueryRow(ctx, `SELECT version FROM products WHERE id = $1 AND deleted_at IS NULL`, product.ID).
			Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrProductNotFound
		}
		if err != nil {
			return fmt.Errorf("error reading current version: %w", err)
		}

		ctxlog.Warn(
			ctx,
			r.logger,
			"Stale product write rejected",
			zap.String("id", product.ID.String()),
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

	product.Version = expectedVersion + 1

	return nil
}

func (r *productRepo) Delete(ctx context.Context, id uuid.UUID) error {
	ctx, span := r.tracer.Start(ctx, "ProductRepository.Delete")
	defer span.End()

	span.SetAttributes(attribute.String("id", id.String()))

	query := `
		UPDATE products
		SET deleted_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL
	`

	commandTag, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		span.RecordError(err)

		ctxlog.Error(ctx, r.logger, "Error deleting product", zap.String("id", id.String()), zap.Error(err))

		return fmt.Errorf("error deleting product: %w", err)
	}

	if commandTag.RowsAffected() == 0 {
		return ErrProductNotFound
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

// marshalReservationState encodes both jsonb columns in one place.
func marshalReservationState(product *domain.Product) ([]byte, []byte, error) {
	reservations, err := json.Marshal(product.Reservations)
	if err != nil {
		return nil, nil, fmt.Errorf("error marshalling reservations: %w", err)
	}

	committed, err := json.Marshal(product.CommittedReservations)
	if err != nil {
		return nil, nil, fmt.Errorf("error marshalling committed reservations: %w", err)
	}

	return reservations, committed, nil
}

func scanProduct(row rowScanner) (*domain.Product, error) {
	var p domain.Product
	var reservations, committed []byte

	if err := row.Scan(
		&p.ID,
		&p.Name,
		&p.Description,
		&p.Price,
		&p.Discount,
		&p.ImageURL,
		&p.Category,
		&p.CountInStock,
		&p.IsReserved,
		&p.ReservedBySystem,
		&reservations,
		&committed,
		&p.Version,
		&p.CreatedAt,
		&p.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if len(reservations) > 0 {
		if err := json.Unmarshal(reservations, &p.Reservations); err != nil {
			return nil, fmt.Errorf("error unmarshalling reservations: %w", err)
		}
	}
	if len(committed) > 0 {
		if err := json.Unmarshal(committed, &p.CommittedReservations); err != nil {
			return nil, fmt.Errorf("error unmarshalling committed reservations: %w", err)
		}
	}

	return &p, nil
}

func collectProducts(rows pgx.Rows) ([]domain.Product, error) {
	var products []domain.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning product row: %w", err)
		}
		products = append(products, *p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return products, nil
}
