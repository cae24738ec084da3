package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/jimm9Tran/UDPT-sub001/internal/catalog/domain"
	"github.com/jimm9Tran/UDPT-sub001/internal/catalog/repository"
	"github.com/jimm9Tran/UDPT-sub001/pkg/ctxlog"
	"github.com/jimm9Tran/UDPT-sub001/pkg/events"
	outboxDomain "github.com/jimm9Tran/UDPT-sub001/pkg/outbox/domain"
)

// maxRetries bounds the reload-and-retry loop around version conflicts.
const maxRetries = 5

var ErrTooManyConflicts = errors.New("gave up after repeated version conflicts")

type ReserveItem struct {
	ProductID uuid.UUID
	Quantity  int32
}

// InventoryService is the reservation engine: time-bounded holds against
// stock, committed or released later, swept when they expire. Every
// mutation goes through the version-guarded update path; there is no
// second, weaker path for background work.
type InventoryService interface {
	Reserve(ctx context.Context, owner string, items []ReserveItem) (uuid.UUID, error)
	Release(ctx context.Context, reservationID uuid.UUID) error
	Commit(ctx context.Context, reservationID uuid.UUID) error
	Sweep(ctx context.Context) error

	HandleOrderCreated(ctx context.Context, event *events.OrderCreatedEvent) error
	HandleOrderCancelled(ctx context.Context, event *events.OrderUpdatedEvent) error
}

type inventoryService struct {
	productRepo    repository.ProductRepository
	reservationTTL time.Duration
	logger         *zap.Logger
	tracer         trace.Tracer
	now            func() time.Time
}

func NewInventoryService(
	productRepo repository.ProductRepository,
	reservationTTL time.Duration,
	logger *zap.Logger,
) InventoryService {
	return &inventoryService{
		productRepo:    productRepo,
		reservationTTL: reservationTTL,
		logger:         logger,
		tracer:         otel.Tracer("service/inventory_service"),
		now:            time.Now,
	}
}

// Reserve holds stock for every line under one shared reservation id. The
// batch is all-or-nothing: any line that cannot be satisfied rejects the
// whole request, and holds already written are taken back before returning.
func (s *inventoryService) Reserve(ctx context.Context, owner string, items []ReserveItem) (uuid.UUID, error) {
	ctx, span := s.tracer.Start(ctx, "InventoryService.Reserve")
	defer span.End()

	span.SetAttributes(
		attribute.String("owner", owner),
		attribute.Int("line_count", len(items)),
	)

	if len(items) == 0 {
		return uuid.Nil, errors.New("reserve called with empty batch")
	}

	ids := make([]uuid.UUID, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ProductID)
	}

	products, err := s.productRepo.GetByIDs(ctx, ids)
	if err != nil {
		return uuid.Nil, err
	}

	byID := make(map[uuid.UUID]*domain.Product, len(products))
	for i := range products {
		byID[products[i].ID] = &products[i]
	}

	// Upfront check so the common failure (short stock) never writes
	// anything. The guarded per-product apply re-checks under current state.
	for _, item := range items {
		product, ok := byID[item.ProductID]
		if !ok {
			return uuid.Nil, fmt.Errorf("%w: %s", repository.ErrProductNotFound, item.ProductID)
		}
		if product.AvailableToSell() < item.Quantity {
			return uuid.Nil, &domain.InsufficientStockError{
				ProductID: product.ID,
				Name:      product.Name,
				Requested: item.Quantity,
				Available: product.AvailableToSell(),
			}
		}
	}

	reservationID := uuid.New()
	expiresAt := s.now().Add(s.reservationTTL)

	var applied []uuid.UUID
	for _, item := range items {
		if err := s.reserveOne(ctx, item, reservationID, owner, expiresAt); err != nil {
			s.rollbackApplied(ctx, applied, reservationID)
			return uuid.Nil, err
		}
		applied = append(applied, item.ProductID)
	}

	ctxlog.Info(
		ctx,
		s.logger,
		"Reservation created",
		zap.String("reservation_id", reservationID.String()),
		zap.Int("line_count", len(items)),
	)

	return reservationID, nil
}

func (s *inventoryService) reserveOne(ctx context.Context, item ReserveItem, reservationID uuid.UUID, owner string, expiresAt time.Time) error {
	for attempt := 0; attempt < maxRetries; attempt++ {
		product, err := s.productRepo.GetByID(ctx, item.ProductID)
		if err != nil {
			return err
		}

		if err := product.Reserve(domain.Reservation{
			ID:         reservationID,
			Quantity:   item.Quantity,
			Owner:      owner,
			ReservedAt: s.now(),
			ExpiresAt:  expiresAt,
		}); err != nil {
			return err
		}

		evt, err := s.productUpdatedEvent(product)
		if err != nil {
			return err
		}

		err = s.productRepo.UpdateGuarded(ctx, product, product.Version, evt)
		if errors.Is(err, repository.ErrVersionConflict) {
			continue
		}

		return err
	}

	return fmt.Errorf("%w: product %s", ErrTooManyConflicts, item.ProductID)
}

// rollbackApplied undoes holds written before a later line failed. Release
// is idempotent, so a crash between apply and rollback is eventually fixed
// by the sweep.
func (s *inventoryService) rollbackApplied(ctx context.Context, productIDs []uuid.UUID, reservationID uuid.UUID) {
	for _, id := range productIDs {
		if err := s.releaseFromProduct(ctx, id, reservationID); err != nil {
			ctxlog.Error(
				ctx,
				s.logger,
				"Failed to roll back partial reservation, sweep will reclaim it",
				zap.String("product_id", id.String()),
				zap.String("reservation_id", reservationID.String()),
				zap.Error(err),
			)
		}
	}
}

// Release removes the hold from every product carrying it. Unknown ids are
// a no-op, which also makes re-released reservations harmless.
func (s *inventoryService) Release(ctx context.Context, reservationID uuid.UUID) error {
	ctx, span := s.tracer.Start(ctx, "InventoryService.Release")
	defer span.End()

	span.SetAttributes(attribute.String("reservation_id", reservationID.String()))

	products, err := s.productRepo.FindByReservationID(ctx, reservationID)
	if err != nil {
		return err
	}

	for i := range products {
		if err := s.releaseFromProduct(ctx, products[i].ID, reservationID); err != nil {
			return err
		}
	}

	return nil
}

func (s *inventoryService) releaseFromProduct(ctx context.Context, productID, reservationID uuid.UUID) error {
	for attempt := 0; attempt < maxRetries; attempt++ {
		product, err := s.productRepo.GetByID(ctx, productID)
		if errors.Is(err, repository.ErrProductNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		if !product.ReleaseReservation(reservationID) {
			return nil
		}

		evt, err := s.productUpdatedEvent(product)
		if err != nil {
			return err
		}

		err = s.productRepo.UpdateGuarded(ctx, product, product.Version, evt)
		if errors.Is(err, repository.ErrVersionConflict) {
			continue
		}

		return err
	}

	return fmt.Errorf("%w: product %s", ErrTooManyConflicts, productID)
}

// Commit turns every hold under the id into a permanent stock decrement.
// A second commit finds no entries and is a no-op, so replays cannot
// double-decrement.
func (s *inventoryService) Commit(ctx context.Context, reservationID uuid.UUID) error {
	ctx, span := s.tracer.Start(ctx, "InventoryService.Commit")
	defer span.End()

	span.SetAttributes(attribute.String("reservation_id", reservationID.String()))

	products, err := s.productRepo.FindByReservationID(ctx, reservationID)
	if err != nil {
		return err
	}

	for i := range products {
		if err := s.commitOnProduct(ctx, products[i].ID, reservationID); err != nil {
			return err
		}
	}

	return nil
}

func (s *inventoryService) commitOnProduct(ctx context.Context, productID, reservationID uuid.UUID) error {
	for attempt := 0; attempt < maxRetries; attempt++ {
		product, err := s.productRepo.GetByID(ctx, productID)
		if errors.Is(err, repository.ErrProductNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		if !product.CommitReservation(reservationID) {
			return nil
		}

		evt, err := s.productUpdatedEvent(product)
		if err != nil {
			return err
		}

		err = s.productRepo.UpdateGuarded(ctx, product, product.Version, evt)
		if errors.Is(err, repository.ErrVersionConflict) {
			continue
		}

		return err
	}

	return fmt.Errorf("%w: product %s", ErrTooManyConflicts, productID)
}

// Sweep expires stale holds through the same guarded path request traffic
// uses. Products mutated between the find and the update simply conflict
// and are retried with fresh state.
func (s *inventoryService) Sweep(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "InventoryService.Sweep")
	defer span.End()

	now := s.now()

	products, err := s.productRepo.FindWithExpiredReservations(ctx, now)
	if err != nil {
		return err
	}

	if len(products) == 0 {
		return nil
	}

	ctxlog.Info(ctx, s.logger, "Sweeping expired reservations", zap.Int("product_count", len(products)))

	var firstErr error
	for i := range products {
		if err := s.sweepProduct(ctx, products[i].ID, now); err != nil {
			ctxlog.Error(
				ctx,
				s.logger,
				"Failed to sweep product, will retry next tick",
				zap.String("product_id", products[i].ID.String()),
				zap.Error(err),
			)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	return firstErr
}

func (s *inventoryService) sweepProduct(ctx context.Context, productID uuid.UUID, now time.Time) error {
	for attempt := 0; attempt < maxRetries; attempt++ {
		product, err := s.productRepo.GetByID(ctx, productID)
		if errors.Is(err, repository.ErrProductNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		expired := product.ExpiredReservationIDs(now)
		if len(expired) == 0 {
			return nil
		}

		for _, id := range expired {
			product.ReleaseReservation(id)
		}

		evt, err := s.productUpdatedEvent(product)
		if err != nil {
			return err
		}

		err = s.productRepo.UpdateGuarded(ctx, product, product.Version, evt)
		if errors.Is(err, repository.ErrVersionConflict) {
			continue
		}

		if err == nil {
			ctxlog.Info(
				ctx,
				s.logger,
				"Expired reservations released",
				zap.String("product_id", productID.String()),
				zap.Int("count", len(expired)),
			)
		}

		return err
	}

	return fmt.Errorf("%w: product %s", ErrTooManyConflicts, productID)
}

// HandleOrderCreated commits the order's reservation: the hold becomes a
// real stock decrement and sold-out products get flagged.
func (s *inventoryService) HandleOrderCreated(ctx context.Context, event *events.OrderCreatedEvent) error {
	return s.Commit(ctx, event.ReservationID)
}

// HandleOrderCancelled puts stock back. A still-active hold only needs
// releasing (stock never moved); a committed one gets its quantity
// restored, clearing the reserved-out flag only when the commit set it.
// A hold the sweep already expired shows up in neither place and is left
// alone: after expiry the sweep, not the order, owns the stock. The same
// ledger check makes a redelivered cancellation a no-op.
func (s *inventoryService) HandleOrderCancelled(ctx context.Context, event *events.OrderUpdatedEvent) error {
	ctx, span := s.tracer.Start(ctx, "InventoryService.HandleOrderCancelled")
	defer span.End()

	span.SetAttributes(attribute.String("order_id", event.ID.String()))

	for _, item := range event.Items {
		if err := s.restoreLine(ctx, item, event.ReservationID); err != nil {
			return err
		}
	}

	return nil
}

func (s *inventoryService) restoreLine(ctx context.Context, item events.OrderItem, reservationID uuid.UUID) error {
	for attempt := 0; attempt < maxRetries; attempt++ {
		product, err := s.productRepo.GetByID(ctx, item.ProductID)
		if err != nil {
			return err
		}

		switch {
		case product.ReleaseReservation(reservationID):
			// Hold was still active, stock never moved.
		case product.ClearCommitted(reservationID):
			product.RestoreStock(item.Quantity)
		default:
			// Swept before commit, or already restored. Nothing to put back.
			return nil
		}

		evt, err := s.productUpdatedEvent(product)
		if err != nil {
			return err
		}

		err = s.productRepo.UpdateGuarded(ctx, product, product.Version, evt)
		if errors.Is(err, repository.ErrVersionConflict) {
			continue
		}

		return err
	}

	return fmt.Errorf("%w: product %s", ErrTooManyConflicts, item.ProductID)
}

// productUpdatedEvent snapshots the product as it will look after the
// guarded update lands, version included.
func (s *inventoryService) productUpdatedEvent(product *domain.Product) (*outboxDomain.OutboxEvent, error) {
	return newProductUpdatedEvent(product)
}
