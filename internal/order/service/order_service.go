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

	"github.com/jimm9Tran/UDPT-sub001/internal/order/client"
	"github.com/jimm9Tran/UDPT-sub001/internal/order/domain"
	"github.com/jimm9Tran/UDPT-sub001/internal/order/repository"
	"github.com/jimm9Tran/UDPT-sub001/pkg/ctxlog"
	"github.com/jimm9Tran/UDPT-sub001/pkg/events"
	outboxDomain "github.com/jimm9Tran/UDPT-sub001/pkg/outbox/domain"
)

const maxRetries = 5

var (
	ErrEmptyOrder          = errors.New("order must contain at least one item")
	ErrOrderNotCancellable = errors.New("order can no longer be cancelled")
	ErrNotOrderOwner       = errors.New("order belongs to another user")
	ErrInvalidStatus       = errors.New("unsupported status transition")
	ErrTooManyConflicts    = errors.New("too many concurrent modifications, try again")
)

type CartItem struct {
	ProductID uuid.UUID
	Quantity  int32
}

type CreateOrderInput struct {
	Items           []CartItem
	ShippingAddress string
	PaymentMethod   string
}

type OrderService interface {
	CreateOrder(ctx context.Context, userID string, input CreateOrderInput) (*domain.Order, error)
	GetOrder(ctx context.Context, id uuid.UUID, userID string, isAdmin bool) (*domain.Order, error)
	ListOrders(ctx context.Context, userID string, limit, offset int64) ([]domain.Order, int64, error)
	CancelOrder(ctx context.Context, id uuid.UUID, userID string, isAdmin bool) (*domain.Order, error)

	// UpdateStatus applies an admin-driven status change through the same
	// guarded transition path the event listeners use.
	UpdateStatus(ctx context.Context, orderID uuid.UUID, target domain.OrderStatus) (*domain.Order, error)

	// MarkPending and MarkCompleted are driven by payment events; both are
	// no-ops when the order already reached the target status.
	MarkPending(ctx context.Context, orderID uuid.UUID) error
	MarkCompleted(ctx context.Context, orderID uuid.UUID) error

	// CancelExpired cancels every unpaid order past its deadline.
	CancelExpired(ctx context.Context) error
}

type orderService struct {
	repo      repository.OrderRepository
	inventory client.InventoryClient
	tracer    trace.Tracer
	logger    *zap.Logger
	now       func() time.Time
}

func NewOrderService(repo repository.OrderRepository, inventory client.InventoryClient, logger *zap.Logger) OrderService {
	return &orderService{
		repo:      repo,
		inventory: inventory,
		logger:    logger,
		tracer:    otel.Tracer("contract/order_service"),
		now:       time.Now,
	}
}

func (s *orderService) CreateOrder(ctx context.Context, userID string, input CreateOrderInput) (*domain.Order, error) {
	ctx, span := s.tracer.Start(ctx, "OrderService.CreateOrder")
	defer span.End()

	span.SetAttributes(
		attribute.String("user_id", userID),
		attribute.Int("item_count", len(input.Items)),
	)

	if len(input.Items) == 0 {
		return nil, ErrEmptyOrder
	}
	for _, item := range input.Items {
		if item.Quantity <= 0 {
			return nil, fmt.Errorf("%w: product %s has non-positive quantity", ErrEmptyOrder, item.ProductID)
		}
	}

	// Snapshot catalog prices into the order lines. The snapshot, not the
	// live product, is what gets billed.
	orderItems := make([]domain.OrderItem, 0, len(input.Items))
	reserveItems := make([]client.ReserveItem, 0, len(input.Items))

	for _, item := range input.Items {
		product, err := s.inventory.GetProduct(ctx, item.ProductID)
		if err != nil {
			return nil, fmt.Errorf("failed to load product %s: %w", item.ProductID, err)
		}

		// Reject obviously short lines before taking any hold. The reserve
		// call re-checks against holds other shoppers have since taken.
		if product.CountInStock < item.Quantity {
			return nil, &client.InsufficientStockError{
				ProductID: product.ID.String(),
				Available: product.CountInStock,
				Message: fmt.Sprintf(
					"insufficient stock for product %s: requested %d, available %d",
					product.ID, item.Quantity, product.CountInStock,
				),
			}
		}

		orderItems = append(orderItems, domain.OrderItem{
			ProductID: product.ID,
			Name:      product.Name,
			Price:     product.Price,
			Discount:  product.Discount,
			Quantity:  item.Quantity,
		})
		reserveItems = append(reserveItems, client.ReserveItem{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
		})
	}

	reservationID, err := s.inventory.Reserve(ctx, userID, reserveItems)
	if err != nil {
		return nil, fmt.Errorf("failed to reserve stock: %w", err)
	}

	order := &domain.Order{
		ID:              uuid.New(),
		UserID:          userID,
		Status:          domain.OrderStatusCreated,
		Items:           orderItems,
		ShippingAddress: input.ShippingAddress,
		PaymentMethod:   input.PaymentMethod,
		ReservationID:   reservationID,
		ExpiresAt:       s.now().Add(domain.ExpiryWindow),
	}
	order.CalculatePricing()

	evt, err := newOrderCreatedEvent(order)
	if err != nil {
		s.compensate(ctx, reservationID)
		return nil, err
	}

	if err := s.repo.Create(ctx, order, evt); err != nil {
		// The hold was taken but the order never existed. Release it now;
		// the expiry sweep is only the backstop for when this call fails too.
		s.compensate(ctx, reservationID)
		return nil, fmt.Errorf("failed to persist order: %w", err)
	}

	ctxlog.Info(
		ctx,
		s.logger,
		"Order created",
		zap.String("order_id", order.ID.String()),
		zap.String("reservation_id", reservationID.String()),
		zap.Float64("total", order.TotalPrice),
	)

	return order, nil
}

func (s *orderService) compensate(ctx context.Context, reservationID uuid.UUID) {
	releaseCtx := context.WithoutCancel(ctx)

	if err := s.inventory.Release(releaseCtx, reservationID); err != nil {
		ctxlog.Error(
			releaseCtx,
			s.logger,
			"Compensating release failed, reservation will expire on its own",
			zap.String("reservation_id", reservationID.String()),
			zap.Error(err),
		)
	}
}

func (s *orderService) GetOrder(ctx context.Context, id uuid.UUID, userID string, isAdmin bool) (*domain.Order, error) {
	ctx, span := s.tracer.Start(ctx, "OrderService.GetOrder")
	defer span.End()

	order, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if !isAdmin && order.UserID != userID {
		return nil, ErrNotOrderOwner
	}

	return order, nil
}

func (s *orderService) ListOrders(ctx context.Context, userID string, limit, offset int64) ([]domain.Order, int64, error) {
	ctx, span := s.tracer.Start(ctx, "OrderService.ListOrders")
	defer span.End()

	return s.repo.ListByUser(ctx, userID, limit, offset)
}

func (s *orderService) CancelOrder(ctx context.Context, id uuid.UUID, userID string, isAdmin bool) (*domain.Order, error) {
	ctx, span := s.tracer.Start(ctx, "OrderService.CancelOrder")
	defer span.End()

	span.SetAttributes(attribute.String("id", id.String()))

	for attempt := 0; attempt < maxRetries; attempt++ {
		order, err := s.repo.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}

		if !isAdmin && order.UserID != userID {
			return nil, ErrNotOrderOwner
		}

		if order.Status == domain.OrderStatusCancelled {
			return order, nil
		}
		if !order.Cancellable() {
			return nil, ErrOrderNotCancellable
		}

		order.Status = domain.OrderStatusCancelled

		err = s.updateStatus(ctx, order)
		if errors.Is(err, repository.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}

		ctxlog.Info(ctx, s.logger, "Order cancelled", zap.String("order_id", id.String()))

		return order, nil
	}

	return nil, ErrTooManyConflicts
}

func (s *orderService) UpdateStatus(ctx context.Context, orderID uuid.UUID, target domain.OrderStatus) (*domain.Order, error) {
	ctx, span := s.tracer.Start(ctx, "OrderService.UpdateStatus")
	defer span.End()

	span.SetAttributes(
		attribute.String("order_id", orderID.String()),
		attribute.String("target", string(target)),
	)

	var err error

	switch target {
	case domain.OrderStatusPending:
		err = s.MarkPending(ctx, orderID)
	case domain.OrderStatusCompleted:
		err = s.MarkCompleted(ctx, orderID)
	case domain.OrderStatusCancelled:
		_, err = s.CancelOrder(ctx, orderID, "", true)
	default:
		return nil, ErrInvalidStatus
	}

	if err != nil {
		return nil, err
	}

	return s.repo.GetByID(ctx, orderID)
}

func (s *orderService) MarkPending(ctx context.Context, orderID uuid.UUID) error {
	return s.transition(ctx, orderID, domain.OrderStatusPending, map[domain.OrderStatus]bool{
		domain.OrderStatusCreated: true,
	})
}

func (s *orderService) MarkCompleted(ctx context.Context, orderID uuid.UUID) error {
	return s.transition(ctx, orderID, domain.OrderStatusCompleted, map[domain.OrderStatus]bool{
		domain.OrderStatusCreated: true,
		domain.OrderStatusPending: true,
	})
}

func (s *orderService) transition(ctx context.Context, orderID uuid.UUID, target domain.OrderStatus, allowedFrom map[domain.OrderStatus]bool) error {
	ctx, span := s.tracer.Start(ctx, "OrderService.transition")
	defer span.End()

	span.SetAttributes(
		attribute.String("order_id", orderID.String()),
		attribute.String("target", string(target)),
	)

	for attempt := 0; attempt < maxRetries; attempt++ {
		order, err := s.repo.GetByID(ctx, orderID)
		if err != nil {
			return err
		}

		if order.Status == target {
			return nil
		}
		if !allowedFrom[order.Status] {
			ctxlog.Warn(
				ctx,
				s.logger,
				"Ignoring status transition from terminal state",
				zap.String("order_id", orderID.String()),
				zap.String("current", string(order.Status)),
				zap.String("target", string(target)),
			)

			return nil
		}

		order.Status = target

		err = s.updateStatus(ctx, order)
		if errors.Is(err, repository.ErrVersionConflict) {
			continue
		}

		return err
	}

	return ErrTooManyConflicts
}

func (s *orderService) CancelExpired(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "OrderService.CancelExpired")
	defer span.End()

	now := s.now()

	expired, err := s.repo.FindExpired(ctx, now)
	if err != nil {
		return fmt.Errorf("failed to find expired orders: %w", err)
	}

	for i := range expired {
		order := expired[i]

		if !order.Expired(now) || order.Status != domain.OrderStatusCreated {
			continue
		}

		order.Status = domain.OrderStatusCancelled

		err := s.updateStatus(ctx, &order)
		if errors.Is(err, repository.ErrVersionConflict) || errors.Is(err, repository.ErrOrderNotFound) {
			// Someone else moved the order; the next sweep re-evaluates it.
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to cancel expired order %s: %w", order.ID, err)
		}

		ctxlog.Info(ctx, s.logger, "Expired order cancelled", zap.String("order_id", order.ID.String()))
	}

	return nil
}

// updateStatus persists the new status together with an order.updated event.
// Stock release on cancellation happens in the catalog's event listener, not
// here, so cancelling stays a single-write operation.
func (s *orderService) updateStatus(ctx context.Context, order *domain.Order) error {
	evt, err := newOrderUpdatedEvent(order)
	if err != nil {
		return err
	}

	return s.repo.UpdateStatusGuarded(ctx, order, order.Version, evt)
}

func newOrderCreatedEvent(order *domain.Order) (*outboxDomain.OutboxEvent, error) {
	payload := events.OrderCreatedEvent{
		ID:              order.ID,
		UserID:          order.UserID,
		Items:           eventItems(order.Items),
		ShippingAddress: order.ShippingAddress,
		PaymentMethod:   order.PaymentMethod,
		ReservationID:   order.ReservationID,
		ItemsPrice:      order.ItemsPrice,
		ShippingPrice:   order.ShippingPrice,
		TaxPrice:        order.TaxPrice,
		TotalPrice:      order.TotalPrice,
		Status:          string(order.Status),
		ExpiresAt:       order.ExpiresAt,
		Version:         1,
	}

	return events.NewOutboxEvent(events.TopicOrderCreated, events.EventOrderCreated, "order", order.ID.String(), payload)
}

func newOrderUpdatedEvent(order *domain.Order) (*outboxDomain.OutboxEvent, error) {
	payload := events.OrderUpdatedEvent{
		ID:            order.ID,
		UserID:        order.UserID,
		Items:         eventItems(order.Items),
		PaymentMethod: order.PaymentMethod,
		ReservationID: order.ReservationID,
		TotalPrice:    order.TotalPrice,
		Status:        string(order.Status),
		Version:       order.Version + 1,
	}

	return events.NewOutboxEvent(events.TopicOrderUpdated, events.EventOrderUpdated, "order", order.ID.String(), payload)
}

func eventItems(items []domain.OrderItem) []events.OrderItem {
	out := make([]events.OrderItem, 0, len(items))
	for _, item := range items {
		out = append(out, events.OrderItem{
			ProductID: item.ProductID,
			Name:      item.Name,
			Price:     item.Price,
			Discount:  item.Discount,
			Quantity:  item.Quantity,
		})
	}

	return out
}
