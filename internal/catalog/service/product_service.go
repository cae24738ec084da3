package service

import (
	"context"
	"errors"

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

type ProductService interface {
	Create(ctx context.Context, product *domain.Product) (uuid.UUID, error)
	FindByID(ctx context.Context, id uuid.UUID) (*domain.Product, error)
	List(ctx context.Context, limit, offset int64, search string) ([]domain.Product, int64, error)
	Update(ctx context.Context, id uuid.UUID, input *domain.UpdateProductInput) (*domain.Product, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

type productService struct {
	productRepo repository.ProductRepository
	logger      *zap.Logger
	tracer      trace.Tracer
}

func NewProductService(productRepo repository.ProductRepository, logger *zap.Logger) ProductService {
	return &productService{
		productRepo: productRepo,
		logger:      logger,
		tracer:      otel.Tracer("service/product_service"),
	}
}

func (s *productService) Create(ctx context.Context, product *domain.Product) (uuid.UUID, error) {
	ctx, span := s.tracer.Start(ctx, "ProductService.Create")
	defer span.End()

	span.SetAttributes(attribute.String("name", product.Name))

	if product.ID == uuid.Nil {
		product.ID = uuid.New()
	}

	if err := s.productRepo.Create(ctx, product); err != nil {
		ctxlog.Error(ctx, s.logger, "Failed to create product", zap.Error(err))
		return uuid.Nil, err
	}

	return product.ID, nil
}

func (s *productService) FindByID(ctx context.Context, id uuid.UUID) (*domain.Product, error) {
	return s.productRepo.GetByID(ctx, id)
}

func (s *productService) List(ctx context.Context, limit, offset int64, search string) ([]domain.Product, int64, error) {
	return s.productRepo.List(ctx, limit, offset, search)
}

// Update applies an admin edit through the guarded path. An admin clearing
// or setting the reserved flag marks it manual, so the cancel listener
// leaves it alone afterwards.
func (s *productService) Update(ctx context.Context, id uuid.UUID, input *domain.UpdateProductInput) (*domain.Product, error) {
	ctx, span := s.tracer.Start(ctx, "ProductService.Update")
	defer span.End()

	span.SetAttributes(attribute.String("id", id.String()))

	for attempt := 0; attempt < maxRetries; attempt++ {
		product, err := s.productRepo.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}

		applyProductInput(product, input)

		evt, err := newProductUpdatedEvent(product)
		if err != nil {
			return nil, err
		}

		err = s.productRepo.UpdateGuarded(ctx, product, product.Version, evt)
		if errors.Is(err, repository.ErrVersionConflict) {
			continue
		}
		if err != nil {
			ctxlog.Error(ctx, s.logger, "Failed to update product", zap.String("id", id.String()), zap.Error(err))
			return nil, err
		}

		return product, nil
	}

	return nil, ErrTooManyConflicts
}

func (s *productService) Delete(ctx context.Context, id uuid.UUID) error {
	ctx, span := s.tracer.Start(ctx, "ProductService.Delete")
	defer span.End()

	span.SetAttributes(attribute.String("id", id.String()))

	return s.productRepo.Delete(ctx, id)
}

func applyProductInput(product *domain.Product, input *domain.UpdateProductInput) {
	if input.Name != nil {
		product.Name = *input.Name
	}
	if input.Description != nil {
		product.Description = *input.Description
	}
	if input.Price != nil {
		product.Price = *input.Price
	}
	if input.Discount != nil {
		product.Discount = *input.Discount
	}
	if input.CountInStock != nil {
		product.CountInStock = *input.CountInStock
	}
	if input.ImageURL != nil {
		product.ImageURL = *input.ImageURL
	}
	if input.Category != nil {
		product.Category = *input.Category
	}
	if input.IsReserved != nil {
		product.IsReserved = *input.IsReserved
		product.ReservedBySystem = false
	}
}

func newProductUpdatedEvent(product *domain.Product) (*outboxDomain.OutboxEvent, error) {
	reservations := make([]events.ProductReservation, 0, len(product.Reservations))
	for _, r := range product.Reservations {
		reservations = append(reservations, events.ProductReservation{
			ID:        r.ID,
			Quantity:  r.Quantity,
			Owner:     r.Owner,
			ExpiresAt: r.ExpiresAt,
		})
	}

	return events.NewOutboxEvent(
		events.TopicProductUpdated,
		events.EventProductUpdated,
		"Product",
		product.ID.String(),
		events.ProductUpdatedEvent{
			ID:           product.ID,
			Name:         product.Name,
			Price:        product.Price,
			CountInStock: product.CountInStock,
			IsReserved:   product.IsReserved,
			Reservations: reservations,
			Version:      product.Version + 1,
		},
	)
}
