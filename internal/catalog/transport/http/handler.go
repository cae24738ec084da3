package http

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jimm9Tran/UDPT-sub001/internal/catalog/domain"
	"github.com/jimm9Tran/UDPT-sub001/internal/catalog/repository"
	"github.com/jimm9Tran/UDPT-sub001/internal/catalog/service"
	"github.com/jimm9Tran/UDPT-sub001/pkg/ctxlog"
	"github.com/jimm9Tran/UDPT-sub001/pkg/utils"
)

const (
	headerUserRole = "X-User-Role"
	roleAdmin      = "admin"
)

type Handler struct {
	products  service.ProductService
	inventory service.InventoryService
	validate  *validator.Validate
	logger    *zap.Logger
}

func NewHandler(products service.ProductService, inventory service.InventoryService, logger *zap.Logger) *Handler {
	return &Handler{
		products:  products,
		inventory: inventory,
		validate:  validator.New(),
		logger:    logger,
	}
}

func (h *Handler) RegisterRoutes(app *fiber.App) {
	products := app.Group("/products")

	products.Post("", h.Create)
	products.Get("", h.List)
	products.Get("/:id", h.FindByID)
	products.Put("/:id", h.Update)
	products.Delete("/:id", h.Delete)

	products.Post("/reserve-inventory", h.ReserveInventory)
	products.Post("/release-inventory", h.ReleaseInventory)
	products.Post("/commit-inventory", h.CommitInventory)
}

type createProductRequest struct {
	Name         string  `json:"name" validate:"required"`
	Description  string  `json:"description"`
	Price        float64 `json:"price" validate:"gte=0"`
	Discount     float64 `json:"discount" validate:"gte=0,lt=1"`
	CountInStock int32   `json:"count_in_stock" validate:"gte=0"`
	ImageURL     string  `json:"image_url"`
	Category     string  `json:"category"`
}

func (h *Handler) Create(c *fiber.Ctx) error {
	if !isAdmin(c) {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "admin role required"})
	}

	var req createProductRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "error parsing body")
	}

	if err := h.validate.Struct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"errors": utils.FormatValidationError(err),
		})
	}

	product := &domain.Product{
		Name:         req.Name,
		Description:  req.Description,
		Price:        req.Price,
		Discount:     req.Discount,
		CountInStock: req.CountInStock,
		ImageURL:     req.ImageURL,
		Category:     req.Category,
	}

	id, err := h.products.Create(c.UserContext(), product)
	if err != nil {
		return h.domainError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"id": id})
}

func (h *Handler) List(c *fiber.Ctx) error {
	limit := int64(c.QueryInt("limit", 20))
	offset := int64(c.QueryInt("offset", 0))
	search := c.Query("search")

	products, total, err := h.products.List(c.UserContext(), limit, offset, search)
	if err != nil {
		return h.domainError(c, err)
	}

	return c.JSON(fiber.Map{
		"products": products,
		"total":    total,
	})
}

func (h *Handler) FindByID(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "invalid product id")
	}

	product, err := h.products.FindByID(c.UserContext(), id)
	if err != nil {
		return h.domainError(c, err)
	}

	return c.JSON(product)
}

func (h *Handler) Update(c *fiber.Ctx) error {
	if !isAdmin(c) {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "admin role required"})
	}

	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "invalid product id")
	}

	var input domain.UpdateProductInput
	if err := c.BodyParser(&input); err != nil {
		return badRequest(c, "error parsing body")
	}

	if err := h.validate.Struct(input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"errors": utils.FormatValidationError(err),
		})
	}

	product, err := h.products.Update(c.UserContext(), id, &input)
	if err != nil {
		return h.domainError(c, err)
	}

	return c.JSON(product)
}

func (h *Handler) Delete(c *fiber.Ctx) error {
	if !isAdmin(c) {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "admin role required"})
	}

	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "invalid product id")
	}

	if err := h.products.Delete(c.UserContext(), id); err != nil {
		return h.domainError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

type reserveItemRequest struct {
	ProductID uuid.UUID `json:"product_id" validate:"required"`
	Quantity  int32     `json:"quantity" validate:"required,gt=0"`
}

type reserveInventoryRequest struct {
	Owner string               `json:"owner" validate:"required"`
	Items []reserveItemRequest `json:"items" validate:"required,min=1,dive"`
}

func (h *Handler) ReserveInventory(c *fiber.Ctx) error {
	var req reserveInventoryRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "error parsing body")
	}

	if err := h.validate.Struct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"errors": utils.FormatValidationError(err),
		})
	}

	items := make([]service.ReserveItem, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, service.ReserveItem{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
		})
	}

	reservationID, err := h.inventory.Reserve(c.UserContext(), req.Owner, items)
	if err != nil {
		return h.domainError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"reservation_id": reservationID})
}

type reservationRequest struct {
	ReservationID uuid.UUID `json:"reservation_id" validate:"required"`
}

func (h *Handler) ReleaseInventory(c *fiber.Ctx) error {
	var req reservationRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "error parsing body")
	}

	if err := h.inventory.Release(c.UserContext(), req.ReservationID); err != nil {
		return h.domainError(c, err)
	}

	return c.JSON(fiber.Map{"released": true})
}

func (h *Handler) CommitInventory(c *fiber.Ctx) error {
	var req reservationRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "error parsing body")
	}

	if err := h.inventory.Commit(c.UserContext(), req.ReservationID); err != nil {
		return h.domainError(c, err)
	}

	return c.JSON(fiber.Map{"committed": true})
}

func isAdmin(c *fiber.Ctx) bool {
	return c.Get(headerUserRole) == roleAdmin
}

func (h *Handler) domainError(c *fiber.Ctx, err error) error {
	var stockErr *domain.InsufficientStockError
	switch {
	case errors.As(err, &stockErr):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error":      stockErr.Error(),
			"product_id": stockErr.ProductID,
			"available":  stockErr.Available,
		})
	case errors.Is(err, repository.ErrProductNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, repository.ErrVersionConflict), errors.Is(err, service.ErrTooManyConflicts):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
	default:
		ctxlog.Error(c.UserContext(), h.logger, "Internal error", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
	}
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": msg})
}
