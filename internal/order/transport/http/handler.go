package http

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jimm9Tran/UDPT-sub001/internal/order/client"
	"github.com/jimm9Tran/UDPT-sub001/internal/order/domain"
	"github.com/jimm9Tran/UDPT-sub001/internal/order/repository"
	"github.com/jimm9Tran/UDPT-sub001/internal/order/service"
	"github.com/jimm9Tran/UDPT-sub001/pkg/ctxlog"
	"github.com/jimm9Tran/UDPT-sub001/pkg/utils"
)

// Identity comes from upstream gateway headers, same convention as the rest
// of the platform.
const (
	headerUserID   = "X-User-Id"
	headerUserRole = "X-User-Role"
	roleAdmin      = "admin"
)

type Handler struct {
	orders   service.OrderService
	validate *validator.Validate
	logger   *zap.Logger
}

func NewHandler(orders service.OrderService, logger *zap.Logger) *Handler {
	return &Handler{
		orders:   orders,
		validate: validator.New(),
		logger:   logger,
	}
}

func (h *Handler) RegisterRoutes(app *fiber.App) {
	orders := app.Group("/orders")

	orders.Post("", h.Create)
	orders.Get("", h.List)
	orders.Get("/:id", h.FindByID)
	orders.Post("/:id/cancel", h.Cancel)
	orders.Patch("/:id/status", h.UpdateStatus)
}

type orderItemRequest struct {
	ProductID uuid.UUID `json:"product_id" validate:"required"`
	Quantity  int32     `json:"quantity" validate:"required,gt=0"`
}

type createOrderRequest struct {
	Items           []orderItemRequest `json:"items" validate:"required,min=1,dive"`
	ShippingAddress string             `json:"shipping_address" validate:"required"`
	PaymentMethod   string             `json:"payment_method" validate:"required"`
}

func (h *Handler) Create(c *fiber.Ctx) error {
	userID := c.Get(headerUserID)
	if userID == "" {
		return unauthorized(c)
	}

	var req createOrderRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "error parsing body")
	}

	if err := h.validate.Struct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"errors": utils.FormatValidationError(err),
		})
	}

	items := make([]service.CartItem, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, service.CartItem{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
		})
	}

	order, err := h.orders.CreateOrder(c.UserContext(), userID, service.CreateOrderInput{
		Items:           items,
		ShippingAddress: req.ShippingAddress,
		PaymentMethod:   req.PaymentMethod,
	})
	if err != nil {
		return h.domainError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(order)
}

func (h *Handler) List(c *fiber.Ctx) error {
	userID := c.Get(headerUserID)
	if userID == "" {
		return unauthorized(c)
	}

	limit := int64(c.QueryInt("limit", 20))
	offset := int64(c.QueryInt("offset", 0))

	orders, total, err := h.orders.ListOrders(c.UserContext(), userID, limit, offset)
	if err != nil {
		return h.domainError(c, err)
	}

	return c.JSON(fiber.Map{
		"orders": orders,
		"total":  total,
	})
}

func (h *Handler) FindByID(c *fiber.Ctx) error {
	userID := c.Get(headerUserID)
	if userID == "" {
		return unauthorized(c)
	}

	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "invalid order id")
	}

	order, err := h.orders.GetOrder(c.UserContext(), id, userID, isAdmin(c))
	if err != nil {
		return h.domainError(c, err)
	}

	return c.JSON(order)
}

func (h *Handler) Cancel(c *fiber.Ctx) error {
	userID := c.Get(headerUserID)
	if userID == "" {
		return unauthorized(c)
	}

	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "invalid order id")
	}

	order, err := h.orders.CancelOrder(c.UserContext(), id, userID, isAdmin(c))
	if err != nil {
		return h.domainError(c, err)
	}

	return c.JSON(order)
}

type updateStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=pending completed cancelled"`
}

func (h *Handler) UpdateStatus(c *fiber.Ctx) error {
	if !isAdmin(c) {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "admin role required"})
	}

	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "invalid order id")
	}

	var req updateStatusRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "error parsing body")
	}

	if err := h.validate.Struct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"errors": utils.FormatValidationError(err),
		})
	}

	order, err := h.orders.UpdateStatus(c.UserContext(), id, domain.OrderStatus(req.Status))
	if err != nil {
		return h.domainError(c, err)
	}

	return c.JSON(order)
}

func (h *Handler) domainError(c *fiber.Ctx, err error) error {
	var stockErr *client.InsufficientStockError
	switch {
	case errors.As(err, &stockErr):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error":      stockErr.Message,
			"product_id": stockErr.ProductID,
			"available":  stockErr.Available,
		})
	case errors.Is(err, service.ErrEmptyOrder), errors.Is(err, service.ErrInvalidStatus):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, repository.ErrOrderNotFound), errors.Is(err, client.ErrProductNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, service.ErrNotOrderOwner):
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, service.ErrOrderNotCancellable):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, repository.ErrVersionConflict), errors.Is(err, service.ErrTooManyConflicts):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
	default:
		ctxlog.Error(c.UserContext(), h.logger, "Internal error", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
	}
}

func isAdmin(c *fiber.Ctx) bool {
	return c.Get(headerUserRole) == roleAdmin
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": msg})
}

func unauthorized(c *fiber.Ctx) error {
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "missing user identity"})
}
