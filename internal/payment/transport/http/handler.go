package http

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jimm9Tran/UDPT-sub001/internal/payment/domain"
	"github.com/jimm9Tran/UDPT-sub001/internal/payment/repository"
	"github.com/jimm9Tran/UDPT-sub001/internal/payment/service"
	"github.com/jimm9Tran/UDPT-sub001/pkg/ctxlog"
	"github.com/jimm9Tran/UDPT-sub001/pkg/utils"
)

const (
	headerUserID   = "X-User-Id"
	headerUserRole = "X-User-Role"
	roleAdmin      = "admin"
)

type Handler struct {
	payments service.PaymentService
	validate *validator.Validate
	logger   *zap.Logger
}

func NewHandler(payments service.PaymentService, logger *zap.Logger) *Handler {
	return &Handler{
		payments: payments,
		validate: validator.New(),
		logger:   logger,
	}
}

func (h *Handler) RegisterRoutes(app *fiber.App) {
	payments := app.Group("/payments")

	payments.Post("/process/:orderId", h.Process)
	payments.Get("/order/:orderId", h.ListByOrder)

	// The provider redirects the shopper back here with signed params.
	payments.Get("/gateway/callback", h.GatewayCallback)

	payments.Get("/:id", h.FindByID)
	payments.Post("/:id/confirm-delivery", h.ConfirmDelivery)
}

type processPaymentRequest struct {
	Type   string  `json:"type" validate:"required,oneof=gateway_redirect cod"`
	Amount float64 `json:"amount" validate:"required,gt=0"`
}

func (h *Handler) Process(c *fiber.Ctx) error {
	userID := c.Get(headerUserID)
	if userID == "" {
		return unauthorized(c)
	}

	orderID, err := uuid.Parse(c.Params("orderId"))
	if err != nil {
		return badRequest(c, "invalid order id")
	}

	var req processPaymentRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "error parsing body")
	}

	if err := h.validate.Struct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"errors": utils.FormatValidationError(err),
		})
	}

	result, err := h.payments.CreatePayment(c.UserContext(), userID, service.CreatePaymentInput{
		OrderID: orderID,
		Amount:  req.Amount,
		Method:  domain.PaymentMethod(req.Type),
	})
	if err != nil {
		return h.domainError(c, err)
	}

	resp := fiber.Map{"payment": result.Payment}
	if result.RedirectURL != "" {
		resp["redirect_url"] = result.RedirectURL
	}

	return c.Status(fiber.StatusCreated).JSON(resp)
}

func (h *Handler) FindByID(c *fiber.Ctx) error {
	userID := c.Get(headerUserID)
	if userID == "" {
		return unauthorized(c)
	}

	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "invalid payment id")
	}

	payment, err := h.payments.GetPayment(c.UserContext(), id, userID, isAdmin(c))
	if err != nil {
		return h.domainError(c, err)
	}

	return c.JSON(payment)
}

func (h *Handler) ListByOrder(c *fiber.Ctx) error {
	userID := c.Get(headerUserID)
	if userID == "" {
		return unauthorized(c)
	}

	orderID, err := uuid.Parse(c.Params("orderId"))
	if err != nil {
		return badRequest(c, "invalid order id")
	}

	payments, err := h.payments.ListByOrder(c.UserContext(), orderID, userID, isAdmin(c))
	if err != nil {
		return h.domainError(c, err)
	}

	return c.JSON(fiber.Map{"payments": payments})
}

func (h *Handler) GatewayCallback(c *fiber.Ctx) error {
	params := c.Queries()

	payment, err := h.payments.HandleGatewayCallback(c.UserContext(), params)
	if err != nil {
		return h.domainError(c, err)
	}

	return c.JSON(fiber.Map{
		"payment_id": payment.ID,
		"status":     payment.Status,
	})
}

func (h *Handler) ConfirmDelivery(c *fiber.Ctx) error {
	if !isAdmin(c) {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "admin role required"})
	}

	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "invalid payment id")
	}

	payment, err := h.payments.ConfirmCashOnDelivery(c.UserContext(), id)
	if err != nil {
		return h.domainError(c, err)
	}

	return c.JSON(payment)
}

func (h *Handler) domainError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, service.ErrInvalidSignature),
		errors.Is(err, service.ErrAmountMismatch):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, repository.ErrPaymentNotFound), errors.Is(err, repository.ErrShadowNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, service.ErrNotOrderOwner):
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, service.ErrOrderNotPayable),
		errors.Is(err, service.ErrOrderExpired),
		errors.Is(err, service.ErrOrderAlreadyPaid),
		errors.Is(err, service.ErrPaymentInProgress),
		errors.Is(err, service.ErrPaymentFinal),
		errors.Is(err, repository.ErrVersionConflict),
		errors.Is(err, service.ErrTooManyConflicts):
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
