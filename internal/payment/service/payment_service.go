package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/jimm9Tran/UDPT-sub001/internal/payment/domain"
	"github.com/jimm9Tran/UDPT-sub001/internal/payment/gateway"
	"github.com/jimm9Tran/UDPT-sub001/internal/payment/repository"
	"github.com/jimm9Tran/UDPT-sub001/pkg/ctxlog"
	"github.com/jimm9Tran/UDPT-sub001/pkg/events"
	outboxDomain "github.com/jimm9Tran/UDPT-sub001/pkg/outbox/domain"
)

const maxRetries = 5

var (
	ErrOrderNotPayable   = errors.New("order is not in a payable state")
	ErrOrderExpired      = errors.New("order payment window has expired")
	ErrOrderAlreadyPaid  = errors.New("order already has a successful payment")
	ErrPaymentInProgress = errors.New("order already has a payment in progress")
	ErrNotOrderOwner     = errors.New("order belongs to another user")
	ErrInvalidSignature  = errors.New("gateway signature verification failed")
	ErrAmountMismatch    = errors.New("amount does not match the recorded order total")
	ErrPaymentFinal      = errors.New("payment already reached a final state")
	ErrTooManyConflicts  = errors.New("too many concurrent modifications, try again")
	// ErrEventGap means an order event arrived before its predecessor; the
	// consumer leaves it unacked so redelivery can retry after the gap fills.
	ErrEventGap = errors.New("order event version gap")
)

type CreatePaymentInput struct {
	OrderID uuid.UUID
	Amount  float64
	Method  domain.PaymentMethod
}

// CreatePaymentResult carries the redirect URL for gateway payments; it is
// empty for cash on delivery.
type CreatePaymentResult struct {
	Payment     *domain.Payment
	RedirectURL string
}

type PaymentService interface {
	CreatePayment(ctx context.Context, userID string, input CreatePaymentInput) (*CreatePaymentResult, error)
	GetPayment(ctx context.Context, id uuid.UUID, userID string, isAdmin bool) (*domain.Payment, error)
	ListByOrder(ctx context.Context, orderID uuid.UUID, userID string, isAdmin bool) ([]domain.Payment, error)

	// HandleGatewayCallback settles a payment from the provider's signed
	// callback params. Repeated callbacks for a settled payment are no-ops.
	HandleGatewayCallback(ctx context.Context, params map[string]string) (*domain.Payment, error)

	// ConfirmCashOnDelivery settles a COD payment once the courier collects.
	ConfirmCashOnDelivery(ctx context.Context, paymentID uuid.UUID) (*domain.Payment, error)

	HandleOrderCreated(ctx context.Context, event *events.OrderCreatedEvent) error
	HandleOrderUpdated(ctx context.Context, event *events.OrderUpdatedEvent) error
}

type paymentService struct {
	payments  repository.PaymentRepository
	shadows   repository.OrderShadowRepository
	signer    *gateway.Signer
	payURL    string
	returnURL string
	tracer    trace.Tracer
	logger    *zap.Logger
	now       func() time.Time
}

func NewPaymentService(
	payments repository.PaymentRepository,
	shadows repository.OrderShadowRepository,
	signer *gateway.Signer,
	payURL, returnURL string,
	logger *zap.Logger,
) PaymentService {
	return &paymentService{
		payments:  payments,
		shadows:   shadows,
		signer:    signer,
		payURL:    payURL,
		returnURL: returnURL,
		logger:    logger,
		tracer:    otel.Tracer("contract/payment_service"),
		now:       time.Now,
	}
}

func (s *paymentService) CreatePayment(ctx context.Context, userID string, input CreatePaymentInput) (*CreatePaymentResult, error) {
	ctx, span := s.tracer.Start(ctx, "PaymentService.CreatePayment")
	defer span.End()

	span.SetAttributes(
		attribute.String("order_id", input.OrderID.String()),
		attribute.String("method", string(input.Method)),
	)

	shadow, err := s.shadows.GetByOrderID(ctx, input.OrderID)
	if err != nil {
		return nil, err
	}

	if shadow.UserID != userID {
		return nil, ErrNotOrderOwner
	}
	if shadow.Status == domain.OrderStatusCompleted {
		return nil, ErrOrderAlreadyPaid
	}
	if s.now().After(shadow.ExpiresAt) {
		return nil, ErrOrderExpired
	}
	if !shadow.Payable(s.now()) {
		return nil, ErrOrderNotPayable
	}
	if input.Amount != shadow.TotalPrice {
		return nil, ErrAmountMismatch
	}

	existing, err := s.payments.GetByOrderID(ctx, input.OrderID)
	if err != nil {
		return nil, err
	}
	for i := range existing {
		switch {
		case existing[i].Status == domain.PaymentStatusSuccess:
			return nil, ErrOrderAlreadyPaid
		case existing[i].Open():
			return nil, ErrPaymentInProgress
		}
	}

	// The stored amount is the shadow's total; the client-supplied amount
	// only gates the request.
	status := domain.PaymentStatusPending
	if input.Method == domain.MethodCashOnDelivery {
		status = domain.PaymentStatusAwaitingDelivery
	}

	payment := &domain.Payment{
		ID:       uuid.New(),
		OrderID:  input.OrderID,
		UserID:   userID,
		Amount:   shadow.TotalPrice,
		Currency: domain.DefaultCurrency,
		Method:   input.Method,
		Status:   status,
	}

	evt, err := newPaymentEvent(events.TopicPaymentCreated, events.EventPaymentCreated, payment)
	if err != nil {
		return nil, err
	}

	if err := s.payments.Create(ctx, payment, evt); err != nil {
		// Two concurrent requests can both pass the read above; the unique
		// index lets only one insert land.
		if errors.Is(err, repository.ErrDuplicatePayment) {
			return nil, ErrPaymentInProgress
		}
		return nil, err
	}

	result := &CreatePaymentResult{Payment: payment}

	if payment.Method == domain.MethodGateway {
		result.RedirectURL = s.signer.BuildRedirectURL(s.payURL, map[string]string{
			gateway.ParamTxnRef:    payment.ID.String(),
			gateway.ParamAmount:    formatAmount(payment.Amount),
			gateway.ParamOrderInfo: "order " + payment.OrderID.String(),
			gateway.ParamReturnURL: s.returnURL,
		})
	}

	ctxlog.Info(
		ctx,
		s.logger,
		"Payment initiated",
		zap.String("payment_id", payment.ID.String()),
		zap.String("order_id", payment.OrderID.String()),
		zap.Float64("amount", payment.Amount),
	)

	return result, nil
}

func (s *paymentService) GetPayment(ctx context.Context, id uuid.UUID, userID string, isAdmin bool) (*domain.Payment, error) {
	ctx, span := s.tracer.Start(ctx, "PaymentService.GetPayment")
	defer span.End()

	payment, err := s.payments.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if !isAdmin && payment.UserID != userID {
		return nil, ErrNotOrderOwner
	}

	return payment, nil
}

func (s *paymentService) ListByOrder(ctx context.Context, orderID uuid.UUID, userID string, isAdmin bool) ([]domain.Payment, error) {
	ctx, span := s.tracer.Start(ctx, "PaymentService.ListByOrder")
	defer span.End()

	if !isAdmin {
		shadow, err := s.shadows.GetByOrderID(ctx, orderID)
		if err != nil {
			return nil, err
		}
		if shadow.UserID != userID {
			return nil, ErrNotOrderOwner
		}
	}

	return s.payments.GetByOrderID(ctx, orderID)
}

func (s *paymentService) HandleGatewayCallback(ctx context.Context, params map[string]string) (*domain.Payment, error) {
	ctx, span := s.tracer.Start(ctx, "PaymentService.HandleGatewayCallback")
	defer span.End()

	signature := params[gateway.ParamSignature]
	if signature == "" || !s.signer.Verify(params, signature) {
		ctxlog.Warn(ctx, s.logger, "Rejected gateway callback with bad signature")
		return nil, ErrInvalidSignature
	}

	paymentID, err := uuid.Parse(params[gateway.ParamTxnRef])
	if err != nil {
		return nil, fmt.Errorf("invalid transaction reference: %w", err)
	}

	span.SetAttributes(attribute.String("payment_id", paymentID.String()))

	for attempt := 0; attempt < maxRetries; attempt++ {
		payment, err := s.payments.GetByID(ctx, paymentID)
		if err != nil {
			return nil, err
		}

		// Anything but pending already has a recorded outcome.
		if payment.Status != domain.PaymentStatusPending {
			return payment, nil
		}

		if params[gateway.ParamAmount] != formatAmount(payment.Amount) {
			ctxlog.Warn(
				ctx,
				s.logger,
				"Gateway amount mismatch, failing payment",
				zap.String("payment_id", paymentID.String()),
				zap.String("reported", params[gateway.ParamAmount]),
			)

			err = s.settle(ctx, payment, domain.PaymentStatusFailed, nil)
			if errors.Is(err, repository.ErrVersionConflict) {
				continue
			}
			if err != nil {
				return nil, err
			}

			return nil, ErrAmountMismatch
		}

		target := domain.PaymentStatusFailed
		if params[gateway.ParamResponseCode] == gateway.CodeSuccess {
			target = domain.PaymentStatusSuccess
		}

		var txnID *string
		if v := params[gateway.ParamTxnID]; v != "" {
			txnID = &v
		}

		err = s.settle(ctx, payment, target, txnID)
		if errors.Is(err, repository.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}

		return payment, nil
	}

	return nil, ErrTooManyConflicts
}

func (s *paymentService) ConfirmCashOnDelivery(ctx context.Context, paymentID uuid.UUID) (*domain.Payment, error) {
	ctx, span := s.tracer.Start(ctx, "PaymentService.ConfirmCashOnDelivery")
	defer span.End()

	span.SetAttributes(attribute.String("payment_id", paymentID.String()))

	for attempt := 0; attempt < maxRetries; attempt++ {
		payment, err := s.payments.GetByID(ctx, paymentID)
		if err != nil {
			return nil, err
		}

		// Confirmation is only valid while the payment is open; a payment
		// that already settled, failed or was cancelled keeps its outcome.
		if !payment.Open() {
			return nil, ErrPaymentFinal
		}

		err = s.settle(ctx, payment, domain.PaymentStatusSuccess, nil)
		if errors.Is(err, repository.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}

		return payment, nil
	}

	return nil, ErrTooManyConflicts
}

// settle moves an open payment to its final state. Success also publishes
// payment.completed in the same transaction; failure and cancellation
// publish nothing, the order just stays unpaid.
func (s *paymentService) settle(ctx context.Context, payment *domain.Payment, target domain.PaymentStatus, txnID *string) error {
	payment.Status = target
	if txnID != nil {
		payment.GatewayTxnID = txnID
	}

	var evt *outboxDomain.OutboxEvent

	if target == domain.PaymentStatusSuccess {
		paidAt := s.now()
		payment.PaidAt = &paidAt

		var err error
		evt, err = newPaymentEvent(events.TopicPaymentCompleted, events.EventPaymentCompleted, payment)
		if err != nil {
			return err
		}
	}

	if err := s.payments.UpdateGuarded(ctx, payment, payment.Version, evt); err != nil {
		return err
	}

	ctxlog.Info(
		ctx,
		s.logger,
		"Payment settled",
		zap.String("payment_id", payment.ID.String()),
		zap.String("status", string(payment.Status)),
	)

	return nil
}

func (s *paymentService) HandleOrderCreated(ctx context.Context, event *events.OrderCreatedEvent) error {
	ctx, span := s.tracer.Start(ctx, "PaymentService.HandleOrderCreated")
	defer span.End()

	span.SetAttributes(attribute.String("order_id", event.ID.String()))

	return s.shadows.Insert(ctx, &domain.OrderShadow{
		OrderID:    event.ID,
		UserID:     event.UserID,
		TotalPrice: event.TotalPrice,
		Status:     event.Status,
		ExpiresAt:  event.ExpiresAt,
		Version:    event.Version,
	})
}

func (s *paymentService) HandleOrderUpdated(ctx context.Context, event *events.OrderUpdatedEvent) error {
	ctx, span := s.tracer.Start(ctx, "PaymentService.HandleOrderUpdated")
	defer span.End()

	span.SetAttributes(
		attribute.String("order_id", event.ID.String()),
		attribute.Int64("event_version", event.Version),
	)

	shadow, err := s.shadows.GetByOrderID(ctx, event.ID)
	if err != nil {
		return err
	}

	if event.Version <= shadow.Version {
		// Already applied. A redelivered cancellation still re-runs the
		// payment void: a crash between the shadow write and the void
		// would otherwise leave the payment open for good.
		if event.Status == domain.OrderStatusCancelled {
			return s.cancelOpenPayments(ctx, event.ID)
		}

		ctxlog.Debug(ctx, s.logger, "Skipping stale order event", zap.String("order_id", event.ID.String()))
		return nil
	}
	if event.Version != shadow.Version+1 {
		return fmt.Errorf("%w: have %d, got %d", ErrEventGap, shadow.Version, event.Version)
	}

	previous := shadow.Version
	shadow.Status = event.Status
	shadow.TotalPrice = event.TotalPrice
	shadow.Version = event.Version

	if err := s.shadows.Update(ctx, shadow, previous); err != nil {
		return err
	}

	if event.Status == domain.OrderStatusCancelled {
		return s.cancelOpenPayments(ctx, event.ID)
	}

	return nil
}

// cancelOpenPayments voids still-open payments for an order that was
// cancelled under them. Settled payments keep their outcome.
func (s *paymentService) cancelOpenPayments(ctx context.Context, orderID uuid.UUID) error {
	payments, err := s.payments.GetByOrderID(ctx, orderID)
	if err != nil {
		return err
	}

	for i := range payments {
		payment := payments[i]
		if !payment.Open() {
			ctxlog.Debug(
				ctx,
				s.logger,
				"Skipping settled payment on order cancellation",
				zap.String("payment_id", payment.ID.String()),
			)
			continue
		}

		err := s.settle(ctx, &payment, domain.PaymentStatusCancelled, nil)
		if err != nil && !errors.Is(err, repository.ErrVersionConflict) {
			return err
		}
	}

	return nil
}

func newPaymentEvent(topic, eventType string, payment *domain.Payment) (*outboxDomain.OutboxEvent, error) {
	payload := events.PaymentEvent{
		ID:            payment.ID,
		OrderID:       payment.OrderID,
		Amount:        payment.Amount,
		Currency:      payment.Currency,
		PaymentMethod: string(payment.Method),
		Status:        string(payment.Status),
		PaidAt:        payment.PaidAt,
	}

	return events.NewOutboxEvent(topic, eventType, "payment", payment.ID.String(), payload)
}

func formatAmount(amount float64) string {
	return strconv.FormatFloat(amount, 'f', 2, 64)
}
