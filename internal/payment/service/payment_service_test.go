package service

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jimm9Tran/UDPT-sub001/internal/payment/domain"
	"github.com/jimm9Tran/UDPT-sub001/internal/payment/gateway"
	"github.com/jimm9Tran/UDPT-sub001/internal/payment/repository"
	"github.com/jimm9Tran/UDPT-sub001/pkg/events"
	outboxDomain "github.com/jimm9Tran/UDPT-sub001/pkg/outbox/domain"
)

const testSecret = "test-secret"

type fakePaymentRepo struct {
	mu       sync.Mutex
	payments map[uuid.UUID]*domain.Payment

	// afterGetByOrderID runs once after the next read, simulating a
	// competing request that writes between our check and our insert.
	afterGetByOrderID func()

	savedEvents []*outboxDomain.OutboxEvent
}

func newFakePaymentRepo() *fakePaymentRepo {
	return &fakePaymentRepo{payments: make(map[uuid.UUID]*domain.Payment)}
}

func copyPayment(p *domain.Payment) *domain.Payment {
	cp := *p
	return &cp
}

func (f *fakePaymentRepo) put(p *domain.Payment) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payments[p.ID] = copyPayment(p)
}

func (f *fakePaymentRepo) Create(_ context.Context, payment *domain.Payment, evt *outboxDomain.OutboxEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	// Mirrors uq_payments_order_open: at most one live payment per order.
	for _, p := range f.payments {
		if p.OrderID == payment.OrderID && (p.Open() || p.Status == domain.PaymentStatusSuccess) {
			return repository.ErrDuplicatePayment
		}
	}

	payment.Version = 1
	f.payments[payment.ID] = copyPayment(payment)
	if evt != nil {
		f.savedEvents = append(f.savedEvents, evt)
	}
	return nil
}

func (f *fakePaymentRepo) GetByID(_ context.Context, id uuid.UUID) (*domain.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	p, ok := f.payments[id]
	if !ok {
		return nil, repository.ErrPaymentNotFound
	}
	return copyPayment(p), nil
}

func (f *fakePaymentRepo) GetByOrderID(_ context.Context, orderID uuid.UUID) ([]domain.Payment, error) {
	f.mu.Lock()
	var out []domain.Payment
	for _, p := range f.payments {
		if p.OrderID == orderID {
			out = append(out, *copyPayment(p))
		}
	}
	hook := f.afterGetByOrderID
	f.afterGetByOrderID = nil
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	return out, nil
}

func (f *fakePaymentRepo) UpdateGuarded(_ context.Context, payment *domain.Payment, expectedVersion int64, evt *outboxDomain.OutboxEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	stored, ok := f.payments[payment.ID]
	if !ok {
		return repository.ErrPaymentNotFound
	}
	if stored.Version != expectedVersion {
		return repository.ErrVersionConflict
	}

	cp := copyPayment(payment)
	cp.Version = expectedVersion + 1
	f.payments[payment.ID] = cp
	payment.Version = cp.Version

	if evt != nil {
		f.savedEvents = append(f.savedEvents, evt)
	}
	return nil
}

type fakeShadowRepo struct {
	mu      sync.Mutex
	shadows map[uuid.UUID]*domain.OrderShadow
}

func newFakeShadowRepo() *fakeShadowRepo {
	return &fakeShadowRepo{shadows: make(map[uuid.UUID]*domain.OrderShadow)}
}

func (f *fakeShadowRepo) Insert(_ context.Context, shadow *domain.OrderShadow) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.shadows[shadow.OrderID]; ok {
		return nil
	}
	cp := *shadow
	f.shadows[shadow.OrderID] = &cp
	return nil
}

func (f *fakeShadowRepo) GetByOrderID(_ context.Context, orderID uuid.UUID) (*domain.OrderShadow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.shadows[orderID]
	if !ok {
		return nil, repository.ErrShadowNotFound
	}
	cp := *s
	return &cp, nil
}

func (f *fakeShadowRepo) Update(_ context.Context, shadow *domain.OrderShadow, expectedVersion int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	stored, ok := f.shadows[shadow.OrderID]
	if !ok {
		return repository.ErrShadowNotFound
	}
	if stored.Version != expectedVersion {
		return repository.ErrVersionConflict
	}

	cp := *shadow
	f.shadows[shadow.OrderID] = &cp
	return nil
}

func (f *fakeShadowRepo) seed(userID string, total float64) *domain.OrderShadow {
	s := &domain.OrderShadow{
		OrderID:    uuid.New(),
		UserID:     userID,
		TotalPrice: total,
		Status:     domain.OrderStatusCreated,
		ExpiresAt:  time.Now().Add(30 * time.Minute),
		Version:    1,
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *s
	f.shadows[s.OrderID] = &cp
	return s
}

func newTestPaymentService(payments *fakePaymentRepo, shadows *fakeShadowRepo) *paymentService {
	svc := NewPaymentService(
		payments,
		shadows,
		gateway.NewSigner(testSecret),
		"https://pay.example.com/checkout",
		"http://localhost:3003/payments/gateway/callback",
		zap.NewNop(),
	)
	return svc.(*paymentService)
}

func TestCreatePayment_Gateway(t *testing.T) {
	payments := newFakePaymentRepo()
	shadows := newFakeShadowRepo()
	shadow := shadows.seed("user-1", 115)

	svc := newTestPaymentService(payments, shadows)

	result, err := svc.CreatePayment(context.Background(), "user-1", CreatePaymentInput{
		OrderID: shadow.OrderID,
		Amount:  115,
		Method:  domain.MethodGateway,
	})
	require.NoError(t, err)

	p := result.Payment
	assert.Equal(t, domain.PaymentStatusPending, p.Status)
	assert.InDelta(t, 115.0, p.Amount, 1e-9, "stored amount must come from the order record")
	require.NotEmpty(t, result.RedirectURL)
	assert.True(t, strings.Contains(result.RedirectURL, gateway.ParamSignature))
	assert.True(t, strings.Contains(result.RedirectURL, p.ID.String()))

	require.Len(t, payments.savedEvents, 1)
	assert.Equal(t, "payment.created", payments.savedEvents[0].Topic)
}

func TestCreatePayment_CODHasNoRedirect(t *testing.T) {
	payments := newFakePaymentRepo()
	shadows := newFakeShadowRepo()
	shadow := shadows.seed("user-1", 56)

	svc := newTestPaymentService(payments, shadows)

	result, err := svc.CreatePayment(context.Background(), "user-1", CreatePaymentInput{
		OrderID: shadow.OrderID,
		Amount:  56,
		Method:  domain.MethodCashOnDelivery,
	})
	require.NoError(t, err)
	assert.Empty(t, result.RedirectURL)
	assert.Equal(t, domain.PaymentStatusAwaitingDelivery, result.Payment.Status)
}

func TestCreatePayment_Guards(t *testing.T) {
	payments := newFakePaymentRepo()
	shadows := newFakeShadowRepo()
	svc := newTestPaymentService(payments, shadows)
	ctx := context.Background()

	t.Run("unknown order", func(t *testing.T) {
		_, err := svc.CreatePayment(ctx, "user-1", CreatePaymentInput{OrderID: uuid.New(), Amount: 50, Method: domain.MethodGateway})
		require.ErrorIs(t, err, repository.ErrShadowNotFound)
	})

	t.Run("wrong owner", func(t *testing.T) {
		shadow := shadows.seed("user-1", 50)
		_, err := svc.CreatePayment(ctx, "user-2", CreatePaymentInput{OrderID: shadow.OrderID, Amount: 50, Method: domain.MethodGateway})
		require.ErrorIs(t, err, ErrNotOrderOwner)
	})

	t.Run("expired order", func(t *testing.T) {
		shadow := shadows.seed("user-1", 50)
		shadows.shadows[shadow.OrderID].ExpiresAt = time.Now().Add(-time.Minute)

		_, err := svc.CreatePayment(ctx, "user-1", CreatePaymentInput{OrderID: shadow.OrderID, Amount: 50, Method: domain.MethodGateway})
		require.ErrorIs(t, err, ErrOrderExpired)
	})

	t.Run("cancelled order", func(t *testing.T) {
		shadow := shadows.seed("user-1", 50)
		shadows.shadows[shadow.OrderID].Status = domain.OrderStatusCancelled

		_, err := svc.CreatePayment(ctx, "user-1", CreatePaymentInput{OrderID: shadow.OrderID, Amount: 50, Method: domain.MethodGateway})
		require.ErrorIs(t, err, ErrOrderNotPayable)
	})

	t.Run("already completed order", func(t *testing.T) {
		shadow := shadows.seed("user-1", 50)
		shadows.shadows[shadow.OrderID].Status = domain.OrderStatusCompleted

		_, err := svc.CreatePayment(ctx, "user-1", CreatePaymentInput{OrderID: shadow.OrderID, Amount: 50, Method: domain.MethodGateway})
		require.ErrorIs(t, err, ErrOrderAlreadyPaid)
	})

	t.Run("wrong amount", func(t *testing.T) {
		shadow := shadows.seed("user-1", 50)

		_, err := svc.CreatePayment(ctx, "user-1", CreatePaymentInput{OrderID: shadow.OrderID, Amount: 49.99, Method: domain.MethodGateway})
		require.ErrorIs(t, err, ErrAmountMismatch)
	})
}

func TestCreatePayment_DuplicateGuards(t *testing.T) {
	payments := newFakePaymentRepo()
	shadows := newFakeShadowRepo()
	shadow := shadows.seed("user-1", 50)

	svc := newTestPaymentService(payments, shadows)
	ctx := context.Background()

	first, err := svc.CreatePayment(ctx, "user-1", CreatePaymentInput{OrderID: shadow.OrderID, Amount: 50, Method: domain.MethodGateway})
	require.NoError(t, err)

	_, err = svc.CreatePayment(ctx, "user-1", CreatePaymentInput{OrderID: shadow.OrderID, Amount: 50, Method: domain.MethodGateway})
	require.ErrorIs(t, err, ErrPaymentInProgress)

	// A failed attempt frees the order for a retry.
	stored := payments.payments[first.Payment.ID]
	stored.Status = domain.PaymentStatusFailed

	_, err = svc.CreatePayment(ctx, "user-1", CreatePaymentInput{OrderID: shadow.OrderID, Amount: 50, Method: domain.MethodGateway})
	require.NoError(t, err)
}

func TestCreatePayment_ConcurrentRequestsInsertOnce(t *testing.T) {
	payments := newFakePaymentRepo()
	shadows := newFakeShadowRepo()
	shadow := shadows.seed("user-1", 50)

	svc := newTestPaymentService(payments, shadows)

	// A competing request lands its insert between our duplicate check and
	// our write; the unique index must reject the second insert.
	payments.afterGetByOrderID = func() {
		payments.put(&domain.Payment{
			ID:      uuid.New(),
			OrderID: shadow.OrderID,
			UserID:  "user-1",
			Amount:  50,
			Method:  domain.MethodGateway,
			Status:  domain.PaymentStatusPending,
			Version: 1,
		})
	}

	_, err := svc.CreatePayment(context.Background(), "user-1", CreatePaymentInput{
		OrderID: shadow.OrderID,
		Amount:  50,
		Method:  domain.MethodGateway,
	})
	require.ErrorIs(t, err, ErrPaymentInProgress)

	var open int
	for _, p := range payments.payments {
		if p.Open() {
			open++
		}
	}
	assert.Equal(t, 1, open, "only one live payment may exist per order")
}

func signedCallback(t *testing.T, payment *domain.Payment, code string) map[string]string {
	t.Helper()

	signer := gateway.NewSigner(testSecret)
	params := map[string]string{
		gateway.ParamTxnRef:       payment.ID.String(),
		gateway.ParamAmount:       formatAmount(payment.Amount),
		gateway.ParamResponseCode: code,
		gateway.ParamTxnID:        "GW-000123",
	}
	params[gateway.ParamSignature] = signer.Sign(params)
	return params
}

func pendingPayment(t *testing.T, svc *paymentService, shadows *fakeShadowRepo, userID string, total float64) *domain.Payment {
	t.Helper()

	shadow := shadows.seed(userID, total)
	result, err := svc.CreatePayment(context.Background(), userID, CreatePaymentInput{
		OrderID: shadow.OrderID,
		Amount:  total,
		Method:  domain.MethodGateway,
	})
	require.NoError(t, err)
	return result.Payment
}

func TestGatewayCallback_Success(t *testing.T) {
	payments := newFakePaymentRepo()
	shadows := newFakeShadowRepo()
	svc := newTestPaymentService(payments, shadows)

	payment := pendingPayment(t, svc, shadows, "user-1", 115)

	settled, err := svc.HandleGatewayCallback(context.Background(), signedCallback(t, payment, gateway.CodeSuccess))
	require.NoError(t, err)

	assert.Equal(t, domain.PaymentStatusSuccess, settled.Status)
	require.NotNil(t, settled.PaidAt)
	require.NotNil(t, settled.GatewayTxnID)
	assert.Equal(t, "GW-000123", *settled.GatewayTxnID)

	topics := eventTopics(payments.savedEvents)
	assert.Contains(t, topics, "payment.completed")
}

func TestGatewayCallback_Declined(t *testing.T) {
	payments := newFakePaymentRepo()
	shadows := newFakeShadowRepo()
	svc := newTestPaymentService(payments, shadows)

	payment := pendingPayment(t, svc, shadows, "user-1", 115)

	settled, err := svc.HandleGatewayCallback(context.Background(), signedCallback(t, payment, "24"))
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusFailed, settled.Status)
	assert.Nil(t, settled.PaidAt)

	assert.NotContains(t, eventTopics(payments.savedEvents), "payment.completed")
}

func TestGatewayCallback_TamperedSignature(t *testing.T) {
	payments := newFakePaymentRepo()
	shadows := newFakeShadowRepo()
	svc := newTestPaymentService(payments, shadows)

	payment := pendingPayment(t, svc, shadows, "user-1", 115)

	params := signedCallback(t, payment, gateway.CodeSuccess)
	params[gateway.ParamAmount] = "0.01"

	_, err := svc.HandleGatewayCallback(context.Background(), params)
	require.ErrorIs(t, err, ErrInvalidSignature)

	stored, _ := payments.GetByID(context.Background(), payment.ID)
	assert.Equal(t, domain.PaymentStatusPending, stored.Status, "a forged callback must not move the payment")
}

func TestGatewayCallback_AmountMismatch(t *testing.T) {
	payments := newFakePaymentRepo()
	shadows := newFakeShadowRepo()
	svc := newTestPaymentService(payments, shadows)

	payment := pendingPayment(t, svc, shadows, "user-1", 115)

	// Correctly signed, but the amount disagrees with the payment record.
	signer := gateway.NewSigner(testSecret)
	params := map[string]string{
		gateway.ParamTxnRef:       payment.ID.String(),
		gateway.ParamAmount:       "1.00",
		gateway.ParamResponseCode: gateway.CodeSuccess,
	}
	params[gateway.ParamSignature] = signer.Sign(params)

	_, err := svc.HandleGatewayCallback(context.Background(), params)
	require.ErrorIs(t, err, ErrAmountMismatch)

	stored, _ := payments.GetByID(context.Background(), payment.ID)
	assert.Equal(t, domain.PaymentStatusFailed, stored.Status)
}

func TestGatewayCallback_RepeatIsNoOp(t *testing.T) {
	payments := newFakePaymentRepo()
	shadows := newFakeShadowRepo()
	svc := newTestPaymentService(payments, shadows)

	payment := pendingPayment(t, svc, shadows, "user-1", 115)
	params := signedCallback(t, payment, gateway.CodeSuccess)

	_, err := svc.HandleGatewayCallback(context.Background(), params)
	require.NoError(t, err)

	eventsBefore := len(payments.savedEvents)

	settled, err := svc.HandleGatewayCallback(context.Background(), params)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusSuccess, settled.Status)
	assert.Len(t, payments.savedEvents, eventsBefore, "replayed callback must not publish again")
}

func TestConfirmCashOnDelivery(t *testing.T) {
	payments := newFakePaymentRepo()
	shadows := newFakeShadowRepo()
	svc := newTestPaymentService(payments, shadows)

	shadow := shadows.seed("user-1", 56)
	result, err := svc.CreatePayment(context.Background(), "user-1", CreatePaymentInput{
		OrderID: shadow.OrderID,
		Amount:  56,
		Method:  domain.MethodCashOnDelivery,
	})
	require.NoError(t, err)
	require.Equal(t, domain.PaymentStatusAwaitingDelivery, result.Payment.Status)

	settled, err := svc.ConfirmCashOnDelivery(context.Background(), result.Payment.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusSuccess, settled.Status)
	require.NotNil(t, settled.PaidAt)
	assert.Contains(t, eventTopics(payments.savedEvents), "payment.completed")

	// Settled payments keep their outcome.
	_, err = svc.ConfirmCashOnDelivery(context.Background(), result.Payment.ID)
	require.ErrorIs(t, err, ErrPaymentFinal)
}

func TestConfirmCashOnDelivery_TerminalRejected(t *testing.T) {
	payments := newFakePaymentRepo()
	shadows := newFakeShadowRepo()
	svc := newTestPaymentService(payments, shadows)

	payment := pendingPayment(t, svc, shadows, "user-1", 115)

	_, err := svc.HandleGatewayCallback(context.Background(), signedCallback(t, payment, "24"))
	require.NoError(t, err)

	_, err = svc.ConfirmCashOnDelivery(context.Background(), payment.ID)
	require.ErrorIs(t, err, ErrPaymentFinal)
}

func TestHandleOrderUpdated_VersionGuard(t *testing.T) {
	payments := newFakePaymentRepo()
	shadows := newFakeShadowRepo()
	svc := newTestPaymentService(payments, shadows)
	ctx := context.Background()

	orderID := uuid.New()
	require.NoError(t, svc.HandleOrderCreated(ctx, &events.OrderCreatedEvent{
		ID:         orderID,
		UserID:     "user-1",
		TotalPrice: 115,
		Status:     domain.OrderStatusCreated,
		ExpiresAt:  time.Now().Add(30 * time.Minute),
		Version:    1,
	}))

	// A version gap must be retried later, not applied.
	err := svc.HandleOrderUpdated(ctx, &events.OrderUpdatedEvent{
		ID: orderID, Status: domain.OrderStatusCompleted, TotalPrice: 115, Version: 3,
	})
	require.ErrorIs(t, err, ErrEventGap)

	// The next version applies.
	require.NoError(t, svc.HandleOrderUpdated(ctx, &events.OrderUpdatedEvent{
		ID: orderID, Status: domain.OrderStatusPending, TotalPrice: 115, Version: 2,
	}))

	shadow, err := shadows.GetByOrderID(ctx, orderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPending, shadow.Status)
	assert.EqualValues(t, 2, shadow.Version)

	// A stale replay is silently skipped.
	require.NoError(t, svc.HandleOrderUpdated(ctx, &events.OrderUpdatedEvent{
		ID: orderID, Status: domain.OrderStatusCreated, TotalPrice: 115, Version: 1,
	}))

	shadow, _ = shadows.GetByOrderID(ctx, orderID)
	assert.Equal(t, domain.OrderStatusPending, shadow.Status)
}

func TestHandleOrderUpdated_CancellationCancelsOpenPayment(t *testing.T) {
	payments := newFakePaymentRepo()
	shadows := newFakeShadowRepo()
	svc := newTestPaymentService(payments, shadows)
	ctx := context.Background()

	payment := pendingPayment(t, svc, shadows, "user-1", 115)

	require.NoError(t, svc.HandleOrderUpdated(ctx, &events.OrderUpdatedEvent{
		ID:         payment.OrderID,
		Status:     domain.OrderStatusCancelled,
		TotalPrice: 115,
		Version:    2,
	}))

	stored, _ := payments.GetByID(ctx, payment.ID)
	assert.Equal(t, domain.PaymentStatusCancelled, stored.Status)
	assert.NotContains(t, eventTopics(payments.savedEvents), "payment.completed")
}

func TestHandleOrderUpdated_RedeliveredCancellationStillVoids(t *testing.T) {
	payments := newFakePaymentRepo()
	shadows := newFakeShadowRepo()
	svc := newTestPaymentService(payments, shadows)
	ctx := context.Background()

	payment := pendingPayment(t, svc, shadows, "user-1", 115)

	// The first delivery advanced the shadow but the void never landed.
	shadows.shadows[payment.OrderID].Status = domain.OrderStatusCancelled
	shadows.shadows[payment.OrderID].Version = 2

	require.NoError(t, svc.HandleOrderUpdated(ctx, &events.OrderUpdatedEvent{
		ID:         payment.OrderID,
		Status:     domain.OrderStatusCancelled,
		TotalPrice: 115,
		Version:    2,
	}))

	stored, _ := payments.GetByID(ctx, payment.ID)
	assert.Equal(t, domain.PaymentStatusCancelled, stored.Status, "replayed cancellation must still void the open payment")
}

func eventTopics(evts []*outboxDomain.OutboxEvent) []string {
	out := make([]string, 0, len(evts))
	for _, e := range evts {
		out = append(out, e.Topic)
	}
	return out
}
