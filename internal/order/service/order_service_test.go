package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jimm9Tran/UDPT-sub001/internal/order/client"
	"github.com/jimm9Tran/UDPT-sub001/internal/order/domain"
	"github.com/jimm9Tran/UDPT-sub001/internal/order/repository"
	outboxDomain "github.com/jimm9Tran/UDPT-sub001/pkg/outbox/domain"
)

type fakeOrderRepo struct {
	mu     sync.Mutex
	orders map[uuid.UUID]*domain.Order

	createErr   error
	conflicts   int
	savedEvents []*outboxDomain.OutboxEvent
}

func newFakeOrderRepo() *fakeOrderRepo {
	return &fakeOrderRepo{orders: make(map[uuid.UUID]*domain.Order)}
}

func copyOrder(o *domain.Order) *domain.Order {
	cp := *o
	cp.Items = append([]domain.OrderItem(nil), o.Items...)
	return &cp
}

func (f *fakeOrderRepo) Create(_ context.Context, order *domain.Order, evt *outboxDomain.OutboxEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.createErr != nil {
		return f.createErr
	}

	order.Version = 1
	f.orders[order.ID] = copyOrder(order)
	if evt != nil {
		f.savedEvents = append(f.savedEvents, evt)
	}
	return nil
}

func (f *fakeOrderRepo) GetByID(_ context.Context, id uuid.UUID) (*domain.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	o, ok := f.orders[id]
	if !ok {
		return nil, repository.ErrOrderNotFound
	}
	return copyOrder(o), nil
}

func (f *fakeOrderRepo) ListByUser(_ context.Context, userID string, _, _ int64) ([]domain.Order, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []domain.Order
	for _, o := range f.orders {
		if o.UserID == userID {
			out = append(out, *copyOrder(o))
		}
	}
	return out, int64(len(out)), nil
}

func (f *fakeOrderRepo) FindExpired(_ context.Context, now time.Time) ([]domain.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []domain.Order
	for _, o := range f.orders {
		if o.Status == domain.OrderStatusCreated && now.After(o.ExpiresAt) {
			out = append(out, *copyOrder(o))
		}
	}
	return out, nil
}

func (f *fakeOrderRepo) UpdateStatusGuarded(_ context.Context, order *domain.Order, expectedVersion int64, evt *outboxDomain.OutboxEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.conflicts > 0 {
		f.conflicts--
		return repository.ErrVersionConflict
	}

	stored, ok := f.orders[order.ID]
	if !ok {
		return repository.ErrOrderNotFound
	}
	if stored.Version != expectedVersion {
		return repository.ErrVersionConflict
	}

	stored.Status = order.Status
	stored.Version = expectedVersion + 1
	order.Version = stored.Version

	if evt != nil {
		f.savedEvents = append(f.savedEvents, evt)
	}
	return nil
}

type fakeInventoryClient struct {
	mu       sync.Mutex
	products map[uuid.UUID]client.Product

	reserveErr  error
	released    []uuid.UUID
	committed   []uuid.UUID
	lastReserve []client.ReserveItem
}

func newFakeInventoryClient() *fakeInventoryClient {
	return &fakeInventoryClient{products: make(map[uuid.UUID]client.Product)}
}

func (f *fakeInventoryClient) addProduct(price, discount float64) uuid.UUID {
	id := uuid.New()
	f.products[id] = client.Product{
		ID:           id,
		Name:         "widget",
		Price:        price,
		Discount:     discount,
		CountInStock: 100,
	}
	return id
}

func (f *fakeInventoryClient) GetProduct(_ context.Context, id uuid.UUID) (*client.Product, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	p, ok := f.products[id]
	if !ok {
		return nil, client.ErrProductNotFound
	}
	return &p, nil
}

func (f *fakeInventoryClient) Reserve(_ context.Context, _ string, items []client.ReserveItem) (uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.reserveErr != nil {
		return uuid.Nil, f.reserveErr
	}
	f.lastReserve = items
	return uuid.New(), nil
}

func (f *fakeInventoryClient) Release(_ context.Context, reservationID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.released = append(f.released, reservationID)
	return nil
}

func (f *fakeInventoryClient) Commit(_ context.Context, reservationID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.committed = append(f.committed, reservationID)
	return nil
}

func newTestOrderService(repo *fakeOrderRepo, inv *fakeInventoryClient) *orderService {
	svc := NewOrderService(repo, inv, zap.NewNop())
	return svc.(*orderService)
}

func TestCreateOrder_Success(t *testing.T) {
	repo := newFakeOrderRepo()
	inv := newFakeInventoryClient()
	productID := inv.addProduct(40, 0)

	svc := newTestOrderService(repo, inv)

	order, err := svc.CreateOrder(context.Background(), "user-1", CreateOrderInput{
		Items:           []CartItem{{ProductID: productID, Quantity: 2}},
		ShippingAddress: "12 Elm St",
		PaymentMethod:   "gateway_redirect",
	})
	require.NoError(t, err)

	assert.Equal(t, domain.OrderStatusCreated, order.Status)
	assert.NotEqual(t, uuid.Nil, order.ReservationID)
	assert.InDelta(t, 80.0, order.ItemsPrice, 1e-9)
	assert.InDelta(t, 10.0, order.ShippingPrice, 1e-9)
	assert.InDelta(t, 12.0, order.TaxPrice, 1e-9)
	assert.InDelta(t, 102.0, order.TotalPrice, 1e-9)
	assert.WithinDuration(t, time.Now().Add(domain.ExpiryWindow), order.ExpiresAt, time.Minute)

	require.Len(t, repo.savedEvents, 1)
	assert.Equal(t, "order.created", repo.savedEvents[0].Topic)

	require.Len(t, inv.lastReserve, 1)
	assert.Equal(t, productID, inv.lastReserve[0].ProductID)
	assert.Empty(t, inv.released)
}

func TestCreateOrder_SnapshotsCatalogPrice(t *testing.T) {
	repo := newFakeOrderRepo()
	inv := newFakeInventoryClient()
	productID := inv.addProduct(99.99, 0.2)

	svc := newTestOrderService(repo, inv)

	order, err := svc.CreateOrder(context.Background(), "user-1", CreateOrderInput{
		Items:           []CartItem{{ProductID: productID, Quantity: 1}},
		ShippingAddress: "12 Elm St",
		PaymentMethod:   "cod",
	})
	require.NoError(t, err)

	require.Len(t, order.Items, 1)
	assert.InDelta(t, 99.99, order.Items[0].Price, 1e-9)
	assert.InDelta(t, 0.2, order.Items[0].Discount, 1e-9)
	assert.Equal(t, "widget", order.Items[0].Name)
}

func TestCreateOrder_EmptyCart(t *testing.T) {
	svc := newTestOrderService(newFakeOrderRepo(), newFakeInventoryClient())

	_, err := svc.CreateOrder(context.Background(), "user-1", CreateOrderInput{})
	require.ErrorIs(t, err, ErrEmptyOrder)
}

func TestCreateOrder_UnknownProduct(t *testing.T) {
	repo := newFakeOrderRepo()
	inv := newFakeInventoryClient()

	svc := newTestOrderService(repo, inv)

	_, err := svc.CreateOrder(context.Background(), "user-1", CreateOrderInput{
		Items: []CartItem{{ProductID: uuid.New(), Quantity: 1}},
	})
	require.ErrorIs(t, err, client.ErrProductNotFound)
	assert.Empty(t, inv.released, "nothing was reserved, nothing to release")
}

func TestCreateOrder_InsufficientStockPropagates(t *testing.T) {
	repo := newFakeOrderRepo()
	inv := newFakeInventoryClient()
	productID := inv.addProduct(10, 0)
	inv.reserveErr = &client.InsufficientStockError{
		ProductID: productID.String(),
		Available: 1,
		Message:   "insufficient stock",
	}

	svc := newTestOrderService(repo, inv)

	_, err := svc.CreateOrder(context.Background(), "user-1", CreateOrderInput{
		Items: []CartItem{{ProductID: productID, Quantity: 5}},
	})

	var stockErr *client.InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	assert.Empty(t, repo.orders)
}

func TestCreateOrder_ShortStockRejectedBeforeReserving(t *testing.T) {
	repo := newFakeOrderRepo()
	inv := newFakeInventoryClient()
	productID := inv.addProduct(10, 0)

	p := inv.products[productID]
	p.CountInStock = 1
	inv.products[productID] = p

	svc := newTestOrderService(repo, inv)

	_, err := svc.CreateOrder(context.Background(), "user-1", CreateOrderInput{
		Items: []CartItem{{ProductID: productID, Quantity: 2}},
	})

	var stockErr *client.InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	assert.EqualValues(t, 1, stockErr.Available)
	assert.Nil(t, inv.lastReserve, "short lines must fail before any hold is taken")
	assert.Empty(t, repo.orders)
}

func TestCreateOrder_ReleasesReservationWhenPersistFails(t *testing.T) {
	repo := newFakeOrderRepo()
	repo.createErr = assert.AnError
	inv := newFakeInventoryClient()
	productID := inv.addProduct(10, 0)

	svc := newTestOrderService(repo, inv)

	_, err := svc.CreateOrder(context.Background(), "user-1", CreateOrderInput{
		Items: []CartItem{{ProductID: productID, Quantity: 1}},
	})
	require.ErrorIs(t, err, assert.AnError)

	require.Len(t, inv.released, 1, "the saga must compensate the orphaned hold")
}

func seedOrder(repo *fakeOrderRepo, userID string, status domain.OrderStatus) *domain.Order {
	o := &domain.Order{
		ID:            uuid.New(),
		UserID:        userID,
		Status:        status,
		ReservationID: uuid.New(),
		Items:         []domain.OrderItem{{ProductID: uuid.New(), Quantity: 1, Price: 10}},
		ExpiresAt:     time.Now().Add(domain.ExpiryWindow),
		Version:       1,
	}
	repo.orders[o.ID] = copyOrder(o)
	return o
}

func TestCancelOrder(t *testing.T) {
	repo := newFakeOrderRepo()
	svc := newTestOrderService(repo, newFakeInventoryClient())

	o := seedOrder(repo, "user-1", domain.OrderStatusCreated)

	cancelled, err := svc.CancelOrder(context.Background(), o.ID, "user-1", false)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, cancelled.Status)

	require.Len(t, repo.savedEvents, 1)
	assert.Equal(t, "order.updated", repo.savedEvents[0].Topic)

	// Cancelling again is a no-op, not an error.
	again, err := svc.CancelOrder(context.Background(), o.ID, "user-1", false)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, again.Status)
	assert.Len(t, repo.savedEvents, 1)
}

func TestCancelOrder_CompletedIsFinal(t *testing.T) {
	repo := newFakeOrderRepo()
	svc := newTestOrderService(repo, newFakeInventoryClient())

	o := seedOrder(repo, "user-1", domain.OrderStatusCompleted)

	_, err := svc.CancelOrder(context.Background(), o.ID, "user-1", false)
	require.ErrorIs(t, err, ErrOrderNotCancellable)
}

func TestCancelOrder_OwnershipEnforced(t *testing.T) {
	repo := newFakeOrderRepo()
	svc := newTestOrderService(repo, newFakeInventoryClient())

	o := seedOrder(repo, "user-1", domain.OrderStatusCreated)

	_, err := svc.CancelOrder(context.Background(), o.ID, "user-2", false)
	require.ErrorIs(t, err, ErrNotOrderOwner)

	// An admin can cancel on the user's behalf.
	_, err = svc.CancelOrder(context.Background(), o.ID, "user-2", true)
	require.NoError(t, err)
}

func TestMarkPendingAndCompleted(t *testing.T) {
	repo := newFakeOrderRepo()
	svc := newTestOrderService(repo, newFakeInventoryClient())

	o := seedOrder(repo, "user-1", domain.OrderStatusCreated)

	require.NoError(t, svc.MarkPending(context.Background(), o.ID))
	stored, _ := repo.GetByID(context.Background(), o.ID)
	assert.Equal(t, domain.OrderStatusPending, stored.Status)

	// Redelivered payment.created is a no-op.
	require.NoError(t, svc.MarkPending(context.Background(), o.ID))
	stored, _ = repo.GetByID(context.Background(), o.ID)
	assert.EqualValues(t, 2, stored.Version)

	require.NoError(t, svc.MarkCompleted(context.Background(), o.ID))
	stored, _ = repo.GetByID(context.Background(), o.ID)
	assert.Equal(t, domain.OrderStatusCompleted, stored.Status)
}

func TestMarkPending_IgnoredOnTerminalOrder(t *testing.T) {
	repo := newFakeOrderRepo()
	svc := newTestOrderService(repo, newFakeInventoryClient())

	o := seedOrder(repo, "user-1", domain.OrderStatusCancelled)

	require.NoError(t, svc.MarkPending(context.Background(), o.ID))
	stored, _ := repo.GetByID(context.Background(), o.ID)
	assert.Equal(t, domain.OrderStatusCancelled, stored.Status)
}

func TestUpdateStatus(t *testing.T) {
	repo := newFakeOrderRepo()
	svc := newTestOrderService(repo, newFakeInventoryClient())

	o := seedOrder(repo, "user-1", domain.OrderStatusCreated)

	updated, err := svc.UpdateStatus(context.Background(), o.ID, domain.OrderStatusPending)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPending, updated.Status)

	updated, err = svc.UpdateStatus(context.Background(), o.ID, domain.OrderStatusCancelled)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, updated.Status)

	_, err = svc.UpdateStatus(context.Background(), o.ID, domain.OrderStatus("shipped"))
	require.ErrorIs(t, err, ErrInvalidStatus)
}

func TestTransition_RetriesOnConflict(t *testing.T) {
	repo := newFakeOrderRepo()
	repo.conflicts = 2
	svc := newTestOrderService(repo, newFakeInventoryClient())

	o := seedOrder(repo, "user-1", domain.OrderStatusCreated)

	require.NoError(t, svc.MarkPending(context.Background(), o.ID))
	stored, _ := repo.GetByID(context.Background(), o.ID)
	assert.Equal(t, domain.OrderStatusPending, stored.Status)
}

func TestCancelExpired(t *testing.T) {
	repo := newFakeOrderRepo()
	svc := newTestOrderService(repo, newFakeInventoryClient())

	stale := seedOrder(repo, "user-1", domain.OrderStatusCreated)
	fresh := seedOrder(repo, "user-2", domain.OrderStatusCreated)

	repo.orders[stale.ID].ExpiresAt = time.Now().Add(-time.Minute)

	require.NoError(t, svc.CancelExpired(context.Background()))

	storedStale, _ := repo.GetByID(context.Background(), stale.ID)
	assert.Equal(t, domain.OrderStatusCancelled, storedStale.Status)

	storedFresh, _ := repo.GetByID(context.Background(), fresh.ID)
	assert.Equal(t, domain.OrderStatusCreated, storedFresh.Status)
}
