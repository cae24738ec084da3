package tests

import (
	"time"

	"github.com/jimm9Tran/UDPT-sub001/internal/order/domain"
	"github.com/jimm9Tran/UDPT-sub001/internal/order/service"
)

func (s *IntegrationTestSuite) TestCreateOrder() {
	productID := s.Catalog.addProduct(40)

	order, err := s.OrderService.CreateOrder(s.Ctx, "user-1", service.CreateOrderInput{
		Items:           []service.CartItem{{ProductID: productID, Quantity: 2}},
		ShippingAddress: "12 Elm St",
		PaymentMethod:   "gateway_redirect",
	})
	s.Require().NoError(err)

	stored, err := s.OrderRepo.GetByID(s.Ctx, order.ID)
	s.Require().NoError(err)
	s.Require().Equal(domain.OrderStatusCreated, stored.Status)
	s.Require().InDelta(102.0, stored.TotalPrice, 1e-9)
	s.Require().Len(stored.Items, 1)
	s.Require().EqualValues(1, stored.Version)

	s.assertEventPublished(order.ID.String(), "OrderCreated")
}

func (s *IntegrationTestSuite) TestCancelOrder() {
	productID := s.Catalog.addProduct(25)

	order, err := s.OrderService.CreateOrder(s.Ctx, "user-1", service.CreateOrderInput{
		Items:           []service.CartItem{{ProductID: productID, Quantity: 1}},
		ShippingAddress: "12 Elm St",
		PaymentMethod:   "cod",
	})
	s.Require().NoError(err)

	cancelled, err := s.OrderService.CancelOrder(s.Ctx, order.ID, "user-1", false)
	s.Require().NoError(err)
	s.Require().Equal(domain.OrderStatusCancelled, cancelled.Status)

	stored, err := s.OrderRepo.GetByID(s.Ctx, order.ID)
	s.Require().NoError(err)
	s.Require().Equal(domain.OrderStatusCancelled, stored.Status)
	s.Require().EqualValues(2, stored.Version)

	s.assertEventPublished(order.ID.String(), "OrderUpdated")
}

func (s *IntegrationTestSuite) TestPaymentLifecycleTransitions() {
	productID := s.Catalog.addProduct(25)

	order, err := s.OrderService.CreateOrder(s.Ctx, "user-1", service.CreateOrderInput{
		Items:           []service.CartItem{{ProductID: productID, Quantity: 1}},
		ShippingAddress: "12 Elm St",
		PaymentMethod:   "gateway_redirect",
	})
	s.Require().NoError(err)

	s.Require().NoError(s.OrderService.MarkPending(s.Ctx, order.ID))
	s.Require().NoError(s.OrderService.MarkCompleted(s.Ctx, order.ID))

	stored, err := s.OrderRepo.GetByID(s.Ctx, order.ID)
	s.Require().NoError(err)
	s.Require().Equal(domain.OrderStatusCompleted, stored.Status)

	// Out-of-order replay of payment.created must not regress the order.
	s.Require().NoError(s.OrderService.MarkPending(s.Ctx, order.ID))

	stored, err = s.OrderRepo.GetByID(s.Ctx, order.ID)
	s.Require().NoError(err)
	s.Require().Equal(domain.OrderStatusCompleted, stored.Status)
}

func (s *IntegrationTestSuite) assertEventPublished(aggregateID, eventType string) {
	query := `
		SELECT published_at
		FROM outbox
		WHERE aggregate_id = $1 AND event_type = $2
	`

	s.Require().Eventually(func() bool {
		var publishedAt *time.Time

		err := s.Pool.QueryRow(s.Ctx, query, aggregateID, eventType).Scan(&publishedAt)

		return err == nil && publishedAt != nil
	}, 5*time.Second, 100*time.Millisecond)
}
