package tests

import (
	"time"

	"github.com/jimm9Tran/UDPT-sub001/internal/catalog/domain"
	"github.com/jimm9Tran/UDPT-sub001/internal/catalog/repository"
	"github.com/jimm9Tran/UDPT-sub001/internal/catalog/service"
)

func (s *IntegrationTestSuite) TestReserveCommitFlow() {
	product := s.seedProduct(10)

	reservationID, err := s.Inventory.Reserve(s.Ctx, "user-1", []service.ReserveItem{
		{ProductID: product.ID, Quantity: 4},
	})
	s.Require().NoError(err)

	stored, err := s.ProductRepo.GetByID(s.Ctx, product.ID)
	s.Require().NoError(err)
	s.Require().NotNil(stored.FindReservation(reservationID))
	s.Require().EqualValues(10, stored.CountInStock)
	s.Require().EqualValues(6, stored.AvailableToSell())

	s.Require().NoError(s.Inventory.Commit(s.Ctx, reservationID))

	stored, err = s.ProductRepo.GetByID(s.Ctx, product.ID)
	s.Require().NoError(err)
	s.Require().EqualValues(6, stored.CountInStock)
	s.Require().Empty(stored.Reservations)

	s.assertOutboxPublished(product.ID.String())
}

func (s *IntegrationTestSuite) TestReserveRelease() {
	product := s.seedProduct(5)

	reservationID, err := s.Inventory.Reserve(s.Ctx, "user-1", []service.ReserveItem{
		{ProductID: product.ID, Quantity: 5},
	})
	s.Require().NoError(err)

	s.Require().NoError(s.Inventory.Release(s.Ctx, reservationID))

	stored, err := s.ProductRepo.GetByID(s.Ctx, product.ID)
	s.Require().NoError(err)
	s.Require().EqualValues(5, stored.CountInStock)
	s.Require().Empty(stored.Reservations)
}

func (s *IntegrationTestSuite) TestReserveRejectsOverCommitment() {
	product := s.seedProduct(3)

	_, err := s.Inventory.Reserve(s.Ctx, "user-1", []service.ReserveItem{
		{ProductID: product.ID, Quantity: 5},
	})

	var stockErr *domain.InsufficientStockError
	s.Require().ErrorAs(err, &stockErr)
	s.Require().EqualValues(3, stockErr.Available)
}

func (s *IntegrationTestSuite) TestStaleWriteIsRejected() {
	product := s.seedProduct(10)

	first, err := s.ProductRepo.GetByID(s.Ctx, product.ID)
	s.Require().NoError(err)
	second, err := s.ProductRepo.GetByID(s.Ctx, product.ID)
	s.Require().NoError(err)

	first.CountInStock = 8
	s.Require().NoError(s.ProductRepo.UpdateGuarded(s.Ctx, first, first.Version, nil))

	second.CountInStock = 2
	err = s.ProductRepo.UpdateGuarded(s.Ctx, second, second.Version, nil)
	s.Require().ErrorIs(err, repository.ErrVersionConflict)

	stored, err := s.ProductRepo.GetByID(s.Ctx, product.ID)
	s.Require().NoError(err)
	s.Require().EqualValues(8, stored.CountInStock)
}

func (s *IntegrationTestSuite) assertOutboxPublished(aggregateID string) {
	query := `
		SELECT published_at
		FROM outbox
		WHERE aggregate_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`

	s.Require().Eventually(func() bool {
		var publishedAt *time.Time

		err := s.Pool.QueryRow(s.Ctx, query, aggregateID).Scan(&publishedAt)

		return err == nil && publishedAt != nil
	}, 5*time.Second, 100*time.Millisecond)
}
