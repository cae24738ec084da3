package tests

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"

	"github.com/jimm9Tran/UDPT-sub001/internal/order/client"
	"github.com/jimm9Tran/UDPT-sub001/internal/order/repository"
	"github.com/jimm9Tran/UDPT-sub001/internal/order/service"
	pkgKafka "github.com/jimm9Tran/UDPT-sub001/pkg/kafka"
	outboxRepository "github.com/jimm9Tran/UDPT-sub001/pkg/outbox/repository"
	"github.com/jimm9Tran/UDPT-sub001/pkg/outbox/worker"
	"github.com/jimm9Tran/UDPT-sub001/pkg/testsuite"
)

// catalogStub stands in for the catalog service: fixed products, every
// reserve succeeds, and release calls are recorded so compensation can be
// asserted.
type catalogStub struct {
	mu       sync.Mutex
	server   *httptest.Server
	products map[uuid.UUID]client.Product
	released []uuid.UUID
}

func newCatalogStub() *catalogStub {
	c := &catalogStub{products: make(map[uuid.UUID]client.Product)}
	c.server = httptest.NewServer(http.HandlerFunc(c.handle))
	return c
}

func (c *catalogStub) addProduct(price float64) uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := uuid.New()
	c.products[id] = client.Product{ID: id, Name: "stub product", Price: price, CountInStock: 100}
	return id
}

func (c *catalogStub) handle(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	defer c.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")

	switch {
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/products/"):
		id, err := uuid.Parse(strings.TrimPrefix(r.URL.Path, "/products/"))
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		p, ok := c.products[id]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "product not found"})
			return
		}
		_ = json.NewEncoder(w).Encode(p)
	case r.URL.Path == "/products/reserve-inventory":
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"reservation_id": uuid.NewString()})
	case r.URL.Path == "/products/release-inventory":
		var req struct {
			ReservationID uuid.UUID `json:"reservation_id"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		c.released = append(c.released, req.ReservationID)
		_ = json.NewEncoder(w).Encode(map[string]bool{"released": true})
	case r.URL.Path == "/products/commit-inventory":
		_ = json.NewEncoder(w).Encode(map[string]bool{"committed": true})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

type IntegrationTestSuite struct {
	testsuite.Infra

	Catalog      *catalogStub
	OrderRepo    repository.OrderRepository
	OrderService service.OrderService
	TestProducer pkgKafka.Producer
	workerCancel context.CancelFunc
}

func (s *IntegrationTestSuite) SetupSuite() {
	s.Infra.StartInfra("../../../migrations/order")
	s.Catalog = newCatalogStub()
}

func (s *IntegrationTestSuite) TearDownSuite() {
	if s.Catalog != nil {
		s.Catalog.server.Close()
	}
	s.Infra.StopInfra()
}

func (s *IntegrationTestSuite) SetupTest() {
	s.ResetTables("orders", "outbox", "processed_events")

	logger := zap.NewNop()
	outboxRepo := outboxRepository.NewOutboxRepository(s.Pool, logger)
	s.OrderRepo = repository.NewOrderRepository(s.Pool, outboxRepo, logger)

	inventoryClient := client.NewInventoryClient(s.Catalog.server.URL, logger)
	s.OrderService = service.NewOrderService(s.OrderRepo, inventoryClient, logger)

	var err error
	s.TestProducer, err = pkgKafka.NewProducer(s.Brokers)
	s.Require().NoError(err, "failed to create kafka producer")

	processor := worker.NewOutboxProcessor(s.Pool, outboxRepo, s.TestProducer, logger)

	workerCtx, cancel := context.WithCancel(s.Ctx)
	s.workerCancel = cancel

	go processor.Start(workerCtx)
}

func (s *IntegrationTestSuite) TearDownTest() {
	if s.workerCancel != nil {
		s.workerCancel()
	}
}

func TestIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration tests in short mode")
	}
	suite.Run(t, new(IntegrationTestSuite))
}
