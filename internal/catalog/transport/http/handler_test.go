package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jimm9Tran/UDPT-sub001/internal/catalog/domain"
)

type stubProductService struct {
	created int
	updated int
	deleted int
}

func (s *stubProductService) Create(_ context.Context, product *domain.Product) (uuid.UUID, error) {
	s.created++
	product.ID = uuid.New()
	return product.ID, nil
}

func (s *stubProductService) FindByID(_ context.Context, id uuid.UUID) (*domain.Product, error) {
	return &domain.Product{ID: id}, nil
}

func (s *stubProductService) List(_ context.Context, _, _ int64, _ string) ([]domain.Product, int64, error) {
	return nil, 0, nil
}

func (s *stubProductService) Update(_ context.Context, id uuid.UUID, _ *domain.UpdateProductInput) (*domain.Product, error) {
	s.updated++
	return &domain.Product{ID: id}, nil
}

func (s *stubProductService) Delete(_ context.Context, _ uuid.UUID) error {
	s.deleted++
	return nil
}

func newTestApp(products *stubProductService) *fiber.App {
	app := fiber.New()
	NewHandler(products, nil, zap.NewNop()).RegisterRoutes(app)
	return app
}

func TestProductWrites_RequireAdminRole(t *testing.T) {
	products := &stubProductService{}
	app := newTestApp(products)

	body := `{"name":"widget","price":25}`
	requests := []*http.Request{
		httptest.NewRequest(fiber.MethodPost, "/products", strings.NewReader(body)),
		httptest.NewRequest(fiber.MethodPut, "/products/"+uuid.NewString(), strings.NewReader(body)),
		httptest.NewRequest(fiber.MethodDelete, "/products/"+uuid.NewString(), nil),
	}

	for _, req := range requests {
		req.Header.Set("Content-Type", "application/json")

		resp, err := app.Test(req)
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusForbidden, resp.StatusCode, "%s %s", req.Method, req.URL.Path)
	}

	assert.Zero(t, products.created+products.updated+products.deleted, "gated handlers must not reach the service")
}

func TestProductWrites_AdminAllowed(t *testing.T) {
	products := &stubProductService{}
	app := newTestApp(products)

	req := httptest.NewRequest(fiber.MethodPost, "/products", strings.NewReader(`{"name":"widget","price":25}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-Role", "admin")

	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusCreated, resp.StatusCode)
	assert.Equal(t, 1, products.created)
}

func TestProductReads_NeedNoRole(t *testing.T) {
	app := newTestApp(&stubProductService{})

	resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/products", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}
