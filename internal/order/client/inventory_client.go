package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/jimm9Tran/UDPT-sub001/pkg/utils"
)

var ErrProductNotFound = errors.New("product not found in catalog")

// InsufficientStockError mirrors the catalog's 409 payload so the saga can
// tell the caller which line failed.
type InsufficientStockError struct {
	ProductID string
	Available int32
	Message   string
}

func (e *InsufficientStockError) Error() string {
	return e.Message
}

type Product struct {
	ID           uuid.UUID `json:"id"`
	Name         string    `json:"name"`
	Price        float64   `json:"price"`
	Discount     float64   `json:"discount"`
	CountInStock int32     `json:"count_in_stock"`
}

type ReserveItem struct {
	ProductID uuid.UUID `json:"product_id"`
	Quantity  int32     `json:"quantity"`
}

// InventoryClient talks to the catalog service over HTTP. All calls go
// through a shared circuit breaker so a dead catalog fails orders fast
// instead of piling up timeouts.
type InventoryClient interface {
	GetProduct(ctx context.Context, id uuid.UUID) (*Product, error)
	Reserve(ctx context.Context, owner string, items []ReserveItem) (uuid.UUID, error)
	Release(ctx context.Context, reservationID uuid.UUID) error
	Commit(ctx context.Context, reservationID uuid.UUID) error
}

type inventoryClient struct {
	baseURL string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

func NewInventoryClient(baseURL string, logger *zap.Logger) InventoryClient {
	return &inventoryClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 5 * time.Second},
		breaker: utils.NewBreaker("catalog-service", logger),
		logger:  logger,
	}
}

func (c *inventoryClient) GetProduct(ctx context.Context, id uuid.UUID) (*Product, error) {
	body, err := c.do(ctx, http.MethodGet, "/products/"+id.String(), nil)
	if err != nil {
		return nil, err
	}

	var product Product
	if err := json.Unmarshal(body, &product); err != nil {
		return nil, fmt.Errorf("error decoding product: %w", err)
	}

	return &product, nil
}

func (c *inventoryClient) Reserve(ctx context.Context, owner string, items []ReserveItem) (uuid.UUID, error) {
	payload := map[string]any{
		"owner": owner,
		"items": items,
	}

	body, err := c.do(ctx, http.MethodPost, "/products/reserve-inventory", payload)
	if err != nil {
		return uuid.Nil, err
	}

	var resp struct {
		ReservationID uuid.UUID `json:"reservation_id"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return uuid.Nil, fmt.Errorf("error decoding reservation response: %w", err)
	}

	return resp.ReservationID, nil
}

func (c *inventoryClient) Release(ctx context.Context, reservationID uuid.UUID) error {
	_, err := c.do(ctx, http.MethodPost, "/products/release-inventory", map[string]any{
		"reservation_id": reservationID,
	})

	return err
}

func (c *inventoryClient) Commit(ctx context.Context, reservationID uuid.UUID) error {
	_, err := c.do(ctx, http.MethodPost, "/products/commit-inventory", map[string]any{
		"reservation_id": reservationID,
	})

	return err
}

type httpResult struct {
	status int
	body   []byte
}

func (c *inventoryClient) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	// Only transport failures count against the breaker; a 404 or 409 is
	// the catalog answering, not the catalog being down.
	res, err := utils.ExecuteWithBreaker(c.breaker, func() (httpResult, error) {
		var reqBody io.Reader
		if payload != nil {
			raw, err := json.Marshal(payload)
			if err != nil {
				return httpResult{}, fmt.Errorf("error marshalling request: %w", err)
			}
			reqBody = bytes.NewReader(raw)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
		if err != nil {
			return httpResult{}, fmt.Errorf("error building request: %w", err)
		}

		req.Header.Set("Content-Type", "application/json")
		otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

		resp, err := c.client.Do(req)
		if err != nil {
			return httpResult{}, fmt.Errorf("catalog request failed: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return httpResult{}, fmt.Errorf("error reading catalog response: %w", err)
		}

		if resp.StatusCode >= 500 {
			return httpResult{}, fmt.Errorf("catalog returned status %d", resp.StatusCode)
		}

		return httpResult{status: resp.StatusCode, body: body}, nil
	})
	if err != nil {
		return nil, err
	}

	switch {
	case res.status < 300:
		return res.body, nil
	case res.status == http.StatusNotFound:
		return nil, ErrProductNotFound
	case res.status == http.StatusConflict:
		return nil, decodeConflict(res.body)
	default:
		c.logger.Error(
			"Unexpected catalog response",
			zap.Int("status", res.status),
			zap.String("path", path),
		)

		return nil, fmt.Errorf("catalog returned status %d", res.status)
	}
}

func decodeConflict(body []byte) error {
	var conflict struct {
		Error     string `json:"error"`
		ProductID string `json:"product_id"`
		Available int32  `json:"available"`
	}

	if err := json.Unmarshal(body, &conflict); err != nil || conflict.ProductID == "" {
		return fmt.Errorf("catalog conflict: %s", string(body))
	}

	return &InsufficientStockError{
		ProductID: conflict.ProductID,
		Available: conflict.Available,
		Message:   conflict.Error,
	}
}
