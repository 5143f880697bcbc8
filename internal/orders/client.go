package orders

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"guest-access-service/internal/config"
)

// Order statuses the storefront reports. Only a subset matters here:
// review links die when the order leaves the delivered family.
const (
	StatusDelivered = "delivered"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
	StatusReturned  = "returned"
)

// Client is the order-lookup collaborator. Issuance uses MatchOrder to
// confirm an (email, order) pair without leaking which half mismatched;
// action-token validation uses OrderStatus because order state can
// change during a token's 30-day lifetime.
type Client interface {
	MatchOrder(ctx context.Context, email, orderID string) (bool, error)
	OrderStatus(ctx context.Context, orderID string) (string, error)
}

// HTTPClient talks to the storefront's internal order API.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewHTTPClient(cfg config.OrdersConfig) *HTTPClient {
	return &HTTPClient{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

type orderResponse struct {
	OrderID string `json:"order_id"`
	Email   string `json:"email"`
	Status  string `json:"status"`
}

func (c *HTTPClient) MatchOrder(ctx context.Context, email, orderID string) (bool, error) {
	order, found, err := c.fetchOrder(ctx, orderID)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	return order.Email == email, nil
}

func (c *HTTPClient) OrderStatus(ctx context.Context, orderID string) (string, error) {
	order, found, err := c.fetchOrder(ctx, orderID)
	if err != nil {
		return "", err
	}
	if !found {
		return "", fmt.Errorf("order not found: %s", orderID)
	}
	return order.Status, nil
}

func (c *HTTPClient) fetchOrder(ctx context.Context, orderID string) (*orderResponse, bool, error) {
	endpoint := fmt.Sprintf("%s/internal/orders/%s", c.baseURL, url.PathEscape(orderID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to build order request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("order service unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("order service returned status %d", resp.StatusCode)
	}

	var order orderResponse
	if err := json.NewDecoder(resp.Body).Decode(&order); err != nil {
		return nil, false, fmt.Errorf("failed to decode order response: %w", err)
	}
	return &order, true, nil
}
